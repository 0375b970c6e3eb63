// Package config は環境変数から設定を読み込み、ワーカー全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ストレージドライバーの種類
const (
	StorageDriverCloudinary = "cloudinary"
	StorageDriverLocal      = "local"
)

// Config はワーカープロセスの設定を保持する構造体です。
// 起動時に一度だけ構築し、各コンポーネントへポインタで渡します。
type Config struct {
	// アプリケーション設定
	AppEnv  string // 実行環境 (development, production)
	LogFile string // ログの追記先ファイル（空なら標準出力のみ）

	// ブローカー設定
	RedisURL string // Asynq / 重複排除レッジャー用 Redis 接続URL

	// ワーカー設定
	Concurrency int      // 同時に処理するジョブ数
	Queues      []string // 購読するキュー（空なら全キュー）
	HTTPAddr    string   // 運用APIの待ち受けアドレス

	// リトライ設定
	RetryMaxAttempts int           // 1ジョブあたりの最大試行回数
	RetryDelay       time.Duration // 再試行までの固定待ち時間

	// タイムアウト設定
	FetchTimeout    time.Duration // 元画像取得
	VerifyTimeout   time.Duration // アップロード後のURL検証
	CallbackTimeout time.Duration // コールバックAPIへのPOST
	SegmentTimeout  time.Duration // 背景除去サービス呼び出し

	// 結果通知
	CallbackURL string // 結果を POST するコールバックAPI

	// ストレージ設定
	StorageDriver       string // cloudinary / local
	CloudinaryCloudName string
	CloudinaryAPIKey    string
	CloudinaryAPISecret string
	LocalStorageDir     string // local ドライバーの保存先
	LocalStorageBaseURL string // local ドライバーの公開URL

	// 画像処理設定
	SegmentationURL   string // 背景除去サービスのエンドポイント
	TempDir           string // 一時ファイルの作業ディレクトリ
	MaxSourceBytes    int64  // 取得する元画像の最大サイズ（バイト）
	MaxImageDimension int    // 背景除去結果の最大辺（ピクセル）
	MaxImagePixels    int64  // デコード・出力を許可する最大画素数
	PDFPageSize       string // PDFのページサイズ名
	PDFDPI            int    // PDFページをラスタライズする解像度

	// 重複排除レッジャー
	LeaseTTL  time.Duration // 処理中リースの有効期限
	LedgerTTL time.Duration // 完了記録の保持期間
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		AppEnv:  getEnv("APP_ENV", "development"),
		LogFile: getEnv("LOG_FILE", ""),

		RedisURL: getEnv("REDIS_CONNECTION_STRING", "redis://localhost:6379/0"),

		Concurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		Queues:      getEnvAsList("WORKER_QUEUES"),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8081"),

		RetryMaxAttempts: getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
		RetryDelay:       getEnvAsSeconds("RETRY_DELAY_SECONDS", 3),

		FetchTimeout:    getEnvAsSeconds("FETCH_TIMEOUT_SECONDS", 30),
		VerifyTimeout:   getEnvAsSeconds("VERIFY_TIMEOUT_SECONDS", 10),
		CallbackTimeout: getEnvAsSeconds("CALLBACK_TIMEOUT_SECONDS", 30),
		SegmentTimeout:  getEnvAsSeconds("SEGMENT_TIMEOUT_SECONDS", 60),

		CallbackURL: getEnv("WEB_API_URL", "http://localhost:80/api/task/results.php"),

		StorageDriver:       getEnv("STORAGE_DRIVER", ""),
		CloudinaryCloudName: getEnv("CLOUDINARY_CLOUD_NAME", ""),
		CloudinaryAPIKey:    getEnv("CLOUDINARY_API_KEY", ""),
		CloudinaryAPISecret: getEnv("CLOUDINARY_API_SECRET", ""),
		LocalStorageDir:     getEnv("LOCAL_STORAGE_DIR", "./storage"),
		LocalStorageBaseURL: getEnv("LOCAL_STORAGE_BASE_URL", "http://localhost:8081/files"),

		SegmentationURL:   getEnv("SEGMENTATION_URL", "http://localhost:7000/api/remove"),
		TempDir:           getEnv("TEMP_DIR", os.TempDir()),
		MaxSourceBytes:    getEnvAsInt64("MAX_SOURCE_BYTES", 50*1024*1024), // 50MB
		MaxImageDimension: getEnvAsInt("MAX_IMAGE_DIMENSION", 2000),
		MaxImagePixels:    getEnvAsInt64("MAX_IMAGE_PIXELS", 50_000_000),
		PDFPageSize:       getEnv("PDF_PAGE_SIZE", "A4"),
		PDFDPI:            getEnvAsInt("PDF_DPI", 150),

		LeaseTTL:  time.Duration(getEnvAsInt("LEASE_TTL_MINUTES", 10)) * time.Minute,
		LedgerTTL: time.Duration(getEnvAsInt("LEDGER_TTL_HOURS", 24)) * time.Hour,
	}

	if config.StorageDriver == "" {
		config.StorageDriver = config.defaultStorageDriver()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// IsProduction は本番環境かどうかを返します。
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_CONNECTION_STRING is required")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1 (got %d)", c.RetryMaxAttempts)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("RETRY_DELAY_SECONDS must not be negative")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1 (got %d)", c.Concurrency)
	}
	if c.MaxImageDimension < 1 {
		return fmt.Errorf("MAX_IMAGE_DIMENSION must be positive")
	}
	if c.MaxImagePixels < 1 {
		return fmt.Errorf("MAX_IMAGE_PIXELS must be positive")
	}
	if c.PDFDPI < 36 {
		return fmt.Errorf("PDF_DPI must be at least 36 (got %d)", c.PDFDPI)
	}

	switch c.StorageDriver {
	case StorageDriverCloudinary:
		if c.CloudinaryCloudName == "" || c.CloudinaryAPIKey == "" || c.CloudinaryAPISecret == "" {
			return fmt.Errorf("CLOUDINARY_CLOUD_NAME, CLOUDINARY_API_KEY and CLOUDINARY_API_SECRET are required for the cloudinary driver")
		}
	case StorageDriverLocal:
		// ローカルドライバーは開発用途のみ
		if c.IsProduction() {
			return fmt.Errorf("STORAGE_DRIVER=local is not allowed in production")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_DRIVER: %s", c.StorageDriver)
	}

	if c.IsProduction() && c.CallbackURL == "" {
		return fmt.Errorf("WEB_API_URL is required in production")
	}

	return nil
}

func (c *Config) defaultStorageDriver() string {
	if c.CloudinaryCloudName != "" {
		return StorageDriverCloudinary
	}
	return StorageDriverLocal
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}

// getEnvAsList はカンマ区切りの環境変数を配列として取得します。
func getEnvAsList(key string) []string {
	raw := os.Getenv(key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var values []string
	for _, v := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
