// Package storage は成果物をオブジェクトストレージへ保存します。
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/eslieh/grid-worker/internal/config"
)

// ResourceType はアップロードするリソースの種別です。
const (
	ResourceImage = "image"
	ResourceAuto  = "auto"
)

// Object はアップロード済みの成果物です。
type Object struct {
	URL          string // 代替URL（非セキュア）
	SecureURL    string
	PublicID     string
	Bytes        int64
	CreatedAt    time.Time
	ResourceType string
}

// PreferredURL は SecureURL、なければ URL を返します。
func (o *Object) PreferredURL() string {
	if o.SecureURL != "" {
		return o.SecureURL
	}
	return o.URL
}

// UploadOptions はアップロード時の指定です。
// PublicID を固定すると再試行時は同じオブジェクトを上書きします。
type UploadOptions struct {
	PublicID     string
	ResourceType string
	Format       string
}

// Uploader はローカルファイルをストレージへ送ります。
type Uploader interface {
	Upload(ctx context.Context, path string, opts UploadOptions) (*Object, error)
}

// New は設定に応じた Uploader を返します。
func New(cfg *config.Config) (Uploader, error) {
	switch cfg.StorageDriver {
	case config.StorageDriverCloudinary:
		return NewCloudinary(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret)
	case config.StorageDriverLocal:
		return NewLocal(cfg.LocalStorageDir, cfg.LocalStorageBaseURL)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.StorageDriver)
	}
}
