// Package logging は zerolog ベースのロガーを構築します。
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New は実行環境に応じた zerolog.Logger を生成します。
// extra が渡された場合は標準出力に加えてそちらにも JSON で書き出します。
func New(appEnv string, extra io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if appEnv == "development" {
		level = zerolog.DebugLevel
	}

	var out io.Writer = os.Stdout
	if appEnv == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	if extra != nil {
		out = zerolog.MultiLevelWriter(out, extra)
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// OpenFile は LOG_FILE 用にファイルを追記モードで開きます。
func OpenFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

// AsynqLogger は asynq.Logger を zerolog 上で実装します。
type AsynqLogger struct {
	logger zerolog.Logger
}

// NewAsynqLogger は component=asynq を付与したアダプターを返します。
func NewAsynqLogger(logger zerolog.Logger) *AsynqLogger {
	return &AsynqLogger{logger: logger.With().Str("component", "asynq").Logger()}
}

func (l *AsynqLogger) Debug(args ...interface{}) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l *AsynqLogger) Info(args ...interface{})  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l *AsynqLogger) Warn(args ...interface{})  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l *AsynqLogger) Error(args ...interface{}) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l *AsynqLogger) Fatal(args ...interface{}) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
