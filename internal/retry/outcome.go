// Package retry はハンドラー呼び出しごとの試行回数制御（Retry Supervisor）を提供します。
package retry

import "github.com/eslieh/grid-worker/internal/task"

// Kind はハンドラーの実行結果の分類です。
type Kind int

const (
	KindSuccess Kind = iota
	KindRetryable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome はハンドラーが返す明示的な結果です。
type Outcome struct {
	Kind   Kind
	Record *task.Result
	Err    error
}

// Success は成功結果を返します。record は nil でも構いません（配送不要の処理）。
func Success(record *task.Result) Outcome {
	return Outcome{Kind: KindSuccess, Record: record}
}

// Retryable は再試行可能な失敗を返します。
func Retryable(err error) Outcome {
	return Outcome{Kind: KindRetryable, Err: err}
}

// Fatal は再試行しても解決しない失敗を返します。
func Fatal(err error) Outcome {
	return Outcome{Kind: KindFatal, Err: err}
}

// Classify は (record, err) を Outcome に変換します。
// ValidationError は Fatal、それ以外のエラーは Retryable です。
func Classify(record *task.Result, err error) Outcome {
	switch {
	case err == nil:
		return Success(record)
	case task.IsValidation(err):
		return Fatal(err)
	default:
		return Retryable(err)
	}
}
