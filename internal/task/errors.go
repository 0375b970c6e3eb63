package task

import (
	"errors"
	"fmt"
)

// ValidationError は入力（エンベロープ/ペイロード）の不備を表します。
// 再試行で解決しないため、即座に failed として扱います。
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Invalid は ValidationError を生成します。
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation は err が ValidationError を含むかを返します。
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// TransientError はネットワーク障害など、再試行で回復し得る失敗です。
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient は err を TransientError で包みます。
// nil や ValidationError はそのまま返します。
func Transient(op string, err error) error {
	if err == nil || IsValidation(err) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// ResourceError は一時ファイル削除の失敗です。ログのみで上位には伝播させません。
type ResourceError struct {
	Path string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("release %s: %v", e.Path, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }
