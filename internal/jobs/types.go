// Package jobs はキューのディスパッチ、ハンドラー実行、結果配送を asynq 上で実装します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eslieh/grid-worker/internal/retry"
	"github.com/eslieh/grid-worker/internal/task"
)

// asynq のタスク種別とキュー名
const (
	TypeDispatch   = "task_queue"
	TypeSendResult = "send-result"

	QueueDefault = "default"
	QueueResults = "results"
)

// Handler は1件のジョブを処理して Outcome を返します。
type Handler interface {
	Handle(ctx context.Context, job task.Job) retry.Outcome
}

// ClaimState は Claim の結果です。
type ClaimState int

const (
	// ClaimAcquired はこのワーカーが処理権を得たことを表します。
	ClaimAcquired ClaimState = iota
	// ClaimBusy は別のワーカーが処理中であることを表します。
	ClaimBusy
	// ClaimCompleted は既に終端状態に達していることを表します。
	ClaimCompleted
)

func (s ClaimState) String() string {
	switch s {
	case ClaimAcquired:
		return "acquired"
	case ClaimBusy:
		return "busy"
	case ClaimCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Claim は処理権の取得結果です。
type Claim struct {
	State ClaimState
	// Entry は ClaimCompleted のときの完了記録です。
	Entry *Entry
	// Wait は ClaimBusy のときのリースの残り時間です。
	Wait time.Duration
}

// LeaseHeldError は別の配送がリースを保持していることを表します。
// asynq の失敗回数には数えず、Wait の後に再配送させます。
type LeaseHeldError struct {
	Key  string
	Wait time.Duration
}

func (e *LeaseHeldError) Error() string {
	return fmt.Sprintf("lease on %s is held by another delivery (retry in %s)", e.Key, e.Wait)
}

// IsLeaseHeld は err が LeaseHeldError を含むかを返します。
func IsLeaseHeld(err error) bool {
	var held *LeaseHeldError
	return errors.As(err, &held)
}

// Entry はジョブの終端状態の記録です。
type Entry struct {
	Key       string       `json:"key"`
	Status    task.Status  `json:"status"`
	Owner     string       `json:"owner"`
	Result    *task.Result `json:"result"`
	Delivered bool         `json:"delivered"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// resultMessage は send-result タスクのペイロードです。
type resultMessage struct {
	TaskType task.Type    `json:"task_type"`
	Record   *task.Result `json:"record"`
}

// QueueStat はキューごとの件数です。
type QueueStat struct {
	Queue     string `json:"queue"`
	Size      int    `json:"size"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Completed int    `json:"completed"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Paused    bool   `json:"paused"`
}
