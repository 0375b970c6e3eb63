package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/eslieh/grid-worker/internal/task"
)

// Enqueuer は asynq.Client のうちタスク投入に使う部分です。
type Enqueuer interface {
	EnqueueContext(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ResultSink は終端状態の結果レコードを配送系へ渡します。
type ResultSink interface {
	Send(ctx context.Context, taskType task.Type, rec *task.Result) error
}

// QueueSink は結果レコードを send-result タスクとして results キューへ投入します。
// 1ジョブにつき1件だけ投入されるよう、タスクIDを固定します。
type QueueSink struct {
	client   Enqueuer
	maxRetry int
}

// NewQueueSink は QueueSink を作成します。
func NewQueueSink(client Enqueuer, maxRetry int) *QueueSink {
	return &QueueSink{client: client, maxRetry: maxRetry}
}

// Send は rec を投入します。同じジョブの結果が既にキューにある場合は成功扱いです。
func (s *QueueSink) Send(ctx context.Context, taskType task.Type, rec *task.Result) error {
	if rec == nil {
		return errors.New("record is nil")
	}
	body, err := json.Marshal(resultMessage{TaskType: taskType, Record: rec})
	if err != nil {
		return err
	}
	t := asynq.NewTask(TypeSendResult, body)
	_, err = s.client.EnqueueContext(ctx, t,
		asynq.Queue(QueueResults),
		asynq.MaxRetry(s.maxRetry),
		asynq.TaskID(resultTaskID(taskType, rec.TaskID)),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return task.Transient("enqueue result", fmt.Errorf("task %s: %w", rec.TaskID, err))
	}
	return nil
}

func resultTaskID(taskType task.Type, taskID string) string {
	return "result:" + string(taskType) + ":" + taskID
}
