package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/eslieh/grid-worker/internal/metrics"
	"github.com/eslieh/grid-worker/internal/retry"
	"github.com/eslieh/grid-worker/internal/task"
)

// Deliverer は結果レコードを送信します。
type Deliverer interface {
	Deliver(ctx context.Context, rec *task.Result) retry.Outcome
}

// ResultHandler は send-result タスクを処理します。ジョブ本体とは別の Supervisor で試行回数を数えます。
type ResultHandler struct {
	reporter Deliverer
	sup      *retry.Supervisor
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	retryCount func(context.Context) (int, bool)
}

// NewResultHandler は ResultHandler を作成します。
func NewResultHandler(reporter Deliverer, policy retry.Policy, m *metrics.Metrics, logger zerolog.Logger) *ResultHandler {
	logger = logger.With().Str("component", "reporter").Logger()
	return &ResultHandler{
		reporter:   reporter,
		sup:        retry.NewSupervisor(TypeSendResult, policy, logger),
		metrics:    m,
		logger:     logger,
		retryCount: asynq.GetRetryCount,
	}
}

// ProcessTask は asynq.Handler の実装です。
func (h *ResultHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var msg resultMessage
	if err := json.Unmarshal(t.Payload(), &msg); err != nil || msg.Record == nil {
		h.logger.Error().Err(err).Msg("dropping malformed result message")
		return fmt.Errorf("malformed result message: %w", asynq.SkipRetry)
	}

	attempt, _ := h.retryCount(ctx)
	dec := h.sup.Run(ctx, msg.Record.TaskID, attempt, func(ctx context.Context) retry.Outcome {
		return h.reporter.Deliver(ctx, msg.Record)
	})
	h.metrics.ObserveCallback(string(dec.State))

	switch dec.State {
	case retry.StateSucceeded:
		return nil
	case retry.StateRetrying:
		return dec.Err
	default:
		h.logger.Error().
			Err(dec.Err).
			Str("task_id", msg.Record.TaskID).
			Str("task_type", string(msg.TaskType)).
			Str("state", string(dec.State)).
			Msg("giving up on result delivery")
		return fmt.Errorf("%v: %w", dec.Err, asynq.SkipRetry)
	}
}
