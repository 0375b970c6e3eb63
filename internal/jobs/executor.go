package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/eslieh/grid-worker/internal/metrics"
	"github.com/eslieh/grid-worker/internal/retry"
	"github.com/eslieh/grid-worker/internal/task"
)

// Executor はハンドラーを asynq.Handler として実行します。
// 処理権の取得、試行回数の判定、完了記録、結果の配送を担います。
type Executor struct {
	taskType task.Type
	handler  Handler
	ledger   *Ledger
	sink     ResultSink
	sup      *retry.Supervisor
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	retryCount func(context.Context) (int, bool)
	taskIDOf   func(context.Context) (string, bool)
	newID      func() string
	now        func() time.Time
}

// NewExecutor は Executor を作成します。
func NewExecutor(taskType task.Type, h Handler, ledger *Ledger, sink ResultSink, policy retry.Policy, m *metrics.Metrics, logger zerolog.Logger) *Executor {
	logger = logger.With().Str("task_type", string(taskType)).Logger()
	return &Executor{
		taskType:   taskType,
		handler:    h,
		ledger:     ledger,
		sink:       sink,
		sup:        retry.NewSupervisor(string(taskType), policy, logger),
		metrics:    m,
		logger:     logger,
		retryCount: asynq.GetRetryCount,
		taskIDOf:   asynq.GetTaskID,
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// ProcessTask は asynq.Handler の実装です。
func (e *Executor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var job task.Job
	if err := json.Unmarshal(t.Payload(), &job); err != nil || strings.TrimSpace(job.TaskID) == "" {
		e.logger.Error().Err(err).Msg("dropping malformed job without task_id")
		return fmt.Errorf("malformed job: %w", asynq.SkipRetry)
	}
	log := e.logger.With().Str("task_id", job.TaskID).Logger()

	key := LedgerKey(e.taskType, job.TaskID)
	owner := e.owner(ctx, key)
	attempt, _ := e.retryCount(ctx)
	claim, err := e.ledger.Claim(ctx, key, owner)
	if err != nil {
		return e.claimFailed(ctx, log, job.TaskID, attempt, err)
	}
	switch claim.State {
	case ClaimBusy:
		log.Info().Dur("retry_in", claim.Wait).Msg("job is being processed by another delivery, deferring copy")
		e.metrics.ObserveJob(string(e.taskType), "duplicate", 0)
		return &LeaseHeldError{Key: key, Wait: claim.Wait}
	case ClaimCompleted:
		if claim.Entry.Delivered || claim.Entry.Result == nil {
			log.Info().Str("status", string(claim.Entry.Status)).Msg("job already completed, skipping copy")
			return nil
		}
		log.Info().Msg("job completed earlier but result was not delivered, re-delivering")
		return e.deliver(ctx, key, claim.Entry.Result)
	}

	start := e.now()
	stop := e.keepAlive(ctx, log, key, owner)
	dec := e.sup.Run(ctx, job.TaskID, attempt, func(ctx context.Context) retry.Outcome {
		return e.handler.Handle(ctx, job)
	})
	stop()
	e.metrics.ObserveJob(string(e.taskType), string(dec.State), e.now().Sub(start))

	if !dec.State.Terminal() {
		if err := e.ledger.Release(ctx, key, owner); err != nil {
			log.Warn().Err(err).Msg("failed to release lease")
		}
		return dec.Err
	}

	if dec.Record != nil {
		if err := e.ledger.Complete(ctx, key, owner, dec.Record); err != nil {
			log.Warn().Err(err).Msg("failed to record completion")
		}
		if err := e.deliver(ctx, key, dec.Record); err != nil {
			return err
		}
	}

	if dec.State == retry.StateSucceeded {
		return nil
	}
	return fmt.Errorf("%v: %w", dec.Err, asynq.SkipRetry)
}

func (e *Executor) deliver(ctx context.Context, key string, rec *task.Result) error {
	if err := e.sink.Send(ctx, e.taskType, rec); err != nil {
		return err
	}
	if err := e.ledger.MarkDelivered(ctx, key); err != nil {
		e.logger.Warn().Err(err).Str("task_id", rec.TaskID).Msg("failed to mark result delivered")
	}
	return nil
}

// claimFailed は処理権を確認できなかった場合です。最後の試行では failed を配送して終了します。
func (e *Executor) claimFailed(ctx context.Context, log zerolog.Logger, taskID string, attempt int, err error) error {
	err = fmt.Errorf("claim %s: %w", taskID, err)
	if attempt < e.sup.Policy().MaxRetry() {
		return err
	}
	log.Error().Err(err).Int("attempt", attempt+1).Msg("ledger unavailable on final attempt, reporting failure")
	e.metrics.ObserveJob(string(e.taskType), string(retry.StateExhausted), 0)
	if sendErr := e.sink.Send(ctx, e.taskType, task.Failed(taskID, err)); sendErr != nil {
		return fmt.Errorf("%v (result: %v): %w", err, sendErr, asynq.SkipRetry)
	}
	return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
}

// keepAlive はハンドラー実行中にリースを延長し続けます。返り値の関数で停止します。
func (e *Executor) keepAlive(ctx context.Context, log zerolog.Logger, key, owner string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.ledger.LeaseTTL() / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				held, err := e.ledger.Extend(ctx, key, owner)
				if err != nil {
					log.Warn().Err(err).Msg("failed to extend lease")
				} else if !held {
					log.Warn().Msg("lease lost while processing")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// owner は配送ごとに一意な所有者です。asynq のタスクIDは重複した配送でも同じ値になります。
func (e *Executor) owner(ctx context.Context, key string) string {
	id, ok := e.taskIDOf(ctx)
	if !ok || id == "" {
		id = key
	}
	return id + "#" + e.newID()
}
