package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/eslieh/grid-worker/internal/metrics"
	"github.com/eslieh/grid-worker/internal/retry"
	"github.com/eslieh/grid-worker/internal/task"
)

// Dispatcher は task_queue のエンベロープを検証し、種別ごとのキューへ振り分けます。
type Dispatcher struct {
	client  Enqueuer
	sink    ResultSink
	sup     *retry.Supervisor
	metrics *metrics.Metrics
	logger  zerolog.Logger

	retryCount func(context.Context) (int, bool)
}

// NewDispatcher は Dispatcher を作成します。
func NewDispatcher(client Enqueuer, sink ResultSink, policy retry.Policy, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	logger = logger.With().Str("component", "dispatcher").Logger()
	return &Dispatcher{
		client:     client,
		sink:       sink,
		sup:        retry.NewSupervisor(TypeDispatch, policy, logger),
		metrics:    m,
		logger:     logger,
		retryCount: asynq.GetRetryCount,
	}
}

// Submit はエンベロープを検証して task_queue に投入します。
func (d *Dispatcher) Submit(ctx context.Context, env *task.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	t := asynq.NewTask(TypeDispatch, body)
	_, err = d.client.EnqueueContext(ctx, t,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(d.sup.Policy().MaxRetry()),
		asynq.TaskID("dispatch:"+string(env.TaskType)+":"+env.TaskID),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return task.Transient("enqueue envelope", err)
	}
	return nil
}

// ProcessTask は asynq.Handler の実装です。
func (d *Dispatcher) ProcessTask(ctx context.Context, t *asynq.Task) error {
	env, decodeErr := task.DecodeEnvelope(t.Payload())
	taskID := ""
	if env != nil {
		taskID = strings.TrimSpace(env.TaskID)
	}

	attempt, _ := d.retryCount(ctx)
	dec := d.sup.Run(ctx, taskID, attempt, func(ctx context.Context) retry.Outcome {
		if decodeErr != nil {
			return retry.Fatal(decodeErr)
		}
		return retry.Classify(nil, d.route(ctx, env))
	})

	switch dec.State {
	case retry.StateSucceeded:
		return nil
	case retry.StateRetrying:
		d.metrics.ObserveDispatch("error")
		return dec.Err
	}

	if dec.State == retry.StateRejected {
		d.metrics.ObserveDispatch("rejected")
	} else {
		d.metrics.ObserveDispatch("error")
	}
	if taskID == "" {
		d.logger.Error().Err(dec.Err).Bytes("envelope", truncate(t.Payload(), 512)).Msg("dropping envelope without task_id")
	} else if err := d.sink.Send(ctx, env.TaskType, dec.Record); err != nil {
		d.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to emit failed record")
		return err
	}
	return fmt.Errorf("%v: %w", dec.Err, asynq.SkipRetry)
}

// route は {task_id, payload} を task_type のキューへ1件だけ投入します。
func (d *Dispatcher) route(ctx context.Context, env *task.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(task.Job{TaskID: env.TaskID, Payload: env.Payload})
	if err != nil {
		return err
	}
	t := asynq.NewTask(string(env.TaskType), body)
	info, err := d.client.EnqueueContext(ctx, t,
		asynq.Queue(env.TaskType.Queue()),
		asynq.MaxRetry(d.sup.Policy().MaxRetry()),
		asynq.TaskID(LedgerKey(env.TaskType, env.TaskID)),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		d.metrics.ObserveDispatch("duplicate")
		d.logger.Info().Str("task_id", env.TaskID).Str("task_type", string(env.TaskType)).Msg("envelope already routed")
		return nil
	}
	if err != nil {
		return task.Transient("enqueue job", err)
	}
	d.metrics.ObserveDispatch("routed")
	d.logger.Info().
		Str("task_id", env.TaskID).
		Str("task_type", string(env.TaskType)).
		Str("queue", info.Queue).
		Msg("envelope routed")
	return nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
