package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eslieh/grid-worker/internal/retry"
	"github.com/eslieh/grid-worker/internal/task"
)

type countingDeliverer struct {
	calls atomic.Int32
	err   error
}

func (d *countingDeliverer) Deliver(context.Context, *task.Result) retry.Outcome {
	d.calls.Add(1)
	return retry.Classify(nil, d.err)
}

func resultTask(t *testing.T) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(resultMessage{TaskType: task.TypeResize, Record: task.Done("t1", "https://cdn/x", nil)})
	require.NoError(t, err)
	return asynq.NewTask(TypeSendResult, body)
}

func TestResultHandlerStopsAtAttemptCeiling(t *testing.T) {
	rep := &countingDeliverer{err: task.Transient("callback POST", errors.New("unexpected status 502"))}
	h := NewResultHandler(rep, retry.Policy{MaxAttempts: 3, Delay: time.Millisecond}, nil, zerolog.Nop())

	var err error
	for attempt := 0; attempt < 10; attempt++ {
		h.retryCount = fixedCount(attempt)
		err = h.ProcessTask(context.Background(), resultTask(t))
		if isSkipRetry(err) {
			break
		}
	}
	assert.True(t, isSkipRetry(err))
	assert.Equal(t, int32(3), rep.calls.Load())
}

func TestResultHandlerSuccess(t *testing.T) {
	rep := &countingDeliverer{}
	h := NewResultHandler(rep, retry.DefaultPolicy(), nil, zerolog.Nop())
	h.retryCount = fixedCount(0)

	require.NoError(t, h.ProcessTask(context.Background(), resultTask(t)))
	assert.Equal(t, int32(1), rep.calls.Load())
}

func TestResultHandlerDropsMalformedMessage(t *testing.T) {
	rep := &countingDeliverer{}
	h := NewResultHandler(rep, retry.DefaultPolicy(), nil, zerolog.Nop())

	err := h.ProcessTask(context.Background(), asynq.NewTask(TypeSendResult, []byte(`{"task_type":"resize"}`)))
	assert.True(t, isSkipRetry(err))
	assert.Zero(t, rep.calls.Load())
}
