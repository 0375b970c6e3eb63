package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eslieh/grid-worker/internal/task"
)

// drive はキューの再配送を模して、終端状態になるまで Run を繰り返します。
func drive(s *Supervisor, fn func(context.Context) Outcome) (Decision, int) {
	calls := 0
	wrapped := func(ctx context.Context) Outcome {
		calls++
		return fn(ctx)
	}
	for attempt := 0; ; attempt++ {
		d := s.Run(context.Background(), "t-1", attempt, wrapped)
		if d.State.Terminal() {
			return d, calls
		}
	}
}

func TestRunSucceeded(t *testing.T) {
	s := NewSupervisor("test", DefaultPolicy(), zerolog.Nop())
	rec := task.Done("t-1", "https://cdn/x.png", nil)

	d, calls := drive(s, func(context.Context) Outcome { return Success(rec) })

	assert.Equal(t, StateSucceeded, d.State)
	assert.Same(t, rec, d.Record)
	assert.Equal(t, 1, calls)
}

func TestRunExhaustsAfterMaxAttempts(t *testing.T) {
	s := NewSupervisor("test", DefaultPolicy(), zerolog.Nop())

	d, calls := drive(s, func(context.Context) Outcome { return Retryable(errors.New("connection refused")) })

	assert.Equal(t, StateExhausted, d.State)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, d.Retry.Attempt)
	require.NotNil(t, d.Record)
	assert.Equal(t, task.StatusFailed, d.Record.Status)
	assert.Nil(t, d.Record.Output)
	require.NotNil(t, d.Record.Error)
	assert.Contains(t, *d.Record.Error, "connection refused")
}

func TestRunRetryingCarriesFixedDelay(t *testing.T) {
	s := NewSupervisor("test", Policy{MaxAttempts: 3, Delay: 3 * time.Second}, zerolog.Nop())

	for attempt := 0; attempt < 2; attempt++ {
		d := s.Run(context.Background(), "t-1", attempt, func(context.Context) Outcome {
			return Retryable(errors.New("timeout"))
		})
		assert.Equal(t, StateRetrying, d.State)
		assert.Equal(t, 3*time.Second, d.Retry.Delay)
		assert.Equal(t, attempt+1, d.Retry.Attempt)
		assert.Nil(t, d.Record)
	}
}

func TestRunFatalShortCircuits(t *testing.T) {
	s := NewSupervisor("test", DefaultPolicy(), zerolog.Nop())

	d, calls := drive(s, func(context.Context) Outcome {
		return Classify(nil, task.Invalid("width", "must be positive"))
	})

	assert.Equal(t, StateRejected, d.State)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, d.Retry.Attempt)
	require.NotNil(t, d.Record)
	assert.Equal(t, task.StatusFailed, d.Record.Status)
}

func TestRunRecoversPanic(t *testing.T) {
	s := NewSupervisor("test", Policy{MaxAttempts: 2}, zerolog.Nop())

	d := s.Run(context.Background(), "t-1", 0, func(context.Context) Outcome { panic("nil image") })

	assert.Equal(t, StateRetrying, d.State)
	assert.ErrorContains(t, d.Err, "nil image")
}

func TestRunSucceedsAfterTransientFailure(t *testing.T) {
	s := NewSupervisor("test", DefaultPolicy(), zerolog.Nop())
	failures := 1

	d, calls := drive(s, func(context.Context) Outcome {
		if failures > 0 {
			failures--
			return Retryable(errors.New("503"))
		}
		return Success(nil)
	})

	assert.Equal(t, StateSucceeded, d.State)
	assert.Equal(t, 2, calls)
}

func TestPolicyNormalize(t *testing.T) {
	p := Policy{MaxAttempts: 0, Delay: -time.Second}.Normalize()
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, time.Duration(0), p.Delay)
	assert.Equal(t, 2, DefaultPolicy().MaxRetry())
}
