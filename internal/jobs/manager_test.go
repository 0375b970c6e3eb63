package jobs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eslieh/grid-worker/internal/config"
	"github.com/eslieh/grid-worker/internal/retry"
)

func TestRetryDelayWaitsOutHeldLease(t *testing.T) {
	delay := retryDelay(retry.Policy{MaxAttempts: 3, Delay: 3 * time.Second})
	assert.Equal(t, 3*time.Second, delay(0, errors.New("timeout"), nil))
	assert.Equal(t, 40*time.Second, delay(0, fmt.Errorf("wrapped: %w", &LeaseHeldError{Key: "resize:t1", Wait: 40 * time.Second}), nil))
	assert.Equal(t, 3*time.Second, delay(0, &LeaseHeldError{Key: "resize:t1", Wait: time.Second}, nil))
}

func TestHeldLeaseIsNotAFailure(t *testing.T) {
	assert.False(t, isFailure(&LeaseHeldError{Key: "resize:t1", Wait: time.Second}))
	assert.True(t, isFailure(errors.New("timeout")))
	assert.False(t, isFailure(nil))
}

func TestQueueWeightsDefaultsToAllQueues(t *testing.T) {
	w := QueueWeights(nil)
	assert.Equal(t, weightResults, w[QueueResults])
	assert.Equal(t, weightDispatch, w[QueueDefault])
	for _, q := range []string{"remove-background", "resize", "compress", "convert-format", "assemble-pdf"} {
		assert.Equal(t, weightHandler, w[q], q)
	}
}

func TestQueueWeightsSelectsSubset(t *testing.T) {
	w := QueueWeights([]string{"resize", "results"})
	assert.Equal(t, map[string]int{"resize": weightHandler, "results": weightResults}, w)
}

func TestNewManager(t *testing.T) {
	_, err := NewManager(nil, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewManager(&config.Config{RedisURL: "://bad"}, zerolog.Nop())
	assert.Error(t, err)

	m, err := NewManager(&config.Config{
		RedisURL:         "redis://localhost:6379/0",
		Concurrency:      2,
		RetryMaxAttempts: 0,
		RetryDelay:       3 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 1, m.Policy().MaxAttempts)
	assert.NotNil(t, m.Client())
	m.client.Close()
	m.inspector.Close()
}
