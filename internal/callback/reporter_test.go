package callback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eslieh/grid-worker/internal/retry"
	"github.com/eslieh/grid-worker/internal/task"
)

func TestPostSendsRecordAsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"ok":true}`)) //nolint:errcheck
	}))
	defer srv.Close()

	rep := NewReporter(srv.Client(), srv.URL, zerolog.Nop())
	err := rep.Post(context.Background(), task.Failed("t1", errors.New("boom")))
	require.NoError(t, err)

	assert.Equal(t, "t1", got["task_id"])
	assert.Equal(t, "failed", got["status"])
	assert.Equal(t, "boom", got["error"])
	assert.Contains(t, got, "result")
	assert.Nil(t, got["result"])
}

func TestPostNon2xxIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewReporter(srv.Client(), srv.URL, zerolog.Nop()).Post(context.Background(), task.Done("t1", "u", nil))
	var te *task.TransientError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, err.Error(), "500")
}

func TestDeliveryStopsAtAttemptCeiling(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rep := NewReporter(srv.Client(), srv.URL, zerolog.Nop())
	sup := retry.NewSupervisor("send-result", retry.Policy{MaxAttempts: 3, Delay: time.Millisecond}, zerolog.Nop())
	rec := task.Done("t1", "https://cdn/x.png", nil)

	var last retry.Decision
	for attempt := 0; attempt < 10; attempt++ {
		last = sup.Run(context.Background(), rec.TaskID, attempt, func(ctx context.Context) retry.Outcome {
			return rep.Deliver(ctx, rec)
		})
		if last.State.Terminal() {
			break
		}
	}

	assert.Equal(t, retry.StateExhausted, last.State)
	assert.Equal(t, int32(3), hits.Load())
}

func TestDeliverNilRecordIsFatal(t *testing.T) {
	out := NewReporter(nil, "http://127.0.0.1:1", zerolog.Nop()).Deliver(context.Background(), nil)
	assert.Equal(t, retry.KindFatal, out.Kind)
}
