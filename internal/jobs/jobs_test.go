package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/eslieh/grid-worker/internal/task"
)

type enqueued struct {
	taskType string
	payload  []byte
	queue    string
	maxRetry int
	taskID   string
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	items []enqueued
	ids   map[string]bool
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := enqueued{taskType: t.Type(), payload: t.Payload()}
	for _, o := range opts {
		switch o.Type() {
		case asynq.QueueOpt:
			e.queue = o.Value().(string)
		case asynq.MaxRetryOpt:
			e.maxRetry = o.Value().(int)
		case asynq.TaskIDOpt:
			e.taskID = o.Value().(string)
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.ids == nil {
		f.ids = map[string]bool{}
	}
	if e.taskID != "" && f.ids[e.taskID] {
		return nil, asynq.ErrTaskIDConflict
	}
	f.ids[e.taskID] = true
	f.items = append(f.items, e)
	return &asynq.TaskInfo{ID: e.taskID, Queue: e.queue, Type: e.taskType, Payload: e.payload}, nil
}

func (f *fakeEnqueuer) all() []enqueued {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]enqueued(nil), f.items...)
}

type sent struct {
	taskType task.Type
	record   *task.Result
}

type fakeSink struct {
	mu    sync.Mutex
	sent  []sent
	fails int
}

func (s *fakeSink) Send(_ context.Context, taskType task.Type, rec *task.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return task.Transient("enqueue result", errors.New("broker unavailable"))
	}
	s.sent = append(s.sent, sent{taskType: taskType, record: rec})
	return nil
}

func (s *fakeSink) records() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sent...)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func fixedCount(n int) func(context.Context) (int, bool) {
	return func(context.Context) (int, bool) { return n, true }
}

func isSkipRetry(err error) bool {
	return errors.Is(err, asynq.SkipRetry)
}

func mustNoSkip(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	require.False(t, isSkipRetry(err), "unexpected SkipRetry: %v", err)
}
