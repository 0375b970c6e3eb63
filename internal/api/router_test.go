package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eslieh/grid-worker/internal/jobs"
	"github.com/eslieh/grid-worker/internal/task"
)

type stubSubmitter struct {
	got []*task.Envelope
	err error
}

func (s *stubSubmitter) Submit(_ context.Context, env *task.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	s.got = append(s.got, env)
	return s.err
}

type stubQueues struct {
	stats []jobs.QueueStat
	err   error
}

func (s stubQueues) QueueStats(context.Context) ([]jobs.QueueStat, error) {
	return s.stats, s.err
}

func newTestRouter(sub Submitter, q QueueInspector, filesDir string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(Options{Submitter: sub, Queues: q, FilesDir: filesDir}, zerolog.Nop())
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	w := do(newTestRouter(&stubSubmitter{}, stubQueues{}, ""), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestSubmitAccepted(t *testing.T) {
	sub := &stubSubmitter{}
	w := do(newTestRouter(sub, stubQueues{}, ""), http.MethodPost, "/api/tasks",
		`{"task_type":"resize","task_id":"t1","payload":{"original_url":"a.png"}}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "t1", decode(t, w)["task_id"])
	require.Len(t, sub.got, 1)
	assert.Equal(t, task.TypeResize, sub.got[0].TaskType)
}

func TestSubmitInvalid(t *testing.T) {
	r := newTestRouter(&stubSubmitter{}, stubQueues{}, "")

	w := do(r, http.MethodPost, "/api/tasks", `{"task_type":"sharpen","task_id":"t1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, "INVALID_INPUT", body["code"])
	assert.Contains(t, body["message"], "sharpen")

	w = do(r, http.MethodPost, "/api/tasks", `{`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitBrokerFailure(t *testing.T) {
	r := newTestRouter(&stubSubmitter{err: errors.New("redis down")}, stubQueues{}, "")
	w := do(r, http.MethodPost, "/api/tasks", `{"task_type":"resize","task_id":"t1"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", decode(t, w)["code"])
}

func TestQueues(t *testing.T) {
	r := newTestRouter(&stubSubmitter{}, stubQueues{stats: []jobs.QueueStat{{Queue: "resize", Pending: 2}}}, "")
	w := do(r, http.MethodGet, "/api/queues", "")
	assert.Equal(t, http.StatusOK, w.Code)
	queues := decode(t, w)["queues"].([]any)
	require.Len(t, queues, 1)
	assert.Equal(t, "resize", queues[0].(map[string]any)["queue"])
}

func TestFilesAndMetrics(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "resize"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "resize", "t1.png"), []byte("png"), 0o644))
	r := newTestRouter(&stubSubmitter{}, stubQueues{}, dir)

	w := do(r, http.MethodGet, "/files/resize/t1.png", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "png", w.Body.String())

	w = do(r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
