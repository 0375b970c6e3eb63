// Package callback は結果レコードをコールバックAPIへ送信します。
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/eslieh/grid-worker/internal/retry"
	"github.com/eslieh/grid-worker/internal/task"
)

// Reporter は結果レコードを JSON で POST します。
type Reporter struct {
	client *http.Client
	url    string
	logger zerolog.Logger
}

// NewReporter は Reporter を作成します。client のタイムアウトが POST の上限です。
func NewReporter(client *http.Client, url string, logger zerolog.Logger) *Reporter {
	if client == nil {
		client = http.DefaultClient
	}
	return &Reporter{client: client, url: url, logger: logger}
}

// URL は送信先です。
func (r *Reporter) URL() string {
	return r.url
}

// Post は rec を送信します。通信エラーと 2xx 以外は TransientError です。
func (r *Reporter) Post(ctx context.Context, rec *task.Result) error {
	if rec == nil {
		return task.Invalid("record", "record is nil")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return task.Invalid("record", "encode record: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return task.Invalid("callback_url", "build callback request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return task.Transient("callback POST", err)
	}
	defer resp.Body.Close()                              //nolint:errcheck
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return task.Transient("callback POST", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	r.logger.Info().
		Str("task_id", rec.TaskID).
		Str("status", string(rec.Status)).
		Int("http_status", resp.StatusCode).
		Msg("result delivered")
	return nil
}

// Deliver は Post の結果を Outcome に変換します。
func (r *Reporter) Deliver(ctx context.Context, rec *task.Result) retry.Outcome {
	return retry.Classify(nil, r.Post(ctx, rec))
}
