package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// Verifier はアップロード直後に公開URLへ到達できるかを確認します。
type Verifier struct {
	client *http.Client
	logger zerolog.Logger
}

// NewVerifier は Verifier を作成します。client のタイムアウトが HEAD の上限です。
func NewVerifier(client *http.Client, logger zerolog.Logger) *Verifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &Verifier{client: client, logger: logger}
}

// Resolve は結果レコードに載せるURLを決めます。
// セキュアURLが 401/403 を返し、代替URLがある場合は代替URLを使います。
func (v *Verifier) Resolve(ctx context.Context, obj *Object) (string, error) {
	if obj == nil {
		return "", errors.New("verify: object is nil")
	}
	primary := obj.PreferredURL()
	status, err := v.head(ctx, primary)
	if err != nil {
		return "", fmt.Errorf("verify %s: %w", primary, err)
	}

	switch {
	case status >= 200 && status < 300:
		return primary, nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if obj.URL != "" && obj.URL != primary {
			v.logger.Warn().
				Int("status", status).
				Str("public_id", obj.PublicID).
				Str("fallback_url", obj.URL).
				Msg("secure URL not accessible, using alternate URL")
			return obj.URL, nil
		}
		return "", fmt.Errorf("verify %s: access denied (%d) and no alternate URL", primary, status)
	default:
		return "", fmt.Errorf("verify %s: unexpected status %d", primary, status)
	}
}

func (v *Verifier) head(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return resp.StatusCode, nil
}
