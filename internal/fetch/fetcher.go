// Package fetch は元画像（HTTP またはローカルパス）を取得してデコードします。
package fetch

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/eslieh/grid-worker/internal/imaging"
	"github.com/eslieh/grid-worker/internal/task"
)

// DefaultMaxBytes は取得する元画像の既定上限です。
const DefaultMaxBytes int64 = 50 << 20

// Image は取得してデコード済みの元画像です。
type Image struct {
	Name  string // 元のファイル名（URL の末尾）
	MIME  string
	Image image.Image
	Bytes int64
}

// Fetcher は元画像を取得します。
type Fetcher struct {
	client    *http.Client
	maxBytes  int64
	maxPixels int64
}

// New は Fetcher を作成します。client のタイムアウトがネットワーク呼び出しの上限になります。
// maxPixels を超える寸法を宣言した画像はデコードしません。
func New(client *http.Client, maxBytes, maxPixels int64) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxPixels <= 0 {
		maxPixels = imaging.DefaultMaxPixels
	}
	return &Fetcher{client: client, maxBytes: maxBytes, maxPixels: maxPixels}
}

// Fetch は ref を取得してデコードします。
// 画素数の上限超過は ValidationError、それ以外の失敗は TransientError として返します。
func (f *Fetcher) Fetch(ctx context.Context, ref string) (*Image, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, task.Invalid("original_url", "original_url is required")
	}

	var (
		data []byte
		err  error
	)
	if isRemote(ref) {
		data, err = f.download(ctx, ref)
	} else {
		data, err = f.readLocal(ref)
	}
	if err != nil {
		return nil, task.Transient("fetch source", err)
	}

	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, task.Transient("fetch source", fmt.Errorf("%s is not an image (detected %s)", ref, mtype.String()))
	}

	img, _, err := imaging.Decode(data, f.maxPixels)
	if errors.Is(err, imaging.ErrTooManyPixels) {
		return nil, task.Invalid("original_url", "%s: %v", ref, err)
	}
	if err != nil {
		return nil, task.Transient("decode source", fmt.Errorf("%s: %w", ref, err))
	}

	return &Image{
		Name:  SourceName(ref),
		MIME:  mtype.String(),
		Image: img,
		Bytes: int64(len(data)),
	}, nil
}

func (f *Fetcher) download(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return nil, fmt.Errorf("GET %s: unexpected status %d", ref, resp.StatusCode)
	}
	return readLimited(resp.Body, f.maxBytes)
}

func (f *Fetcher) readLocal(ref string) ([]byte, error) {
	fh, err := os.Open(strings.TrimPrefix(ref, "file://"))
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return readLimited(fh, f.maxBytes)
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("source exceeds %d bytes", maxBytes)
	}
	if len(data) == 0 {
		return nil, errors.New("source is empty")
	}
	return data, nil
}

func isRemote(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// SourceName は ref の末尾のファイル名を返します。クエリ文字列は含めません。
func SourceName(ref string) string {
	if isRemote(ref) {
		if u, err := url.Parse(ref); err == nil {
			name := path.Base(u.Path)
			if name != "." && name != "/" && name != "" {
				if unescaped, err := url.PathUnescape(name); err == nil {
					return unescaped
				}
				return name
			}
		}
		return "source"
	}
	return filepath.Base(strings.TrimPrefix(ref, "file://"))
}
