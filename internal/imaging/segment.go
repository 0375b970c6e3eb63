package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
)

// Segmenter は背景除去を行う外部コンポーネントです。アルゴリズムには関与しません。
type Segmenter interface {
	RemoveBackground(ctx context.Context, img image.Image) (image.Image, error)
}

// HTTPSegmenter は rembg 互換の HTTP サービス（POST multipart "file" → PNG）を呼び出します。
type HTTPSegmenter struct {
	endpoint  string
	client    *http.Client
	maxPixels int64
}

// maxSegmentBytes はサービス応答として読み込む最大サイズです。
const maxSegmentBytes = 64 << 20

// NewHTTPSegmenter は HTTPSegmenter を作成します。maxPixels は応答画像の画素数上限です。
func NewHTTPSegmenter(endpoint string, client *http.Client, maxPixels int64) *HTTPSegmenter {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSegmenter{endpoint: endpoint, client: client, maxPixels: maxPixels}
}

// RemoveBackground は画像を PNG で送信し、透過 PNG を受け取ります。
func (s *HTTPSegmenter) RemoveBackground(ctx context.Context, img image.Image) (image.Image, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "source.png")
	if err != nil {
		return nil, fmt.Errorf("build segmentation request: %w", err)
	}
	if err := png.Encode(part, img); err != nil {
		return nil, fmt.Errorf("encode segmentation input: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("build segmentation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build segmentation request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("segmentation POST: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return nil, fmt.Errorf("segmentation POST: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSegmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read segmentation output: %w", err)
	}
	if len(data) > maxSegmentBytes {
		return nil, fmt.Errorf("segmentation output exceeds %d bytes", maxSegmentBytes)
	}
	out, _, err := Decode(data, s.maxPixels)
	if err != nil {
		return nil, fmt.Errorf("decode segmentation output: %w", err)
	}
	return out, nil
}
