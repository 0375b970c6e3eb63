package task

import (
	"encoding/json"
	"strings"
)

// ImagePayload は単一画像を扱う操作のペイロードです。
type ImagePayload struct {
	OriginalURL string          `json:"original_url"`
	Parameters  ImageParameters `json:"parameters"`
}

// ImageParameters は画像操作のパラメーターです。
type ImageParameters struct {
	OutputFormat    string `json:"output_format,omitempty"`
	Width           *int   `json:"width,omitempty"`
	Height          *int   `json:"height,omitempty"`
	KeepAspectRatio *bool  `json:"keep_aspect_ratio,omitempty"`
	Quality         *int   `json:"quality,omitempty"`
}

// KeepAspect は keep_aspect_ratio を返します（未指定時は true）。
func (p ImageParameters) KeepAspect() bool {
	if p.KeepAspectRatio == nil {
		return true
	}
	return *p.KeepAspectRatio
}

// PDFPayload は PDF 結合のペイロードです。original_url は URL の配列です。
type PDFPayload struct {
	OriginalURL json.RawMessage `json:"original_url"`
	Parameters  PDFParameters   `json:"parameters"`
}

// PDFParameters は PDF 結合のパラメーターです。
type PDFParameters struct {
	OutputFileName string `json:"output_file_name,omitempty"`
}

// Sources は original_url を検証し、入力順のURL一覧を返します。
func (p PDFPayload) Sources() ([]string, error) {
	raw := strings.TrimSpace(string(p.OriginalURL))
	if raw == "" || raw == "null" {
		return nil, Invalid("original_url", "original_url must be a list of one or more image URLs")
	}
	if !strings.HasPrefix(raw, "[") {
		return nil, Invalid("original_url", "original_url must be a list, not %s", jsonKind(raw))
	}
	var urls []string
	if err := json.Unmarshal(p.OriginalURL, &urls); err != nil {
		return nil, Invalid("original_url", "original_url must contain only strings")
	}
	if len(urls) == 0 {
		return nil, Invalid("original_url", "original_url must be a list of one or more image URLs")
	}
	for i, u := range urls {
		if strings.TrimSpace(u) == "" {
			return nil, Invalid("original_url", "entry %d is empty", i)
		}
	}
	return urls, nil
}

func jsonKind(raw string) string {
	switch raw[0] {
	case '"':
		return "a string"
	case '{':
		return "an object"
	default:
		return "a scalar"
	}
}
