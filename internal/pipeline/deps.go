// Package pipeline はタスク種別ごとの変換処理（取得・変換・保存・アップロード）を実装します。
package pipeline

import (
	"context"
	"image"
	"time"

	"github.com/rs/zerolog"

	"github.com/eslieh/grid-worker/internal/fetch"
	"github.com/eslieh/grid-worker/internal/imaging"
	"github.com/eslieh/grid-worker/internal/pdf"
	"github.com/eslieh/grid-worker/internal/retry"
	"github.com/eslieh/grid-worker/internal/storage"
	"github.com/eslieh/grid-worker/internal/task"
)

// Handler は1件のジョブを処理し、明示的な Outcome を返します。
type Handler interface {
	Handle(ctx context.Context, job task.Job) retry.Outcome
}

// Source は元画像を取得します。
type Source interface {
	Fetch(ctx context.Context, ref string) (*fetch.Image, error)
}

// Verifier はアップロード済みオブジェクトの公開URLを確定します。
type Verifier interface {
	Resolve(ctx context.Context, obj *storage.Object) (string, error)
}

// PageWriter はページを順に追記する PDF 文書です。
type PageWriter interface {
	DrawPage(stagingPath string, img image.Image, p pdf.Placement) error
	Finalize() (int, error)
}

// Deps はパイプラインが利用する外部コンポーネントです。
type Deps struct {
	Source    Source
	Uploader  storage.Uploader
	Verifier  Verifier
	Segmenter imaging.Segmenter

	TempDir      string
	MaxDimension int
	MaxPixels    int64
	PageSize     pdf.PageSize
	DPI          int
	NewDocument  func(path string, size pdf.PageSize, dpi int) PageWriter

	Now    func() time.Time
	Logger zerolog.Logger
}

// DefaultMaxDimension は背景除去結果の最大辺です。
const DefaultMaxDimension = 2000

func (d Deps) withDefaults() Deps {
	if d.MaxDimension <= 0 {
		d.MaxDimension = DefaultMaxDimension
	}
	if d.MaxPixels <= 0 {
		d.MaxPixels = imaging.DefaultMaxPixels
	}
	if d.PageSize.Width <= 0 || d.PageSize.Height <= 0 {
		d.PageSize = pdf.PageA4
	}
	if d.DPI <= 0 {
		d.DPI = pdf.DefaultDPI
	}
	if d.NewDocument == nil {
		d.NewDocument = func(path string, size pdf.PageSize, dpi int) PageWriter {
			return pdf.NewDocument(path, size, dpi)
		}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Handlers は登録済みの全タスク種別のハンドラーを返します。
func Handlers(d Deps) map[task.Type]Handler {
	return map[task.Type]Handler{
		task.TypeRemoveBackground: NewRemoveBackground(d),
		task.TypeResize:           NewResize(d),
		task.TypeCompress:         NewCompress(d),
		task.TypeConvertFormat:    NewConvertFormat(d),
		task.TypeAssemblePDF:      NewAssemblePDF(d),
	}
}

func publicID(t task.Type, taskID string) string {
	return string(t) + "/" + taskID
}
