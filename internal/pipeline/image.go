package pipeline

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"time"

	"github.com/eslieh/grid-worker/internal/fetch"
	"github.com/eslieh/grid-worker/internal/imaging"
	"github.com/eslieh/grid-worker/internal/retry"
	"github.com/eslieh/grid-worker/internal/storage"
	"github.com/eslieh/grid-worker/internal/task"
	"github.com/eslieh/grid-worker/internal/tempfiles"
)

// imageOp は操作ごとに異なる検証と変換です。
type imageOp struct {
	validate  func(p task.ImageParameters) error
	transform func(ctx context.Context, d Deps, img image.Image, p task.ImageParameters) (image.Image, error)
	// 出力形式が未指定なら元画像の形式を引き継ぐ
	inheritFormat bool
}

// ImagePipeline は単一画像を変換してアップロードする共通パイプラインです。
type ImagePipeline struct {
	taskType task.Type
	op       imageOp
	deps     Deps
}

// NewRemoveBackground は背景除去のパイプラインです。
func NewRemoveBackground(d Deps) *ImagePipeline {
	return &ImagePipeline{
		taskType: task.TypeRemoveBackground,
		deps:     d.withDefaults(),
		op: imageOp{
			transform: func(ctx context.Context, d Deps, img image.Image, _ task.ImageParameters) (image.Image, error) {
				if d.Segmenter == nil {
					return nil, fmt.Errorf("segmenter is not configured")
				}
				out, err := d.Segmenter.RemoveBackground(ctx, img)
				if err != nil {
					return nil, task.Transient("remove background", err)
				}
				return imaging.Thumbnail(imaging.ToNRGBA(out), d.MaxDimension, d.MaxDimension), nil
			},
		},
	}
}

// NewResize はサイズ変更のパイプラインです。出力の画素数は MaxPixels までです。
func NewResize(d Deps) *ImagePipeline {
	deps := d.withDefaults()
	return &ImagePipeline{
		taskType: task.TypeResize,
		deps:     deps,
		op: imageOp{
			validate: func(p task.ImageParameters) error {
				if p.Width == nil || *p.Width <= 0 {
					return task.Invalid("width", "width must be a positive integer")
				}
				if p.Height == nil || *p.Height <= 0 {
					return task.Invalid("height", "height must be a positive integer")
				}
				if err := imaging.CheckPixels(*p.Width, *p.Height, deps.MaxPixels); err != nil {
					return task.Invalid("width", "%v", err)
				}
				return nil
			},
			transform: func(_ context.Context, _ Deps, img image.Image, p task.ImageParameters) (image.Image, error) {
				if p.KeepAspect() {
					return imaging.Thumbnail(img, *p.Width, *p.Height), nil
				}
				return imaging.Resize(img, *p.Width, *p.Height), nil
			},
		},
	}
}

// NewCompress は再エンコードによる圧縮のパイプラインです。
func NewCompress(d Deps) *ImagePipeline {
	return &ImagePipeline{
		taskType: task.TypeCompress,
		deps:     d.withDefaults(),
		op: imageOp{
			transform:     identity,
			inheritFormat: true,
		},
	}
}

// NewConvertFormat は形式変換のパイプラインです。
func NewConvertFormat(d Deps) *ImagePipeline {
	return &ImagePipeline{
		taskType: task.TypeConvertFormat,
		deps:     d.withDefaults(),
		op: imageOp{
			validate: func(p task.ImageParameters) error {
				if strings.TrimSpace(p.OutputFormat) == "" {
					return task.Invalid("output_format", "output_format is required")
				}
				return nil
			},
			transform: identity,
		},
	}
}

func identity(_ context.Context, _ Deps, img image.Image, _ task.ImageParameters) (image.Image, error) {
	return img, nil
}

// Type はこのパイプラインが処理するタスク種別です。
func (p *ImagePipeline) Type() task.Type {
	return p.taskType
}

// Handle はジョブを1回処理します。作業ディレクトリは結果を返す前に必ず削除します。
func (p *ImagePipeline) Handle(ctx context.Context, job task.Job) retry.Outcome {
	var payload task.ImagePayload
	if err := job.DecodePayload(&payload); err != nil {
		return retry.Fatal(err)
	}
	record, err := p.run(ctx, job.TaskID, payload)
	return retry.Classify(record, err)
}

func (p *ImagePipeline) run(ctx context.Context, taskID string, payload task.ImagePayload) (*task.Result, error) {
	params := payload.Parameters
	if err := p.validate(payload); err != nil {
		return nil, err
	}

	log := p.deps.Logger.With().Str("task_id", taskID).Str("task_type", string(p.taskType)).Logger()
	tracker, err := tempfiles.New(p.deps.TempDir, taskID, log)
	if err != nil {
		return nil, err
	}
	defer tracker.ReleaseAll() //nolint:errcheck

	src, err := p.deps.Source.Fetch(ctx, payload.OriginalURL)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("source", src.Name).Str("mime", src.MIME).Msg("source fetched")

	out, err := p.op.transform(ctx, p.deps, src.Image, params)
	if err != nil {
		return nil, err
	}

	format, err := p.outputFormat(params, src)
	if err != nil {
		return nil, err
	}
	quality := imaging.DefaultQuality
	if params.Quality != nil {
		quality = *params.Quality
	}

	outPath := tracker.Create(format.Extension())
	written, err := imaging.WriteFile(outPath, out, imaging.EncodeOptions{Format: format, Quality: quality})
	if err != nil {
		return nil, fmt.Errorf("failed to write output: %w", err)
	}

	obj, err := p.deps.Uploader.Upload(ctx, outPath, storage.UploadOptions{
		PublicID:     publicID(p.taskType, taskID),
		ResourceType: storage.ResourceImage,
		Format:       string(format),
	})
	if err != nil {
		return nil, task.Transient("upload output", err)
	}
	tracker.Release(outPath)

	size := obj.Bytes
	if size == 0 {
		size = written
	}
	processedAt := obj.CreatedAt
	if processedAt.IsZero() {
		processedAt = p.deps.Now()
	}
	bounds := out.Bounds()

	log.Info().Str("output_url", obj.PreferredURL()).Int64("bytes", size).Msg("image processed")
	return task.Done(taskID, obj.PreferredURL(), map[string]any{
		"original_file_name": src.Name,
		"output_file_name":   outputFileName(src.Name, p.taskType, format),
		"output_format":      string(format),
		"processing_time":    processedAt.UTC().Format(time.RFC3339),
		"width":              bounds.Dx(),
		"height":             bounds.Dy(),
		"bytes":              size,
	}), nil
}

func (p *ImagePipeline) validate(payload task.ImagePayload) error {
	if strings.TrimSpace(payload.OriginalURL) == "" {
		return task.Invalid("original_url", "original_url is required")
	}
	params := payload.Parameters
	if params.OutputFormat != "" {
		if _, err := imaging.ParseFormat(params.OutputFormat); err != nil {
			return err
		}
	}
	if params.Quality != nil && (*params.Quality < 1 || *params.Quality > 100) {
		return task.Invalid("quality", "quality must be between 1 and 100")
	}
	if p.op.validate != nil {
		return p.op.validate(params)
	}
	return nil
}

func (p *ImagePipeline) outputFormat(params task.ImageParameters, src *fetch.Image) (imaging.Format, error) {
	if params.OutputFormat == "" && p.op.inheritFormat && src.MIME == "image/jpeg" {
		return imaging.FormatJPEG, nil
	}
	return imaging.ParseFormat(params.OutputFormat)
}

// outputFileName は <元のファイル名>-<種別>.<拡張子> を返します。
func outputFileName(sourceName string, t task.Type, format imaging.Format) string {
	stem := strings.TrimSuffix(sourceName, filepath.Ext(sourceName))
	if stem == "" {
		stem = "image"
	}
	return fmt.Sprintf("%s-%s%s", stem, t, format.Extension())
}
