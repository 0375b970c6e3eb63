package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/eslieh/grid-worker/internal/imaging"
	"github.com/eslieh/grid-worker/internal/pdf"
	"github.com/eslieh/grid-worker/internal/retry"
	"github.com/eslieh/grid-worker/internal/storage"
	"github.com/eslieh/grid-worker/internal/task"
	"github.com/eslieh/grid-worker/internal/tempfiles"
)

// PDFPipeline は複数の画像を1ページずつ並べた PDF を作成します。
type PDFPipeline struct {
	deps Deps
}

// NewAssemblePDF は PDFPipeline を作成します。
func NewAssemblePDF(d Deps) *PDFPipeline {
	return &PDFPipeline{deps: d.withDefaults()}
}

// Type はこのパイプラインが処理するタスク種別です。
func (p *PDFPipeline) Type() task.Type {
	return task.TypeAssemblePDF
}

// Handle はジョブを1回処理します。途中で失敗した場合も作成途中の文書を含めて削除します。
func (p *PDFPipeline) Handle(ctx context.Context, job task.Job) retry.Outcome {
	var payload task.PDFPayload
	if err := job.DecodePayload(&payload); err != nil {
		return retry.Fatal(err)
	}
	record, err := p.run(ctx, job.TaskID, payload)
	return retry.Classify(record, err)
}

func (p *PDFPipeline) run(ctx context.Context, taskID string, payload task.PDFPayload) (*task.Result, error) {
	sources, err := payload.Sources()
	if err != nil {
		return nil, err
	}
	fileName := pdfFileName(payload.Parameters.OutputFileName, taskID)

	log := p.deps.Logger.With().Str("task_id", taskID).Str("task_type", string(task.TypeAssemblePDF)).Logger()
	tracker, err := tempfiles.New(p.deps.TempDir, taskID, log)
	if err != nil {
		return nil, err
	}
	defer tracker.ReleaseAll() //nolint:errcheck

	docPath := tracker.Path(fileName)
	doc := p.deps.NewDocument(docPath, p.deps.PageSize, p.deps.DPI)

	for i, ref := range sources {
		log.Debug().Int("page", i+1).Int("pages", len(sources)).Str("source", ref).Msg("adding page")
		src, err := p.deps.Source.Fetch(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i+1, err)
		}
		flat := imaging.Flatten(src.Image)
		b := flat.Bounds()
		placement := pdf.FitToPage(b.Dx(), b.Dy(), p.deps.PageSize)

		staging := tracker.Create(".jpg")
		err = doc.DrawPage(staging, flat, placement)
		tracker.Release(staging)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i+1, err)
		}
	}

	pages, err := doc.Finalize()
	if err != nil {
		return nil, err
	}
	if pages != len(sources) {
		return nil, fmt.Errorf("document has %d pages, expected %d", pages, len(sources))
	}

	obj, err := p.upload(ctx, docPath, taskID, fileName)
	if err != nil {
		return nil, task.Transient("upload document", err)
	}
	tracker.Release(docPath)

	outputURL, err := p.deps.Verifier.Resolve(ctx, obj)
	if err != nil {
		return nil, task.Transient("verify upload", err)
	}

	processedAt := obj.CreatedAt
	if processedAt.IsZero() {
		processedAt = p.deps.Now()
	}
	log.Info().Str("output_url", outputURL).Int("pages", pages).Msg("document assembled")
	return task.Done(taskID, outputURL, map[string]any{
		"file_name":       fileName,
		"pages":           pages,
		"processing_time": processedAt.UTC().Format(time.RFC3339),
		"file_size":       obj.Bytes,
		"public_id":       obj.PublicID,
		"page_size":       p.deps.PageSize.Name,
	}), nil
}

// upload は resource_type=auto で送り、拒否された場合は image として送り直します。
func (p *PDFPipeline) upload(ctx context.Context, path, taskID, fileName string) (*storage.Object, error) {
	opts := storage.UploadOptions{
		PublicID:     publicID(task.TypeAssemblePDF, taskID) + "/" + strings.TrimSuffix(fileName, ".pdf"),
		ResourceType: storage.ResourceAuto,
		Format:       "pdf",
	}
	obj, err := p.deps.Uploader.Upload(ctx, path, opts)
	if err == nil {
		return obj, nil
	}
	p.deps.Logger.Warn().Err(err).Str("task_id", taskID).Msg("upload as auto failed, retrying as image")
	opts.ResourceType = storage.ResourceImage
	obj, retryErr := p.deps.Uploader.Upload(ctx, path, opts)
	if retryErr != nil {
		return nil, fmt.Errorf("%w (image fallback: %v)", err, retryErr)
	}
	return obj, nil
}

// pdfFileName はファイル名部分だけを取り出し、拡張子 .pdf を保証します。
func pdfFileName(requested, taskID string) string {
	name := filepath.Base(strings.TrimSpace(strings.ReplaceAll(requested, "\\", "/")))
	if name == "." || name == "/" || name == "" {
		return fmt.Sprintf("merged_%s.pdf", strings.NewReplacer("/", "_", "\\", "_").Replace(taskID))
	}
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		return name + ".pdf"
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".pdf"
}
