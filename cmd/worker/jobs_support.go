package main

import (
	"fmt"
	"net/http"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eslieh/grid-worker/internal/callback"
	"github.com/eslieh/grid-worker/internal/config"
	"github.com/eslieh/grid-worker/internal/fetch"
	"github.com/eslieh/grid-worker/internal/imaging"
	"github.com/eslieh/grid-worker/internal/jobs"
	"github.com/eslieh/grid-worker/internal/metrics"
	"github.com/eslieh/grid-worker/internal/pdf"
	"github.com/eslieh/grid-worker/internal/pipeline"
	"github.com/eslieh/grid-worker/internal/storage"
)

// workerApp は起動済みのコンポーネントをまとめます。
type workerApp struct {
	manager    *jobs.Manager
	dispatcher *jobs.Dispatcher
	filesDir   string
	redis      *redis.Client
	logger     zerolog.Logger
}

func (a *workerApp) close() {
	if err := a.redis.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("failed to close redis client")
	}
}

func setupJobs(cfg *config.Config, logger zerolog.Logger) (*workerApp, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	redisClient := redis.NewClient(opt)
	ledger := jobs.NewLedger(redisClient, cfg.LeaseTTL, cfg.LedgerTTL)

	deps, err := pipelineDeps(cfg, logger)
	if err != nil {
		redisClient.Close()
		return nil, err
	}

	manager, err := jobs.NewManager(cfg, logger)
	if err != nil {
		redisClient.Close()
		return nil, err
	}
	policy := manager.Policy()
	m := metrics.New(nil)
	sink := jobs.NewQueueSink(manager.Client(), policy.MaxRetry())

	dispatcher := jobs.NewDispatcher(manager.Client(), sink, policy, m, logger)
	manager.Handle(jobs.TypeDispatch, dispatcher)

	for taskType, h := range pipeline.Handlers(deps) {
		manager.Handle(string(taskType), jobs.NewExecutor(taskType, h, ledger, sink, policy, m, logger))
	}

	reporter := callback.NewReporter(&http.Client{Timeout: cfg.CallbackTimeout}, cfg.CallbackURL, logger)
	manager.Handle(jobs.TypeSendResult, jobs.NewResultHandler(reporter, policy, m, logger))

	app := &workerApp{
		manager:    manager,
		dispatcher: dispatcher,
		redis:      redisClient,
		logger:     logger,
	}
	if cfg.StorageDriver == config.StorageDriverLocal {
		app.filesDir = cfg.LocalStorageDir
	}
	logger.Info().
		Str("storage", cfg.StorageDriver).
		Int("concurrency", cfg.Concurrency).
		Strs("queues", cfg.Queues).
		Int("max_attempts", policy.MaxAttempts).
		Msg("job handlers registered")
	return app, nil
}

func pipelineDeps(cfg *config.Config, logger zerolog.Logger) (pipeline.Deps, error) {
	uploader, err := storage.New(cfg)
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("storage: %w", err)
	}
	pageSize, err := pdf.ParsePageSize(cfg.PDFPageSize)
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("PDF_PAGE_SIZE: %w", err)
	}
	return pipeline.Deps{
		Source:       fetch.New(&http.Client{Timeout: cfg.FetchTimeout}, cfg.MaxSourceBytes, cfg.MaxImagePixels),
		Uploader:     uploader,
		Verifier:     storage.NewVerifier(&http.Client{Timeout: cfg.VerifyTimeout}, logger),
		Segmenter:    imaging.NewHTTPSegmenter(cfg.SegmentationURL, &http.Client{Timeout: cfg.SegmentTimeout}, cfg.MaxImagePixels),
		TempDir:      cfg.TempDir,
		MaxDimension: cfg.MaxImageDimension,
		MaxPixels:    cfg.MaxImagePixels,
		PageSize:     pageSize,
		DPI:          cfg.PDFDPI,
		Logger:       logger,
	}, nil
}
