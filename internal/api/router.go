// Package api は運用向けの HTTP エンドポイント（ヘルスチェック・メトリクス・タスク投入）を提供します。
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eslieh/grid-worker/internal/jobs"
	"github.com/eslieh/grid-worker/internal/task"
)

// Submitter はエンベロープをキューへ投入します。
type Submitter interface {
	Submit(ctx context.Context, env *task.Envelope) error
}

// QueueInspector はキューの状態を返します。
type QueueInspector interface {
	QueueStats(ctx context.Context) ([]jobs.QueueStat, error)
}

// Options はルーターの依存関係です。
type Options struct {
	Submitter Submitter
	Queues    QueueInspector
	// FilesDir が空でなければ /files で配信します（local ストレージ用）。
	FilesDir string
	Version  string
}

// NewRouter は gin のルーターを構築します。
func NewRouter(opts Options, logger zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	router.GET("/health", handleHealth(opts.Version))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if opts.FilesDir != "" {
		router.Static("/files", opts.FilesDir)
	}

	api := router.Group("/api")
	{
		api.POST("/tasks", submitHandler(opts.Submitter))
		api.GET("/queues", queuesHandler(opts.Queues))
	}
	return router
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(version string) gin.HandlerFunc {
	if version == "" {
		version = "dev"
	}
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "grid-worker",
			"version": version,
		})
	}
}

// submitHandler は POST /api/tasks のハンドラーです。
func submitHandler(s Submitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var env task.Envelope
		if err := c.ShouldBindJSON(&env); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "JSON形式のエンベロープを送信してください。",
			})
			return
		}
		if err := s.Submit(c.Request.Context(), &env); err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"task_id": env.TaskID})
	}
}

// queuesHandler は GET /api/queues のハンドラーです。
func queuesHandler(q QueueInspector) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := q.QueueStats(c.Request.Context())
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"queues": stats})
	}
}

func respondWithError(c *gin.Context, err error) {
	var vErr *task.ValidationError
	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": vErr.Error(),
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := logger.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = logger.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	}
}
