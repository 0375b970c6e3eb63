package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/eslieh/grid-worker/internal/config"
	"github.com/eslieh/grid-worker/internal/logging"
	"github.com/eslieh/grid-worker/internal/retry"
	"github.com/eslieh/grid-worker/internal/task"
)

// キューの優先度（重み）
const (
	weightResults  = 3
	weightDispatch = 2
	weightHandler  = 1
)

// Manager は asynq のクライアント・サーバー・インスペクターをまとめます。
type Manager struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	inspector *asynq.Inspector
	policy    retry.Policy
	logger    zerolog.Logger
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, logger zerolog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	policy := retry.Policy{MaxAttempts: cfg.RetryMaxAttempts, Delay: cfg.RetryDelay}.Normalize()
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency:    cfg.Concurrency,
			Queues:         QueueWeights(cfg.Queues),
			RetryDelayFunc: retryDelay(policy),
			IsFailure:      isFailure,
			Logger:         logging.NewAsynqLogger(logger),
		},
	)

	return &Manager{
		client:    asynq.NewClient(opt),
		server:    server,
		mux:       asynq.NewServeMux(),
		inspector: asynq.NewInspector(opt),
		policy:    policy,
		logger:    logger,
	}, nil
}

// retryDelay は固定の待ち時間を返します。リース待ちはリースの残り時間だけ待ちます。
func retryDelay(policy retry.Policy) asynq.RetryDelayFunc {
	return func(_ int, err error, _ *asynq.Task) time.Duration {
		var held *LeaseHeldError
		if errors.As(err, &held) && held.Wait > policy.Delay {
			return held.Wait
		}
		return policy.Delay
	}
}

// isFailure はリース待ちを試行回数に数えません。
func isFailure(err error) bool {
	return err != nil && !IsLeaseHeld(err)
}

// QueueWeights は購読するキューと重みを返します。names が空なら全キューです。
func QueueWeights(names []string) map[string]int {
	all := map[string]int{
		QueueResults: weightResults,
		QueueDefault: weightDispatch,
	}
	for _, t := range task.Registered() {
		all[t.Queue()] = weightHandler
	}
	if len(names) == 0 {
		return all
	}
	selected := make(map[string]int, len(names))
	for _, n := range names {
		if w, ok := all[n]; ok {
			selected[n] = w
		} else {
			selected[n] = weightHandler
		}
	}
	return selected
}

// Client はタスク投入に使うクライアントです。
func (m *Manager) Client() *asynq.Client {
	return m.client
}

// Policy は適用中のリトライポリシーです。
func (m *Manager) Policy() retry.Policy {
	return m.policy
}

// Handle は asynq のタスク種別にハンドラーを登録します。
func (m *Manager) Handle(taskType string, h asynq.Handler) {
	m.mux.Handle(taskType, h)
}

// Start はワーカーをバックグラウンドで起動します。
func (m *Manager) Start() error {
	if err := m.server.Start(m.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	m.logger.Info().Msg("asynq workers started")
	return nil
}

// Shutdown は処理中のタスクを待ってからサーバーとクライアントを閉じます。
func (m *Manager) Shutdown() {
	m.server.Shutdown()
	if err := m.client.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to close asynq client")
	}
	if err := m.inspector.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to close asynq inspector")
	}
}

// QueueStats はキューごとの件数を返します。
func (m *Manager) QueueStats(ctx context.Context) ([]QueueStat, error) {
	queues, err := m.inspector.Queues()
	if err != nil {
		return nil, err
	}
	stats := make([]QueueStat, 0, len(queues))
	for _, q := range queues {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := m.inspector.GetQueueInfo(q)
		if err != nil {
			return nil, fmt.Errorf("queue %s: %w", q, err)
		}
		stats = append(stats, QueueStat{
			Queue:     info.Queue,
			Size:      info.Size,
			Pending:   info.Pending,
			Active:    info.Active,
			Scheduled: info.Scheduled,
			Retry:     info.Retry,
			Archived:  info.Archived,
			Completed: info.Completed,
			Processed: info.Processed,
			Failed:    info.Failed,
			Paused:    info.Paused,
		})
	}
	return stats, nil
}
