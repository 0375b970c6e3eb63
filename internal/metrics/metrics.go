// Package metrics はワーカーの Prometheus メトリクスを定義します。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics はジョブとコールバックのメトリクスです。
type Metrics struct {
	jobs      *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	callbacks *prometheus.CounterVec
	dispatch  *prometheus.CounterVec
}

// New は reg にメトリクスを登録します。reg が nil ならデフォルトレジストリを使います。
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grid_worker",
			Name:      "jobs_total",
			Help:      "Handler invocations by task type and resulting state.",
		}, []string{"task_type", "state"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "grid_worker",
			Name:      "job_duration_seconds",
			Help:      "Duration of a single handler attempt.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"task_type"}),
		callbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grid_worker",
			Name:      "callbacks_total",
			Help:      "Result deliveries by resulting state.",
		}, []string{"state"}),
		dispatch: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grid_worker",
			Name:      "dispatched_total",
			Help:      "Envelopes handled by the dispatcher by outcome.",
		}, []string{"outcome"}),
	}
}

// ObserveJob は1回の試行の結果と所要時間を記録します。
func (m *Metrics) ObserveJob(taskType, state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(taskType, state).Inc()
	m.duration.WithLabelValues(taskType).Observe(elapsed.Seconds())
}

// ObserveCallback は結果配送の状態を記録します。
func (m *Metrics) ObserveCallback(state string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(state).Inc()
}

// ObserveDispatch はディスパッチャーの処理結果（routed, duplicate, rejected, error）を記録します。
func (m *Metrics) ObserveDispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(outcome).Inc()
}
