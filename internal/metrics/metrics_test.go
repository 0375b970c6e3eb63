package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveJob(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveJob("resize", "succeeded", 120*time.Millisecond)
	m.ObserveJob("resize", "retrying", time.Second)
	m.ObserveJob("resize", "succeeded", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobs.WithLabelValues("resize", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("resize", "retrying")))
}

func TestObserveCallbackAndDispatch(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveCallback("exhausted")
	m.ObserveDispatch("routed")
	m.ObserveDispatch("routed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.callbacks.WithLabelValues("exhausted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatch.WithLabelValues("routed")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveJob("resize", "succeeded", time.Second)
		m.ObserveCallback("succeeded")
		m.ObserveDispatch("routed")
	})
}
