package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/iudanet/fieldsync/internal/client/queue"
)

type metrics struct {
	commits   prometheus.Counter
	failures  *prometheus.CounterVec
	batchSize prometheus.Histogram
	depth     *prometheus.GaugeVec
	state     *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		commits: f.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_sync_commits_total",
			Help: "Batches acknowledged by the server",
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_sync_failures_total",
			Help: "Failed commit attempts by error class",
		}, []string{"class"}),
		batchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fieldsync_sync_batch_size",
			Help:    "Mutations per commit attempt",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
		depth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldsync_sync_queue_depth",
			Help: "Queued mutations by status",
		}, []string{"status"}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldsync_sync_state",
			Help: "1 for the current engine state",
		}, []string{"state"}),
	}
}

func (m *metrics) setState(s State) {
	for _, st := range states {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
}

func (m *metrics) setDepth(s queue.Stats) {
	m.depth.WithLabelValues("pending").Set(float64(s.Pending))
	m.depth.WithLabelValues("in_progress").Set(float64(s.InProgress))
	m.depth.WithLabelValues("failed").Set(float64(s.Failed))
	m.depth.WithLabelValues("dead_letter").Set(float64(s.DeadLetter))
}
