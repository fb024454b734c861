// Package metrics exposes Prometheus collectors of the document server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Результаты обработки batch
const (
	BatchCommitted = "committed"
	BatchMalformed = "malformed"
	BatchForbidden = "forbidden"
	BatchFailed    = "failed"
)

// Metrics набор метрик сервера
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	batchesTotal    *prometheus.CounterVec
	writesTotal     *prometheus.CounterVec
	watchers        prometheus.Gauge
}

// New registers the server collectors in a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldsync_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		batchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_batches_total",
			Help: "Write batches by outcome",
		}, []string{"outcome"}),
		writesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_writes_total",
			Help: "Acknowledged writes, split into applied and duplicate deliveries",
		}, []string{"result"}),
		watchers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fieldsync_watchers",
			Help: "Open watch streams",
		}),
	}
}

// Handler returns the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest учитывает завершенный HTTP запрос
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ObserveBatch учитывает результат batch и число записей в нем
func (m *Metrics) ObserveBatch(outcome string, applied, duplicate int) {
	m.batchesTotal.WithLabelValues(outcome).Inc()
	if applied > 0 {
		m.writesTotal.WithLabelValues("applied").Add(float64(applied))
	}
	if duplicate > 0 {
		m.writesTotal.WithLabelValues("duplicate").Add(float64(duplicate))
	}
}

// WatcherOpened увеличивает число открытых потоков наблюдения
func (m *Metrics) WatcherOpened() { m.watchers.Inc() }

// WatcherClosed уменьшает число открытых потоков наблюдения
func (m *Metrics) WatcherClosed() { m.watchers.Dec() }
