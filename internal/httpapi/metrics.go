package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the gauges/counters the HTTP layer updates as requests flow
// through: package-level promauto collectors registered
// exactly once against the default registry. Gateway.New hands out a
// pointer to these shared collectors rather than registering a fresh set
// per instance, since promauto panics on a second registration of the
// same metric name — a real hazard once more than one Gateway exists in
// the same process, which is exactly what this package's own tests do.
type metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	workersBusy     prometheus.Gauge
	lruEvictions    prometheus.Counter
	modelLoadErrors *prometheus.CounterVec
}

var (
	globalRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Completed HTTP requests by route and outcome.",
	}, []string{"route", "outcome"})
	globalRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "End-to-end request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	globalWorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_workers_busy",
		Help: "Number of worker semaphore permits currently held.",
	})
	globalLRUEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_generator_lru_evictions_total",
		Help: "Total generator evictions across all worker residencies.",
	})
	globalModelLoadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_model_load_errors_total",
		Help: "Model load failures by reason.",
	}, []string{"reason"})
)

func newMetrics() *metrics {
	return &metrics{
		requestsTotal:   globalRequestsTotal,
		requestDuration: globalRequestDuration,
		workersBusy:     globalWorkersBusy,
		lruEvictions:    globalLRUEvictions,
		modelLoadErrors: globalModelLoadErrors,
	}
}
