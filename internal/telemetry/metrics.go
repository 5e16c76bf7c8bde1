package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsStarted      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generations_started_total", Help: "Generation jobs accepted"}, []string{"kind"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generations_completed_total", Help: "Generation jobs completed successfully"}, []string{"kind"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generations_failed_total", Help: "Generation jobs that ended failed"}, []string{"kind"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "generations_rate_limit_rejects_total", Help: "Start requests rejected by rate limiter"})
	VendorPolls      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "vendor_polls_total", Help: "Vendor status polls by outcome"}, []string{"vendor", "outcome"})
	JobDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "generation_duration_seconds",
		Help:    "Wall time from worker start to terminal state",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900, 1800},
	}, []string{"kind", "status"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "generation_dispatch_queue_depth", Help: "Jobs waiting in the dispatch queue"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "generations_inflight", Help: "Jobs currently running in a worker"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsStarted,
			JobsCompleted,
			JobsFailed,
			RateLimitRejects,
			VendorPolls,
			JobDuration,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
