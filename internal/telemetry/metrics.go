package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs created by the enqueue service"})
	DedupCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_deduplicated_total", Help: "Enqueue requests answered with an existing non-terminal job"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
	JobsDone         = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs finalized as done"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Transient failures returned to the queue behind the backoff gate"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs finalized as error"})
	JobsCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_cancelled_total", Help: "Jobs finalized as cancelled"})
	WorkersSpawned   = prometheus.NewCounter(prometheus.CounterOpts{Name: "workers_spawned_total", Help: "Worker processes spawned by the supervisor"})
	RunningGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_running", Help: "Jobs currently claimed by a worker"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queued_depth", Help: "Jobs waiting in queued/pending"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DedupCounter,
			RateLimitRejects,
			JobsDone,
			JobsRetried,
			JobsFailed,
			JobsCancelled,
			WorkersSpawned,
			RunningGauge,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
