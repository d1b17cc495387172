package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes batch execution metrics.
type Collector struct {
	registry        *prometheus.Registry
	tasksTotal      *prometheus.CounterVec
	tokensTotal     prometheus.Counter
	inflightWorkers prometheus.Gauge
	queueLength     prometheus.Gauge
	duration        prometheus.Histogram
}

// New creates a metrics collector on its own registry, so parallel batch
// runs in one process do not collide.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "promptbatch_tasks_total",
				Help: "Total number of tasks processed",
			},
			[]string{"status"},
		),
		tokensTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "promptbatch_tokens_total",
				Help: "Total tokens consumed across all tasks",
			},
		),
		inflightWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "promptbatch_inflight_workers",
				Help: "Number of workers currently executing tasks",
			},
		),
		queueLength: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "promptbatch_queue_length",
				Help: "Number of tasks queued or parked",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "promptbatch_task_duration_seconds",
				Help:    "Time taken to execute a task",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	c.registry.MustRegister(c.tasksTotal)
	c.registry.MustRegister(c.tokensTotal)
	c.registry.MustRegister(c.inflightWorkers)
	c.registry.MustRegister(c.queueLength)
	c.registry.MustRegister(c.duration)

	return c
}

// IncSuccess counts a successful task and its token usage.
func (c *Collector) IncSuccess(tokens int) {
	c.tasksTotal.WithLabelValues("success").Inc()
	c.tokensTotal.Add(float64(tokens))
}

// IncFailed counts a terminally failed task.
func (c *Collector) IncFailed() {
	c.tasksTotal.WithLabelValues("failed").Inc()
}

// IncRetried counts a retried attempt.
func (c *Collector) IncRetried() {
	c.tasksTotal.WithLabelValues("retried").Inc()
}

// IncSkipped counts a task short-circuited by idempotency or resume.
func (c *Collector) IncSkipped() {
	c.tasksTotal.WithLabelValues("skipped").Inc()
}

// SetInflightWorkers sets the number of inflight workers.
func (c *Collector) SetInflightWorkers(count int) {
	c.inflightWorkers.Set(float64(count))
}

// SetQueueLength sets the current queue length.
func (c *Collector) SetQueueLength(count int) {
	c.queueLength.Set(float64(count))
}

// ObserveDuration observes a task execution duration.
func (c *Collector) ObserveDuration(duration time.Duration) {
	c.duration.Observe(duration.Seconds())
}

// StartServer starts the metrics HTTP server.
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
