package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Execution Scheduler metrics

	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_executions_total",
			Help: "Total number of executions by terminal status",
		},
		[]string{"status"},
	)

	ExecutionDispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_execution_dispatch_latency_seconds",
			Help:    "Time from submit to dispatch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_execution_duration_seconds",
			Help:    "Time from dispatch to terminal state in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
		},
	)

	SubmissionQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_submission_queue_depth",
			Help: "Current depth of a kernel's submission channel",
		},
		[]string{"notebook_key"},
	)

	SubmissionsRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_submissions_rejected_total",
			Help: "Total submissions rejected because the submission channel was above its soft cap",
		},
	)

	// I/O Multiplexer metrics

	OrphanBufferSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_orphan_buffer_size",
			Help: "Current number of buffered orphan frames per notebook, summed across its unbound kernel message ids",
		},
		[]string{"notebook_key"},
	)

	OrphanFramesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_orphan_frames_dropped_total",
			Help: "Total orphan frames dropped due to ring overflow",
		},
	)

	DecodeErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_decode_errors_total",
			Help: "Total malformed kernel frames skipped",
		},
	)

	// Kernel Supervisor metrics

	KernelsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_kernels_active",
			Help: "Number of currently live kernel subprocesses",
		},
	)

	KernelRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_kernel_restarts_total",
			Help: "Total kernel restarts triggered by the reaper, by reason",
		},
		[]string{"reason"},
	)

	// Fan-out Hub metrics

	HubSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_hub_subscribers",
			Help: "Current number of connected client subscribers",
		},
	)

	HubBroadcastDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_hub_broadcast_duration_seconds",
			Help:    "Per-subscriber send duration observed by the fan-out hub",
			Buckets: prometheus.DefBuckets,
		},
	)

	HubSendFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_hub_send_failures_total",
			Help: "Total subscriber sends that failed or timed out and were unregistered",
		},
	)

	// Asset GC metrics

	AssetsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_assets_deleted_total",
			Help: "Total offloaded asset files deleted by prune",
		},
	)

	AssetsLeasedActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_assets_leased_active",
			Help: "Current number of assets with an unexpired lease",
		},
	)

	// API metrics

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_api_requests_total",
			Help: "Total number of API requests by operation and status",
		},
		[]string{"operation", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(
		ExecutionsTotal,
		ExecutionDispatchLatency,
		ExecutionDuration,
		SubmissionQueueDepth,
		SubmissionsRejectedTotal,
		OrphanBufferSize,
		OrphanFramesDroppedTotal,
		DecodeErrorsTotal,
		KernelsActive,
		KernelRestartsTotal,
		HubSubscribers,
		HubBroadcastDuration,
		HubSendFailuresTotal,
		AssetsDeletedTotal,
		AssetsLeasedActive,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the HTTP handler that serves the registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall-clock time against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time on a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the time elapsed since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
