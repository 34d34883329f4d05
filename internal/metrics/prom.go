package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Task and attempt outcomes used as label values.
const (
	OutcomeSuccess     = "success"
	OutcomeFailed      = "failed"
	OutcomeExhausted   = "exhausted"
	OutcomeCanceled    = "canceled"
	OutcomeExpired     = "expired"
	OutcomeShutdown    = "shutdown"
	OutcomeTimeout     = "timeout"
	OutcomeRateLimited = "rate_limited"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "plexchat_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	tasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "plexchat_tasks_submitted_total",
			Help: "Number of tasks submitted to the scheduler",
		},
	)

	taskOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plexchat_tasks_completed_total",
			Help: "Number of tasks that reached a terminal state",
		},
		[]string{"outcome"},
	)

	taskRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "plexchat_task_retries_total",
			Help: "Number of task attempts requeued for retry",
		},
	)

	sweepEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "plexchat_sweep_evictions_total",
			Help: "Number of tasks evicted by sweep rules",
		},
	)

	poolTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plexchat_pool_tasks",
			Help: "Tasks in the scheduler pool",
		},
		[]string{"state"},
	)

	workerCooldowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plexchat_worker_cooldowns_total",
			Help: "Number of rate-limit cooldowns per worker",
		},
		[]string{"worker"},
	)

	workerAdmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plexchat_worker_admissions_total",
			Help: "Tasks started per worker",
		},
		[]string{"worker"},
	)

	workerTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plexchat_worker_tokens_demanded_total",
			Help: "Estimated tokens charged per worker",
		},
		[]string{"worker"},
	)

	workerRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plexchat_worker_running_tasks",
			Help: "Tasks currently running per worker",
		},
		[]string{"worker"},
	)

	attemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plexchat_attempt_duration_seconds",
			Help:    "Upstream attempt duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"worker", "outcome"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, tasksSubmitted, taskOutcomes, taskRetries, sweepEvictions, poolTasks,
		workerCooldowns, workerAdmissions, workerTokens, workerRunning, attemptDuration)
}

// SetServerBuildInfo sets the build info metric for the server.
func SetServerBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

func RecordSubmitted() { tasksSubmitted.Inc() }

// RecordOutcome counts a task reaching a terminal state.
func RecordOutcome(outcome string) { taskOutcomes.WithLabelValues(outcome).Inc() }

func RecordRetry() { taskRetries.Inc() }

func RecordSweepEviction() { sweepEvictions.Inc() }

// SetPoolSize publishes the pending and running task counts.
func SetPoolSize(pending, running int) {
	poolTasks.WithLabelValues("pending").Set(float64(pending))
	poolTasks.WithLabelValues("running").Set(float64(running))
}

func RecordCooldown(worker string) { workerCooldowns.WithLabelValues(worker).Inc() }

// RecordAdmission counts a task started by a worker and its charged demand.
func RecordAdmission(worker string, tokens float64) {
	workerAdmissions.WithLabelValues(worker).Inc()
	workerTokens.WithLabelValues(worker).Add(tokens)
}

func SetWorkerRunning(worker string, n int) {
	workerRunning.WithLabelValues(worker).Set(float64(n))
}

// ObserveAttempt records the duration of one upstream attempt.
func ObserveAttempt(worker, outcome string, d time.Duration) {
	attemptDuration.WithLabelValues(worker, outcome).Observe(d.Seconds())
}
