// Package prometheus exposes service metrics: optimization run and
// stage outcomes, provider round trips and token consumption, job queue
// lifecycle, and live streaming client counts. The orchestrator and
// HTTP server report through Hook, providers through InstrumentProvider,
// and the job queue through BindBus.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/promptforge/promptforge/types"
)

const namespace = "promptforge"

var (
	// runsActive is a gauge of currently executing optimization runs.
	runsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Number of currently executing optimization runs",
		},
	)

	// runDuration is a histogram of total run duration in seconds.
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Histogram of total optimization run duration in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"status"}, // status: completed, error
	)

	// stageDuration is a histogram of per-stage duration in seconds.
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Histogram of pipeline stage duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	// stagesTotal is a counter of stage executions by outcome.
	stagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_total",
			Help:      "Total number of pipeline stage executions",
		},
		[]string{"stage", "status"}, // status: success, error
	)

	// providerRequestDuration is a histogram of LLM provider call duration.
	providerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of LLM provider API calls in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	// providerRequestsTotal is a counter of provider API calls.
	providerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of provider API calls",
		},
		[]string{"provider", "model", "status"}, // status: success, error
	)

	// providerTokensTotal is a counter of tokens consumed by provider calls.
	providerTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_total",
			Help:      "Total tokens consumed by provider calls",
		},
		[]string{"provider", "model", "type"}, // type: input, output, cache_creation, cache_read
	)

	// jobsSubmittedTotal is a counter of jobs accepted by the queue.
	jobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs submitted to the queue",
		},
		[]string{"job_type"},
	)

	// jobsTotal is a counter of jobs reaching a terminal status.
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Total number of jobs by terminal status",
		},
		[]string{"job_type", "status"}, // status: completed, failed, cancelled
	)

	// streamClients is a gauge of connected streaming clients.
	streamClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Number of connected streaming clients",
		},
		[]string{"transport"}, // transport: sse, ws
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		runsActive,
		runDuration,
		stageDuration,
		stagesTotal,
		providerRequestDuration,
		providerRequestsTotal,
		providerTokensTotal,
		jobsSubmittedTotal,
		jobsTotal,
		streamClients,
	}
)

// RecordRunStart records an optimization run entering execution.
func RecordRunStart() {
	runsActive.Inc()
}

// RecordRunEnd records a run leaving execution with its terminal status.
func RecordRunEnd(status string, durationSeconds float64) {
	runsActive.Dec()
	runDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordStage records one stage execution.
func RecordStage(stage, status string, durationSeconds float64) {
	stageDuration.WithLabelValues(stage).Observe(durationSeconds)
	stagesTotal.WithLabelValues(stage, status).Inc()
}

// RecordProviderRequest records a provider API call.
func RecordProviderRequest(provider, model, status string, durationSeconds float64) {
	providerRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	providerRequestsTotal.WithLabelValues(provider, model, status).Inc()
}

// RecordProviderTokens records token consumption from a provider
// response. Absent counters are skipped.
func RecordProviderTokens(provider, model string, usage types.TokenUsage) {
	record := func(kind string, count *int) {
		if count != nil && *count > 0 {
			providerTokensTotal.WithLabelValues(provider, model, kind).Add(float64(*count))
		}
	}
	record("input", usage.InputTokens)
	record("output", usage.OutputTokens)
	record("cache_creation", usage.CacheCreationInputTokens)
	record("cache_read", usage.CacheReadInputTokens)
}

// RecordJobSubmitted records a job accepted by the queue.
func RecordJobSubmitted(jobType string) {
	jobsSubmittedTotal.WithLabelValues(jobType).Inc()
}

// RecordJobEnd records a job reaching a terminal status.
func RecordJobEnd(jobType, status string) {
	jobsTotal.WithLabelValues(jobType, status).Inc()
}

// RecordStreamConnect records a streaming client attaching.
func RecordStreamConnect(transport string) {
	streamClients.WithLabelValues(transport).Inc()
}

// RecordStreamDisconnect records a streaming client detaching.
func RecordStreamDisconnect(transport string) {
	streamClients.WithLabelValues(transport).Dec()
}
