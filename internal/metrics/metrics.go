// Package metrics defines the Prometheus collectors exposed on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job lifecycle metrics
	JobsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opencode_jobs_created_total",
			Help: "Total number of jobs created by selected skill",
		},
		[]string{"skill"},
	)

	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opencode_jobs_finished_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opencode_job_duration_seconds",
			Help:    "Wall-clock duration of job execution in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900, 1200},
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "opencode_queue_depth",
			Help: "Number of tasks waiting in the pending and delayed queues",
		},
	)

	QueueRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "opencode_queue_retries_total",
			Help: "Total number of task retries scheduled after transient failures",
		},
	)

	// Runtime interaction metrics
	PermissionReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opencode_permission_replies_total",
			Help: "Automatic permission replies by decision",
		},
		[]string{"reply"},
	)

	AgentRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opencode_agent_requests_total",
			Help: "Requests to the opencode runtime by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	// API metrics
	EventStreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "opencode_event_stream_clients",
			Help: "Currently connected job event stream clients",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsCreated)
	prometheus.MustRegister(JobsFinished)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueRetries)
	prometheus.MustRegister(PermissionReplies)
	prometheus.MustRegister(AgentRequests)
	prometheus.MustRegister(EventStreamClients)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
