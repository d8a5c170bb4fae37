package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for invocation dispatch and execution.
type Metrics interface {
	IncInvocationsDispatched(taskName string)
	IncInvocationsCompleted(taskName, state string)
	IncInvocationRetries(taskName string)
	IncChordsFired()
}

// WorkflowMetrics captures controller-level workflow metrics.
type WorkflowMetrics interface {
	IncWorkflowsSubmitted()
	IncWorkflowsResolved(state string)
	ObserveWorkflowDuration(seconds float64)
}

// GatewayMetrics captures request metrics for the HTTP gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncInvocationsDispatched(string)        {}
func (Noop) IncInvocationsCompleted(string, string) {}
func (Noop) IncInvocationRetries(string)            {}
func (Noop) IncChordsFired()                        {}

// NoopWorkflow implements WorkflowMetrics without emitting anything.
type NoopWorkflow struct{}

func (NoopWorkflow) IncWorkflowsSubmitted()              {}
func (NoopWorkflow) IncWorkflowsResolved(string)         {}
func (NoopWorkflow) ObserveWorkflowDuration(float64)     {}

// Prom implements Metrics backed by Prometheus counters.
type Prom struct {
	dispatched *prometheus.CounterVec
	completed  *prometheus.CounterVec
	retries    *prometheus.CounterVec
	chords     prometheus.Counter
	once       sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_dispatched_total",
			Help:      "Invocations dispatched by task name",
		}, []string{"task"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_completed_total",
			Help:      "Invocations completed by task name and terminal state",
		}, []string{"task", "state"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocation_retries_total",
			Help:      "Invocation retry attempts by task name",
		}, []string{"task"}),
		chords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chords_fired_total",
			Help:      "Chord bodies dispatched",
		}),
	}
	p.once.Do(func() {
		prometheus.MustRegister(p.dispatched, p.completed, p.retries, p.chords)
	})
	return p
}

func (p *Prom) IncInvocationsDispatched(taskName string) {
	p.dispatched.WithLabelValues(taskName).Inc()
}

func (p *Prom) IncInvocationsCompleted(taskName, state string) {
	p.completed.WithLabelValues(taskName, state).Inc()
}

func (p *Prom) IncInvocationRetries(taskName string) {
	p.retries.WithLabelValues(taskName).Inc()
}

func (p *Prom) IncChordsFired() {
	p.chords.Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Workflow metrics ---

type workflowProm struct {
	submitted prometheus.Counter
	resolved  *prometheus.CounterVec
	duration  prometheus.Histogram
	once      sync.Once
}

func NewWorkflowProm(namespace string) WorkflowMetrics {
	w := &workflowProm{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_submitted_total",
			Help:      "Workflows submitted",
		}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_resolved_total",
			Help:      "Workflows resolved by terminal state",
		}, []string{"state"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Submit-to-resolution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	w.once.Do(func() {
		prometheus.MustRegister(w.submitted, w.resolved, w.duration)
	})
	return w
}

func (w *workflowProm) IncWorkflowsSubmitted() {
	w.submitted.Inc()
}

func (w *workflowProm) IncWorkflowsResolved(state string) {
	w.resolved.WithLabelValues(state).Inc()
}

func (w *workflowProm) ObserveWorkflowDuration(seconds float64) {
	w.duration.Observe(seconds)
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
