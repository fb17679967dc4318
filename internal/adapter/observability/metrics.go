package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of tasks enqueued by agent kind",
		},
		[]string{"agent"},
	)
	TasksInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasks_in_flight",
			Help: "Number of tasks currently being worked by agent kind",
		},
		[]string{"agent"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of tasks completed by agent kind",
		},
		[]string{"agent"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of tasks failed by agent kind",
		},
		[]string{"agent"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Pending tasks per agent queue",
		},
		[]string{"agent"},
	)

	GenCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gen_calls_total",
			Help: "Total number of generation CLI invocations by agent and outcome",
		},
		[]string{"agent", "outcome"},
	)
	GenCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gen_call_duration_seconds",
			Help:    "Generation CLI invocation duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"agent"},
	)
	GenPromptTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gen_prompt_tokens_total",
			Help: "Total prompt tokens sent to the generation CLI by agent",
		},
		[]string{"agent"},
	)

	DeploysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploys_total",
			Help: "Total number of deployment attempts by outcome",
		},
		[]string{"outcome"},
	)
	CIFixAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ci_fix_attempts_total",
			Help: "Total number of automated CI fix attempts",
		},
	)
	StallsDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_stalls_detected_total",
			Help: "Total number of stalled workers detected and reset",
		},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksInFlight)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(GenCallsTotal)
	prometheus.MustRegister(GenCallDuration)
	prometheus.MustRegister(GenPromptTokensTotal)
	prometheus.MustRegister(DeploysTotal)
	prometheus.MustRegister(CIFixAttemptsTotal)
	prometheus.MustRegister(StallsDetectedTotal)
	prometheus.MustRegister(CircuitBreakerState)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueTask(agent string) {
	TasksEnqueuedTotal.WithLabelValues(agent).Inc()
}

func StartTask(agent string) {
	TasksInFlight.WithLabelValues(agent).Inc()
}

func CompleteTask(agent string) {
	TasksInFlight.WithLabelValues(agent).Dec()
	TasksCompletedTotal.WithLabelValues(agent).Inc()
}

func FailTask(agent string) {
	TasksInFlight.WithLabelValues(agent).Dec()
	TasksFailedTotal.WithLabelValues(agent).Inc()
}

func RecordQueueDepth(agent string, depth int64) {
	QueueDepth.WithLabelValues(agent).Set(float64(depth))
}

// ObserveGenCall records one generation CLI invocation.
func ObserveGenCall(agent string, success bool, seconds float64, promptTokens int) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	GenCallsTotal.WithLabelValues(agent, outcome).Inc()
	GenCallDuration.WithLabelValues(agent).Observe(seconds)
	if promptTokens > 0 {
		GenPromptTokensTotal.WithLabelValues(agent).Add(float64(promptTokens))
	}
}

func ObserveDeploy(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	DeploysTotal.WithLabelValues(outcome).Inc()
}

func RecordCIFixAttempt() {
	CIFixAttemptsTotal.Inc()
}

func RecordStall() {
	StallsDetectedTotal.Inc()
}

// RecordCircuitBreakerStatus publishes the current breaker state.
func RecordCircuitBreakerStatus(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
