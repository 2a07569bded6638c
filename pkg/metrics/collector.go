package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/emberfell/hearthgate/internal/homeassistant"
)

var (
	toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthgate_tool_calls_total",
			Help: "Total number of tool calls labeled by tool and status",
		},
		[]string{"tool", "status"},
	)
	toolCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hearthgate_tool_call_duration_seconds",
			Help:    "Duration of tool calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)
	rateLimitDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthgate_rate_limit_denied_total",
			Help: "Total number of requests refused by the rate limiter",
		},
		[]string{"caller"},
	)
	retryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthgate_retry_attempts_total",
			Help: "Total number of retry attempts after a failed try",
		},
		[]string{"operation"},
	)
	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthgate_upstream_requests_total",
			Help: "Total number of Home Assistant REST requests labeled by method and status code",
		},
		[]string{"method", "code"},
	)
	flowTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthgate_flow_transitions_total",
			Help: "Total number of config-flow state transitions",
		},
		[]string{"from", "to"},
	)
	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hearthgate_errors_total",
			Help: "Total number of errors split by kind and severity",
		},
		[]string{"kind", "severity"},
	)
)

func init() {
	homeassistant.RegisterTransitionRecorder(RecordFlowTransition)
	homeassistant.RegisterRequestRecorder(RecordUpstreamRequest)
}

// RecordToolCall increments tool counters and records duration.
func RecordToolCall(tool, status string, duration time.Duration) {
	if tool == "" {
		tool = "unknown"
	}
	if status == "" {
		status = "unknown"
	}

	toolCallsTotal.WithLabelValues(tool, status).Inc()
	toolCallDurationSeconds.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordRateLimitDenied counts a request the limiter refused.
func RecordRateLimitDenied(caller string) {
	if caller == "" {
		caller = "unknown"
	}

	rateLimitDeniedTotal.WithLabelValues(caller).Inc()
}

// RecordRetryAttempt counts one retry beyond the first try of an operation.
func RecordRetryAttempt(operation string) {
	if operation == "" {
		operation = "unknown"
	}

	retryAttemptsTotal.WithLabelValues(operation).Inc()
}

// RecordUpstreamRequest tracks REST traffic to Home Assistant. Status 0
// means the request never produced a response.
func RecordUpstreamRequest(method string, status int) {
	if method == "" {
		method = "unknown"
	}

	code := "none"
	if status > 0 {
		code = strconv.Itoa(status)
	}

	upstreamRequestsTotal.WithLabelValues(method, code).Inc()
}

// RecordFlowTransition tracks config-flow FSM transitions.
func RecordFlowTransition(from, to string) {
	if from == "" {
		from = "unknown"
	}
	if to == "" {
		to = "unknown"
	}

	flowTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordError increments error counters with metadata.
func RecordError(kind, severity string) {
	if kind == "" {
		kind = "unknown"
	}
	if severity == "" {
		severity = "unknown"
	}

	errorsTotal.WithLabelValues(kind, severity).Inc()
}
