package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total number of relay requests by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "End-to-end relay request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"kind"},
	)

	ProviderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_provider_attempts_total",
			Help: "Total number of provider calls by outcome",
		},
		[]string{"provider", "outcome"},
	)

	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_provider_latency_seconds",
			Help:    "Latency of single provider calls in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_tokens_total",
			Help: "Total number of tokens reported by providers",
		},
		[]string{"provider", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_cost_usd_total",
			Help: "Estimated cost in USD",
		},
		[]string{"provider"},
	)

	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rate_limit_denials_total",
			Help: "Total number of requests denied by the rate limiter",
		},
		[]string{"scope"},
	)

	ModerationVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_moderation_verdicts_total",
			Help: "Moderation outcomes (flagged, clean, unparsable)",
		},
		[]string{"result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	ConfigEpoch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_config_epoch",
			Help: "Current configuration epoch",
		},
	)

	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_requests",
			Help: "Number of relay requests in flight",
		},
	)
)

func RecordRequest(kind, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(kind, status).Inc()
	RequestDuration.WithLabelValues(kind).Observe(durationSec)
}

func RecordAttempt(provider, outcome string, durationSec float64) {
	ProviderAttempts.WithLabelValues(provider, outcome).Inc()
	if durationSec > 0 {
		ProviderLatency.WithLabelValues(provider).Observe(durationSec)
	}
}

func RecordTokens(provider string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
}

func RecordCost(provider string, costUSD float64) {
	CostTotal.WithLabelValues(provider).Add(costUSD)
}

func RecordRateLimitDenial(scope string) {
	RateLimitDenials.WithLabelValues(scope).Inc()
}

func RecordModerationVerdict(result string) {
	ModerationVerdicts.WithLabelValues(result).Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func SetConfigEpoch(epoch uint64) {
	ConfigEpoch.Set(float64(epoch))
}

func IncrementActiveRequests() {
	ActiveRequests.Inc()
}

func DecrementActiveRequests() {
	ActiveRequests.Dec()
}
