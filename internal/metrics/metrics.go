package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyfleet_requests_total",
			Help: "Total number of caller requests processed",
		},
		[]string{"status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keyfleet_request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyfleet_admissions_total",
			Help: "Rate limiter decisions by region",
		},
		[]string{"region", "decision"},
	)

	DeferralsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyfleet_deferrals_total",
			Help: "Requests deferred to the overflow queue",
		},
		[]string{"region", "result"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyfleet_queue_depth",
			Help: "Jobs currently waiting in the overflow queue",
		},
	)

	FailoversTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyfleet_failovers_total",
			Help: "Credential rotations after a failed attempt",
		},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyfleet_provider_errors_total",
			Help: "Provider attempt failures",
		},
		[]string{"provider", "class"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyfleet_tokens_total",
			Help: "Approximate tokens processed",
		},
		[]string{"credential_id", "type"},
	)
)

func RecordRequest(status string, durationSec float64) {
	RequestsTotal.WithLabelValues(status).Inc()
	RequestDuration.WithLabelValues(status).Observe(durationSec)
}

func RecordAdmission(region string, admitted bool) {
	decision := "admitted"
	if !admitted {
		decision = "denied"
	}
	AdmissionsTotal.WithLabelValues(region, decision).Inc()
}

func RecordDeferral(region, result string) {
	DeferralsTotal.WithLabelValues(region, result).Inc()
}

func RecordFailover() {
	FailoversTotal.Inc()
}

func RecordProviderError(provider, class string) {
	ProviderErrors.WithLabelValues(provider, class).Inc()
}

func RecordTokens(credentialID string, promptTokens, completionTokens int) {
	TokensTotal.WithLabelValues(credentialID, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(credentialID, "completion").Add(float64(completionTokens))
}

func SetQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}
