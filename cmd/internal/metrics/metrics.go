// Package metrics holds the Prometheus instruments used across the service.
// All collectors are registered with the default registry in init, so the
// /metrics handler exposes them without further wiring.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waitlist",
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit decisions by rule and outcome.",
		},
		[]string{"rule", "allowed"},
	)

	Signups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waitlist",
			Name:      "signups_total",
			Help:      "Signup attempts by resulting record status.",
		},
		[]string{"status", "created"},
	)

	Confirmations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waitlist",
			Name:      "confirmations_total",
			Help:      "Confirmation link visits by resulting page state.",
		},
		[]string{"state"},
	)

	ReferralEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "waitlist",
			Name:      "referral_events_total",
			Help:      "Referral events by type and reason.",
		},
		[]string{"type", "reason"},
	)

	EmailSendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "waitlist",
			Name:      "email_send_failures_total",
			Help:      "Confirmation emails that could not be handed to the mail collaborator.",
		})

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "waitlist",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status class.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "class"},
	)
)

func init() {
	prometheus.MustRegister(
		RateLimitDecisions,
		Signups,
		Confirmations,
		ReferralEvents,
		EmailSendFailures,
		HTTPRequestDuration,
	)
}

// ObserveRateLimit records one limiter decision.
func ObserveRateLimit(rule string, allowed bool) {
	RateLimitDecisions.WithLabelValues(rule, strconv.FormatBool(allowed)).Inc()
}

// ObserveSignup records one signup outcome.
func ObserveSignup(status string, created bool) {
	Signups.WithLabelValues(status, strconv.FormatBool(created)).Inc()
}

// ObserveConfirmation records one confirmation page state.
func ObserveConfirmation(state string) {
	Confirmations.WithLabelValues(state).Inc()
}

// ObserveReferral records one appended referral event.
func ObserveReferral(eventType, reason string) {
	ReferralEvents.WithLabelValues(eventType, reason).Inc()
}

// ObserveHTTP records one served request.
func ObserveHTTP(method, path, class string, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, class).Observe(d.Seconds())
}
