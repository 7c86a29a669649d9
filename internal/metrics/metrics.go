// Package metrics registers the Prometheus collectors for the billing core.
// Everything is on the default registry and served by promhttp in cmd/api.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DebitsTotal counts debit attempts by tool and outcome
	// (success, replayed, insufficient_credits, unknown_tool, error).
	DebitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brandsite_billing_debits_total",
		Help: "Debit attempts by tool key and outcome.",
	}, []string{"tool_key", "outcome"})

	// RefundsTotal counts refunds by tool key.
	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brandsite_billing_refunds_total",
		Help: "Refunded usage records by tool key.",
	}, []string{"tool_key"})

	// FinalizationsTotal counts two-phase finalizations by terminal status.
	FinalizationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brandsite_billing_finalizations_total",
		Help: "Research billing finalizations by status.",
	}, []string{"status"})

	// WeeklyDecisionsTotal counts weekly access decisions by mode and reason.
	WeeklyDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brandsite_weekly_access_decisions_total",
		Help: "Weekly access decisions by mode and reason.",
	}, []string{"mode", "reason"})

	// CreditsSpentTotal sums credits charged on successful debits.
	CreditsSpentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brandsite_billing_credits_spent_total",
		Help: "Total credits charged across all successful debits.",
	})

	// HTTPRequestsTotal counts API requests by route and status class.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brandsite_http_requests_total",
		Help: "HTTP requests by route pattern and status code.",
	}, []string{"route", "code"})

	// HTTPDuration observes request latency by route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "brandsite_http_request_duration_seconds",
		Help:    "HTTP request latency by route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)
