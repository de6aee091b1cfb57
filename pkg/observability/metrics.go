package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the billing core
type Metrics struct {
	// Subscription transitions
	PlanTransitionsTotal *prometheus.CounterVec

	// Webhook processing
	WebhookEventsTotal      *prometheus.CounterVec
	WebhookDeadLettersTotal prometheus.Counter

	// Receipts and notifications
	ReceiptsSentTotal prometheus.Counter

	// Rollover job
	RolloverOrganizationsTotal prometheus.Counter
	RolloverRunsTotal          *prometheus.CounterVec

	// Local/remote subscription desync observations
	ReconciliationAnomaliesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		PlanTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "squarelet_plan_transitions_total",
				Help: "Total number of subscription plan transitions",
			},
			[]string{"kind"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "squarelet_webhook_events_total",
				Help: "Total number of processed gateway webhook events",
			},
			[]string{"type", "outcome"},
		),
		WebhookDeadLettersTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "squarelet_webhook_dead_letters_total",
				Help: "Webhook events dropped after exhausting retries",
			},
		),
		ReceiptsSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "squarelet_receipts_sent_total",
				Help: "Total number of receipt emails dispatched",
			},
		),
		RolloverOrganizationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "squarelet_rollover_organizations_total",
				Help: "Total number of organizations updated by the rollover job",
			},
		),
		RolloverRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "squarelet_rollover_runs_total",
				Help: "Total number of rollover job runs",
			},
			[]string{"outcome"},
		),
		ReconciliationAnomaliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "squarelet_reconciliation_anomalies_total",
				Help: "Expected remote subscriptions that were missing",
			},
			[]string{"op"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.PlanTransitionsTotal,
			m.WebhookEventsTotal,
			m.WebhookDeadLettersTotal,
			m.ReceiptsSentTotal,
			m.RolloverOrganizationsTotal,
			m.RolloverRunsTotal,
			m.ReconciliationAnomaliesTotal,
		)
	}

	return m
}

// NewNopMetrics creates metrics that are not registered anywhere, for tests
func NewNopMetrics() *Metrics {
	return NewMetrics(nil)
}
