package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics exposes application-level counters.
type Metrics struct {
	charges       *prometheus.CounterVec
	creditsSpent  *prometheus.CounterVec
	quotaDenied   *prometheus.CounterVec
	overdrafts    prometheus.Counter
	creditGrants  *prometheus.CounterVec
	webhookEvents *prometheus.CounterVec
}

// NewRegistry builds the process-wide metrics registry with runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New configures the domain counters and registers them.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		charges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaybill_charges_total",
			Help: "Charge attempts by pricing key and outcome.",
		}, []string{"pricing_key", "outcome"}),
		creditsSpent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaybill_credits_spent_total",
			Help: "Credits deducted from pools, by pricing key.",
		}, []string{"pricing_key"}),
		quotaDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaybill_quota_denied_total",
			Help: "Requests denied by the usage meter, by window.",
		}, []string{"window"}),
		overdrafts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaybill_overdrafts_total",
			Help: "Finalizations that exceeded the remaining pool balance.",
		}),
		creditGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaybill_credit_grants_total",
			Help: "Credit grants applied to pools, by reason.",
		}, []string{"reason"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaybill_webhook_events_total",
			Help: "Billing provider webhook events, by type and outcome.",
		}, []string{"provider", "event_type", "outcome"}),
	}

	reg.MustRegister(
		m.charges,
		m.creditsSpent,
		m.quotaDenied,
		m.overdrafts,
		m.creditGrants,
		m.webhookEvents,
	)
	return m
}

// RecordCharge counts a charge attempt.
func (m *Metrics) RecordCharge(pricingKey, outcome string) {
	if m == nil {
		return
	}
	m.charges.WithLabelValues(safeLabel(pricingKey), safeLabel(outcome)).Inc()
}

// RecordCreditsSpent adds deducted credits to the spend counter.
func (m *Metrics) RecordCreditsSpent(pricingKey string, credits int64) {
	if m == nil || credits <= 0 {
		return
	}
	m.creditsSpent.WithLabelValues(safeLabel(pricingKey)).Add(float64(credits))
}

// RecordQuotaDenied counts a usage meter denial.
func (m *Metrics) RecordQuotaDenied(window string) {
	if m == nil {
		return
	}
	m.quotaDenied.WithLabelValues(safeLabel(window)).Inc()
}

// RecordOverdraft counts an overdraft finalization.
func (m *Metrics) RecordOverdraft() {
	if m == nil {
		return
	}
	m.overdrafts.Inc()
}

// RecordCreditGrant counts an applied credit grant.
func (m *Metrics) RecordCreditGrant(reason string) {
	if m == nil {
		return
	}
	m.creditGrants.WithLabelValues(safeLabel(reason)).Inc()
}

// RecordWebhookEvent counts a provider webhook event.
func (m *Metrics) RecordWebhookEvent(provider, eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(safeLabel(provider), safeLabel(eventType), safeLabel(outcome)).Inc()
}

func safeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
