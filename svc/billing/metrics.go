package billing

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for payments, webhooks and sweeps.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	payments        *prometheus.CounterVec
	webhooks        *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	transitions     *prometheus.CounterVec
	sweepRuns       *prometheus.CounterVec
	sweepAffected   *prometheus.CounterVec
}

// MustNewMetrics registers the billing collectors with reg, reusing any that
// are already registered. Other registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "payments_total",
			Help:      "Payment state changes by provider and resulting status.",
		}, []string{"provider", "status"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "webhooks_total",
			Help:      "Inbound provider callbacks by outcome.",
		}, []string{"provider", "outcome"}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "billing",
			Name:      "gateway_request_duration_seconds",
			Help:      "Latency of outbound provider calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "operation", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "subscription_transitions_total",
			Help:      "Subscription status transitions.",
		}, []string{"from", "to"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "sweep_runs_total",
			Help:      "Scheduled sweep executions by result.",
		}, []string{"sweep", "result"}),
		sweepAffected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "sweep_affected_total",
			Help:      "Rows changed or notices sent by scheduled sweeps.",
		}, []string{"sweep"}),
	}
	m.payments = register(reg, m.payments)
	m.webhooks = register(reg, m.webhooks)
	m.gatewayDuration = register(reg, m.gatewayDuration)
	m.transitions = register(reg, m.transitions)
	m.sweepRuns = register(reg, m.sweepRuns)
	m.sweepAffected = register(reg, m.sweepAffected)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) payment(provider string, status PaymentStatus) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(provider, string(status)).Inc()
}

func (m *Metrics) webhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) gatewayCall(provider, op string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.gatewayDuration.WithLabelValues(provider, op, result).Observe(time.Since(started).Seconds())
}

func (m *Metrics) transition(from, to SubscriptionStatus) {
	if m == nil || from == to {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) sweep(name string, affected int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sweepRuns.WithLabelValues(name, result).Inc()
	m.sweepAffected.WithLabelValues(name).Add(float64(affected))
}
