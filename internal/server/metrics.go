package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the payment gateway.
type Metrics struct {
	// Payment metrics
	PaymentsVerified *prometheus.CounterVec
	PaymentsRejected *prometheus.CounterVec
	SettlementsTotal *prometheus.CounterVec

	// Request metrics
	PaidRequestDuration *prometheus.HistogramVec

	// Session metrics
	ActiveSessions prometheus.Gauge
	StreamClients  prometheus.Gauge

	// Agent metrics
	AgentExecutions *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		PaymentsVerified: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onechat_payments_verified_total",
				Help: "Payment proofs that passed verification",
			},
			[]string{"action"},
		),

		PaymentsRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onechat_payments_rejected_total",
				Help: "Payment proofs rejected with a 402",
			},
			[]string{"action", "code"},
		),

		SettlementsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onechat_settlements_total",
				Help: "Settlement attempts by outcome",
			},
			[]string{"status"}, // status: settled, failed
		),

		PaidRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "onechat_paid_request_duration_seconds",
				Help:    "End-to-end duration of paid requests, verification through response",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "onechat_active_sessions",
				Help: "Chat sessions with at least one message",
			},
		),

		StreamClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "onechat_stream_clients",
				Help: "Connected WebSocket transcript subscribers",
			},
		),

		AgentExecutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onechat_agent_executions_total",
				Help: "Marketplace agent executions by outcome",
			},
			[]string{"agent_id", "status"}, // status: success, error
		),
	}
}

// RecordVerified records a successful payment verification.
func (m *Metrics) RecordVerified(action string) {
	m.PaymentsVerified.WithLabelValues(action).Inc()
}

// RecordRejected records a 402 by rejection code.
func (m *Metrics) RecordRejected(action, code string) {
	m.PaymentsRejected.WithLabelValues(action, code).Inc()
}

// RecordSettlement records a settlement outcome.
func (m *Metrics) RecordSettlement(success bool) {
	status := "failed"
	if success {
		status = "settled"
	}
	m.SettlementsTotal.WithLabelValues(status).Inc()
}

// ObservePaidRequest records the duration of one paid request.
func (m *Metrics) ObservePaidRequest(action string, seconds float64) {
	m.PaidRequestDuration.WithLabelValues(action).Observe(seconds)
}

// RecordExecution records an agent execution outcome.
func (m *Metrics) RecordExecution(agentID string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	m.AgentExecutions.WithLabelValues(agentID, status).Inc()
}
