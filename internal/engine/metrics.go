package engine

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/agentgate/internal/domain"
)

type Metrics struct {
	// Решения гвардов: какой гвард, причина, пропустил или нет
	GuardDecisions *prometheus.CounterVec

	// Latency агентских маршрутов (включая внешние обработчики)
	RequestDuration *prometheus.HistogramVec

	// Состояние монтирования: 0 - disabled (заглушка), 1 - active
	MountState prometheus.Gauge

	// Saturation: состояние Circuit Breaker memory-хранилища (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		GuardDecisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_guard_decisions_total",
			Help: "Guard decisions by guard, reason and outcome.",
		}, []string{"guard", "reason", "allow"}),

		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentgate_request_duration_seconds",
			Help:    "Histogram of agent route latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"route", "status"}),

		MountState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agentgate_mount_state",
			Help: "Agent subsystem mount state (0=disabled, 1=active).",
		}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentgate_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agentgate_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}

func (m *Metrics) observeDecision(d domain.GuardDecision) {
	m.GuardDecisions.WithLabelValues(string(d.Guard), string(d.Reason), strconv.FormatBool(d.Allow)).Inc()
}
