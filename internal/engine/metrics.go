package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: созданные развертывания
	DeploymentsCreated prometheus.Counter

	// Errors: отказы при создании (empty_target_set, unknown_software, invalid_payload)
	DeploymentsRejected *prometheus.CounterVec

	// Исход отправки задания на устройство: sent, offline, error
	Dispatches *prometheus.CounterVec

	// Переходы конечного автомата WorkUnit по целевому статусу
	Transitions *prometheus.CounterVec

	// Отчеты агентов, которые не легли на текущее состояние (поздние, дубли)
	ReportsRejected *prometheus.CounterVec

	// Saturation: занятые слоты fan-out
	DispatchInFlight prometheus.Gauge

	// Latency: ожидание слота и лимитера перед отправкой
	DispatchWait prometheus.Histogram

	// Journal: заполненность буфера (backpressure)
	JournalBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		DeploymentsCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fleet_deployments_created_total",
			Help: "Total number of created deployments.",
		}),

		DeploymentsRejected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_deployments_rejected_total",
			Help: "Deployment create requests rejected before any row was written.",
		}, []string{"reason"}),

		Dispatches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_dispatches_total",
			Help: "Per-device dispatch attempts by result.",
		}, []string{"result"}),

		Transitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_work_unit_transitions_total",
			Help: "Work unit state transitions by target status.",
		}, []string{"to"}),

		ReportsRejected: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_agent_reports_rejected_total",
			Help: "Agent progress/result reports that did not match the current work unit state.",
		}, []string{"type"}),

		DispatchInFlight: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "fleet_dispatch_in_flight",
			Help: "Dispatch slots currently held.",
		}),

		DispatchWait: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_dispatch_wait_seconds",
			Help:    "Time spent waiting for a dispatch slot and the rate limiter.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}),

		JournalBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "fleet_journal_buffer_utilization",
			Help: "Current number of events in the attempt journal buffer.",
		}),
	}
}
