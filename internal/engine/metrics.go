package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: время обработки выбора функции (без асинхронного тетеринга)
	SelectDuration *prometheus.HistogramVec

	// Traffic: выборы по функциям и итоговому статусу журнала
	Selections *prometheus.CounterVec

	// Отказы политики по причинам (midi_unsupported, non_admin ...)
	PolicyDenials *prometheus.CounterVec

	// Ошибки запуска тетеринга по кодам TetheringManager
	TetheringFailures *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Журнал: заполненность буфера (backpressure)
	JournalBufferFill prometheus.Gauge

	// 1 — кабель подключен к хосту
	Connected prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		SelectDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "usbmode_select_duration_seconds",
			Help:    "Histogram of function selection latencies.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"function", "status"}),

		Selections: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "usbmode_selections_total",
			Help: "Total number of function selections by outcome.",
		}, []string{"function", "status"}),

		PolicyDenials: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "usbmode_policy_denials_total",
			Help: "Selections denied by the availability policy.",
		}, []string{"function", "reason"}),

		TetheringFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "usbmode_tethering_failures_total",
			Help: "Tethering start failures by error code.",
		}, []string{"code"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "usbmode_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open).",
		}, []string{"name"}),

		JournalBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "usbmode_journal_buffer_utilization",
			Help: "Current number of events in journal buffer.",
		}),

		Connected: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "usbmode_usb_connected",
			Help: "1 when a USB host is attached.",
		}),
	}
}
