package counter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	opRecord    = "record"
	opSummarize = "summarize"
	opReset     = "reset"

	resultOK        = "ok"
	resultInvalid   = "invalid"
	resultWriteFail = "write_failed"
	resultError     = "error"
)

var (
	// OperationsTotal считает операции счётчика по типу и результату.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipayments",
			Subsystem: "counter",
			Name:      "operations_total",
			Help:      "Total payment counter operations by type and result.",
		},
		[]string{"op", "result"},
	)

	// OperationDuration измеряет длительность операций счётчика.
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pipayments",
			Subsystem: "counter",
			Name:      "operation_duration_seconds",
			Help:      "Payment counter operation duration in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
		[]string{"op"},
	)

	// AccumulatedAmount отражает текущую накопленную сумму.
	AccumulatedAmount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pipayments",
			Subsystem: "counter",
			Name:      "accumulated_amount",
			Help:      "Accumulated retained split since the last reset.",
		},
	)

	// PaymentsCount отражает общее число учтённых платежей.
	PaymentsCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pipayments",
			Subsystem: "counter",
			Name:      "payments_count",
			Help:      "Number of payments ever recorded by the counter.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		OperationsTotal,
		OperationDuration,
		AccumulatedAmount,
		PaymentsCount,
	)
}

// observeOp запускает замер длительности операции и возвращает функцию,
// которая фиксирует длительность и результат.
func observeOp(op string) func(result string) {
	start := time.Now()
	return func(result string) {
		OperationsTotal.WithLabelValues(op, result).Inc()
		OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
