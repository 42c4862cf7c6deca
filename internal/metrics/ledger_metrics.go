package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics содержит метрики складского журнала и документов.
// Методы безопасны для nil-получателя: сервисы могут работать без метрик.
type LedgerMetrics struct {
	// Движения по типу (IN/OUT/ADJUSTMENT)
	movements *prometheus.CounterVec
	// Отказы из-за нехватки остатка
	insufficientStock prometheus.Counter
	// Записанные LOW_STOCK события
	lowStockEvents prometheus.Counter

	// Переходы статусов документов
	documentTransitions *prometheus.CounterVec
	invoicesCreated     prometheus.Counter

	// Результаты транзакций по операциям
	operationResults  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

// NewLedgerMetrics регистрирует метрики в default registry.
func NewLedgerMetrics() *LedgerMetrics {
	return NewLedgerMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewLedgerMetricsWithRegisterer регистрирует метрики в указанном registry.
func NewLedgerMetricsWithRegisterer(registerer prometheus.Registerer) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &LedgerMetrics{
		movements: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "erp_stock_movements_total",
			Help: "Total number of stock movements recorded, grouped by movement type",
		}, []string{"type"}),
		insufficientStock: registerCounter(registerer, prometheus.CounterOpts{
			Name: "erp_insufficient_stock_total",
			Help: "Total number of stock decrements rejected for insufficient stock",
		}),
		lowStockEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "erp_low_stock_events_total",
			Help: "Total number of LOW_STOCK events written to the outbox",
		}),
		documentTransitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "erp_document_transitions_total",
			Help: "Total number of document status transitions grouped by kind and target status",
		}, []string{"kind", "status"}),
		invoicesCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "erp_invoices_created_total",
			Help: "Total number of invoices created",
		}),
		operationResults: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "erp_ledger_operations_total",
			Help: "Total number of ledger operations grouped by operation and error kind",
		}, []string{"operation", "result"}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "erp_ledger_operation_duration_seconds",
			Help:    "Duration of ledger transactions in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"operation"}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordMovement увеличивает счётчик движений указанного типа.
func (m *LedgerMetrics) RecordMovement(movementType string) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(movementType).Inc()
}

// RecordInsufficientStock увеличивает счётчик отказов по остатку.
func (m *LedgerMetrics) RecordInsufficientStock() {
	if m == nil {
		return
	}
	m.insufficientStock.Inc()
}

// RecordLowStock увеличивает счётчик LOW_STOCK событий.
func (m *LedgerMetrics) RecordLowStock() {
	if m == nil {
		return
	}
	m.lowStockEvents.Inc()
}

// RecordTransition фиксирует переход документа.
func (m *LedgerMetrics) RecordTransition(kind, status string) {
	if m == nil {
		return
	}
	m.documentTransitions.WithLabelValues(kind, status).Inc()
}

// RecordInvoiceCreated увеличивает счётчик счетов.
func (m *LedgerMetrics) RecordInvoiceCreated() {
	if m == nil {
		return
	}
	m.invoicesCreated.Inc()
}

// ObserveOperation записывает длительность и результат транзакции.
// result - "ok" или строковый вид категории ошибки.
func (m *LedgerMetrics) ObserveOperation(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operationResults.WithLabelValues(operation, result).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
