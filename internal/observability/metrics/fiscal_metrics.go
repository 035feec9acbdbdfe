package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	AllocationResultOK          = "ok"
	AllocationResultExhausted   = "exhausted"
	AllocationResultNoActive    = "no_active_resolution"
	AllocationResultOutOfWindow = "out_of_window"
	AllocationResultMismatch    = "mismatch"
	AllocationResultError       = "error"
)

// Circuit breaker states as exported by the provider_circuit_state gauge.
const (
	CircuitClosed   = 0
	CircuitHalfOpen = 1
	CircuitOpen     = 2
)

// FiscalMetrics covers numbering, submission and provider health.
type FiscalMetrics struct {
	allocations        *prometheus.CounterVec
	allocationDuration *prometheus.HistogramVec
	submissionOutcomes *prometheus.CounterVec
	providerDuration   *prometheus.HistogramVec
	circuitState       *prometheus.GaugeVec
	pendingBacklog     prometheus.Gauge
	reconciliation     prometheus.Counter
	creditNotes        *prometheus.CounterVec
}

var (
	fiscalMetricsOnce sync.Once
	fiscalMetrics     *FiscalMetrics
)

// Fiscal returns the process-wide fiscal metrics registered on the default registerer.
func Fiscal() *FiscalMetrics {
	return FiscalWithConfig(Config{})
}

func FiscalWithConfig(cfg Config) *FiscalMetrics {
	fiscalMetricsOnce.Do(func() {
		fiscalMetrics = newFiscalMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return fiscalMetrics
}

// NewFiscalMetricsForTest builds an isolated instance on its own registry.
func NewFiscalMetricsForTest(registerer prometheus.Registerer) *FiscalMetrics {
	return newFiscalMetrics(registerer, Config{ServiceName: "hotelier", Environment: "test"})
}

func newFiscalMetrics(registerer prometheus.Registerer, cfg Config) *FiscalMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := cfg.constLabels()

	allocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "hotelier_sequence_allocations_total",
		Help:        "Fiscal number allocations by prefix and result.",
		ConstLabels: constLabels,
	}, []string{"prefix", "result"})
	allocationDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "hotelier_sequence_allocation_duration_seconds",
		Help:        "Time spent holding the sequence row to reserve a number.",
		Buckets:     []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		ConstLabels: constLabels,
	}, []string{"prefix"})
	submissionOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "hotelier_submission_outcomes_total",
		Help:        "Fiscal submission attempts by outcome kind.",
		ConstLabels: constLabels,
	}, []string{"outcome"})
	providerDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "hotelier_provider_request_duration_seconds",
		Help:        "Fiscal provider round trip latency.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		ConstLabels: constLabels,
	}, []string{"provider", "outcome"})
	circuitState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "hotelier_provider_circuit_state",
		Help:        "Provider circuit breaker state (0 closed, 1 half-open, 2 open).",
		ConstLabels: constLabels,
	}, []string{"provider"})
	pendingBacklog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "hotelier_invoices_pending",
		Help:        "Invoices waiting for fiscal acceptance.",
		ConstLabels: constLabels,
	})
	reconciliation := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "hotelier_reconciliation_flags_total",
		Help:        "Late provider acceptances on cancelled invoices.",
		ConstLabels: constLabels,
	})
	creditNotes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "hotelier_credit_notes_total",
		Help:        "Credit note issuance requests by result.",
		ConstLabels: constLabels,
	}, []string{"result"})

	registerer.MustRegister(
		allocations,
		allocationDuration,
		submissionOutcomes,
		providerDuration,
		circuitState,
		pendingBacklog,
		reconciliation,
		creditNotes,
	)

	return &FiscalMetrics{
		allocations:        allocations,
		allocationDuration: allocationDuration,
		submissionOutcomes: submissionOutcomes,
		providerDuration:   providerDuration,
		circuitState:       circuitState,
		pendingBacklog:     pendingBacklog,
		reconciliation:     reconciliation,
		creditNotes:        creditNotes,
	}
}

func (m *FiscalMetrics) ObserveAllocation(prefix, result string, duration time.Duration) {
	if m == nil {
		return
	}
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	m.allocations.WithLabelValues(prefix, result).Inc()
	if result == AllocationResultOK {
		m.allocationDuration.WithLabelValues(prefix).Observe(duration.Seconds())
	}
}

func (m *FiscalMetrics) IncSubmissionOutcome(outcome string) {
	if m == nil {
		return
	}
	m.submissionOutcomes.WithLabelValues(outcome).Inc()
}

func (m *FiscalMetrics) ObserveProviderRequest(provider, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.providerDuration.WithLabelValues(provider, outcome).Observe(duration.Seconds())
}

func (m *FiscalMetrics) SetCircuitState(provider string, state int) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(provider).Set(float64(state))
}

func (m *FiscalMetrics) SetPendingBacklog(count int64) {
	if m == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	m.pendingBacklog.Set(float64(count))
}

func (m *FiscalMetrics) IncReconciliation() {
	if m == nil {
		return
	}
	m.reconciliation.Inc()
}

func (m *FiscalMetrics) IncCreditNote(result string) {
	if m == nil {
		return
	}
	m.creditNotes.WithLabelValues(result).Inc()
}
