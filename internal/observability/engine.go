package observability

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics tracks workflow engine outcomes.
type EngineMetrics struct {
	movementsTotal   *prometheus.CounterVec
	allocationsTotal *prometheus.CounterVec
	conflictRetries  prometheus.Counter
	retriesExhausted prometheus.Counter
}

// NewEngineMetrics registers engine counters on the given registerer.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_ledger_movements_total",
		Help: "Committed ledger movements by type.",
	}, []string{"type"})
	allocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_allocations_total",
		Help: "Customer order line allocation outcomes.",
	}, []string{"status"})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_ledger_conflict_retries_total",
		Help: "Transient ledger commit conflicts that were retried.",
	})
	exhausted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_ledger_retries_exhausted_total",
		Help: "Ledger transactions that failed after the retry budget.",
	})
	if reg != nil {
		reg.MustRegister(movements, allocations, conflicts, exhausted)
	}
	return &EngineMetrics{
		movementsTotal:   movements,
		allocationsTotal: allocations,
		conflictRetries:  conflicts,
		retriesExhausted: exhausted,
	}
}

// MovementPosted counts one committed movement.
func (m *EngineMetrics) MovementPosted(movementType string) {
	if m == nil {
		return
	}
	m.movementsTotal.WithLabelValues(movementType).Inc()
}

// AllocationOutcome counts one order line outcome.
func (m *EngineMetrics) AllocationOutcome(status string) {
	if m == nil {
		return
	}
	m.allocationsTotal.WithLabelValues(status).Inc()
}

// ConflictRetried counts a retried transient conflict.
func (m *EngineMetrics) ConflictRetried() {
	if m == nil {
		return
	}
	m.conflictRetries.Inc()
}

// RetryExhausted counts a transaction abandoned after the retry budget.
func (m *EngineMetrics) RetryExhausted() {
	if m == nil {
		return
	}
	m.retriesExhausted.Inc()
}
