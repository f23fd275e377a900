package observability

import "github.com/prometheus/client_golang/prometheus"

// Engine holds collectors for stock, ledger and document workflow activity.
// All methods are safe on a nil receiver.
type Engine struct {
	movements   *prometheus.CounterVec
	postings    *prometheus.CounterVec
	unbalanced  prometheus.Counter
	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
}

// NewEngine registers engine collectors against registerer.
func NewEngine(registerer prometheus.Registerer) *Engine {
	e := &Engine{
		movements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradebook_stock_movements_total",
			Help: "Stock movements appended, by movement type and direction.",
		}, []string{"type", "direction"}),
		postings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradebook_ledger_postings_total",
			Help: "Balanced ledger postings written, by reference kind.",
		}, []string{"ref_kind"}),
		unbalanced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradebook_ledger_unbalanced_total",
			Help: "Rejected ledger postings whose debits and credits differ.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradebook_document_transitions_total",
			Help: "Committed document state transitions.",
		}, []string{"document", "status"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradebook_document_rejections_total",
			Help: "Document operations rejected, by document and reason.",
		}, []string{"document", "reason"}),
	}
	if registerer != nil {
		registerer.MustRegister(e.movements, e.postings, e.unbalanced, e.transitions, e.rejections)
	}
	return e
}

// Movement counts one appended stock movement.
func (e *Engine) Movement(movementType string, delta int64) {
	if e == nil {
		return
	}
	direction := "in"
	if delta < 0 {
		direction = "out"
	}
	e.movements.WithLabelValues(movementType, direction).Inc()
}

// Posting counts one written posting.
func (e *Engine) Posting(refKind string) {
	if e == nil {
		return
	}
	e.postings.WithLabelValues(refKind).Inc()
}

// Unbalanced counts one rejected posting.
func (e *Engine) Unbalanced() {
	if e == nil {
		return
	}
	e.unbalanced.Inc()
}

// Transition counts a committed status change.
func (e *Engine) Transition(document, status string) {
	if e == nil {
		return
	}
	e.transitions.WithLabelValues(document, status).Inc()
}

// Rejection counts a failed document operation.
func (e *Engine) Rejection(document, reason string) {
	if e == nil {
		return
	}
	e.rejections.WithLabelValues(document, reason).Inc()
}
