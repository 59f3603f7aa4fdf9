package billing

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for billing operations. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	issued          *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	collisions      prometheus.Counter
	depositFailures prometheus.Counter
}

// NewMetrics registers the billing metrics against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	issued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_invoices_issued_total",
		Help: "Invoices issued partitioned by initial payment status.",
	}, []string{"status"})
	reconciliations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_reconciliations_total",
		Help: "Ledger reconciliations partitioned by outcome.",
	}, []string{"outcome"})
	collisions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "billing_invoice_number_collisions_total",
		Help: "Generated invoice numbers rejected as duplicates.",
	})
	depositFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "billing_deposit_debit_failures_total",
		Help: "Deposit debits that failed after the invoice was persisted.",
	})
	registerer.MustRegister(issued, reconciliations, collisions, depositFailures)
	return &Metrics{
		issued:          issued,
		reconciliations: reconciliations,
		collisions:      collisions,
		depositFailures: depositFailures,
	}
}

func (m *Metrics) invoiceIssued(status PaymentStatus) {
	if m == nil {
		return
	}
	m.issued.WithLabelValues(string(status)).Inc()
}

// reconciled records one reconciliation; outcome is changed, unchanged or error.
func (m *Metrics) reconciled(outcome string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) numberCollision() {
	if m == nil {
		return
	}
	m.collisions.Inc()
}

func (m *Metrics) depositDebitFailed() {
	if m == nil {
		return
	}
	m.depositFailures.Inc()
}
