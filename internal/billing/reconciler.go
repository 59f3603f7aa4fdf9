package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ComputeLedgerState derives the settlement fields of an invoice with the
// given total from the ledger entries linked to it. Only full and partial
// entries count toward the amount paid. The balance is not clamped: a
// negative balance is credit owed to the client.
func ComputeLedgerState(total decimal.Decimal, linked []Payment, now time.Time) LedgerState {
	applied := decimal.Zero
	var latest *Payment
	for i := range linked {
		p := &linked[i]
		if p.PaymentType.CountsTowardInvoice() {
			applied = applied.Add(p.Amount)
		}
		if latest == nil || p.PaymentDate.After(latest.PaymentDate) {
			latest = p
		}
	}

	balance := total.Sub(applied)
	state := LedgerState{
		AmountPaid:    applied,
		BalanceDue:    balance,
		PaymentStatus: PaymentStatusPending,
	}
	if balance.GreaterThan(decimal.Zero) {
		return state
	}
	state.PaymentStatus = PaymentStatusPaid
	paidAt := now
	state.PaidAt = &paidAt
	if latest != nil {
		date := latest.PaymentDate
		state.PaymentDate = &date
		state.PaymentMethod = latest.PaymentMethod
	}
	return state
}

// Equivalent reports whether s and o agree on every derived field except
// the paid_at stamp.
func (s LedgerState) Equivalent(o LedgerState) bool {
	return s.AmountPaid.Equal(o.AmountPaid) &&
		s.BalanceDue.Equal(o.BalanceDue) &&
		s.PaymentStatus == o.PaymentStatus &&
		sameDate(s.PaymentDate, o.PaymentDate) &&
		s.PaymentMethod == o.PaymentMethod
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Outcome describes one reconciliation pass.
type Outcome struct {
	Invoice  Invoice
	Previous LedgerState
	// Changed is set when the stored derived fields disagreed with the ledger.
	Changed bool
}

// Reconciler recomputes invoice settlement state from the payment ledger.
type Reconciler struct {
	repo     Repository
	notifier Notifier
	metrics  *Metrics
	logger   *slog.Logger
	clock    func() time.Time
}

// NewReconciler constructs a Reconciler. notifier, metrics and logger may be nil.
func NewReconciler(repo Repository, notifier Notifier, metrics *Metrics, logger *slog.Logger) *Reconciler {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		repo:     repo,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (r *Reconciler) WithClock(clock func() time.Time) {
	r.clock = clock
}

// Reconcile recomputes and persists the derived fields of an invoice. It is
// safe to call any number of times.
func (r *Reconciler) Reconcile(ctx context.Context, invoiceID uuid.UUID) (Invoice, error) {
	out, err := r.ReconcileOutcome(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	return out.Invoice, nil
}

// ReconcileOutcome is Reconcile reporting whether the stored state drifted.
func (r *Reconciler) ReconcileOutcome(ctx context.Context, invoiceID uuid.UUID) (Outcome, error) {
	var out Outcome
	err := r.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		inv, err := tx.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		linked, err := tx.ListPaymentsByInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}

		state := ComputeLedgerState(inv.TotalAmount, linked, r.clock())
		if state.PaymentStatus == PaymentStatusPaid && state.PaymentDate == nil {
			// settled without entries, e.g. a zero-total invoice
			state.PaymentDate = inv.PaymentDate
			state.PaymentMethod = inv.PaymentMethod
		}
		if err := tx.UpdateLedgerState(ctx, invoiceID, state); err != nil {
			return err
		}

		out.Previous = inv.LedgerState()
		out.Changed = !state.Equivalent(out.Previous)
		inv.Apply(state)
		out.Invoice = inv
		return nil
	})
	if err != nil {
		r.metrics.reconciled("error")
		return Outcome{}, fmt.Errorf("billing: reconcile %s: %w", invoiceID, err)
	}

	if out.Changed {
		r.metrics.reconciled("changed")
		r.logger.Info("invoice reconciled",
			slog.String("invoice_id", invoiceID.String()),
			slog.String("status", string(out.Invoice.PaymentStatus)),
			slog.String("balance_due", out.Invoice.BalanceDue.StringFixed(2)))
	} else {
		r.metrics.reconciled("unchanged")
	}
	r.notifier.LedgerChanged(ctx, LedgerEvent{
		Kind:          EventInvoiceReconciled,
		InvoiceID:     out.Invoice.ID,
		ClientID:      out.Invoice.ClientID,
		PaymentStatus: out.Invoice.PaymentStatus,
		At:            r.clock(),
	})
	return out, nil
}
