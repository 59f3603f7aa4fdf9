package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ngsnet/billing/internal/billing/charges"
	"github.com/ngsnet/billing/internal/billing/cycle"
	"github.com/ngsnet/billing/internal/shared"
)

// ChargeOverride is an administrative edit of an invoice's charge fields.
// Nil fields keep their stored value. When TotalAmount is nil the total is
// recomputed from the resulting components.
type ChargeOverride struct {
	BillingMonth           *string          `json:"billing_month,omitempty"`
	DueDate                *time.Time       `json:"due_date,omitempty"`
	BasePrice              *decimal.Decimal `json:"base_price,omitempty"`
	ExtraDeviceCharge      *decimal.Decimal `json:"extra_device_charge,omitempty"`
	UnregisteredOvercharge *decimal.Decimal `json:"unregistered_overcharge,omitempty"`
	Rebate                 *decimal.Decimal `json:"rebate,omitempty"`
	PreviousBalance        *decimal.Decimal `json:"previous_balance,omitempty"`
	DepositApplied         *decimal.Decimal `json:"deposit_applied,omitempty"`
	TotalAmount            *decimal.Decimal `json:"total_amount,omitempty"`
}

// InvoiceService administers issued invoices.
type InvoiceService struct {
	repo       Repository
	reconciler *Reconciler
	notifier   Notifier
	logger     *slog.Logger
	clock      func() time.Time
}

// NewInvoiceService constructs an InvoiceService.
func NewInvoiceService(repo Repository, reconciler *Reconciler, notifier Notifier, logger *slog.Logger) *InvoiceService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InvoiceService{
		repo:       repo,
		reconciler: reconciler,
		notifier:   notifier,
		logger:     logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// GetInvoice returns one invoice.
func (s *InvoiceService) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	return s.repo.GetInvoice(ctx, id)
}

// ListClientInvoices returns a client's invoices, newest invoice_date first.
func (s *InvoiceService) ListClientInvoices(ctx context.Context, clientID uuid.UUID) ([]Invoice, error) {
	if _, err := s.repo.GetClient(ctx, clientID); err != nil {
		return nil, err
	}
	return s.repo.ListInvoices(ctx, InvoiceFilter{ClientID: &clientID})
}

// ListInvoices returns invoices matching filter.
func (s *InvoiceService) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error) {
	return s.repo.ListInvoices(ctx, filter)
}

// RebateView reports how the stored rebate of an invoice reads.
func RebateView(inv Invoice) charges.StoredRebate {
	subtotal := inv.BasePrice.Add(inv.ExtraDeviceCharge).Add(inv.UnregisteredOvercharge)
	return charges.InterpretStoredRebate(inv.Rebate, subtotal)
}

// OverrideCharges rewrites charge fields and reconciles the invoice against
// its ledger.
func (s *InvoiceService) OverrideCharges(ctx context.Context, id uuid.UUID, o ChargeOverride) (Invoice, error) {
	if err := o.validate(); err != nil {
		return Invoice{}, err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		current, err := tx.GetInvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		return tx.UpdateInvoiceCharges(ctx, id, o.patch(current))
	})
	if err != nil {
		return Invoice{}, fmt.Errorf("billing: override charges: %w", err)
	}
	inv, err := s.reconciler.Reconcile(ctx, id)
	if err != nil {
		return Invoice{}, err
	}
	s.logger.Info("invoice charges overridden",
		slog.String("invoice_id", id.String()),
		slog.String("total_amount", inv.TotalAmount.StringFixed(2)))
	s.notifier.LedgerChanged(ctx, LedgerEvent{
		Kind:          EventInvoiceUpdated,
		InvoiceID:     inv.ID,
		ClientID:      inv.ClientID,
		PaymentStatus: inv.PaymentStatus,
		At:            s.clock(),
	})
	return inv, nil
}

func (o ChargeOverride) validate() error {
	v := &shared.ValidationError{}
	nonNegative := func(field string, d *decimal.Decimal) {
		if d != nil && d.IsNegative() {
			v.Add(field, "must not be negative")
		}
	}
	nonNegative("base_price", o.BasePrice)
	nonNegative("extra_device_charge", o.ExtraDeviceCharge)
	nonNegative("unregistered_overcharge", o.UnregisteredOvercharge)
	nonNegative("deposit_applied", o.DepositApplied)
	nonNegative("total_amount", o.TotalAmount)
	if o.BillingMonth != nil {
		if _, err := cycle.ParsePeriod(*o.BillingMonth); err != nil {
			v.Add("billing_month", "must be formatted YYYY-MM")
		}
	}
	return v.OrNil()
}

// setsCharges reports whether o changes any input of the total.
func (o ChargeOverride) setsCharges() bool {
	return o.BasePrice != nil || o.ExtraDeviceCharge != nil || o.UnregisteredOvercharge != nil ||
		o.Rebate != nil || o.PreviousBalance != nil || o.DepositApplied != nil
}

// patch merges o over current. The total is derived only when a charge
// component changes and no explicit total is given; otherwise the stored
// total and rebate are left as they are.
func (o ChargeOverride) patch(current Invoice) ChargePatch {
	p := ChargePatch{
		BillingMonth: o.BillingMonth,
		TotalAmount:  o.TotalAmount,
	}
	if o.DueDate != nil {
		due := cycle.DateOnly(*o.DueDate)
		p.DueDate = &due
	}
	if !o.setsCharges() {
		return p
	}

	pick := func(override *decimal.Decimal, stored decimal.Decimal) decimal.Decimal {
		if override != nil {
			return *override
		}
		return stored
	}
	base := pick(o.BasePrice, current.BasePrice)
	extra := pick(o.ExtraDeviceCharge, current.ExtraDeviceCharge)
	over := pick(o.UnregisteredOvercharge, current.UnregisteredOvercharge)
	previous := pick(o.PreviousBalance, current.PreviousBalance)
	deposit := pick(o.DepositApplied, current.DepositApplied)

	var rebate decimal.Decimal
	if o.Rebate != nil {
		rebate = charges.ClampRebate(*o.Rebate)
	} else {
		rebate = charges.InterpretStoredRebate(current.Rebate, base.Add(extra).Add(over)).Percent
	}

	var total decimal.Decimal
	if o.TotalAmount != nil {
		total = *o.TotalAmount
	} else {
		total = charges.Compute(charges.Input{
			BasePrice:        base.Add(extra),
			ManualOvercharge: over,
			RebatePercent:    rebate,
			PreviousBalance:  previous,
			DepositApplied:   deposit,
		}).TotalAmount
	}

	p.BasePrice = &base
	p.ExtraDeviceCharge = &extra
	p.UnregisteredOvercharge = &over
	p.Rebate = &rebate
	p.PreviousBalance = &previous
	p.DepositApplied = &deposit
	p.TotalAmount = &total
	return p
}

// DeleteInvoice removes an invoice with its ledger entries and points the
// client's next_due_date at the latest remaining invoice.
func (s *InvoiceService) DeleteInvoice(ctx context.Context, id uuid.UUID) error {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return err
	}
	var removed int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Repository) error {
		n, err := tx.DeletePaymentsByInvoice(ctx, id)
		if err != nil {
			return err
		}
		removed = n
		return tx.DeleteInvoice(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("billing: delete invoice: %w", err)
	}
	s.logger.Info("invoice deleted",
		slog.String("invoice_id", id.String()),
		slog.String("invoice_number", inv.InvoiceNumber),
		slog.Int64("payments_removed", removed))

	s.refreshNextDue(ctx, inv.ClientID)
	s.notifier.LedgerChanged(ctx, LedgerEvent{
		Kind:      EventInvoiceDeleted,
		InvoiceID: inv.ID,
		ClientID:  inv.ClientID,
		At:        s.clock(),
	})
	return nil
}

func (s *InvoiceService) refreshNextDue(ctx context.Context, clientID uuid.UUID) {
	var patch ClientPatch
	latest, err := s.repo.LatestInvoice(ctx, clientID)
	switch {
	case err == nil:
		due := latest.DueDate
		patch.NextDueDate = &due
	case errors.Is(err, ErrInvoiceNotFound):
		patch.ClearNextDueDate = true
	default:
		s.logger.Warn("load latest invoice for next due date", slog.String("client_id", clientID.String()), slog.Any("error", err))
		return
	}
	if err := s.repo.UpdateClient(ctx, clientID, patch); err != nil {
		s.logger.Warn("refresh client next due date", slog.String("client_id", clientID.String()), slog.Any("error", err))
	}
}
