package billing

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ngsnet/billing/internal/billing/cycle"
	"github.com/ngsnet/billing/internal/shared"
)

// LedgerService records payment ledger entries and keeps the affected
// invoices reconciled.
type LedgerService struct {
	repo       Repository
	reconciler *Reconciler
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewLedgerService constructs a LedgerService.
func NewLedgerService(repo Repository, reconciler *Reconciler, logger *slog.Logger) *LedgerService {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &LedgerService{repo: repo, reconciler: reconciler, validate: v, logger: logger}
}

// RecordPayment appends a ledger entry and reconciles its invoice. When the
// write succeeds but reconciliation fails the entry is returned with the error.
func (s *LedgerService) RecordPayment(ctx context.Context, in PaymentInput) (Payment, error) {
	p := Payment{
		ID:            uuid.New(),
		ClientID:      in.ClientID,
		InvoiceID:     in.InvoiceID,
		PaymentType:   in.PaymentType,
		Amount:        in.Amount,
		PaymentDate:   cycle.DateOnly(in.PaymentDate),
		PaymentMethod: strings.TrimSpace(in.PaymentMethod),
		Notes:         strings.TrimSpace(in.Notes),
	}
	if err := s.check(ctx, p); err != nil {
		return Payment{}, err
	}
	created, err := s.repo.InsertPayment(ctx, p)
	if err != nil {
		return Payment{}, fmt.Errorf("billing: record payment: %w", err)
	}
	s.logger.Info("payment recorded",
		slog.String("payment_id", created.ID.String()),
		slog.String("client_id", created.ClientID.String()),
		slog.String("payment_type", string(created.PaymentType)),
		slog.String("amount", created.Amount.StringFixed(2)))
	return created, s.reconcileAll(ctx, created.ID, created.InvoiceID)
}

// AmendPayment edits a ledger entry. When the entry moves between invoices
// both are reconciled.
func (s *LedgerService) AmendPayment(ctx context.Context, id uuid.UUID, patch PaymentPatch) (Payment, error) {
	current, err := s.repo.GetPayment(ctx, id)
	if err != nil {
		return Payment{}, err
	}
	updated := patch.apply(current)
	updated.PaymentDate = cycle.DateOnly(updated.PaymentDate)
	if err := s.check(ctx, updated); err != nil {
		return Payment{}, err
	}
	if err := s.repo.UpdatePayment(ctx, updated); err != nil {
		return Payment{}, fmt.Errorf("billing: amend payment: %w", err)
	}
	stored, err := s.repo.GetPayment(ctx, id)
	if err != nil {
		return updated, err
	}
	return stored, s.reconcileAll(ctx, id, current.InvoiceID, stored.InvoiceID)
}

// RemovePayment deletes a ledger entry and reconciles the invoice it settled.
func (s *LedgerService) RemovePayment(ctx context.Context, id uuid.UUID) error {
	current, err := s.repo.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeletePayment(ctx, id); err != nil {
		return fmt.Errorf("billing: remove payment: %w", err)
	}
	return s.reconcileAll(ctx, id, current.InvoiceID)
}

// ListInvoicePayments returns the entries linked to an invoice, newest first.
func (s *LedgerService) ListInvoicePayments(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	if _, err := s.repo.GetInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.repo.ListPaymentsByInvoice(ctx, invoiceID)
}

// ListClientPayments returns every entry of a client, newest first.
func (s *LedgerService) ListClientPayments(ctx context.Context, clientID uuid.UUID) ([]Payment, error) {
	if _, err := s.repo.GetClient(ctx, clientID); err != nil {
		return nil, err
	}
	return s.repo.ListPaymentsByClient(ctx, clientID)
}

// Credit summarises a client's advance payments.
type Credit struct {
	ClientID  uuid.UUID       `json:"client_id"`
	Advanced  decimal.Decimal `json:"advanced"`
	Applied   decimal.Decimal `json:"applied"`
	Available decimal.Decimal `json:"available"`
}

// ClientCredit returns the advance credit a client has not yet applied.
func (s *LedgerService) ClientCredit(ctx context.Context, clientID uuid.UUID) (Credit, error) {
	payments, err := s.ListClientPayments(ctx, clientID)
	if err != nil {
		return Credit{}, err
	}
	c := Credit{ClientID: clientID, Advanced: decimal.Zero, Applied: decimal.Zero}
	for _, p := range payments {
		switch p.PaymentType {
		case PaymentTypeAdvance:
			c.Advanced = c.Advanced.Add(p.Amount)
		case PaymentTypeAdvanceApply:
			c.Applied = c.Applied.Add(p.Amount)
		}
	}
	c.Available = c.Advanced.Sub(c.Applied)
	return c, nil
}

// check validates an entry before it is written.
func (s *LedgerService) check(ctx context.Context, p Payment) error {
	verr := &shared.ValidationError{}
	in := PaymentInput{
		ClientID:      p.ClientID,
		InvoiceID:     p.InvoiceID,
		PaymentType:   p.PaymentType,
		Amount:        p.Amount,
		PaymentDate:   p.PaymentDate,
		PaymentMethod: p.PaymentMethod,
		Notes:         p.Notes,
	}
	if err := s.validate.Struct(in); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				verr.Add(fe.Field(), ruleMessage(fe))
			}
		} else {
			return err
		}
	}
	if p.ClientID == uuid.Nil {
		verr.Add("client_id", "is required")
	}
	switch {
	case !p.Amount.IsPositive():
		verr.Add("amount", "must be greater than zero")
	case !p.Amount.Equal(p.Amount.Round(2)):
		verr.Add("amount", "must not have more than two decimal places")
	}
	if p.PaymentDate.IsZero() {
		verr.Add("payment_date", "is required")
	}
	if p.PaymentType.CountsTowardInvoice() && p.InvoiceID == nil {
		verr.Add("invoice_id", "is required for full and partial payments")
	}
	if err := verr.OrNil(); err != nil {
		return err
	}

	if _, err := s.repo.GetClient(ctx, p.ClientID); err != nil {
		return err
	}
	if p.InvoiceID != nil {
		inv, err := s.repo.GetInvoice(ctx, *p.InvoiceID)
		if err != nil {
			return err
		}
		if inv.ClientID != p.ClientID {
			return shared.NewValidationError("invoice_id", "belongs to another client")
		}
	}
	return nil
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "is invalid"
	}
}

// reconcileAll reconciles each distinct invoice after a ledger write.
func (s *LedgerService) reconcileAll(ctx context.Context, paymentID uuid.UUID, invoiceIDs ...*uuid.UUID) error {
	seen := make(map[uuid.UUID]bool, len(invoiceIDs))
	for _, id := range invoiceIDs {
		if id == nil || seen[*id] {
			continue
		}
		seen[*id] = true
		if _, err := s.reconciler.Reconcile(ctx, *id); err != nil {
			s.logger.Error("reconcile after ledger write",
				slog.String("payment_id", paymentID.String()),
				slog.String("invoice_id", id.String()),
				slog.Any("error", err))
			return fmt.Errorf("billing: payment %s written: %w", paymentID, err)
		}
	}
	return nil
}
