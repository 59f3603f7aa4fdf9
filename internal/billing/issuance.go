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

const defaultIssueLockTTL = 30 * time.Second

// IssuerOptions wires the collaborators of an Issuer. Only Repository is
// required.
type IssuerOptions struct {
	Tiers           TierReader
	Locker          shared.Locker
	Numbers         *NumberGenerator
	Notifier        Notifier
	Metrics         *Metrics
	Logger          *slog.Logger
	ExtraDeviceRate decimal.Decimal
	LockTTL         time.Duration
}

// Issuer creates the next invoice of a client.
type Issuer struct {
	repo     Repository
	tiers    TierReader
	locker   shared.Locker
	numbers  *NumberGenerator
	notifier Notifier
	metrics  *Metrics
	logger   *slog.Logger
	rate     decimal.Decimal
	lockTTL  time.Duration
	clock    func() time.Time
}

// NewIssuer constructs an Issuer.
func NewIssuer(repo Repository, opts IssuerOptions) *Issuer {
	s := &Issuer{
		repo:     repo,
		tiers:    opts.Tiers,
		locker:   opts.Locker,
		numbers:  opts.Numbers,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		rate:     opts.ExtraDeviceRate,
		lockTTL:  opts.LockTTL,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	if s.tiers == nil {
		s.tiers = repo
	}
	if s.locker == nil {
		s.locker = shared.NoopLocker{}
	}
	if s.numbers == nil {
		s.numbers = NewNumberGenerator(DefaultInvoicePrefix)
	}
	if s.notifier == nil {
		s.notifier = NopNotifier{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.rate.IsZero() {
		s.rate = charges.DefaultExtraDeviceRate
	}
	if s.lockTTL <= 0 {
		s.lockTTL = defaultIssueLockTTL
	}
	return s
}

// WithClock overrides the internal clock for deterministic tests.
func (s *Issuer) WithClock(clock func() time.Time) {
	s.clock = clock
}

// Draft is an unsaved invoice with the breakdown it was computed from.
type Draft struct {
	Invoice   Invoice           `json:"invoice"`
	Breakdown charges.Breakdown `json:"breakdown"`
}

// Preview computes the invoice IssueInvoice would create, without writing.
func (s *Issuer) Preview(ctx context.Context, clientID uuid.UUID, ov IssueOverrides) (Draft, error) {
	client, err := s.repo.GetClient(ctx, clientID)
	if err != nil {
		return Draft{}, err
	}
	return s.draft(ctx, client, ov, s.clock())
}

// IssueInvoice creates the client's next invoice. The deposit debit and the
// client's next_due_date refresh are best-effort follow-ups: their failure is
// logged and does not undo the invoice.
func (s *Issuer) IssueInvoice(ctx context.Context, clientID uuid.UUID, ov IssueOverrides) (Invoice, error) {
	release, err := s.locker.Acquire(ctx, shared.ClientIssuanceLockKey(clientID.String()), s.lockTTL)
	if err != nil {
		if errors.Is(err, shared.ErrLockHeld) {
			return Invoice{}, ErrIssuanceInProgress
		}
		return Invoice{}, fmt.Errorf("billing: issue invoice: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release issuance lock", slog.String("client_id", clientID.String()), slog.Any("error", err))
		}
	}()

	client, err := s.repo.GetClient(ctx, clientID)
	if err != nil {
		return Invoice{}, err
	}
	now := s.clock()
	draft, err := s.draft(ctx, client, ov, now)
	if err != nil {
		return Invoice{}, err
	}

	inv := draft.Invoice
	if inv.InvoiceNumber == "" {
		if inv.InvoiceNumber, err = s.numbers.Next(now); err != nil {
			return Invoice{}, err
		}
	}
	created, err := s.repo.InsertInvoice(ctx, inv)
	if errors.Is(err, ErrDuplicateInvoiceNumber) {
		s.metrics.numberCollision()
		s.logger.Warn("invoice number collision, regenerating",
			slog.String("client_id", clientID.String()),
			slog.String("invoice_number", inv.InvoiceNumber))
		if inv.InvoiceNumber, err = s.numbers.Next(now); err != nil {
			return Invoice{}, err
		}
		created, err = s.repo.InsertInvoice(ctx, inv)
	}
	if err != nil {
		return Invoice{}, fmt.Errorf("billing: insert invoice: %w", err)
	}
	s.metrics.invoiceIssued(created.PaymentStatus)

	s.debitDeposit(ctx, client, created)
	s.advanceClient(ctx, client.ID, created.DueDate)

	s.notifier.LedgerChanged(ctx, LedgerEvent{
		Kind:          EventInvoiceIssued,
		InvoiceID:     created.ID,
		ClientID:      created.ClientID,
		PaymentStatus: created.PaymentStatus,
		At:            now,
	})
	s.logger.Info("invoice issued",
		slog.String("invoice_id", created.ID.String()),
		slog.String("invoice_number", created.InvoiceNumber),
		slog.String("client_id", clientID.String()),
		slog.String("billing_month", created.BillingMonth),
		slog.String("total_amount", charges.FormatAmount(created.TotalAmount)))
	return created, nil
}

func (s *Issuer) draft(ctx context.Context, client Client, ov IssueOverrides, now time.Time) (Draft, error) {
	latest, err := s.repo.LatestInvoice(ctx, client.ID)
	var prior *Invoice
	switch {
	case err == nil:
		prior = &latest
	case errors.Is(err, ErrInvoiceNotFound):
	default:
		return Draft{}, err
	}

	period, due, err := schedule(client, prior, ov, now)
	if err != nil {
		return Draft{}, err
	}

	tier, err := s.tiers.GetTier(ctx, client.TierID)
	if err != nil {
		return Draft{}, err
	}

	previous := decimal.Zero
	if ov.PreviousBalance != nil {
		previous = *ov.PreviousBalance
	} else if prior != nil && prior.BalanceDue.IsNegative() {
		previous = prior.BalanceDue
	}

	in := charges.Input{
		BasePrice:         tier.Price,
		ClientDeviceCount: client.Devices,
		TierDeviceLimit:   tier.DeviceLimit,
		ManualOvercharge:  ov.ManualOvercharge,
		RebatePercent:     ov.RebatePercent,
		PreviousBalance:   previous,
		ExtraDeviceRate:   s.rate,
	}
	if ov.DepositApplied != nil {
		in.DepositApplied = *ov.DepositApplied
	}
	if err := charges.Validate(in); err != nil {
		return Draft{}, err
	}
	in.DepositApplied = depositToApply(client, ov, in)
	b := charges.Compute(in)

	invoiceDate := cycle.DateOnly(now)
	if ov.InvoiceDate != nil {
		invoiceDate = cycle.DateOnly(*ov.InvoiceDate)
	}
	inv := Invoice{
		ID:                     uuid.New(),
		ClientID:               client.ID,
		ClientName:             client.Name,
		ClientRoom:             client.Room,
		ClientContact:          client.Contact,
		ClientEmail:            client.Email,
		InvoiceNumber:          ov.InvoiceNumber,
		BillingMonth:           period.String(),
		InvoiceDate:            invoiceDate,
		DueDate:                due,
		BasePrice:              b.BasePrice,
		ExtraDeviceCharge:      b.ExtraDeviceCharge,
		UnregisteredOvercharge: b.ManualOvercharge,
		Rebate:                 b.RebatePercent,
		PreviousBalance:        b.PreviousBalance,
		DepositApplied:         b.DepositApplied,
		TotalAmount:            b.TotalAmount,
		AmountPaid:             decimal.Zero,
		BalanceDue:             b.TotalAmount,
		PaymentStatus:          PaymentStatusPending,
	}
	if !b.TotalAmount.IsPositive() {
		// nothing to collect, settled without a ledger entry
		paidAt := now
		paymentDate := invoiceDate
		inv.AmountPaid = b.TotalAmount
		inv.BalanceDue = decimal.Zero
		inv.PaymentStatus = PaymentStatusPaid
		inv.PaymentDate = &paymentDate
		inv.PaidAt = &paidAt
	}
	return Draft{Invoice: inv, Breakdown: b}, nil
}

// schedule picks the billing month and due date of the next invoice.
func schedule(client Client, prior *Invoice, ov IssueOverrides, now time.Time) (cycle.Period, time.Time, error) {
	var (
		period cycle.Period
		due    time.Time
	)
	if prior != nil {
		p, err := cycle.ParsePeriod(prior.BillingMonth)
		if err != nil {
			p = cycle.PeriodOf(prior.DueDate)
		}
		period = p.Next()
		due = cycle.AddMonthsClamped(prior.DueDate, 1)
	} else {
		period = cycle.PeriodOf(now)
		due = cycle.NextDueDate(client.StartDate, now)
	}

	if ov.BillingMonth != "" {
		p, err := cycle.ParsePeriod(ov.BillingMonth)
		if err != nil {
			return cycle.Period{}, time.Time{}, shared.NewValidationError("billing_month", "must be formatted YYYY-MM")
		}
		period = p
	}
	if ov.DueDate != nil {
		due = cycle.DateOnly(*ov.DueDate)
	}
	return period, due, nil
}

// depositToApply caps the requested deposit at what the client holds. With
// ApplyDeposit and no explicit amount it covers the charges before deposit.
func depositToApply(client Client, ov IssueOverrides, in charges.Input) decimal.Decimal {
	available := client.AvailableDeposit()
	var want decimal.Decimal
	switch {
	case ov.DepositApplied != nil:
		want = *ov.DepositApplied
	case ov.ApplyDeposit:
		in.DepositApplied = decimal.Zero
		want = decimal.Max(decimal.Zero, charges.Compute(in).TotalBeforeDeposit)
	default:
		return decimal.Zero
	}
	return charges.Round2(decimal.Min(want, available))
}

func (s *Issuer) debitDeposit(ctx context.Context, client Client, inv Invoice) {
	if !inv.DepositApplied.IsPositive() {
		return
	}
	remaining := decimal.Max(decimal.Zero, client.DepositAmount.Sub(inv.DepositApplied))
	if err := s.repo.UpdateClient(ctx, client.ID, ClientPatch{DepositAmount: &remaining}); err != nil {
		s.metrics.depositDebitFailed()
		s.logger.Warn("deposit debit failed after invoice insert",
			slog.String("client_id", client.ID.String()),
			slog.String("invoice_id", inv.ID.String()),
			slog.String("deposit_applied", inv.DepositApplied.StringFixed(2)),
			slog.Any("error", err))
	}
}

func (s *Issuer) advanceClient(ctx context.Context, clientID uuid.UUID, due time.Time) {
	next := cycle.AddMonthsClamped(due, 1)
	if err := s.repo.UpdateClient(ctx, clientID, ClientPatch{NextDueDate: &next}); err != nil {
		s.logger.Warn("refresh client next due date",
			slog.String("client_id", clientID.String()),
			slog.Any("error", err))
	}
}
