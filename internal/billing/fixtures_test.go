package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, dec(want).Equal(got), "want %s got %s", want, got.String())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sequenceSuffix returns the given suffixes in order, then repeats the last.
func sequenceSuffix(values ...int64) func() (int64, error) {
	var (
		mu sync.Mutex
		i  int
	)
	return func() (int64, error) {
		mu.Lock()
		defer mu.Unlock()
		v := values[len(values)-1]
		if i < len(values) {
			v = values[i]
		}
		i++
		return v, nil
	}
}

// recordingNotifier keeps every event it receives.
type recordingNotifier struct {
	mu     sync.Mutex
	events []LedgerEvent
}

func (n *recordingNotifier) LedgerChanged(_ context.Context, e LedgerEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	repo       *MemoryRepository
	notifier   *recordingNotifier
	numbers    *NumberGenerator
	reconciler *Reconciler
	issuer     *Issuer
	ledger     *LedgerService
	invoices   *InvoiceService
	tier       Tier
	client     Client
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     NewMemoryRepository(),
		notifier: &recordingNotifier{},
		now:      time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.repo.WithClock(clock)

	f.tier = Tier{ID: uuid.New(), Name: "Basic", Speed: "50 Mbps", DeviceLimit: 2, Price: dec("1000")}
	f.client = Client{
		ID:        uuid.New(),
		Name:      "Ana Cruz",
		Room:      "204",
		Contact:   "0917-000-0000",
		Email:     "ana@example.com",
		TierID:    f.tier.ID,
		Devices:   4,
		StartDate: day(2023, 5, 20),
	}
	f.repo.PutTier(f.tier)
	f.repo.PutClient(f.client)

	logger := discardLogger()
	f.numbers = NewNumberGenerator("NGS")
	f.numbers.WithSuffixSource(sequenceSuffix(1, 2, 3, 4, 5, 6, 7, 8, 9))
	f.reconciler = NewReconciler(f.repo, f.notifier, nil, logger)
	f.reconciler.WithClock(clock)
	f.issuer = NewIssuer(f.repo, IssuerOptions{
		Numbers:  f.numbers,
		Notifier: f.notifier,
		Logger:   logger,
	})
	f.issuer.WithClock(clock)
	f.ledger = NewLedgerService(f.repo, f.reconciler, logger)
	f.invoices = NewInvoiceService(f.repo, f.reconciler, f.notifier, logger)
	f.invoices.clock = clock
	return f
}

func (f *fixture) issue(t *testing.T, ov IssueOverrides) Invoice {
	t.Helper()
	inv, err := f.issuer.IssueInvoice(context.Background(), f.client.ID, ov)
	require.NoError(t, err)
	return inv
}

func (f *fixture) pay(t *testing.T, inv Invoice, kind PaymentType, amount string, on time.Time) Payment {
	t.Helper()
	id := inv.ID
	p, err := f.ledger.RecordPayment(context.Background(), PaymentInput{
		ClientID:      inv.ClientID,
		InvoiceID:     &id,
		PaymentType:   kind,
		Amount:        dec(amount),
		PaymentDate:   on,
		PaymentMethod: "gcash",
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) Invoice {
	t.Helper()
	inv, err := f.repo.GetInvoice(context.Background(), id)
	require.NoError(t, err)
	return inv
}

func (f *fixture) reloadClient(t *testing.T) Client {
	t.Helper()
	c, err := f.repo.GetClient(context.Background(), f.client.ID)
	require.NoError(t, err)
	return c
}

var errStoreDown = errors.New("connection reset by peer")

// faultyRepo fails selected operations of an otherwise working Repository.
type faultyRepo struct {
	Repository
	failListPayments bool
	failGetInvoice   bool
	failUpdateClient bool
	failLedgerWrite  bool
	ledgerWrites     int
}

func (r *faultyRepo) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return r.Repository.WithTx(ctx, func(ctx context.Context, _ Repository) error {
		return fn(ctx, r)
	})
}

func (r *faultyRepo) ListPaymentsByInvoice(ctx context.Context, id uuid.UUID) ([]Payment, error) {
	if r.failListPayments {
		return nil, errStoreDown
	}
	return r.Repository.ListPaymentsByInvoice(ctx, id)
}

func (r *faultyRepo) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (Invoice, error) {
	if r.failGetInvoice {
		return Invoice{}, errStoreDown
	}
	return r.Repository.GetInvoiceForUpdate(ctx, id)
}

func (r *faultyRepo) UpdateClient(ctx context.Context, id uuid.UUID, patch ClientPatch) error {
	if r.failUpdateClient && patch.DepositAmount != nil {
		return errStoreDown
	}
	return r.Repository.UpdateClient(ctx, id, patch)
}

func (r *faultyRepo) UpdateLedgerState(ctx context.Context, id uuid.UUID, s LedgerState) error {
	r.ledgerWrites++
	if r.failLedgerWrite {
		return errStoreDown
	}
	return r.Repository.UpdateLedgerState(ctx, id, s)
}
