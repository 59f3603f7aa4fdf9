package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngsnet/billing/internal/shared"
)

func entry(kind PaymentType, amount string, on time.Time, method string) Payment {
	return Payment{ID: uuid.New(), PaymentType: kind, Amount: dec(amount), PaymentDate: on, PaymentMethod: method}
}

func TestComputeLedgerState(t *testing.T) {
	now := time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)

	t.Run("no entries leaves the total outstanding", func(t *testing.T) {
		s := ComputeLedgerState(dec("754"), nil, now)
		requireDecimal(t, "0", s.AmountPaid)
		requireDecimal(t, "754", s.BalanceDue)
		assert.Equal(t, PaymentStatusPending, s.PaymentStatus)
		assert.Nil(t, s.PaidAt)
		assert.Nil(t, s.PaymentDate)
	})

	t.Run("partial payment stays pending", func(t *testing.T) {
		s := ComputeLedgerState(dec("754"), []Payment{entry(PaymentTypePartial, "300", day(2024, 3, 15), "cash")}, now)
		requireDecimal(t, "300", s.AmountPaid)
		requireDecimal(t, "454", s.BalanceDue)
		assert.Equal(t, PaymentStatusPending, s.PaymentStatus)
		assert.Empty(t, s.PaymentMethod)
	})

	t.Run("exact settlement is paid and stamped from the latest entry", func(t *testing.T) {
		s := ComputeLedgerState(dec("754"), []Payment{
			entry(PaymentTypeFull, "454", day(2024, 3, 30), "gcash"),
			entry(PaymentTypePartial, "300", day(2024, 3, 15), "cash"),
		}, now)
		requireDecimal(t, "0", s.BalanceDue)
		assert.Equal(t, PaymentStatusPaid, s.PaymentStatus)
		require.NotNil(t, s.PaymentDate)
		assert.Equal(t, day(2024, 3, 30), *s.PaymentDate)
		assert.Equal(t, "gcash", s.PaymentMethod)
		require.NotNil(t, s.PaidAt)
		assert.Equal(t, now, *s.PaidAt)
	})

	t.Run("overpayment keeps a negative balance", func(t *testing.T) {
		s := ComputeLedgerState(dec("754"), []Payment{
			entry(PaymentTypePartial, "300", day(2024, 3, 15), "cash"),
			entry(PaymentTypeFull, "500", day(2024, 3, 20), "bank"),
		}, now)
		requireDecimal(t, "800", s.AmountPaid)
		requireDecimal(t, "-46", s.BalanceDue)
		assert.Equal(t, PaymentStatusPaid, s.PaymentStatus)
		assert.Equal(t, "bank", s.PaymentMethod)
	})

	t.Run("advance entries never settle an invoice", func(t *testing.T) {
		s := ComputeLedgerState(dec("100"), []Payment{
			entry(PaymentTypeAdvance, "500", day(2024, 3, 15), "cash"),
			entry(PaymentTypeAdvanceApply, "500", day(2024, 3, 16), "cash"),
		}, now)
		requireDecimal(t, "0", s.AmountPaid)
		requireDecimal(t, "100", s.BalanceDue)
		assert.Equal(t, PaymentStatusPending, s.PaymentStatus)
	})
}

func TestReconcileScenarios(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	inv := f.issue(t, IssueOverrides{RebatePercent: dec("10"), PreviousBalance: decPtr("-200")})
	requireDecimal(t, "754", inv.TotalAmount)

	f.pay(t, inv, PaymentTypePartial, "300", day(2024, 3, 12))
	got := f.reload(t, inv.ID)
	requireDecimal(t, "300", got.AmountPaid)
	requireDecimal(t, "454", got.BalanceDue)
	assert.Equal(t, PaymentStatusPending, got.PaymentStatus)

	full := f.pay(t, inv, PaymentTypeFull, "454", day(2024, 3, 18))
	got = f.reload(t, inv.ID)
	requireDecimal(t, "0", got.BalanceDue)
	assert.Equal(t, PaymentStatusPaid, got.PaymentStatus)
	require.NotNil(t, got.PaymentDate)
	assert.Equal(t, day(2024, 3, 18), *got.PaymentDate)

	// paid -> pending when the settling entry is removed
	require.NoError(t, f.ledger.RemovePayment(ctx, full.ID))
	got = f.reload(t, inv.ID)
	assert.Equal(t, PaymentStatusPending, got.PaymentStatus)
	requireDecimal(t, "454", got.BalanceDue)
	assert.Nil(t, got.PaymentDate)
	assert.Nil(t, got.PaidAt)
	assert.Empty(t, got.PaymentMethod)

	// overpayment becomes credit
	f.pay(t, inv, PaymentTypeFull, "500", day(2024, 3, 20))
	got = f.reload(t, inv.ID)
	requireDecimal(t, "-46", got.BalanceDue)
	assert.Equal(t, PaymentStatusPaid, got.PaymentStatus)
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := f.issue(t, IssueOverrides{RebatePercent: dec("10")})
	f.pay(t, inv, PaymentTypePartial, "500", day(2024, 3, 11))
	f.pay(t, inv, PaymentTypeFull, "454", day(2024, 3, 12))

	first, err := f.reconciler.ReconcileOutcome(ctx, inv.ID)
	require.NoError(t, err)
	second, err := f.reconciler.ReconcileOutcome(ctx, inv.ID)
	require.NoError(t, err)

	assert.False(t, first.Changed)
	assert.False(t, second.Changed)
	assert.Equal(t, first.Invoice.LedgerState(), second.Invoice.LedgerState())
	assert.Equal(t, f.reload(t, inv.ID).LedgerState(), second.Invoice.LedgerState())
}

func TestReconcileReportsDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := f.issue(t, IssueOverrides{})
	f.pay(t, inv, PaymentTypePartial, "100", day(2024, 3, 11))

	// an out-of-band write corrupts the derived fields
	require.NoError(t, f.repo.UpdateLedgerState(ctx, inv.ID, LedgerState{
		AmountPaid:    dec("0"),
		BalanceDue:    dec("0"),
		PaymentStatus: PaymentStatusPaid,
	}))

	out, err := f.reconciler.ReconcileOutcome(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, PaymentStatusPaid, out.Previous.PaymentStatus)
	assert.Equal(t, PaymentStatusPending, out.Invoice.PaymentStatus)
	requireDecimal(t, "100", out.Invoice.AmountPaid)
}

func TestReconcileFetchFailureLeavesInvoiceUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := f.issue(t, IssueOverrides{})
	before := f.reload(t, inv.ID)

	faulty := &faultyRepo{Repository: f.repo, failListPayments: true}
	reconciler := NewReconciler(faulty, nil, nil, discardLogger())

	_, err := reconciler.Reconcile(ctx, inv.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Zero(t, faulty.ledgerWrites)
	assert.Equal(t, before, f.reload(t, inv.ID))

	faulty = &faultyRepo{Repository: f.repo, failGetInvoice: true}
	reconciler = NewReconciler(faulty, nil, nil, discardLogger())
	_, err = reconciler.Reconcile(ctx, inv.ID)
	require.Error(t, err)
	assert.Zero(t, faulty.ledgerWrites)
}

func TestReconcileUnknownInvoice(t *testing.T) {
	f := newFixture(t)
	_, err := f.reconciler.Reconcile(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrInvoiceNotFound)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestReconcileKeepsZeroTotalSettlementStamp(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t, IssueOverrides{PreviousBalance: decPtr("-5000")})
	require.Equal(t, PaymentStatusPaid, inv.PaymentStatus)

	got, err := f.reconciler.Reconcile(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusPaid, got.PaymentStatus)
	requireDecimal(t, "0", got.BalanceDue)
	require.NotNil(t, got.PaymentDate)
	assert.Equal(t, inv.InvoiceDate, *got.PaymentDate)
}

func TestReconcileMetricsAndEvents(t *testing.T) {
	f := newFixture(t)
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	reconciler := NewReconciler(f.repo, f.notifier, metrics, discardLogger())

	inv := f.issue(t, IssueOverrides{})
	_, err := reconciler.Reconcile(context.Background(), inv.ID)
	require.NoError(t, err)
	_, err = reconciler.Reconcile(context.Background(), uuid.New())
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.reconciliations.WithLabelValues("unchanged")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.reconciliations.WithLabelValues("error")))
	assert.Contains(t, f.notifier.kinds(), EventInvoiceReconciled)
}
