package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngsnet/billing/internal/shared"
)

func TestIssueFirstInvoice(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t, IssueOverrides{RebatePercent: dec("10")})

	assert.Equal(t, "NGS-20240310-0001", inv.InvoiceNumber)
	assert.Equal(t, "2024-03", inv.BillingMonth)
	assert.Equal(t, day(2024, 3, 10), inv.InvoiceDate)
	assert.Equal(t, day(2024, 3, 20), inv.DueDate)
	requireDecimal(t, "1000", inv.BasePrice)
	requireDecimal(t, "60", inv.ExtraDeviceCharge)
	requireDecimal(t, "10", inv.Rebate)
	requireDecimal(t, "0", inv.PreviousBalance)
	requireDecimal(t, "954", inv.TotalAmount)
	requireDecimal(t, "954", inv.BalanceDue)
	requireDecimal(t, "0", inv.AmountPaid)
	assert.Equal(t, PaymentStatusPending, inv.PaymentStatus)

	assert.Equal(t, "Ana Cruz", inv.ClientName)
	assert.Equal(t, "204", inv.ClientRoom)
	assert.Equal(t, "ana@example.com", inv.ClientEmail)

	client := f.reloadClient(t)
	require.NotNil(t, client.NextDueDate)
	assert.Equal(t, day(2024, 4, 20), *client.NextDueDate)
	assert.Equal(t, []string{EventInvoiceIssued}, f.notifier.kinds())
}

func TestIssueAdvancesFromPriorInvoice(t *testing.T) {
	f := newFixture(t)
	first := f.issue(t, IssueOverrides{})
	second := f.issue(t, IssueOverrides{})

	assert.Equal(t, "2024-04", second.BillingMonth)
	assert.Equal(t, day(2024, 4, 20), second.DueDate)
	assert.Equal(t, "NGS-20240310-0002", second.InvoiceNumber)
	// unpaid balances are never carried forward automatically
	requireDecimal(t, "0", second.PreviousBalance)
	requireDecimal(t, first.TotalAmount.String(), second.TotalAmount)
}

func TestIssueCarriesCreditForward(t *testing.T) {
	f := newFixture(t)
	first := f.issue(t, IssueOverrides{RebatePercent: dec("10"), PreviousBalance: decPtr("-200")})
	requireDecimal(t, "754", first.TotalAmount)
	f.pay(t, first, PaymentTypePartial, "300", day(2024, 3, 12))
	f.pay(t, first, PaymentTypeFull, "500", day(2024, 3, 15))

	second := f.issue(t, IssueOverrides{RebatePercent: dec("10")})
	requireDecimal(t, "-46", second.PreviousBalance)
	requireDecimal(t, "908", second.TotalAmount)
}

func TestIssueOverridesWin(t *testing.T) {
	f := newFixture(t)
	due := day(2024, 3, 28)
	invoiceDate := day(2024, 3, 1)
	inv := f.issue(t, IssueOverrides{
		InvoiceNumber:    "NGS-MANUAL-1",
		InvoiceDate:      &invoiceDate,
		DueDate:          &due,
		BillingMonth:     "2024-02",
		ManualOvercharge: dec("45.5"),
		PreviousBalance:  decPtr("120"),
	})

	assert.Equal(t, "NGS-MANUAL-1", inv.InvoiceNumber)
	assert.Equal(t, "2024-02", inv.BillingMonth)
	assert.Equal(t, due, inv.DueDate)
	assert.Equal(t, invoiceDate, inv.InvoiceDate)
	requireDecimal(t, "45.5", inv.UnregisteredOvercharge)
	requireDecimal(t, "1225.5", inv.TotalAmount)
}

func TestIssueRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.issuer.IssueInvoice(context.Background(), f.client.ID, IssueOverrides{ManualOvercharge: dec("-1")})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.issuer.IssueInvoice(context.Background(), f.client.ID, IssueOverrides{BillingMonth: "March"})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "billing_month")

	_, err = f.issuer.IssueInvoice(context.Background(), uuid.New(), IssueOverrides{})
	require.ErrorIs(t, err, ErrClientNotFound)

	invoices, err := f.repo.ListInvoices(context.Background(), InvoiceFilter{})
	require.NoError(t, err)
	assert.Empty(t, invoices)
}

func TestIssueMissingTier(t *testing.T) {
	f := newFixture(t)
	orphan := f.client
	orphan.ID = uuid.New()
	orphan.TierID = uuid.New()
	f.repo.PutClient(orphan)

	_, err := f.issuer.IssueInvoice(context.Background(), orphan.ID, IssueOverrides{})
	require.ErrorIs(t, err, ErrTierNotFound)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestIssueZeroTotalIsPaid(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t, IssueOverrides{PreviousBalance: decPtr("-1500")})

	requireDecimal(t, "0", inv.TotalAmount)
	requireDecimal(t, "0", inv.BalanceDue)
	requireDecimal(t, "0", inv.AmountPaid)
	assert.Equal(t, PaymentStatusPaid, inv.PaymentStatus)
	require.NotNil(t, inv.PaymentDate)
	assert.Equal(t, inv.InvoiceDate, *inv.PaymentDate)
	require.NotNil(t, inv.PaidAt)

	payments, err := f.repo.ListPaymentsByInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestIssueRetriesNumberCollisionOnce(t *testing.T) {
	f := newFixture(t)
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	issuer := NewIssuer(f.repo, IssuerOptions{Numbers: f.numbers, Metrics: metrics, Logger: discardLogger()})
	issuer.WithClock(func() time.Time { return f.now })

	first, err := issuer.IssueInvoice(context.Background(), f.client.ID, IssueOverrides{})
	require.NoError(t, err)

	second, err := issuer.IssueInvoice(context.Background(), f.client.ID, IssueOverrides{InvoiceNumber: first.InvoiceNumber})
	require.NoError(t, err)
	assert.NotEqual(t, first.InvoiceNumber, second.InvoiceNumber)
	assert.Equal(t, "NGS-20240310-0002", second.InvoiceNumber)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.collisions))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.issued.WithLabelValues("pending")))
}

func TestIssueCollisionTwiceFails(t *testing.T) {
	f := newFixture(t)
	f.numbers.WithSuffixSource(sequenceSuffix(7))
	f.issue(t, IssueOverrides{})

	_, err := f.issuer.IssueInvoice(context.Background(), f.client.ID, IssueOverrides{})
	require.ErrorIs(t, err, ErrDuplicateInvoiceNumber)
	require.ErrorIs(t, err, shared.ErrUniqueConstraint)

	invoices, err := f.repo.ListInvoices(context.Background(), InvoiceFilter{ClientID: &f.client.ID})
	require.NoError(t, err)
	assert.Len(t, invoices, 1)
}

func TestIssueSamePeriodRejected(t *testing.T) {
	f := newFixture(t)
	f.issue(t, IssueOverrides{})
	_, err := f.issuer.IssueInvoice(context.Background(), f.client.ID, IssueOverrides{BillingMonth: "2024-03"})
	require.ErrorIs(t, err, ErrPeriodAlreadyInvoiced)
}

func withDeposit(f *fixture, amount string) {
	f.client.DepositEnabled = true
	f.client.DepositAmount = dec(amount)
	f.repo.PutClient(f.client)
}

func TestIssueAppliesDeposit(t *testing.T) {
	t.Run("apply whole deposit up to the charges", func(t *testing.T) {
		f := newFixture(t)
		withDeposit(f, "500")
		inv := f.issue(t, IssueOverrides{RebatePercent: dec("10"), ApplyDeposit: true})
		requireDecimal(t, "500", inv.DepositApplied)
		requireDecimal(t, "454", inv.TotalAmount)
		requireDecimal(t, "0", f.reloadClient(t).DepositAmount)
	})

	t.Run("deposit larger than charges settles the invoice", func(t *testing.T) {
		f := newFixture(t)
		withDeposit(f, "2000")
		inv := f.issue(t, IssueOverrides{RebatePercent: dec("10"), ApplyDeposit: true})
		requireDecimal(t, "954", inv.DepositApplied)
		requireDecimal(t, "0", inv.TotalAmount)
		assert.Equal(t, PaymentStatusPaid, inv.PaymentStatus)
		requireDecimal(t, "1046", f.reloadClient(t).DepositAmount)
	})

	t.Run("explicit amount capped at the available deposit", func(t *testing.T) {
		f := newFixture(t)
		withDeposit(f, "300")
		inv := f.issue(t, IssueOverrides{DepositApplied: decPtr("800")})
		requireDecimal(t, "300", inv.DepositApplied)
		requireDecimal(t, "760", inv.TotalAmount)
		requireDecimal(t, "0", f.reloadClient(t).DepositAmount)
	})

	t.Run("disabled deposit is never applied", func(t *testing.T) {
		f := newFixture(t)
		withDeposit(f, "300")
		f.client.DepositEnabled = false
		f.repo.PutClient(f.client)
		inv := f.issue(t, IssueOverrides{ApplyDeposit: true})
		requireDecimal(t, "0", inv.DepositApplied)
		requireDecimal(t, "300", f.reloadClient(t).DepositAmount)
	})
}

func TestIssueToleratesDepositDebitFailure(t *testing.T) {
	f := newFixture(t)
	withDeposit(f, "500")
	metrics := NewMetrics(prometheus.NewRegistry())
	faulty := &faultyRepo{Repository: f.repo, failUpdateClient: true}
	issuer := NewIssuer(faulty, IssuerOptions{Numbers: f.numbers, Metrics: metrics, Logger: discardLogger()})
	issuer.WithClock(func() time.Time { return f.now })

	inv, err := issuer.IssueInvoice(context.Background(), f.client.ID, IssueOverrides{ApplyDeposit: true})
	require.NoError(t, err)
	requireDecimal(t, "500", inv.DepositApplied)

	stored := f.reload(t, inv.ID)
	assert.Equal(t, inv.ID, stored.ID)
	requireDecimal(t, "500", f.reloadClient(t).DepositAmount)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.depositFailures))
	// the next-due refresh is independent of the deposit debit
	require.NotNil(t, f.reloadClient(t).NextDueDate)
}

func TestIssueWhileLockHeld(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := shared.NewRedisLocker(client)

	issuer := NewIssuer(f.repo, IssuerOptions{Locker: locker, Numbers: f.numbers, Logger: discardLogger()})
	issuer.WithClock(func() time.Time { return f.now })

	ctx := context.Background()
	release, err := locker.Acquire(ctx, shared.ClientIssuanceLockKey(f.client.ID.String()), time.Minute)
	require.NoError(t, err)

	_, err = issuer.IssueInvoice(ctx, f.client.ID, IssueOverrides{})
	require.ErrorIs(t, err, ErrIssuanceInProgress)
	require.ErrorIs(t, err, shared.ErrConflict)

	require.NoError(t, release(ctx))
	inv, err := issuer.IssueInvoice(ctx, f.client.ID, IssueOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "2024-03", inv.BillingMonth)
	assert.False(t, mr.Exists(shared.ClientIssuanceLockKey(f.client.ID.String())))
}

// barrierTiers holds every GetTier caller until all expected callers arrive,
// after each of them has already read the client's latest invoice.
type barrierTiers struct {
	next TierReader
	wg   *sync.WaitGroup
}

func (b barrierTiers) GetTier(ctx context.Context, id uuid.UUID) (Tier, error) {
	b.wg.Done()
	b.wg.Wait()
	return b.next.GetTier(ctx, id)
}

func issueConcurrently(t *testing.T, f *fixture) []error {
	t.Helper()
	var barrier sync.WaitGroup
	barrier.Add(2)
	issuer := NewIssuer(f.repo, IssuerOptions{
		Tiers:   barrierTiers{next: f.repo, wg: &barrier},
		Numbers: f.numbers,
		Logger:  discardLogger(),
	})
	issuer.WithClock(func() time.Time { return f.now })

	errs := make([]error, 2)
	var done sync.WaitGroup
	for i := range errs {
		done.Add(1)
		go func(i int) {
			defer done.Done()
			_, errs[i] = issuer.IssueInvoice(context.Background(), f.client.ID, IssueOverrides{})
		}(i)
	}
	done.Wait()
	return errs
}

func TestConcurrentIssuanceWithoutGuards(t *testing.T) {
	f := newFixture(t)
	f.repo.DisablePeriodConstraint()

	for _, err := range issueConcurrently(t, f) {
		require.NoError(t, err)
	}
	invoices, err := f.repo.ListInvoices(context.Background(), InvoiceFilter{ClientID: &f.client.ID})
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	// both callers observed no prior invoice and billed the same month
	assert.Equal(t, invoices[0].BillingMonth, invoices[1].BillingMonth)
}

func TestConcurrentIssuancePeriodConstraint(t *testing.T) {
	f := newFixture(t)

	errs := issueConcurrently(t, f)
	var failed int
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrPeriodAlreadyInvoiced)
			failed++
		}
	}
	assert.Equal(t, 1, failed)
	invoices, err := f.repo.ListInvoices(context.Background(), InvoiceFilter{ClientID: &f.client.ID})
	require.NoError(t, err)
	assert.Len(t, invoices, 1)
}

func TestPreviewDoesNotWrite(t *testing.T) {
	f := newFixture(t)
	d, err := f.issuer.Preview(context.Background(), f.client.ID, IssueOverrides{RebatePercent: dec("10")})
	require.NoError(t, err)
	requireDecimal(t, "954", d.Invoice.TotalAmount)
	requireDecimal(t, "106", d.Breakdown.RebateAmount)
	assert.Equal(t, 2, d.Breakdown.ExtraDevices)

	invoices, err := f.repo.ListInvoices(context.Background(), InvoiceFilter{})
	require.NoError(t, err)
	assert.Empty(t, invoices)
	assert.Nil(t, f.reloadClient(t).NextDueDate)
}
