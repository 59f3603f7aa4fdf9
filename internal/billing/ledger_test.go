package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngsnet/billing/internal/shared"
)

func TestRecordPaymentValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.RecordPayment(ctx, PaymentInput{PaymentType: "cheque", Amount: dec("-5")})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	for _, field := range []string{"payment_type", "client_id", "amount", "payment_date"} {
		assert.Contains(t, verr.Fields, field)
	}

	_, err = f.ledger.RecordPayment(ctx, PaymentInput{
		ClientID:    f.client.ID,
		PaymentType: PaymentTypeFull,
		Amount:      dec("100"),
		PaymentDate: day(2024, 3, 11),
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, map[string]string{"invoice_id": "is required for full and partial payments"}, verr.Fields)

	_, err = f.ledger.RecordPayment(ctx, PaymentInput{
		ClientID:    uuid.New(),
		PaymentType: PaymentTypeAdvance,
		Amount:      dec("100"),
		PaymentDate: day(2024, 3, 11),
	})
	require.ErrorIs(t, err, ErrClientNotFound)

	missing := uuid.New()
	_, err = f.ledger.RecordPayment(ctx, PaymentInput{
		ClientID:    f.client.ID,
		InvoiceID:   &missing,
		PaymentType: PaymentTypePartial,
		Amount:      dec("100"),
		PaymentDate: day(2024, 3, 11),
	})
	require.ErrorIs(t, err, ErrInvoiceNotFound)

	payments, err := f.repo.ListPaymentsByClient(ctx, f.client.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestRecordPaymentRejectsSubCentAmounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, amount := range []string{"0.001", "100.005"} {
		_, err := f.ledger.RecordPayment(ctx, PaymentInput{
			ClientID:    f.client.ID,
			PaymentType: PaymentTypeAdvance,
			Amount:      dec(amount),
			PaymentDate: day(2024, 3, 11),
		})
		var verr *shared.ValidationError
		require.ErrorAs(t, err, &verr, amount)
		assert.Equal(t, map[string]string{"amount": "must not have more than two decimal places"}, verr.Fields)
	}

	p, err := f.ledger.RecordPayment(ctx, PaymentInput{
		ClientID:    f.client.ID,
		PaymentType: PaymentTypeAdvance,
		Amount:      dec("100.500"),
		PaymentDate: day(2024, 3, 11),
	})
	require.NoError(t, err)
	requireDecimal(t, "100.5", p.Amount)

	payments, err := f.repo.ListPaymentsByClient(ctx, f.client.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestRecordPaymentRejectsForeignInvoice(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t, IssueOverrides{})

	other := f.client
	other.ID = uuid.New()
	f.repo.PutClient(other)

	_, err := f.ledger.RecordPayment(context.Background(), PaymentInput{
		ClientID:    other.ID,
		InvoiceID:   &inv.ID,
		PaymentType: PaymentTypeFull,
		Amount:      dec("954"),
		PaymentDate: day(2024, 3, 11),
	})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "belongs to another client", verr.Fields["invoice_id"])
	assert.Equal(t, PaymentStatusPending, f.reload(t, inv.ID).PaymentStatus)
}

func TestRecordPaymentNormalisesInput(t *testing.T) {
	f := newFixture(t)
	p, err := f.ledger.RecordPayment(context.Background(), PaymentInput{
		ClientID:      f.client.ID,
		PaymentType:   PaymentTypeAdvance,
		Amount:        dec("250"),
		PaymentDate:   day(2024, 3, 11).Add(15 * time.Hour),
		PaymentMethod: "  cash ",
		Notes:         " two months ahead ",
	})
	require.NoError(t, err)
	assert.Equal(t, day(2024, 3, 11), p.PaymentDate)
	assert.Equal(t, "cash", p.PaymentMethod)
	assert.Equal(t, "two months ahead", p.Notes)
	assert.Nil(t, p.InvoiceID)
}

func TestRecordPaymentReturnsEntryWhenReconcileFails(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t, IssueOverrides{})

	faulty := &faultyRepo{Repository: f.repo, failLedgerWrite: true}
	ledger := NewLedgerService(faulty, NewReconciler(faulty, nil, nil, discardLogger()), discardLogger())

	p, err := ledger.RecordPayment(context.Background(), PaymentInput{
		ClientID:    f.client.ID,
		InvoiceID:   &inv.ID,
		PaymentType: PaymentTypeFull,
		Amount:      dec("954"),
		PaymentDate: day(2024, 3, 11),
	})
	require.Error(t, err)
	require.ErrorIs(t, err, errStoreDown)
	require.NotEqual(t, uuid.Nil, p.ID)

	stored, err := f.repo.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	requireDecimal(t, "954", stored.Amount)
	assert.Equal(t, PaymentStatusPending, f.reload(t, inv.ID).PaymentStatus)

	// a later pass repairs the invoice
	got, err := f.reconciler.Reconcile(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, PaymentStatusPaid, got.PaymentStatus)
}

func TestAmendPaymentMovesBetweenInvoices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	march := f.issue(t, IssueOverrides{})
	april := f.issue(t, IssueOverrides{})

	p := f.pay(t, march, PaymentTypeFull, "954", day(2024, 3, 11))
	assert.Equal(t, PaymentStatusPaid, f.reload(t, march.ID).PaymentStatus)

	moved, err := f.ledger.AmendPayment(ctx, p.ID, PaymentPatch{InvoiceID: &april.ID})
	require.NoError(t, err)
	require.NotNil(t, moved.InvoiceID)
	assert.Equal(t, april.ID, *moved.InvoiceID)

	assert.Equal(t, PaymentStatusPending, f.reload(t, march.ID).PaymentStatus)
	requireDecimal(t, "954", f.reload(t, march.ID).BalanceDue)
	assert.Equal(t, PaymentStatusPaid, f.reload(t, april.ID).PaymentStatus)

	less := dec("500")
	_, err = f.ledger.AmendPayment(ctx, p.ID, PaymentPatch{Amount: &less})
	require.NoError(t, err)
	got := f.reload(t, april.ID)
	assert.Equal(t, PaymentStatusPending, got.PaymentStatus)
	requireDecimal(t, "454", got.BalanceDue)
}

func TestAmendPaymentDetachRequiresAdvanceType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.issue(t, IssueOverrides{})
	p := f.pay(t, inv, PaymentTypePartial, "200", day(2024, 3, 11))

	_, err := f.ledger.AmendPayment(ctx, p.ID, PaymentPatch{DetachInvoice: true})
	require.ErrorIs(t, err, shared.ErrValidation)

	advance := PaymentTypeAdvance
	_, err = f.ledger.AmendPayment(ctx, p.ID, PaymentPatch{DetachInvoice: true, PaymentType: &advance})
	require.NoError(t, err)
	got := f.reload(t, inv.ID)
	requireDecimal(t, "0", got.AmountPaid)
	requireDecimal(t, "954", got.BalanceDue)

	_, err = f.ledger.AmendPayment(ctx, uuid.New(), PaymentPatch{})
	require.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestRemovePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.issue(t, IssueOverrides{})
	p := f.pay(t, inv, PaymentTypeFull, "954", day(2024, 3, 11))

	require.NoError(t, f.ledger.RemovePayment(ctx, p.ID))
	assert.Equal(t, PaymentStatusPending, f.reload(t, inv.ID).PaymentStatus)
	require.ErrorIs(t, f.ledger.RemovePayment(ctx, p.ID), ErrPaymentNotFound)
}

func TestListPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.issue(t, IssueOverrides{})
	early := f.pay(t, inv, PaymentTypePartial, "100", day(2024, 3, 11))
	late := f.pay(t, inv, PaymentTypePartial, "100", day(2024, 3, 14))

	payments, err := f.ledger.ListInvoicePayments(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, late.ID, payments[0].ID)
	assert.Equal(t, early.ID, payments[1].ID)

	_, err = f.ledger.ListInvoicePayments(ctx, uuid.New())
	require.ErrorIs(t, err, ErrInvoiceNotFound)
	_, err = f.ledger.ListClientPayments(ctx, uuid.New())
	require.ErrorIs(t, err, ErrClientNotFound)
}

func TestClientCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.issue(t, IssueOverrides{})

	record := func(kind PaymentType, amount string) {
		in := PaymentInput{ClientID: f.client.ID, PaymentType: kind, Amount: dec(amount), PaymentDate: day(2024, 3, 11)}
		if kind == PaymentTypeAdvanceApply {
			in.InvoiceID = &inv.ID
		}
		_, err := f.ledger.RecordPayment(ctx, in)
		require.NoError(t, err)
	}
	record(PaymentTypeAdvance, "1000")
	record(PaymentTypeAdvance, "500")
	record(PaymentTypeAdvanceApply, "954")

	credit, err := f.ledger.ClientCredit(ctx, f.client.ID)
	require.NoError(t, err)
	requireDecimal(t, "1500", credit.Advanced)
	requireDecimal(t, "954", credit.Applied)
	requireDecimal(t, "546", credit.Available)

	// advance_apply entries never settle the invoice they reference
	assert.Equal(t, PaymentStatusPending, f.reload(t, inv.ID).PaymentStatus)
}
