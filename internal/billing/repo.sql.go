package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

const invoiceColumns = `id, client_id, client_name, client_room, client_contact, client_email,
	invoice_number, billing_month, invoice_date, due_date,
	base_price, extra_device_charge, unregistered_overcharge, rebate,
	previous_balance, deposit_applied, total_amount,
	amount_paid, balance_due, payment_status, payment_date, payment_method, paid_at,
	created_at, updated_at`

const paymentColumns = `id, client_id, invoice_id, payment_type, amount, payment_date,
	payment_method, notes, created_at, updated_at`

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func (r *pgRepository) GetTier(ctx context.Context, id uuid.UUID) (Tier, error) {
	var t Tier
	err := r.db.QueryRow(ctx, `SELECT id, name, speed, device_limit, price FROM tiers WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Speed, &t.DeviceLimit, &t.Price)
	if err != nil {
		return Tier{}, translate("get tier", err, ErrTierNotFound)
	}
	return t, nil
}

func (r *pgRepository) GetClient(ctx context.Context, id uuid.UUID) (Client, error) {
	var (
		c              Client
		contact, email pgtype.Text
		nextDue        pgtype.Date
		deposit        decimal.NullDecimal
	)
	err := r.db.QueryRow(ctx, `SELECT id, name, room, contact, email, tier_id, devices, start_date,
		next_due_date, deposit_enabled, deposit_amount, created_at, updated_at
		FROM clients WHERE id = $1`, id).Scan(
		&c.ID, &c.Name, &c.Room, &contact, &email, &c.TierID, &c.Devices, &c.StartDate,
		&nextDue, &c.DepositEnabled, &deposit, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Client{}, translate("get client", err, ErrClientNotFound)
	}
	c.Contact = contact.String
	c.Email = email.String
	if nextDue.Valid {
		t := nextDue.Time
		c.NextDueDate = &t
	}
	if deposit.Valid {
		c.DepositAmount = deposit.Decimal
	}
	return c, nil
}

func (r *pgRepository) UpdateClient(ctx context.Context, id uuid.UUID, patch ClientPatch) error {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{id}
	if patch.DepositAmount != nil {
		args = append(args, *patch.DepositAmount)
		sets = append(sets, fmt.Sprintf("deposit_amount = $%d", len(args)))
	}
	if patch.ClearNextDueDate {
		sets = append(sets, "next_due_date = NULL")
	} else if patch.NextDueDate != nil {
		args = append(args, *patch.NextDueDate)
		sets = append(sets, fmt.Sprintf("next_due_date = $%d", len(args)))
	}
	tag, err := r.db.Exec(ctx, "UPDATE clients SET "+strings.Join(sets, ", ")+" WHERE id = $1", args...)
	if err != nil {
		return translate("update client", err, nil)
	}
	if tag.RowsAffected() == 0 {
		return ErrClientNotFound
	}
	return nil
}

func (r *pgRepository) InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	err := r.db.QueryRow(ctx, `INSERT INTO invoices (
		id, client_id, client_name, client_room, client_contact, client_email,
		invoice_number, billing_month, invoice_date, due_date,
		base_price, extra_device_charge, unregistered_overcharge, rebate,
		previous_balance, deposit_applied, total_amount,
		amount_paid, balance_due, payment_status, payment_date, payment_method, paid_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	RETURNING created_at, updated_at`,
		inv.ID, inv.ClientID, nullText(inv.ClientName), nullText(inv.ClientRoom), nullText(inv.ClientContact), nullText(inv.ClientEmail),
		inv.InvoiceNumber, inv.BillingMonth, inv.InvoiceDate, inv.DueDate,
		inv.BasePrice, inv.ExtraDeviceCharge, inv.UnregisteredOvercharge, inv.Rebate,
		inv.PreviousBalance, inv.DepositApplied, inv.TotalAmount,
		inv.AmountPaid, inv.BalanceDue, string(inv.PaymentStatus), inv.PaymentDate, nullText(inv.PaymentMethod), inv.PaidAt,
	).Scan(&inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return Invoice{}, translate("insert invoice", err, nil)
	}
	return inv, nil
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var (
		inv                                Invoice
		name, room, contact, email, method pgtype.Text
		status                             string
	)
	err := row.Scan(
		&inv.ID, &inv.ClientID, &name, &room, &contact, &email,
		&inv.InvoiceNumber, &inv.BillingMonth, &inv.InvoiceDate, &inv.DueDate,
		&inv.BasePrice, &inv.ExtraDeviceCharge, &inv.UnregisteredOvercharge, &inv.Rebate,
		&inv.PreviousBalance, &inv.DepositApplied, &inv.TotalAmount,
		&inv.AmountPaid, &inv.BalanceDue, &status, &inv.PaymentDate, &method, &inv.PaidAt,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return Invoice{}, err
	}
	inv.ClientName = name.String
	inv.ClientRoom = room.String
	inv.ClientContact = contact.String
	inv.ClientEmail = email.String
	inv.PaymentMethod = method.String
	inv.PaymentStatus = PaymentStatus(status)
	return inv, nil
}

func (r *pgRepository) GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error) {
	inv, err := scanInvoice(r.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if err != nil {
		return Invoice{}, translate("get invoice", err, ErrInvoiceNotFound)
	}
	return inv, nil
}

func (r *pgRepository) GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (Invoice, error) {
	inv, err := scanInvoice(r.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Invoice{}, translate("lock invoice", err, ErrInvoiceNotFound)
	}
	return inv, nil
}

func (r *pgRepository) LatestInvoice(ctx context.Context, clientID uuid.UUID) (Invoice, error) {
	inv, err := scanInvoice(r.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE client_id = $1 ORDER BY due_date DESC, created_at DESC LIMIT 1`, clientID))
	if err != nil {
		return Invoice{}, translate("latest invoice", err, ErrInvoiceNotFound)
	}
	return inv, nil
}

func (r *pgRepository) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.ClientID != nil {
		args = append(args, *filter.ClientID)
		conditions = append(conditions, fmt.Sprintf("client_id = $%d", len(args)))
	}
	if filter.OnlyPending {
		conditions = append(conditions, "payment_status = 'pending'")
	}
	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY invoice_date DESC, created_at DESC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, translate("list invoices", err, nil)
	}
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, translate("list invoices", err, nil)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list invoices", err, nil)
	}
	return out, nil
}

func (r *pgRepository) UpdateInvoiceCharges(ctx context.Context, id uuid.UUID, patch ChargePatch) error {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{id}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.BillingMonth != nil {
		add("billing_month", *patch.BillingMonth)
	}
	if patch.DueDate != nil {
		add("due_date", *patch.DueDate)
	}
	if patch.BasePrice != nil {
		add("base_price", *patch.BasePrice)
	}
	if patch.ExtraDeviceCharge != nil {
		add("extra_device_charge", *patch.ExtraDeviceCharge)
	}
	if patch.UnregisteredOvercharge != nil {
		add("unregistered_overcharge", *patch.UnregisteredOvercharge)
	}
	if patch.Rebate != nil {
		add("rebate", *patch.Rebate)
	}
	if patch.PreviousBalance != nil {
		add("previous_balance", *patch.PreviousBalance)
	}
	if patch.DepositApplied != nil {
		add("deposit_applied", *patch.DepositApplied)
	}
	if patch.TotalAmount != nil {
		add("total_amount", *patch.TotalAmount)
	}
	tag, err := r.db.Exec(ctx, "UPDATE invoices SET "+strings.Join(sets, ", ")+" WHERE id = $1", args...)
	if err != nil {
		return translate("update invoice charges", err, nil)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (r *pgRepository) UpdateLedgerState(ctx context.Context, id uuid.UUID, s LedgerState) error {
	tag, err := r.db.Exec(ctx, `UPDATE invoices SET amount_paid = $2, balance_due = $3, payment_status = $4,
		payment_date = $5, payment_method = $6, paid_at = $7, updated_at = NOW() WHERE id = $1`,
		id, s.AmountPaid, s.BalanceDue, string(s.PaymentStatus), s.PaymentDate, nullText(s.PaymentMethod), s.PaidAt)
	if err != nil {
		return translate("update ledger state", err, nil)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (r *pgRepository) DeleteInvoice(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM invoices WHERE id = $1`, id)
	if err != nil {
		return translate("delete invoice", err, nil)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (r *pgRepository) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	err := r.db.QueryRow(ctx, `INSERT INTO payments (id, client_id, invoice_id, payment_type, amount,
		payment_date, payment_method, notes) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		p.ID, p.ClientID, p.InvoiceID, string(p.PaymentType), p.Amount, p.PaymentDate,
		nullText(p.PaymentMethod), nullText(p.Notes),
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Payment{}, translate("insert payment", err, nil)
	}
	return p, nil
}

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		p             Payment
		invoiceID     uuid.NullUUID
		kind          string
		method, notes pgtype.Text
	)
	if err := row.Scan(&p.ID, &p.ClientID, &invoiceID, &kind, &p.Amount, &p.PaymentDate,
		&method, &notes, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Payment{}, err
	}
	if invoiceID.Valid {
		id := invoiceID.UUID
		p.InvoiceID = &id
	}
	p.PaymentType = PaymentType(kind)
	p.PaymentMethod = method.String
	p.Notes = notes.String
	return p, nil
}

func (r *pgRepository) GetPayment(ctx context.Context, id uuid.UUID) (Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if err != nil {
		return Payment{}, translate("get payment", err, ErrPaymentNotFound)
	}
	return p, nil
}

func (r *pgRepository) UpdatePayment(ctx context.Context, p Payment) error {
	tag, err := r.db.Exec(ctx, `UPDATE payments SET invoice_id = $2, payment_type = $3, amount = $4,
		payment_date = $5, payment_method = $6, notes = $7, updated_at = NOW() WHERE id = $1`,
		p.ID, p.InvoiceID, string(p.PaymentType), p.Amount, p.PaymentDate, nullText(p.PaymentMethod), nullText(p.Notes))
	if err != nil {
		return translate("update payment", err, nil)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (r *pgRepository) DeletePayment(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM payments WHERE id = $1`, id)
	if err != nil {
		return translate("delete payment", err, nil)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (r *pgRepository) DeletePaymentsByInvoice(ctx context.Context, invoiceID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM payments WHERE invoice_id = $1`, invoiceID)
	if err != nil {
		return 0, translate("delete invoice payments", err, nil)
	}
	return tag.RowsAffected(), nil
}

func (r *pgRepository) listPayments(ctx context.Context, op, where string, arg interface{}) ([]Payment, error) {
	rows, err := r.db.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+where+
		` ORDER BY payment_date DESC, created_at DESC`, arg)
	if err != nil {
		return nil, translate(op, err, nil)
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, translate(op, err, nil)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(op, err, nil)
	}
	return out, nil
}

func (r *pgRepository) ListPaymentsByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	return r.listPayments(ctx, "list invoice payments", "invoice_id = $1", invoiceID)
}

func (r *pgRepository) ListPaymentsByClient(ctx context.Context, clientID uuid.UUID) ([]Payment, error) {
	return r.listPayments(ctx, "list client payments", "client_id = $1", clientID)
}
