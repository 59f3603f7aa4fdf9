// Package billing issues subscription invoices and reconciles them against
// the payment ledger.
package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the derived settlement state of an invoice.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
)

// PaymentType classifies a ledger entry.
type PaymentType string

const (
	PaymentTypeFull         PaymentType = "full"
	PaymentTypePartial      PaymentType = "partial"
	PaymentTypeAdvance      PaymentType = "advance"
	PaymentTypeAdvanceApply PaymentType = "advance_apply"
)

// Valid reports whether t is a known payment type.
func (t PaymentType) Valid() bool {
	switch t {
	case PaymentTypeFull, PaymentTypePartial, PaymentTypeAdvance, PaymentTypeAdvanceApply:
		return true
	}
	return false
}

// CountsTowardInvoice reports whether entries of type t settle an invoice.
func (t PaymentType) CountsTowardInvoice() bool {
	return t == PaymentTypeFull || t == PaymentTypePartial
}

// Client is a subscriber billed per room.
type Client struct {
	ID             uuid.UUID       `json:"id"`
	Name           string          `json:"name"`
	Room           string          `json:"room"`
	Contact        string          `json:"contact"`
	Email          string          `json:"email"`
	TierID         uuid.UUID       `json:"tier_id"`
	Devices        int             `json:"devices"`
	StartDate      time.Time       `json:"start_date"`
	NextDueDate    *time.Time      `json:"next_due_date,omitempty"`
	DepositEnabled bool            `json:"deposit_enabled"`
	DepositAmount  decimal.Decimal `json:"deposit_amount"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AvailableDeposit returns the deposit balance the client can apply.
func (c Client) AvailableDeposit() decimal.Decimal {
	if !c.DepositEnabled || !c.DepositAmount.IsPositive() {
		return decimal.Zero
	}
	return c.DepositAmount
}

// Tier is a subscription plan.
type Tier struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Speed       string          `json:"speed"`
	DeviceLimit int             `json:"device_limit"`
	Price       decimal.Decimal `json:"price"`
}

// Invoice is one billing cycle of a client. Charge fields are fixed at
// issuance; AmountPaid through PaidAt are derived from the ledger.
type Invoice struct {
	ID                     uuid.UUID       `json:"id"`
	ClientID               uuid.UUID       `json:"client_id"`
	ClientName             string          `json:"client_name"`
	ClientRoom             string          `json:"client_room"`
	ClientContact          string          `json:"client_contact"`
	ClientEmail            string          `json:"client_email"`
	InvoiceNumber          string          `json:"invoice_number"`
	BillingMonth           string          `json:"billing_month"`
	InvoiceDate            time.Time       `json:"invoice_date"`
	DueDate                time.Time       `json:"due_date"`
	BasePrice              decimal.Decimal `json:"base_price"`
	ExtraDeviceCharge      decimal.Decimal `json:"extra_device_charge"`
	UnregisteredOvercharge decimal.Decimal `json:"unregistered_overcharge"`
	Rebate                 decimal.Decimal `json:"rebate"`
	PreviousBalance        decimal.Decimal `json:"previous_balance"`
	DepositApplied         decimal.Decimal `json:"deposit_applied"`
	TotalAmount            decimal.Decimal `json:"total_amount"`
	AmountPaid             decimal.Decimal `json:"amount_paid"`
	BalanceDue             decimal.Decimal `json:"balance_due"`
	PaymentStatus          PaymentStatus   `json:"payment_status"`
	PaymentDate            *time.Time      `json:"payment_date,omitempty"`
	PaymentMethod          string          `json:"payment_method,omitempty"`
	PaidAt                 *time.Time      `json:"paid_at,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// LedgerState is the set of invoice fields owned by reconciliation.
type LedgerState struct {
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	BalanceDue    decimal.Decimal `json:"balance_due"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	PaymentDate   *time.Time      `json:"payment_date,omitempty"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
}

// LedgerState returns the derived fields currently stored on the invoice.
func (inv Invoice) LedgerState() LedgerState {
	return LedgerState{
		AmountPaid:    inv.AmountPaid,
		BalanceDue:    inv.BalanceDue,
		PaymentStatus: inv.PaymentStatus,
		PaymentDate:   inv.PaymentDate,
		PaymentMethod: inv.PaymentMethod,
		PaidAt:        inv.PaidAt,
	}
}

// Apply copies s onto the invoice.
func (inv *Invoice) Apply(s LedgerState) {
	inv.AmountPaid = s.AmountPaid
	inv.BalanceDue = s.BalanceDue
	inv.PaymentStatus = s.PaymentStatus
	inv.PaymentDate = s.PaymentDate
	inv.PaymentMethod = s.PaymentMethod
	inv.PaidAt = s.PaidAt
}

// Payment is an append-only ledger entry.
type Payment struct {
	ID            uuid.UUID       `json:"id"`
	ClientID      uuid.UUID       `json:"client_id"`
	InvoiceID     *uuid.UUID      `json:"invoice_id,omitempty"`
	PaymentType   PaymentType     `json:"payment_type"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentDate   time.Time       `json:"payment_date"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// LinkedTo reports whether p references invoiceID.
func (p Payment) LinkedTo(invoiceID uuid.UUID) bool {
	return p.InvoiceID != nil && *p.InvoiceID == invoiceID
}

// ClientPatch updates the client columns the core writes.
type ClientPatch struct {
	DepositAmount *decimal.Decimal
	NextDueDate   *time.Time
	// ClearNextDueDate sets next_due_date to NULL.
	ClearNextDueDate bool
}

// ChargePatch updates raw charge fields of an invoice.
type ChargePatch struct {
	BillingMonth           *string
	DueDate                *time.Time
	BasePrice              *decimal.Decimal
	ExtraDeviceCharge      *decimal.Decimal
	UnregisteredOvercharge *decimal.Decimal
	Rebate                 *decimal.Decimal
	PreviousBalance        *decimal.Decimal
	DepositApplied         *decimal.Decimal
	TotalAmount            *decimal.Decimal
}

// IssueOverrides lets the caller pin values the issuer would otherwise derive.
type IssueOverrides struct {
	InvoiceNumber    string           `json:"invoice_number,omitempty"`
	InvoiceDate      *time.Time       `json:"invoice_date,omitempty"`
	DueDate          *time.Time       `json:"due_date,omitempty"`
	BillingMonth     string           `json:"billing_month,omitempty"`
	ManualOvercharge decimal.Decimal  `json:"unregistered_overcharge"`
	RebatePercent    decimal.Decimal  `json:"rebate"`
	PreviousBalance  *decimal.Decimal `json:"previous_balance,omitempty"`
	// DepositApplied is capped at the client's available deposit.
	DepositApplied *decimal.Decimal `json:"deposit_applied,omitempty"`
	// ApplyDeposit applies min(deposit, total before deposit) when
	// DepositApplied is unset.
	ApplyDeposit bool `json:"apply_deposit"`
}

// PaymentInput records a new ledger entry.
type PaymentInput struct {
	ClientID      uuid.UUID       `json:"client_id"`
	InvoiceID     *uuid.UUID      `json:"invoice_id,omitempty"`
	PaymentType   PaymentType     `json:"payment_type" validate:"required,oneof=full partial advance advance_apply"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentDate   time.Time       `json:"payment_date"`
	PaymentMethod string          `json:"payment_method,omitempty" validate:"max=64"`
	Notes         string          `json:"notes,omitempty" validate:"max=1000"`
}

// PaymentPatch amends a ledger entry. Nil fields are left unchanged.
type PaymentPatch struct {
	InvoiceID     *uuid.UUID       `json:"invoice_id,omitempty"`
	DetachInvoice bool             `json:"detach_invoice,omitempty"`
	PaymentType   *PaymentType     `json:"payment_type,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	PaymentDate   *time.Time       `json:"payment_date,omitempty"`
	PaymentMethod *string          `json:"payment_method,omitempty"`
	Notes         *string          `json:"notes,omitempty"`
}

// apply returns a copy of p with patch applied.
func (patch PaymentPatch) apply(p Payment) Payment {
	if patch.DetachInvoice {
		p.InvoiceID = nil
	} else if patch.InvoiceID != nil {
		id := *patch.InvoiceID
		p.InvoiceID = &id
	}
	if patch.PaymentType != nil {
		p.PaymentType = *patch.PaymentType
	}
	if patch.Amount != nil {
		p.Amount = *patch.Amount
	}
	if patch.PaymentDate != nil {
		p.PaymentDate = *patch.PaymentDate
	}
	if patch.PaymentMethod != nil {
		p.PaymentMethod = *patch.PaymentMethod
	}
	if patch.Notes != nil {
		p.Notes = *patch.Notes
	}
	return p
}

// InvoiceFilter narrows invoice listings.
type InvoiceFilter struct {
	ClientID    *uuid.UUID
	OnlyPending bool
}
