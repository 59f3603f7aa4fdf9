package billing

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ngsnet/billing/internal/billing/charges"
	"github.com/ngsnet/billing/internal/shared"
)

const dateLayout = "2006-01-02"

// parseDate reads an optional YYYY-MM-DD value into v's field.
func parseDate(v *shared.ValidationError, field, s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		v.Add(field, "must be formatted YYYY-MM-DD")
		return nil
	}
	return &t
}

type issueRequest struct {
	InvoiceNumber          string           `json:"invoice_number"`
	InvoiceDate            string           `json:"invoice_date"`
	DueDate                string           `json:"due_date"`
	BillingMonth           string           `json:"billing_month"`
	UnregisteredOvercharge decimal.Decimal  `json:"unregistered_overcharge"`
	Rebate                 decimal.Decimal  `json:"rebate"`
	PreviousBalance        *decimal.Decimal `json:"previous_balance"`
	DepositApplied         *decimal.Decimal `json:"deposit_applied"`
	ApplyDeposit           bool             `json:"apply_deposit"`
}

func (r issueRequest) overrides() (IssueOverrides, error) {
	v := &shared.ValidationError{}
	ov := IssueOverrides{
		InvoiceNumber:    strings.TrimSpace(r.InvoiceNumber),
		InvoiceDate:      parseDate(v, "invoice_date", r.InvoiceDate),
		DueDate:          parseDate(v, "due_date", r.DueDate),
		BillingMonth:     strings.TrimSpace(r.BillingMonth),
		ManualOvercharge: r.UnregisteredOvercharge,
		RebatePercent:    r.Rebate,
		PreviousBalance:  r.PreviousBalance,
		DepositApplied:   r.DepositApplied,
		ApplyDeposit:     r.ApplyDeposit,
	}
	return ov, v.OrNil()
}

type paymentRequest struct {
	ClientID      uuid.UUID       `json:"client_id"`
	InvoiceID     *uuid.UUID      `json:"invoice_id"`
	PaymentType   PaymentType     `json:"payment_type"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentDate   string          `json:"payment_date"`
	PaymentMethod string          `json:"payment_method"`
	Notes         string          `json:"notes"`
}

func (r paymentRequest) input() (PaymentInput, error) {
	v := &shared.ValidationError{}
	in := PaymentInput{
		ClientID:      r.ClientID,
		InvoiceID:     r.InvoiceID,
		PaymentType:   r.PaymentType,
		Amount:        r.Amount,
		PaymentMethod: r.PaymentMethod,
		Notes:         r.Notes,
	}
	if d := parseDate(v, "payment_date", r.PaymentDate); d != nil {
		in.PaymentDate = *d
	}
	return in, v.OrNil()
}

type paymentPatchRequest struct {
	InvoiceID     *uuid.UUID       `json:"invoice_id"`
	DetachInvoice bool             `json:"detach_invoice"`
	PaymentType   *PaymentType     `json:"payment_type"`
	Amount        *decimal.Decimal `json:"amount"`
	PaymentDate   *string          `json:"payment_date"`
	PaymentMethod *string          `json:"payment_method"`
	Notes         *string          `json:"notes"`
}

func (r paymentPatchRequest) patch() (PaymentPatch, error) {
	v := &shared.ValidationError{}
	p := PaymentPatch{
		InvoiceID:     r.InvoiceID,
		DetachInvoice: r.DetachInvoice,
		PaymentType:   r.PaymentType,
		Amount:        r.Amount,
		PaymentMethod: r.PaymentMethod,
		Notes:         r.Notes,
	}
	if r.PaymentDate != nil {
		p.PaymentDate = parseDate(v, "payment_date", *r.PaymentDate)
		if p.PaymentDate == nil {
			v.Add("payment_date", "must be formatted YYYY-MM-DD")
		}
	}
	return p, v.OrNil()
}

type chargeOverrideRequest struct {
	BillingMonth           *string          `json:"billing_month"`
	DueDate                *string          `json:"due_date"`
	BasePrice              *decimal.Decimal `json:"base_price"`
	ExtraDeviceCharge      *decimal.Decimal `json:"extra_device_charge"`
	UnregisteredOvercharge *decimal.Decimal `json:"unregistered_overcharge"`
	Rebate                 *decimal.Decimal `json:"rebate"`
	PreviousBalance        *decimal.Decimal `json:"previous_balance"`
	DepositApplied         *decimal.Decimal `json:"deposit_applied"`
	TotalAmount            *decimal.Decimal `json:"total_amount"`
}

func (r chargeOverrideRequest) override() (ChargeOverride, error) {
	v := &shared.ValidationError{}
	o := ChargeOverride{
		BillingMonth:           r.BillingMonth,
		BasePrice:              r.BasePrice,
		ExtraDeviceCharge:      r.ExtraDeviceCharge,
		UnregisteredOvercharge: r.UnregisteredOvercharge,
		Rebate:                 r.Rebate,
		PreviousBalance:        r.PreviousBalance,
		DepositApplied:         r.DepositApplied,
		TotalAmount:            r.TotalAmount,
	}
	if r.DueDate != nil {
		o.DueDate = parseDate(v, "due_date", *r.DueDate)
	}
	return o, v.OrNil()
}

type nextDueRequest struct {
	Anchor string `json:"anchor"`
	Now    string `json:"now"`
}

type chargesRequest struct {
	BasePrice        decimal.Decimal  `json:"base_price"`
	DeviceCount      int              `json:"device_count"`
	DeviceLimit      int              `json:"device_limit"`
	ManualOvercharge decimal.Decimal  `json:"unregistered_overcharge"`
	RebatePercent    decimal.Decimal  `json:"rebate"`
	PreviousBalance  decimal.Decimal  `json:"previous_balance"`
	DepositApplied   decimal.Decimal  `json:"deposit_applied"`
	ExtraDeviceRate  *decimal.Decimal `json:"extra_device_rate"`
}

func (r chargesRequest) input(defaultRate decimal.Decimal) charges.Input {
	rate := defaultRate
	if r.ExtraDeviceRate != nil {
		rate = *r.ExtraDeviceRate
	}
	return charges.Input{
		BasePrice:         r.BasePrice,
		ClientDeviceCount: r.DeviceCount,
		TierDeviceLimit:   r.DeviceLimit,
		ManualOvercharge:  r.ManualOvercharge,
		RebatePercent:     r.RebatePercent,
		PreviousBalance:   r.PreviousBalance,
		DepositApplied:    r.DepositApplied,
		ExtraDeviceRate:   rate,
	}
}

// invoiceResponse adds the interpreted rebate to an invoice.
type invoiceResponse struct {
	Invoice
	RebatePercent decimal.Decimal `json:"rebate_percent"`
	LegacyRebate  bool            `json:"legacy_rebate,omitempty"`
}

func newInvoiceResponse(inv Invoice) invoiceResponse {
	view := RebateView(inv)
	return invoiceResponse{Invoice: inv, RebatePercent: view.Percent, LegacyRebate: view.Legacy}
}

func newInvoiceResponses(invs []Invoice) []invoiceResponse {
	out := make([]invoiceResponse, 0, len(invs))
	for _, inv := range invs {
		out = append(out, newInvoiceResponse(inv))
	}
	return out
}

type paymentWriteResponse struct {
	Payment        Payment `json:"payment"`
	ReconcileError string  `json:"reconcile_error,omitempty"`
}
