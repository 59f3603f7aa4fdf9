package billing

import (
	"fmt"

	"github.com/ngsnet/billing/internal/shared"
)

var (
	ErrClientNotFound  = fmt.Errorf("billing: client %w", shared.ErrNotFound)
	ErrTierNotFound    = fmt.Errorf("billing: tier %w", shared.ErrNotFound)
	ErrInvoiceNotFound = fmt.Errorf("billing: invoice %w", shared.ErrNotFound)
	ErrPaymentNotFound = fmt.Errorf("billing: payment %w", shared.ErrNotFound)

	// ErrDuplicateInvoiceNumber indicates the invoice_number is taken.
	ErrDuplicateInvoiceNumber = fmt.Errorf("billing: duplicate invoice number: %w", shared.ErrUniqueConstraint)
	// ErrPeriodAlreadyInvoiced indicates the client already has an invoice for the billing month.
	ErrPeriodAlreadyInvoiced = fmt.Errorf("billing: billing month already invoiced: %w", shared.ErrUniqueConstraint)
	// ErrIssuanceInProgress indicates a concurrent issuance holds the client lock.
	ErrIssuanceInProgress = fmt.Errorf("billing: issuance in progress: %w", shared.ErrConflict)
)
