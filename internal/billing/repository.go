package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ngsnet/billing/internal/platform/db"
	"github.com/ngsnet/billing/internal/shared"
)

// TierReader resolves subscription tiers.
type TierReader interface {
	GetTier(ctx context.Context, id uuid.UUID) (Tier, error)
}

// Repository is the persistence port of the billing core.
type Repository interface {
	TierReader

	// WithTx runs fn against a repository bound to one transaction.
	// Implementations must not be nested.
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error

	GetClient(ctx context.Context, id uuid.UUID) (Client, error)
	UpdateClient(ctx context.Context, id uuid.UUID, patch ClientPatch) error

	InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	GetInvoice(ctx context.Context, id uuid.UUID) (Invoice, error)
	// GetInvoiceForUpdate loads the invoice and holds it until the surrounding
	// transaction ends.
	GetInvoiceForUpdate(ctx context.Context, id uuid.UUID) (Invoice, error)
	// LatestInvoice returns the client's invoice with the greatest due_date,
	// then created_at. ErrInvoiceNotFound when the client has none.
	LatestInvoice(ctx context.Context, clientID uuid.UUID) (Invoice, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error)
	UpdateInvoiceCharges(ctx context.Context, id uuid.UUID, patch ChargePatch) error
	UpdateLedgerState(ctx context.Context, id uuid.UUID, state LedgerState) error
	DeleteInvoice(ctx context.Context, id uuid.UUID) error

	InsertPayment(ctx context.Context, p Payment) (Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (Payment, error)
	UpdatePayment(ctx context.Context, p Payment) error
	DeletePayment(ctx context.Context, id uuid.UUID) error
	DeletePaymentsByInvoice(ctx context.Context, invoiceID uuid.UUID) (int64, error)
	ListPaymentsByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error)
	ListPaymentsByClient(ctx context.Context, clientID uuid.UUID) ([]Payment, error)
}

const (
	constraintInvoiceNumber = "invoices_invoice_number_key"
	constraintClientPeriod  = "invoices_client_billing_month_key"
)

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

type pgRepository struct {
	db   dbtx
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed Repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{db: pool, pool: pool}
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.ReadCommitted}
	return db.WithTxOptions(ctx, r.pool, opts, func(tx pgx.Tx) error {
		return fn(ctx, &pgRepository{db: tx, pool: r.pool})
	})
}

// translate maps driver errors onto the billing error taxonomy.
func translate(op string, err error, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) && notFound != nil {
		return notFound
	}
	if constraint, ok := db.UniqueViolation(err); ok {
		switch constraint {
		case constraintInvoiceNumber:
			return ErrDuplicateInvoiceNumber
		case constraintClientPeriod:
			return ErrPeriodAlreadyInvoiced
		default:
			return fmt.Errorf("billing: %s: %w", op, shared.ErrUniqueConstraint)
		}
	}
	return shared.StoreIO(op, err)
}
