package billing

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLedgerChannel is the pub/sub channel dependent views subscribe to.
const DefaultLedgerChannel = "invoices:updated"

// Event kinds published on the ledger channel.
const (
	EventInvoiceIssued     = "invoice.issued"
	EventInvoiceReconciled = "invoice.reconciled"
	EventInvoiceUpdated    = "invoice.updated"
	EventInvoiceDeleted    = "invoice.deleted"
)

// LedgerEvent tells listeners that an invoice's ledger-derived view changed.
type LedgerEvent struct {
	Kind          string        `json:"kind"`
	InvoiceID     uuid.UUID     `json:"invoice_id"`
	ClientID      uuid.UUID     `json:"client_id"`
	PaymentStatus PaymentStatus `json:"payment_status,omitempty"`
	At            time.Time     `json:"at"`
}

// Notifier delivers ledger events. Delivery is fire-and-forget: callers never
// observe a failure.
type Notifier interface {
	LedgerChanged(ctx context.Context, event LedgerEvent)
}

// NopNotifier discards events.
type NopNotifier struct{}

// LedgerChanged implements Notifier.
func (NopNotifier) LedgerChanged(context.Context, LedgerEvent) {}

// RedisNotifier publishes events as JSON on a redis channel.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// NewRedisNotifier constructs a RedisNotifier. An empty channel selects
// DefaultLedgerChannel.
func NewRedisNotifier(client redis.UniversalClient, channel string, logger *slog.Logger) *RedisNotifier {
	if channel == "" {
		channel = DefaultLedgerChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisNotifier{client: client, channel: channel, logger: logger}
}

// LedgerChanged implements Notifier.
func (n *RedisNotifier) LedgerChanged(ctx context.Context, event LedgerEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Warn("encode ledger event", slog.Any("error", err))
		return
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		n.logger.Warn("publish ledger event",
			slog.String("channel", n.channel),
			slog.String("invoice_id", event.InvoiceID.String()),
			slog.Any("error", err))
	}
}
