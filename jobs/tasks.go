package jobs

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerReconcile recomputes one invoice from its payment ledger.
	TaskLedgerReconcile = "ledger:reconcile"
	// TaskLedgerReconcileSweep reconciles every invoice in a scope.
	TaskLedgerReconcileSweep = "ledger:reconcile-sweep"
)

// ReconcilePayload names the invoice to reconcile.
type ReconcilePayload struct {
	InvoiceID string `json:"invoice_id"`
}

// ReconcileSweepPayload scopes a sweep. An empty ClientID sweeps all clients.
type ReconcileSweepPayload struct {
	ClientID    string `json:"client_id,omitempty"`
	OnlyPending bool   `json:"only_pending"`
}

// NewReconcileTask creates an Asynq task reconciling one invoice.
func NewReconcileTask(invoiceID uuid.UUID) (*asynq.Task, error) {
	if invoiceID == uuid.Nil {
		return nil, errors.New("jobs: reconcile task requires an invoice id")
	}
	body, err := json.Marshal(ReconcilePayload{InvoiceID: invoiceID.String()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconcile, body, asynq.Queue(QueueDefault)), nil
}

// NewReconcileSweepTask creates an Asynq task sweeping the given scope.
func NewReconcileSweepTask(payload ReconcileSweepPayload) (*asynq.Task, error) {
	if payload.ClientID != "" {
		if _, err := uuid.Parse(payload.ClientID); err != nil {
			return nil, errors.New("jobs: sweep client id must be a uuid")
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconcileSweep, body, asynq.Queue(QueueDefault)), nil
}
