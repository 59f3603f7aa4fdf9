package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/ngsnet/billing/internal/billing"
	jobmetrics "github.com/ngsnet/billing/internal/jobs"
	"github.com/ngsnet/billing/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// InvoiceReconciler recomputes one invoice from its ledger.
type InvoiceReconciler interface {
	ReconcileOutcome(ctx context.Context, invoiceID uuid.UUID) (billing.Outcome, error)
}

// InvoiceLister enumerates invoices for a sweep.
type InvoiceLister interface {
	ListInvoices(ctx context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error)
}

// ReconcileJob handles TaskLedgerReconcile.
type ReconcileJob struct {
	Reconciler InvoiceReconciler
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewReconcileJob constructs the single-invoice handler.
func NewReconcileJob(reconciler InvoiceReconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{Reconciler: reconciler, Logger: logger, Metrics: metrics}
}

// Handle reconciles the invoice named in the payload. A missing invoice is
// not retried.
func (j *ReconcileJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Reconciler == nil {
		return errors.New("ledger reconcile: dependencies not configured")
	}
	var payload ReconcilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	invoiceID, err := uuid.Parse(payload.InvoiceID)
	if err != nil {
		return asynq.SkipRetry
	}

	tracker := metricsOr(j.Metrics).Track(TaskLedgerReconcile)
	logger := logOr(j.Logger, TaskLedgerReconcile)

	out, err := j.Reconciler.ReconcileOutcome(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			logger.Warn("invoice vanished before reconcile", slog.String("invoice_id", payload.InvoiceID))
			tracker.End(nil)
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		logger.Error("reconcile invoice", slog.String("invoice_id", payload.InvoiceID), slog.Any("error", err))
		return tracker.End(err)
	}
	if out.Changed {
		metricsOr(j.Metrics).AddDrift(1)
	}
	logger.Info("invoice reconciled",
		slog.String("invoice_id", payload.InvoiceID),
		slog.Bool("changed", out.Changed),
		slog.String("status", string(out.Invoice.PaymentStatus)))
	return tracker.End(nil)
}

// SweepResult summarises one sweep run.
type SweepResult struct {
	Scanned int
	Drifted int
	Failed  int
}

// ReconcileSweepJob handles TaskLedgerReconcileSweep.
type ReconcileSweepJob struct {
	Invoices    InvoiceLister
	Reconciler  InvoiceReconciler
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	Concurrency int
	clock       func() time.Time
}

// NewReconcileSweepJob constructs the sweep handler. concurrency below one
// runs the sweep serially.
func NewReconcileSweepJob(invoices InvoiceLister, reconciler InvoiceReconciler, concurrency int, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileSweepJob {
	return &ReconcileSweepJob{
		Invoices:    invoices,
		Reconciler:  reconciler,
		Logger:      logger,
		Metrics:     metrics,
		Concurrency: concurrency,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle decodes the payload and runs the sweep.
func (j *ReconcileSweepJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Invoices == nil || j.Reconciler == nil {
		return errors.New("ledger sweep: dependencies not configured")
	}
	var payload ReconcileSweepPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	filter := billing.InvoiceFilter{OnlyPending: payload.OnlyPending}
	if payload.ClientID != "" {
		id, err := uuid.Parse(payload.ClientID)
		if err != nil {
			return asynq.SkipRetry
		}
		filter.ClientID = &id
	}
	_, err := j.Sweep(ctx, filter)
	return err
}

// Sweep reconciles every invoice matching filter. Invoices deleted while the
// sweep runs are skipped. Other failures do not stop the sweep but make it
// return an error once every invoice has been tried.
func (j *ReconcileSweepJob) Sweep(ctx context.Context, filter billing.InvoiceFilter) (SweepResult, error) {
	tracker := metricsOr(j.Metrics).Track(TaskLedgerReconcileSweep)
	logger := logOr(j.Logger, TaskLedgerReconcileSweep)
	start := j.now()

	invoices, err := j.Invoices.ListInvoices(ctx, filter)
	if err != nil {
		logger.Error("list invoices", slog.Any("error", err))
		return SweepResult{}, tracker.End(err)
	}

	var (
		drifted, failed atomic.Int64
		firstErr        error
		errOnce         sync.Once
	)
	g := new(errgroup.Group)
	if j.Concurrency > 0 {
		g.SetLimit(j.Concurrency)
	} else {
		g.SetLimit(1)
	}
	for _, inv := range invoices {
		id := inv.ID
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				failed.Add(1)
				errOnce.Do(func() { firstErr = err })
				return nil
			}
			out, err := j.Reconciler.ReconcileOutcome(ctx, id)
			switch {
			case errors.Is(err, shared.ErrNotFound):
				return nil
			case err != nil:
				failed.Add(1)
				errOnce.Do(func() { firstErr = err })
				logger.Warn("reconcile invoice", slog.String("invoice_id", id.String()), slog.Any("error", err))
				return nil
			}
			if out.Changed {
				drifted.Add(1)
				logger.Info("ledger drift corrected",
					slog.String("invoice_id", id.String()),
					slog.String("previous_status", string(out.Previous.PaymentStatus)),
					slog.String("status", string(out.Invoice.PaymentStatus)))
			}
			return nil
		})
	}
	_ = g.Wait()

	result := SweepResult{Scanned: len(invoices), Drifted: int(drifted.Load()), Failed: int(failed.Load())}
	metricsOr(j.Metrics).AddDrift(result.Drifted)
	logger.Info("ledger sweep finished",
		slog.Int("scanned", result.Scanned),
		slog.Int("drifted", result.Drifted),
		slog.Int("failed", result.Failed),
		slog.Duration("duration", j.now().Sub(start)))

	if result.Failed > 0 {
		return result, tracker.End(fmt.Errorf("ledger sweep: %d of %d invoices failed: %w", result.Failed, result.Scanned, firstErr))
	}
	return result, tracker.End(nil)
}

func (j *ReconcileSweepJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *ReconcileSweepJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}

func metricsOr(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}

func logOr(logger *slog.Logger, job string) *slog.Logger {
	if logger != nil {
		return logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}
