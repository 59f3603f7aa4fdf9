package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	Concurrency int
	Handlers    []TaskHandler
	Cron        []CronRegistration
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueDefault: 1,
		},
	})
	mux := asynq.NewServeMux()
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, err
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: cfg.Logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

// Enqueuer submits ledger tasks.
type Enqueuer interface {
	EnqueueReconcile(ctx context.Context, invoiceID uuid.UUID) (*asynq.TaskInfo, error)
	EnqueueSweep(ctx context.Context, payload ReconcileSweepPayload) (*asynq.TaskInfo, error)
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueReconcile enqueues a single-invoice reconcile.
func (c *Client) EnqueueReconcile(ctx context.Context, invoiceID uuid.UUID) (*asynq.TaskInfo, error) {
	task, err := NewReconcileTask(invoiceID)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
}

// EnqueueSweep enqueues a reconcile sweep. Only one sweep per scope may be
// queued at a time.
func (c *Client) EnqueueSweep(ctx context.Context, payload ReconcileSweepPayload) (*asynq.TaskInfo, error) {
	task, err := NewReconcileSweepTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.MaxRetry(1), asynq.Unique(time.Hour))
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

// Handler exposes HTTP endpoints for job observability and manual triggers.
type Handler struct {
	inspector *asynq.Inspector
	enqueuer  Enqueuer
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(inspector *asynq.Inspector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{inspector: inspector, logger: logger}
}

// WithEnqueuer enables the trigger endpoints.
func (h *Handler) WithEnqueuer(e Enqueuer) *Handler {
	h.enqueuer = e
	return h
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
	r.Post("/reconcile/{invoiceID}", h.triggerReconcile)
	r.Post("/sweep", h.triggerSweep)
}

type queueHealth struct {
	Queue   string `json:"queue"`
	Pending int    `json:"pending"`
}

type enqueued struct {
	TaskID string `json:"task_id"`
	Type   string `json:"type"`
	Queue  string `json:"queue"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.inspector == nil {
		writeJSON(w, http.StatusOK, queueHealth{Queue: QueueDefault})
		return
	}
	info, err := h.inspector.GetQueueInfo(QueueDefault)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	out := queueHealth{Queue: QueueDefault}
	if info != nil {
		out.Pending = info.Pending
		out.Queue = info.Queue
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) triggerReconcile(w http.ResponseWriter, r *http.Request) {
	if h.enqueuer == nil {
		http.Error(w, "job queue not configured", http.StatusServiceUnavailable)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "invoiceID"))
	if err != nil {
		http.Error(w, "invoice id must be a uuid", http.StatusBadRequest)
		return
	}
	info, err := h.enqueuer.EnqueueReconcile(r.Context(), id)
	h.respondEnqueued(w, info, err)
}

func (h *Handler) triggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.enqueuer == nil {
		http.Error(w, "job queue not configured", http.StatusServiceUnavailable)
		return
	}
	var payload ReconcileSweepPayload
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid sweep payload", http.StatusBadRequest)
			return
		}
	}
	if payload.ClientID != "" {
		if _, err := uuid.Parse(payload.ClientID); err != nil {
			http.Error(w, "client id must be a uuid", http.StatusBadRequest)
			return
		}
	}
	info, err := h.enqueuer.EnqueueSweep(r.Context(), payload)
	h.respondEnqueued(w, info, err)
}

func (h *Handler) respondEnqueued(w http.ResponseWriter, info *asynq.TaskInfo, err error) {
	switch {
	case errors.Is(err, asynq.ErrDuplicateTask), errors.Is(err, asynq.ErrTaskIDConflict):
		http.Error(w, "task already queued", http.StatusConflict)
		return
	case err != nil:
		h.logger.Error("enqueue task", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueued{TaskID: info.ID, Type: info.Type, Queue: info.Queue})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
