package billing

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ngsnet/billing/internal/billing/charges"
	"github.com/ngsnet/billing/internal/billing/cycle"
	"github.com/ngsnet/billing/internal/platform/httpx"
	"github.com/ngsnet/billing/internal/shared"
)

// Handler exposes the billing core over JSON.
type Handler struct {
	logger     *slog.Logger
	issuer     *Issuer
	invoices   *InvoiceService
	ledger     *LedgerService
	reconciler *Reconciler
	rate       decimal.Decimal
	clock      func() time.Time
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, issuer *Issuer, invoices *InvoiceService, ledger *LedgerService, reconciler *Reconciler, extraDeviceRate decimal.Decimal) *Handler {
	if extraDeviceRate.IsZero() {
		extraDeviceRate = charges.DefaultExtraDeviceRate
	}
	return &Handler{
		logger:     logger,
		issuer:     issuer,
		invoices:   invoices,
		ledger:     ledger,
		reconciler: reconciler,
		rate:       extraDeviceRate,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/clients/{clientID}", func(r chi.Router) {
		r.Get("/invoices", h.listClientInvoices)
		r.Post("/invoices", h.issueInvoice)
		r.Post("/invoices/preview", h.previewInvoice)
		r.Get("/payments", h.listClientPayments)
		r.Get("/credit", h.clientCredit)
	})

	r.Get("/invoices", h.listInvoices)
	r.Route("/invoices/{invoiceID}", func(r chi.Router) {
		r.Get("/", h.getInvoice)
		r.Delete("/", h.deleteInvoice)
		r.Patch("/charges", h.overrideCharges)
		r.Post("/reconcile", h.reconcileInvoice)
		r.Get("/payments", h.listInvoicePayments)
	})

	r.Post("/payments", h.recordPayment)
	r.Patch("/payments/{paymentID}", h.amendPayment)
	r.Delete("/payments/{paymentID}", h.removePayment)

	r.Post("/schedule/next-due", h.nextDue)
	r.Post("/charges/preview", h.previewCharges)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if !isClientError(err) {
		h.logger.Error(msg, slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func isClientError(err error) bool {
	return errors.Is(err, shared.ErrNotFound) ||
		errors.Is(err, shared.ErrValidation) ||
		errors.Is(err, shared.ErrUniqueConstraint) ||
		errors.Is(err, shared.ErrConflict) ||
		errors.Is(err, httpx.ErrBadRequest)
}

func urlUUID(r *http.Request, param string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", httpx.ErrBadRequest, param)
	}
	return id, nil
}

func (h *Handler) issueInvoice(w http.ResponseWriter, r *http.Request) {
	clientID, err := urlUUID(r, "clientID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req issueRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ov, err := req.overrides()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.issuer.IssueInvoice(r.Context(), clientID, ov)
	if err != nil {
		h.fail(w, r, "issue invoice", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newInvoiceResponse(inv))
}

func (h *Handler) previewInvoice(w http.ResponseWriter, r *http.Request) {
	clientID, err := urlUUID(r, "clientID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req issueRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ov, err := req.overrides()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	draft, err := h.issuer.Preview(r.Context(), clientID, ov)
	if err != nil {
		h.fail(w, r, "preview invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, draft)
}

func (h *Handler) listClientInvoices(w http.ResponseWriter, r *http.Request) {
	clientID, err := urlUUID(r, "clientID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	invs, err := h.invoices.ListClientInvoices(r.Context(), clientID)
	if err != nil {
		h.fail(w, r, "list client invoices", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newInvoiceResponses(invs))
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	var filter InvoiceFilter
	if raw := r.URL.Query().Get("client_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid client_id", httpx.ErrBadRequest))
			return
		}
		filter.ClientID = &id
	}
	if raw := r.URL.Query().Get("pending"); raw != "" {
		pending, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid pending", httpx.ErrBadRequest))
			return
		}
		filter.OnlyPending = pending
	}
	invs, err := h.invoices.ListInvoices(r.Context(), filter)
	if err != nil {
		h.fail(w, r, "list invoices", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newInvoiceResponses(invs))
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "invoiceID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.invoices.GetInvoice(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newInvoiceResponse(inv))
}

func (h *Handler) deleteInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "invoiceID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.invoices.DeleteInvoice(r.Context(), id); err != nil {
		h.fail(w, r, "delete invoice", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) overrideCharges(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "invoiceID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req chargeOverrideRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	o, err := req.override()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.invoices.OverrideCharges(r.Context(), id, o)
	if err != nil {
		h.fail(w, r, "override charges", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newInvoiceResponse(inv))
}

func (h *Handler) reconcileInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "invoiceID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.reconciler.Reconcile(r.Context(), id)
	if err != nil {
		h.fail(w, r, "reconcile invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newInvoiceResponse(inv))
}

func (h *Handler) listInvoicePayments(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "invoiceID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	payments, err := h.ledger.ListInvoicePayments(r.Context(), id)
	if err != nil {
		h.fail(w, r, "list invoice payments", err)
		return
	}
	httpx.JSON(w, http.StatusOK, nonNil(payments))
}

func (h *Handler) listClientPayments(w http.ResponseWriter, r *http.Request) {
	clientID, err := urlUUID(r, "clientID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	payments, err := h.ledger.ListClientPayments(r.Context(), clientID)
	if err != nil {
		h.fail(w, r, "list client payments", err)
		return
	}
	httpx.JSON(w, http.StatusOK, nonNil(payments))
}

func (h *Handler) clientCredit(w http.ResponseWriter, r *http.Request) {
	clientID, err := urlUUID(r, "clientID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	credit, err := h.ledger.ClientCredit(r.Context(), clientID)
	if err != nil {
		h.fail(w, r, "client credit", err)
		return
	}
	httpx.JSON(w, http.StatusOK, credit)
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in, err := req.input()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.ledger.RecordPayment(r.Context(), in)
	h.writePayment(w, r, http.StatusCreated, "record payment", p, err)
}

func (h *Handler) amendPayment(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "paymentID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req paymentPatchRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	patch, err := req.patch()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, err := h.ledger.AmendPayment(r.Context(), id, patch)
	h.writePayment(w, r, http.StatusOK, "amend payment", p, err)
}

// writePayment reports a ledger write. A write that landed but could not be
// reconciled answers 202 so callers do not resubmit the entry.
func (h *Handler) writePayment(w http.ResponseWriter, r *http.Request, status int, msg string, p Payment, err error) {
	switch {
	case err == nil:
		httpx.JSON(w, status, paymentWriteResponse{Payment: p})
	case p.ID != uuid.Nil:
		h.logger.Error(msg, slog.String("payment_id", p.ID.String()), slog.Any("error", err))
		httpx.JSON(w, http.StatusAccepted, paymentWriteResponse{Payment: p, ReconcileError: shared.UserSafeMessage(err)})
	default:
		h.fail(w, r, msg, err)
	}
}

func (h *Handler) removePayment(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "paymentID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.ledger.RemovePayment(r.Context(), id); err != nil {
		h.fail(w, r, "remove payment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) nextDue(w http.ResponseWriter, r *http.Request) {
	var req nextDueRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	v := &shared.ValidationError{}
	anchor := parseDate(v, "anchor", req.Anchor)
	if anchor == nil {
		v.Add("anchor", "is required")
	}
	now := h.clock()
	if ref := parseDate(v, "now", req.Now); ref != nil {
		now = *ref
	}
	if err := v.OrNil(); err != nil {
		httpx.RespondError(w, err)
		return
	}
	due := cycle.NextDueDate(*anchor, now)
	httpx.JSON(w, http.StatusOK, map[string]string{"next_due_date": due.Format(dateLayout)})
}

func (h *Handler) previewCharges(w http.ResponseWriter, r *http.Request) {
	var req chargesRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := req.input(h.rate)
	if err := charges.Validate(in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, charges.Compute(in))
}

func nonNil(payments []Payment) []Payment {
	if payments == nil {
		return []Payment{}
	}
	return payments
}
