package paymentshttp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aguarural/boletas/internal/payments"
	"github.com/aguarural/boletas/internal/platform/httpx"
	"github.com/aguarural/boletas/internal/shared"
)

// IdempotencyHeader carries the client-chosen key for payment entry.
const IdempotencyHeader = "Idempotency-Key"

// Reconciler is the payment service surface used over HTTP.
type Reconciler interface {
	Reconcile(ctx context.Context, customerID, actorID int64) (payments.Result, error)
	RegisterPayment(ctx context.Context, in payments.RegisterInput) (payments.Payment, payments.Result, error)
}

var errorMap = httpx.Mapping{
	payments.ErrCustomerNotFound:  httpx.ErrNotFound,
	payments.ErrInvalidPayment:    httpx.ErrValidation,
	shared.ErrActorRequired:       httpx.ErrValidation,
	shared.ErrIdempotencyConflict: httpx.ErrConflict,
}

// Handler exposes reconciliation and payment entry.
type Handler struct {
	logger  *slog.Logger
	service Reconciler
	idem    shared.IdempotencyGuard
}

// NewHandler constructs the handler. idem is optional; without it retried payments are not deduplicated.
func NewHandler(logger *slog.Logger, service Reconciler, idem shared.IdempotencyGuard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, idem: idem}
}

// MountRoutes registers routes under the caller's prefix.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/{customerID}", func(r chi.Router) {
		r.Post("/reconcile", h.reconcile)
		r.Post("/payments", h.registerPayment)
	})
}

type paymentRequest struct {
	Amount    int64     `json:"amount"`
	PaidAt    time.Time `json:"paid_at"`
	Method    string    `json:"method"`
	Reference string    `json:"reference"`
}

type paymentResponse struct {
	Payment        payments.Payment `json:"payment"`
	Reconciliation payments.Result  `json:"reconciliation"`
}

func customerID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "customerID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, payments.ErrCustomerNotFound
	}
	return id, nil
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := customerID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.service.Reconcile(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) registerPayment(w http.ResponseWriter, r *http.Request) {
	id, err := customerID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req paymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	key := r.Header.Get(IdempotencyHeader)
	if key != "" && h.idem != nil {
		if err := h.idem.CheckAndInsert(r.Context(), key, shared.IdempotencyModulePayments); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	payment, res, err := h.service.RegisterPayment(r.Context(), payments.RegisterInput{
		CustomerID: id,
		Amount:     req.Amount,
		PaidAt:     req.PaidAt,
		Method:     req.Method,
		Reference:  req.Reference,
		ActorID:    shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		if key != "" && h.idem != nil {
			if derr := h.idem.Delete(context.WithoutCancel(r.Context()), key, shared.IdempotencyModulePayments); derr != nil {
				h.logger.Warn("release idempotency key", slog.Any("error", derr))
			}
		}
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, paymentResponse{Payment: payment, Reconciliation: res})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !errorMap.Known(err) {
		h.logger.Error("payments request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, errorMap.Translate(err))
}
