package billinghttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/aguarural/boletas/internal/billing"
	"github.com/aguarural/boletas/internal/platform/httpx"
	"github.com/aguarural/boletas/internal/shared"
)

// IdempotencyHeader carries the client-chosen key for generate requests.
const IdempotencyHeader = "Idempotency-Key"

// Generator runs the pipeline.
type Generator interface {
	Generate(ctx context.Context, in billing.GenerateInput) (billing.RunResult, error)
}

// Enqueuer schedules a run on the worker.
type Enqueuer interface {
	EnqueueBillingGenerate(ctx context.Context, year, month int, overwrite bool) (string, error)
}

var errorMap = httpx.Mapping{
	billing.ErrInvalidInput:        httpx.ErrValidation,
	billing.ErrInvalidPeriod:       httpx.ErrValidation,
	billing.ErrPeriodAlreadyBilled: httpx.ErrConflict,
	billing.ErrRunInProgress:       httpx.ErrConflict,
	shared.ErrIdempotencyConflict:  httpx.ErrConflict,
	billing.ErrNoTariff:            httpx.ErrUnprocessable,
	billing.ErrTariffOverlap:       httpx.ErrUnprocessable,
	billing.ErrFolioSeed:           httpx.ErrUnprocessable,
}

// Handler exposes bill generation over HTTP.
type Handler struct {
	logger    *slog.Logger
	service   Generator
	idem      shared.IdempotencyGuard
	jobs      Enqueuer
	rateLimit int
}

// NewHandler constructs the handler. idem and jobs are optional.
func NewHandler(logger *slog.Logger, service Generator, idem shared.IdempotencyGuard, jobs Enqueuer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, idem: idem, jobs: jobs, rateLimit: 6}
}

// MountRoutes registers routes under the caller's prefix.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/periods/{period}", func(r chi.Router) {
		r.Post("/preview", h.preview)
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(h.rateLimit, time.Minute))
			r.Post("/generate", h.generate)
			r.Post("/enqueue", h.enqueue)
		})
	})
}

type generateRequest struct {
	Strategy  billing.Strategy `json:"strategy"`
	Overwrite bool             `json:"overwrite"`
}

func (h *Handler) parse(r *http.Request) (billing.Period, generateRequest, error) {
	var req generateRequest
	p, err := billing.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		return p, req, err
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		return p, req, err
	}
	return p, req, nil
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	p, _, err := h.parse(r)
	if err != nil {
		httpx.RespondError(w, errorMap.Translate(err))
		return
	}
	res, err := h.service.Generate(r.Context(), billing.GenerateInput{Year: p.Year, Month: int(p.Month), Mode: billing.ModePreview})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	p, req, err := h.parse(r)
	if err != nil {
		httpx.RespondError(w, errorMap.Translate(err))
		return
	}
	key := r.Header.Get(IdempotencyHeader)
	if key != "" && h.idem != nil {
		if err := h.idem.CheckAndInsert(r.Context(), key, shared.IdempotencyModuleBilling); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	res, err := h.service.Generate(r.Context(), billing.GenerateInput{
		Year:      p.Year,
		Month:     int(p.Month),
		Mode:      billing.ModePersist,
		Strategy:  req.Strategy,
		Overwrite: req.Overwrite,
	})
	if err != nil {
		if key != "" && h.idem != nil {
			if derr := h.idem.Delete(context.WithoutCancel(r.Context()), key, shared.IdempotencyModuleBilling); derr != nil {
				h.logger.Warn("release idempotency key", slog.Any("error", derr))
			}
		}
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "job queue not configured")
		return
	}
	p, req, err := h.parse(r)
	if err != nil {
		httpx.RespondError(w, errorMap.Translate(err))
		return
	}
	id, err := h.jobs.EnqueueBillingGenerate(r.Context(), p.Year, int(p.Month), req.Overwrite)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"task_id": id, "period": p.String()})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !errorMap.Known(err) {
		h.logger.Error("billing request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, errorMap.Translate(err))
}
