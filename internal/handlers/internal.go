package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/qrshop/api/internal/platform/auth"
	"github.com/qrshop/api/internal/platform/httpx"
	"github.com/qrshop/api/internal/platform/requestctx"
	"github.com/qrshop/api/internal/services"
)

const maxSweepBodySize = 2 * 1024

type sweepRequest struct {
	Limit         int   `json:"limit"`
	MaxAgeSeconds int   `json:"maxAgeSeconds"`
	Finalize      *bool `json:"finalize"`
}

type sweepResponse struct {
	Scanned   int `json:"scanned"`
	Paid      int `json:"paid"`
	Finalized int `json:"finalized"`
	Failed    int `json:"failed"`
}

// InternalHandlers hosts scheduler triggered maintenance endpoints. Authentication is applied by the
// router group.
type InternalHandlers struct {
	sweeper services.PaymentSweeper
}

func NewInternalHandlers(sweeper services.PaymentSweeper) *InternalHandlers {
	return &InternalHandlers{sweeper: sweeper}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/checkout:sweep", h.sweep)
}

func (h *InternalHandlers) sweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sweeper == nil {
		writeServiceUnavailable(ctx, w, "sweep")
		return
	}

	var req sweepRequest
	if !decodeJSONBody(w, r, maxSweepBodySize, true, &req) {
		return
	}
	if req.Limit < 0 || req.MaxAgeSeconds < 0 {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "limit and maxAgeSeconds must not be negative", http.StatusBadRequest))
		return
	}

	actor := "service:scheduler"
	if identity, ok := auth.ServiceIdentityFromContext(ctx); ok {
		switch {
		case identity.Email != "":
			actor = "service:" + identity.Email
		case identity.Subject != "":
			actor = "service:" + identity.Subject
		}
	}

	finalize := true
	if req.Finalize != nil {
		finalize = *req.Finalize
	}

	result, err := h.sweeper.Sweep(ctx, services.SweepCommand{
		Limit:    req.Limit,
		MaxAge:   time.Duration(req.MaxAgeSeconds) * time.Second,
		Finalize: finalize,
		ActorID:  actor,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	requestctx.Logger(ctx).Info("payment sweep completed",
		zap.String("actor", actor),
		zap.Int("scanned", result.Scanned),
		zap.Int("paid", result.Paid),
		zap.Int("finalized", result.Finalized),
		zap.Int("failed", result.Failed),
	)
	writeJSONResponse(w, http.StatusOK, sweepResponse{
		Scanned:   result.Scanned,
		Paid:      result.Paid,
		Finalized: result.Finalized,
		Failed:    result.Failed,
	})
}
