package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/qrshop/api/internal/platform/auth"
	"github.com/qrshop/api/internal/platform/httpx"
	"github.com/qrshop/api/internal/services"
)

const maxAdminStatusBodySize = 4 * 1024

type adminStatusRequest struct {
	Status         string  `json:"status"`
	Reason         string  `json:"reason"`
	ExpectedStatus *string `json:"expectedStatus"`
}

// AdminOrderHandlers lets staff drive the order status machine.
type AdminOrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *AdminOrderHandlers {
	return &AdminOrderHandlers{authn: authn, orders: orders}
}

// Routes registers the /admin endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireRoles(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Post("/orders/{orderID}/status", h.transitionStatus)
}

func (h *AdminOrderHandlers) transitionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeUnauthenticated, "authentication required", http.StatusUnauthorized))
		return
	}

	var req adminStatusRequest
	if !decodeJSONBody(w, r, maxAdminStatusBodySize, false, &req) {
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "status is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID:        strings.TrimSpace(chi.URLParam(r, "orderID")),
		TargetStatus:   strings.TrimSpace(req.Status),
		ActorID:        "user:" + identity.UID,
		Reason:         strings.TrimSpace(req.Reason),
		ExpectedStatus: req.ExpectedStatus,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}
