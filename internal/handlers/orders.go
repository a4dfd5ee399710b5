package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/platform/httpx"
	"github.com/qrshop/api/internal/platform/pagination"
	"github.com/qrshop/api/internal/services"
)

const maxOrderCancelBodySize = 4 * 1024

var orderPageOptions = pagination.Options{DefaultPageSize: 20, MaxPageSize: 100}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers exposes order endpoints scoped to the calling owner.
type OrderHandlers struct {
	orders services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{orders: orders}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/my-orders", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}/cancel", h.cancelOrder)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	params, err := pagination.FromRequest(r, orderPageOptions)
	if err != nil {
		msg := "invalid pagination parameters"
		if errors.Is(err, pagination.ErrInvalidPageSize) {
			msg = "pageSize must be a positive integer"
		} else if errors.Is(err, pagination.ErrInvalidPageToken) {
			msg = "pageToken is invalid"
		}
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, msg, http.StatusBadRequest))
		return
	}

	var statuses []domain.OrderStatus
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			status, ok := domain.ParseOrderStatus(part)
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "unknown order status "+part, http.StatusBadRequest))
				return
			}
			statuses = append(statuses, status)
		}
	}

	page, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		Owner:     owner,
		Statuses:  statuses,
		PageSize:  params.PageSize,
		PageToken: params.PageToken,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListPayload{Items: items, NextPageToken: page.NextPageToken})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if !order.Owner.Matches(owner) {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeOrderNotFound, "order not found", http.StatusNotFound))
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeServiceUnavailable(ctx, w, "order")
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	var req cancelOrderRequest
	if !decodeJSONBody(w, r, maxOrderCancelBodySize, true, &req) {
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		ActorID: owner.Key(),
		Reason:  strings.TrimSpace(req.Reason),
		Owner:   &owner,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}
