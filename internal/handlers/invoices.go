package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/platform/httpx"
	"github.com/qrshop/api/internal/services"
)

// InvoiceHandlers issues and reads the invoice of an order owned by the caller.
type InvoiceHandlers struct {
	orders   services.OrderService
	invoices services.InvoiceService
}

func NewInvoiceHandlers(orders services.OrderService, invoices services.InvoiceService) *InvoiceHandlers {
	return &InvoiceHandlers{orders: orders, invoices: invoices}
}

// Routes registers the /invoice endpoints.
func (h *InvoiceHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/{orderID}", h.issueInvoice)
	r.Get("/{orderID}", h.getInvoice)
}

func (h *InvoiceHandlers) issueInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, orderID, ok := h.authorizeOrder(w, r)
	if !ok {
		return
	}
	result, err := h.invoices.IssueInvoice(ctx, services.IssueInvoiceCommand{
		OrderID: orderID,
		ActorID: owner.Key(),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, buildInvoicePayload(result.Invoice))
}

func (h *InvoiceHandlers) getInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	_, orderID, ok := h.authorizeOrder(w, r)
	if !ok {
		return
	}
	invoice, err := h.invoices.GetInvoice(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildInvoicePayload(invoice))
}

// authorizeOrder confirms the order exists and belongs to the caller.
func (h *InvoiceHandlers) authorizeOrder(w http.ResponseWriter, r *http.Request) (domain.Owner, string, bool) {
	ctx := r.Context()
	if h.orders == nil || h.invoices == nil {
		writeServiceUnavailable(ctx, w, "invoice")
		return domain.Owner{}, "", false
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return domain.Owner{}, "", false
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return domain.Owner{}, "", false
	}
	if !order.Owner.Matches(owner) {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeOrderNotFound, "order not found", http.StatusNotFound))
		return domain.Owner{}, "", false
	}
	return owner, order.ID, true
}
