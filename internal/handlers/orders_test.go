package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/platform/auth"
	"github.com/qrshop/api/internal/services"
)

func sampleOrder(owner domain.Owner, status domain.OrderStatus) services.Order {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return services.Order{
		ID:            "ord_01",
		OrderNumber:   "QR-2026-000001",
		CheckoutID:    "chk_01",
		Owner:         owner,
		Items:         []domain.LineItem{{ProductRef: "prod-a", Name: "Tee", UnitPrice: 100, Quantity: 2, Total: 200}},
		PaymentMethod: domain.PaymentMethodBankTransfer,
		Currency:      "VND",
		Pricing:       domain.Pricing{ItemsPrice: 200, ShippingPrice: 30, TotalPrice: 230},
		Status:        status,
		IsPaid:        true,
		PaidAt:        domain.TimePtr(created),
		StatusHistory: []domain.OrderStatusChange{{To: status, ActorID: owner.Key(), At: created}},
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func TestOrderHandlersListMyOrders(t *testing.T) {
	var received services.OrderListFilter
	svc := &stubOrderService{
		listFn: func(_ context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			received = filter
			return domain.CursorPage[services.Order]{
				Items:         []services.Order{sampleOrder(guestOwner, domain.OrderStatusProcessing)},
				NextPageToken: "next-1",
			}, nil
		},
	}
	h := NewOrderHandlers(svc)

	req := asOwner(httptest.NewRequest(http.MethodGet, "/my-orders?pageSize=5&status=processing,delivering", nil), guestOwner)
	rr := serve(t, h.Routes, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if received.Owner != guestOwner || received.PageSize != 5 {
		t.Fatalf("unexpected filter %+v", received)
	}
	if len(received.Statuses) != 2 || received.Statuses[0] != domain.OrderStatusProcessing || received.Statuses[1] != domain.OrderStatusDelivering {
		t.Fatalf("unexpected statuses %v", received.Statuses)
	}
	body := decodeBody(t, rr)
	if body["nextPageToken"] != "next-1" {
		t.Fatalf("expected next page token, got %v", body["nextPageToken"])
	}
	items, _ := body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one order, got %v", body["items"])
	}
	order := items[0].(map[string]any)
	if order["orderNumber"] != "QR-2026-000001" || order["isDelivered"] != false {
		t.Fatalf("unexpected order payload %v", order)
	}
}

func TestOrderHandlersListRejectsUnknownStatus(t *testing.T) {
	h := NewOrderHandlers(&stubOrderService{})
	rr := serve(t, h.Routes, asOwner(httptest.NewRequest(http.MethodGet, "/my-orders?status=shipped", nil), guestOwner))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrderOwnership(t *testing.T) {
	svc := &stubOrderService{
		getFn: func(context.Context, string) (services.Order, error) {
			return sampleOrder(guestOwner, domain.OrderStatusProcessing), nil
		},
	}
	h := NewOrderHandlers(svc)

	own := serve(t, h.Routes, asOwner(httptest.NewRequest(http.MethodGet, "/ord_01", nil), guestOwner))
	if own.Code != http.StatusOK {
		t.Fatalf("expected 200 for owner, got %d", own.Code)
	}
	history, _ := decodeBody(t, own)["statusHistory"].([]any)
	if len(history) != 1 {
		t.Fatalf("expected status history, got %v", history)
	}

	foreign := serve(t, h.Routes, asOwner(httptest.NewRequest(http.MethodGet, "/ord_01", nil), otherOwner))
	if foreign.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for other owner, got %d", foreign.Code)
	}
}

func TestOrderHandlersCancel(t *testing.T) {
	t.Run("cancelled", func(t *testing.T) {
		var received services.CancelOrderCommand
		svc := &stubOrderService{
			cancelFn: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
				received = cmd
				order := sampleOrder(guestOwner, domain.OrderStatusCancelled)
				order.CancelReason = &cmd.Reason
				return order, nil
			},
		}
		h := NewOrderHandlers(svc)
		req := asOwner(httptest.NewRequest(http.MethodPost, "/ord_01/cancel", strings.NewReader(`{"reason":" changed my mind "}`)), guestOwner)
		rr := serve(t, h.Routes, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if received.OrderID != "ord_01" || received.Reason != "changed my mind" || received.Owner == nil || *received.Owner != guestOwner {
			t.Fatalf("unexpected command %+v", received)
		}
		if body := decodeBody(t, rr); body["status"] != "Cancelled" || body["cancelReason"] != "changed my mind" {
			t.Fatalf("unexpected payload %v", body)
		}
	})

	t.Run("illegal transition", func(t *testing.T) {
		svc := &stubOrderService{
			cancelFn: func(context.Context, services.CancelOrderCommand) (services.Order, error) {
				return services.Order{}, services.ErrOrderInvalidState
			},
		}
		h := NewOrderHandlers(svc)
		rr := serve(t, h.Routes, asOwner(httptest.NewRequest(http.MethodPost, "/ord_01/cancel", nil), guestOwner))
		if rr.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rr.Code)
		}
		if code := decodeBody(t, rr)["error"]; code != "invalid_status_transition" {
			t.Fatalf("expected invalid_status_transition, got %v", code)
		}
	})
}

func TestInvoiceHandlersIssue(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(context.Context, string) (services.Order, error) {
			return sampleOrder(guestOwner, domain.OrderStatusProcessing), nil
		},
	}
	created := true
	invoices := &stubInvoiceService{
		issueFn: func(_ context.Context, cmd services.IssueInvoiceCommand) (services.InvoiceResult, error) {
			result := services.InvoiceResult{
				Invoice: services.Invoice{ID: "inv_01", InvoiceNumber: "INV-2026-000001", OrderID: cmd.OrderID},
				Created: created,
			}
			created = false
			return result, nil
		},
	}
	h := NewInvoiceHandlers(orders, invoices)

	first := serve(t, h.Routes, asOwner(httptest.NewRequest(http.MethodPost, "/ord_01", nil), guestOwner))
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}
	second := serve(t, h.Routes, asOwner(httptest.NewRequest(http.MethodPost, "/ord_01", nil), guestOwner))
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 for existing invoice, got %d", second.Code)
	}
	if decodeBody(t, first)["id"] != decodeBody(t, second)["id"] {
		t.Fatalf("expected the same invoice on repeat")
	}
}

func TestInvoiceHandlersErrors(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(context.Context, string) (services.Order, error) {
			return sampleOrder(guestOwner, domain.OrderStatusCancelled), nil
		},
	}
	invoices := &stubInvoiceService{
		issueFn: func(context.Context, services.IssueInvoiceCommand) (services.InvoiceResult, error) {
			return services.InvoiceResult{}, services.ErrInvoiceNotEligible
		},
	}
	h := NewInvoiceHandlers(orders, invoices)

	rr := serve(t, h.Routes, asOwner(httptest.NewRequest(http.MethodPost, "/ord_01", nil), guestOwner))
	if rr.Code != http.StatusConflict || decodeBody(t, rr)["error"] != "invoice_not_eligible" {
		t.Fatalf("expected 409 invoice_not_eligible, got %d %s", rr.Code, rr.Body.String())
	}

	missing := serve(t, h.Routes, asOwner(httptest.NewRequest(http.MethodGet, "/ord_01", nil), guestOwner))
	if missing.Code != http.StatusNotFound || decodeBody(t, missing)["error"] != "invoice_not_found" {
		t.Fatalf("expected 404 invoice_not_found, got %d %s", missing.Code, missing.Body.String())
	}

	foreign := serve(t, h.Routes, asOwner(httptest.NewRequest(http.MethodGet, "/ord_01", nil), otherOwner))
	if foreign.Code != http.StatusNotFound || decodeBody(t, foreign)["error"] != "order_not_found" {
		t.Fatalf("expected 404 order_not_found, got %d %s", foreign.Code, foreign.Body.String())
	}
}

func TestAdminOrderHandlersTransition(t *testing.T) {
	var received services.OrderStatusTransitionCommand
	svc := &stubOrderService{
		transitionFn: func(_ context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
			received = cmd
			return sampleOrder(guestOwner, domain.OrderStatusDelivering), nil
		},
	}
	h := NewAdminOrderHandlers(nil, svc)

	req := httptest.NewRequest(http.MethodPost, "/orders/ord_01/status", strings.NewReader(`{"status":"Delivering","reason":"handed to courier","expectedStatus":"Processing"}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}}))
	rr := serve(t, h.Routes, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if received.TargetStatus != "Delivering" || received.ActorID != "user:staff-1" || received.ExpectedStatus == nil || *received.ExpectedStatus != "Processing" {
		t.Fatalf("unexpected command %+v", received)
	}

	missingStatus := httptest.NewRequest(http.MethodPost, "/orders/ord_01/status", strings.NewReader(`{"reason":"x"}`))
	missingStatus = missingStatus.WithContext(auth.WithIdentity(missingStatus.Context(), &auth.Identity{UID: "staff-1"}))
	if rr := serve(t, h.Routes, missingStatus); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without status, got %d", rr.Code)
	}
}
