package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/platform/auth"
	"github.com/qrshop/api/internal/services"
)

type stubCheckoutService struct {
	createFn       func(context.Context, services.CreateCheckoutCommand) (services.Checkout, error)
	getFn          func(context.Context, string) (services.Checkout, error)
	instructionsFn func(context.Context, string) (services.PaymentInstructions, error)
}

func (s *stubCheckoutService) CreateCheckout(ctx context.Context, cmd services.CreateCheckoutCommand) (services.Checkout, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Checkout{}, errors.New("not implemented")
}

func (s *stubCheckoutService) GetCheckout(ctx context.Context, checkoutID string) (services.Checkout, error) {
	if s.getFn != nil {
		return s.getFn(ctx, checkoutID)
	}
	return services.Checkout{}, services.ErrCheckoutNotFound
}

func (s *stubCheckoutService) PaymentInstructions(ctx context.Context, checkoutID string) (services.PaymentInstructions, error) {
	if s.instructionsFn != nil {
		return s.instructionsFn(ctx, checkoutID)
	}
	return services.PaymentInstructions{}, errors.New("not implemented")
}

type stubReconciler struct {
	calls int
	fn    func(context.Context, string) (services.PaymentState, error)
}

func (s *stubReconciler) CheckAndUpdate(ctx context.Context, checkoutID string) (services.PaymentState, error) {
	s.calls++
	if s.fn != nil {
		return s.fn(ctx, checkoutID)
	}
	return services.PaymentState{CheckoutID: checkoutID, PaymentStatus: domain.PaymentStatusPending}, nil
}

type stubFinalizer struct {
	fn func(context.Context, services.FinalizeCommand) (services.Order, error)
}

func (s *stubFinalizer) Finalize(ctx context.Context, cmd services.FinalizeCommand) (services.Order, error) {
	if s.fn != nil {
		return s.fn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

type stubOrderService struct {
	getFn        func(context.Context, string) (services.Order, error)
	listFn       func(context.Context, services.OrderListFilter) (domain.CursorPage[services.Order], error)
	transitionFn func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error)
	cancelFn     func(context.Context, services.CancelOrderCommand) (services.Order, error)
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return services.Order{}, services.ErrOrderNotFound
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

type stubInvoiceService struct {
	issueFn func(context.Context, services.IssueInvoiceCommand) (services.InvoiceResult, error)
	getFn   func(context.Context, string) (services.Invoice, error)
}

func (s *stubInvoiceService) IssueInvoice(ctx context.Context, cmd services.IssueInvoiceCommand) (services.InvoiceResult, error) {
	if s.issueFn != nil {
		return s.issueFn(ctx, cmd)
	}
	return services.InvoiceResult{}, errors.New("not implemented")
}

func (s *stubInvoiceService) GetInvoice(ctx context.Context, orderID string) (services.Invoice, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return services.Invoice{}, services.ErrInvoiceNotFound
}

type stubSweeper struct {
	received services.SweepCommand
	result   services.SweepResult
	err      error
}

func (s *stubSweeper) Sweep(_ context.Context, cmd services.SweepCommand) (services.SweepResult, error) {
	s.received = cmd
	return s.result, s.err
}

type stubSystemService struct {
	report services.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.SystemHealthReport, error) {
	return s.report, s.err
}

var (
	_ services.CheckoutService   = (*stubCheckoutService)(nil)
	_ services.PaymentReconciler = (*stubReconciler)(nil)
	_ services.OrderFinalizer    = (*stubFinalizer)(nil)
	_ services.OrderService      = (*stubOrderService)(nil)
	_ services.InvoiceService    = (*stubInvoiceService)(nil)
	_ services.PaymentSweeper    = (*stubSweeper)(nil)
	_ services.SystemService     = (*stubSystemService)(nil)
)

var (
	guestOwner = domain.Owner{GuestID: "guest-123456"}
	otherOwner = domain.Owner{GuestID: "guest-999999"}
)

// serve routes req through a fresh chi router so URL params resolve as in production.
func serve(t *testing.T, routes RouteRegistrar, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	router.Group(func(r chi.Router) { routes(r) })
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func asOwner(req *http.Request, owner domain.Owner) *http.Request {
	return req.WithContext(auth.WithOwner(req.Context(), owner))
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body, got %q: %v", rr.Body.String(), err)
	}
	return body
}
