package services

import (
	"context"
	"sync"
	"testing"
	"time"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/payments"
	"github.com/qrshop/api/internal/platform/cache"
	"github.com/qrshop/api/internal/repositories/memory"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type stubGateway struct {
	mu          sync.Mutex
	referenceFn func(context.Context, payments.ReferenceRequest) (payments.Reference, error)
	queryFn     func(context.Context, payments.Reference) (payments.Result, error)
	queries     int
}

func (s *stubGateway) PaymentReference(ctx context.Context, req payments.ReferenceRequest) (payments.Reference, error) {
	if s.referenceFn != nil {
		return s.referenceFn(ctx, req)
	}
	return payments.Reference{
		Gateway:       payments.GatewayBankTransfer,
		CheckoutID:    req.CheckoutID,
		Code:          payments.MemoFor(req.CheckoutID),
		Amount:        req.Amount,
		Currency:      req.Currency,
		BankCode:      "MB",
		AccountNumber: "0123456789",
		AccountName:   "QR SHOP",
		QRPayload:     "https://qr.example/img?des=" + payments.MemoFor(req.CheckoutID),
	}, nil
}

func (s *stubGateway) QueryPayment(ctx context.Context, ref payments.Reference) (payments.Result, error) {
	s.mu.Lock()
	s.queries++
	s.mu.Unlock()
	if s.queryFn != nil {
		return s.queryFn(ctx, ref)
	}
	return payments.Result{Status: payments.StatusUnpaid}, nil
}

func (s *stubGateway) queryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

// paidGateway reports every reference as settled with the exact amount.
func paidGateway() *stubGateway {
	return &stubGateway{queryFn: func(_ context.Context, ref payments.Reference) (payments.Result, error) {
		posted := testNow.Add(-time.Minute)
		return payments.Result{Status: payments.StatusPaid, Amount: ref.Amount, TransactionID: "FT" + ref.Code, PostedAt: &posted}, nil
	}}
}

type captureEvents struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (c *captureEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return c.err
}

func (c *captureEvents) ofType(eventType string) []OrderEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []OrderEvent
	for _, e := range c.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type captureLogger struct {
	mu      sync.Mutex
	entries []string
}

func (c *captureLogger) log(_ context.Context, event string, _ map[string]any) {
	c.mu.Lock()
	c.entries = append(c.entries, event)
	c.mu.Unlock()
}

func (c *captureLogger) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e == event {
			n++
		}
	}
	return n
}

func newTestStore() *memory.Store {
	return memory.New(
		memory.WithProducts(
			domain.Product{Ref: "prod-a", Name: "Linen shirt", Image: "https://cdn.example/a.png", UnitPrice: 100, Active: true},
			domain.Product{Ref: "prod-b", Name: "Canvas tote", UnitPrice: 50, Active: true},
			domain.Product{Ref: "prod-retired", Name: "Old mug", UnitPrice: 10, Active: false},
		),
		memory.WithCoupons(
			domain.CouponRule{Ref: "cpn-welcome", Code: "WELCOME10", DiscountAmount: 10, MinItemsPrice: 100, Active: true},
			domain.CouponRule{Ref: "cpn-huge", Code: "HUGE", DiscountAmount: 10_000, Active: true},
		),
	)
}

func sampleAddress() Address {
	line2 := "Floor 3"
	return Address{Recipient: "Tran Thi B", Line1: "12 Ly Thuong Kiet", Line2: &line2, City: "Hanoi", PostalCode: "100000", Country: "vn"}
}

func sampleCheckoutCommand(owner Owner, method string) CreateCheckoutCommand {
	return CreateCheckoutCommand{
		Owner: owner,
		Items: []CheckoutItemInput{
			{ProductRef: "prod-a", Quantity: 2, Size: "M"},
			{ProductRef: "prod-b", Quantity: 1},
		},
		ShippingAddress: sampleAddress(),
		PaymentMethod:   method,
	}
}

func newTestCheckoutService(t *testing.T, store *memory.Store, events OrderEventPublisher) CheckoutService {
	t.Helper()
	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Checkouts: store.Checkouts(),
		Catalog:   store.Catalog(),
		Coupons:   store.Coupons(),
		Payments:  &stubGateway{},
		Shipping:  domain.ShippingPolicy{FlatFee: 20, FreeAbove: 1000},
		Currency:  "VND",
		Clock:     fixedClock,
		Events:    events,
	})
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}
	return svc
}

func createTestCheckout(t *testing.T, store *memory.Store, method string) Checkout {
	t.Helper()
	checkout, err := newTestCheckoutService(t, store, nil).CreateCheckout(context.Background(), sampleCheckoutCommand(Owner{GuestID: "guest-123456"}, method))
	if err != nil {
		t.Fatalf("create checkout: %v", err)
	}
	return checkout
}

func newTestReconciler(t *testing.T, store *memory.Store, gateway *stubGateway, statusCache cache.Cache, logger Logger) PaymentReconciler {
	t.Helper()
	reconciler, err := NewPaymentReconciler(PaymentReconcilerDeps{
		Checkouts:    store.Checkouts(),
		Gateway:      gateway,
		StatusCache:  statusCache,
		QueryTimeout: 200 * time.Millisecond,
		Clock:        fixedClock,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("new payment reconciler: %v", err)
	}
	return reconciler
}

func newTestFinalizer(t *testing.T, store *memory.Store, events OrderEventPublisher, statusCache cache.Cache, logger Logger) OrderFinalizer {
	t.Helper()
	finalizer, err := NewOrderFinalizer(OrderFinalizerDeps{
		Checkouts:   store.Checkouts(),
		StatusCache: statusCache,
		Clock:       fixedClock,
		Events:      events,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("new order finalizer: %v", err)
	}
	return finalizer
}

// finalizedOrder creates an order through the checkout flow. Bank transfer checkouts are settled first.
func finalizedOrder(t *testing.T, store *memory.Store, method string) Order {
	t.Helper()
	checkout := createTestCheckout(t, store, method)
	if !domain.IsDeferredPaymentMethod(checkout.PaymentMethod) {
		if _, err := newTestReconciler(t, store, paidGateway(), nil, nil).CheckAndUpdate(context.Background(), checkout.ID); err != nil {
			t.Fatalf("reconcile: %v", err)
		}
	}
	order, err := newTestFinalizer(t, store, nil, nil, nil).Finalize(context.Background(), FinalizeCommand{CheckoutID: checkout.ID})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return order
}

func newTestOrderService(t *testing.T, store *memory.Store, events OrderEventPublisher) OrderService {
	t.Helper()
	svc, err := NewOrderService(OrderServiceDeps{Orders: store.Orders(), Clock: fixedClock, Events: events})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	return svc
}

func moveOrder(t *testing.T, svc OrderService, orderID string, targets ...domain.OrderStatus) Order {
	t.Helper()
	var order Order
	for _, target := range targets {
		var err error
		order, err = svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{OrderID: orderID, TargetStatus: string(target), ActorID: "staff-1"})
		if err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
	}
	return order
}

type stubArchiver struct {
	mu       sync.Mutex
	err      error
	archived []string
}

func (a *stubArchiver) ArchiveInvoice(_ context.Context, invoice Invoice) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.archived = append(a.archived, invoice.ID)
	return "invoices/" + invoice.OrderID + "/" + invoice.ID + ".json", nil
}

func newTestInvoiceService(t *testing.T, store *memory.Store, archive InvoiceArchiver, events OrderEventPublisher, logger Logger) InvoiceService {
	t.Helper()
	svc, err := NewInvoiceService(InvoiceServiceDeps{
		Orders:   store.Orders(),
		Invoices: store.Invoices(),
		Archive:  archive,
		Clock:    fixedClock,
		Events:   events,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("new invoice service: %v", err)
	}
	return svc
}
