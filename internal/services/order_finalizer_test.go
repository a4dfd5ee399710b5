package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/platform/cache"
)

func TestOrderFinalizerRejectsUnpaidCheckout(t *testing.T) {
	store := newTestStore()
	checkout := createTestCheckout(t, store, "BankTransfer")
	events := &captureEvents{}
	finalizer := newTestFinalizer(t, store, events, nil, nil)

	if _, err := finalizer.Finalize(context.Background(), FinalizeCommand{CheckoutID: checkout.ID}); !errors.Is(err, ErrPaymentNotConfirmed) {
		t.Fatalf("expected ErrPaymentNotConfirmed, got %v", err)
	}
	stored, err := store.Checkouts().FindByID(context.Background(), checkout.ID)
	if err != nil {
		t.Fatalf("find checkout: %v", err)
	}
	if stored.IsFinalized || stored.OrderID != "" {
		t.Fatalf("expected checkout untouched, got %+v", stored)
	}
	if len(events.ofType(orderEventCreated)) != 0 {
		t.Fatalf("expected no order event")
	}
}

func TestOrderFinalizerCreatesProcessingOrderForPaidCheckout(t *testing.T) {
	store := newTestStore()
	checkout := createTestCheckout(t, store, "BankTransfer")
	if _, err := newTestReconciler(t, store, paidGateway(), nil, nil).CheckAndUpdate(context.Background(), checkout.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	statusCache := cache.NewMemory()
	events := &captureEvents{}
	finalizer := newTestFinalizer(t, store, events, statusCache, nil)

	order, err := finalizer.Finalize(context.Background(), FinalizeCommand{CheckoutID: checkout.ID, ActorID: "guest:guest-123456"})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !strings.HasPrefix(order.ID, "ord_") || order.OrderNumber != "QR-2026-000001" {
		t.Fatalf("unexpected order identity %s / %s", order.ID, order.OrderNumber)
	}
	if order.Status != domain.OrderStatusProcessing || !order.IsPaid {
		t.Fatalf("expected paid processing order, got %s paid=%v", order.Status, order.IsPaid)
	}
	if order.Pricing != checkout.Pricing || len(order.Items) != len(checkout.Items) {
		t.Fatalf("expected checkout snapshot copied, got %+v", order)
	}
	if len(order.StatusHistory) != 1 || order.StatusHistory[0].To != domain.OrderStatusProcessing {
		t.Fatalf("expected initial history entry, got %+v", order.StatusHistory)
	}

	stored, err := store.Checkouts().FindByID(context.Background(), checkout.ID)
	if err != nil {
		t.Fatalf("find checkout: %v", err)
	}
	if !stored.IsFinalized || stored.OrderID != order.ID {
		t.Fatalf("expected checkout linked to order, got %+v", stored)
	}
	cached, ok, err := cache.GetJSON[PaymentState](context.Background(), statusCache, paymentStateKey(checkout.ID))
	if err != nil || !ok || cached.OrderID != order.ID {
		t.Fatalf("expected cached state to carry order id, got %+v ok=%v err=%v", cached, ok, err)
	}
	if got := events.ofType(orderEventCreated); len(got) != 1 || got[0].OrderID != order.ID {
		t.Fatalf("expected one order.created event, got %+v", got)
	}
}

func TestOrderFinalizerIsIdempotent(t *testing.T) {
	store := newTestStore()
	checkout := createTestCheckout(t, store, "COD")
	events := &captureEvents{}
	finalizer := newTestFinalizer(t, store, events, nil, nil)

	first, err := finalizer.Finalize(context.Background(), FinalizeCommand{CheckoutID: checkout.ID})
	if err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	if first.Status != domain.OrderStatusPendingPayment || first.IsPaid {
		t.Fatalf("expected COD order awaiting payment, got %s paid=%v", first.Status, first.IsPaid)
	}
	second, err := finalizer.Finalize(context.Background(), FinalizeCommand{CheckoutID: checkout.ID})
	if err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if second.ID != first.ID || second.OrderNumber != first.OrderNumber {
		t.Fatalf("expected the same order, got %s and %s", first.ID, second.ID)
	}
	if len(events.ofType(orderEventCreated)) != 1 {
		t.Fatalf("expected exactly one order.created event")
	}
}

func TestOrderFinalizerConcurrentCallsCreateOneOrder(t *testing.T) {
	store := newTestStore()
	checkout := createTestCheckout(t, store, "BankTransfer")
	if _, err := newTestReconciler(t, store, paidGateway(), nil, nil).CheckAndUpdate(context.Background(), checkout.ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	events := &captureEvents{}
	finalizer := newTestFinalizer(t, store, events, nil, nil)

	const callers = 12
	var wg sync.WaitGroup
	ids := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order, err := finalizer.Finalize(context.Background(), FinalizeCommand{CheckoutID: checkout.ID})
			ids[i] = order.ID
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("expected a single order id, got %s and %s", ids[0], ids[i])
		}
	}
	if got := len(events.ofType(orderEventCreated)); got != 1 {
		t.Fatalf("expected one order.created event, got %d", got)
	}
	page, err := store.Orders().List(context.Background(), OrderListFilter{Owner: checkout.Owner})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected one persisted order, got %d", len(page.Items))
	}
}

func TestOrderFinalizerNotFound(t *testing.T) {
	finalizer := newTestFinalizer(t, newTestStore(), nil, nil, nil)
	if _, err := finalizer.Finalize(context.Background(), FinalizeCommand{CheckoutID: "chk_missing"}); !errors.Is(err, ErrCheckoutNotFound) {
		t.Fatalf("expected ErrCheckoutNotFound, got %v", err)
	}
}
