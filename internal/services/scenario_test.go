package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/payments"
	"github.com/qrshop/api/internal/platform/cache"
)

// TestBankTransferCheckoutToInvoice walks a guest order from checkout through delivery and invoicing.
func TestBankTransferCheckoutToInvoice(t *testing.T) {
	ctx := context.Background()
	store := newTestStore()
	events := &captureEvents{}
	statusCache := cache.NewMemory()

	var settled atomic.Bool
	gateway := &stubGateway{queryFn: func(_ context.Context, ref payments.Reference) (payments.Result, error) {
		if !settled.Load() {
			return payments.Result{Status: payments.StatusUnpaid}, nil
		}
		posted := testNow.Add(5 * time.Minute)
		return payments.Result{Status: payments.StatusPaid, Amount: ref.Amount, TransactionID: "FT300", PostedAt: &posted}, nil
	}}

	checkouts := newTestCheckoutService(t, store, events)
	reconciler := newTestReconciler(t, store, gateway, statusCache, nil)
	finalizer := newTestFinalizer(t, store, events, statusCache, nil)
	orders := newTestOrderService(t, store, events)
	invoices := newTestInvoiceService(t, store, &stubArchiver{}, events, nil)

	checkout, err := checkouts.CreateCheckout(ctx, sampleCheckoutCommand(Owner{GuestID: "guest-123456"}, "BankTransfer"))
	if err != nil {
		t.Fatalf("create checkout: %v", err)
	}
	if checkout.Pricing.TotalPrice != 270 {
		t.Fatalf("expected total 270, got %d", checkout.Pricing.TotalPrice)
	}

	if _, err := finalizer.Finalize(ctx, FinalizeCommand{CheckoutID: checkout.ID}); !errors.Is(err, ErrPaymentNotConfirmed) {
		t.Fatalf("expected early finalize to fail, got %v", err)
	}
	state, err := reconciler.CheckAndUpdate(ctx, checkout.ID)
	if err != nil || state.IsPaid {
		t.Fatalf("expected unpaid before transfer, got %+v err=%v", state, err)
	}

	settled.Store(true)
	state, err = reconciler.CheckAndUpdate(ctx, checkout.ID)
	if err != nil || !state.IsPaid {
		t.Fatalf("expected paid after transfer, got %+v err=%v", state, err)
	}

	order, err := finalizer.Finalize(ctx, FinalizeCommand{CheckoutID: checkout.ID, ActorID: checkout.Owner.Key()})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if order.Status != domain.OrderStatusProcessing || !order.IsPaid || order.PaymentTransactionID != "FT300" {
		t.Fatalf("unexpected order %+v", order)
	}

	moveOrder(t, orders, order.ID, domain.OrderStatusDelivering, domain.OrderStatusDelivered)

	first, err := invoices.IssueInvoice(ctx, IssueInvoiceCommand{OrderID: order.ID})
	if err != nil || !first.Created {
		t.Fatalf("issue invoice: %+v err=%v", first, err)
	}
	second, err := invoices.IssueInvoice(ctx, IssueInvoiceCommand{OrderID: order.ID})
	if err != nil || second.Created || second.Invoice.ID != first.Invoice.ID {
		t.Fatalf("expected existing invoice on repeat, got %+v err=%v", second, err)
	}
	if first.Invoice.Pricing.TotalPrice != 270 {
		t.Fatalf("expected invoice total 270, got %d", first.Invoice.Pricing.TotalPrice)
	}

	want := map[string]int{
		checkoutEventCreated:    1,
		orderEventCreated:       1,
		orderEventStatusChanged: 2,
		invoiceEventIssued:      1,
	}
	for eventType, n := range want {
		if got := len(events.ofType(eventType)); got != n {
			t.Fatalf("expected %d %s events, got %d", n, eventType, got)
		}
	}
}
