package services

import (
	"context"
	"testing"
	"time"

	"github.com/qrshop/api/internal/payments"
)

func TestPaymentSweeperReconcilesAndFinalizes(t *testing.T) {
	store := newTestStore()
	paid := createTestCheckout(t, store, "BankTransfer")
	unpaid := createTestCheckout(t, store, "BankTransfer")
	createTestCheckout(t, store, "COD")

	gateway := &stubGateway{queryFn: func(_ context.Context, ref payments.Reference) (payments.Result, error) {
		if ref.CheckoutID == paid.ID {
			return payments.Result{Status: payments.StatusPaid, Amount: ref.Amount, TransactionID: "FT1"}, nil
		}
		return payments.Result{Status: payments.StatusUnpaid}, nil
	}}
	logger := &captureLogger{}
	sweeper, err := NewPaymentSweeper(PaymentSweeperDeps{
		Checkouts:  store.Checkouts(),
		Reconciler: newTestReconciler(t, store, gateway, nil, nil),
		Finalizer:  newTestFinalizer(t, store, nil, nil, nil),
		Clock:      fixedClock,
		Logger:     logger.log,
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	result, err := sweeper.Sweep(context.Background(), SweepCommand{Finalize: true, ActorID: "system:sweeper"})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Scanned != 2 || result.Paid != 1 || result.Finalized != 1 || result.Failed != 0 {
		t.Fatalf("unexpected sweep result %+v", result)
	}
	if gateway.queryCount() != 2 {
		t.Fatalf("expected COD checkout to be skipped, got %d queries", gateway.queryCount())
	}
	stored, err := store.Checkouts().FindByID(context.Background(), paid.ID)
	if err != nil {
		t.Fatalf("find checkout: %v", err)
	}
	if !stored.IsFinalized {
		t.Fatalf("expected paid checkout to be finalized")
	}
	if logger.count("payment.sweep.completed") != 1 {
		t.Fatalf("expected sweep completion log")
	}

	again, err := sweeper.Sweep(context.Background(), SweepCommand{Finalize: true})
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again.Scanned != 1 || again.Paid != 0 {
		t.Fatalf("expected only %s left, got %+v", unpaid.ID, again)
	}
}

func TestPaymentSweeperWithoutFinalize(t *testing.T) {
	store := newTestStore()
	checkout := createTestCheckout(t, store, "BankTransfer")
	sweeper, err := NewPaymentSweeper(PaymentSweeperDeps{
		Checkouts:  store.Checkouts(),
		Reconciler: newTestReconciler(t, store, paidGateway(), nil, nil),
		Clock:      fixedClock,
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	result, err := sweeper.Sweep(context.Background(), SweepCommand{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Paid != 1 || result.Finalized != 0 {
		t.Fatalf("unexpected sweep result %+v", result)
	}
	stored, err := store.Checkouts().FindByID(context.Background(), checkout.ID)
	if err != nil {
		t.Fatalf("find checkout: %v", err)
	}
	if !stored.IsPaid || stored.IsFinalized {
		t.Fatalf("expected paid but unfinalized checkout, got paid=%v finalized=%v", stored.IsPaid, stored.IsFinalized)
	}

	if _, err := sweeper.Sweep(context.Background(), SweepCommand{Finalize: true}); err == nil {
		t.Fatalf("expected error when finalizing without a finalizer")
	}
}

func TestPaymentSweeperHonoursMaxAge(t *testing.T) {
	store := newTestStore()
	createTestCheckout(t, store, "BankTransfer")
	gateway := &stubGateway{}
	sweeper, err := NewPaymentSweeper(PaymentSweeperDeps{
		Checkouts:  store.Checkouts(),
		Reconciler: newTestReconciler(t, store, gateway, nil, nil),
		Clock:      func() time.Time { return testNow.Add(48 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	result, err := sweeper.Sweep(context.Background(), SweepCommand{})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Scanned != 0 || gateway.queryCount() != 0 {
		t.Fatalf("expected stale checkout to be skipped, got %+v", result)
	}
}
