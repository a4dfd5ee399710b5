// Package repotest holds the behavioural suite every repositories.Registry backend must pass.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/repositories"
)

// Factory returns a registry for one subtest. Backends sharing a database may return the same
// registry; the suite only relies on unique ids.
type Factory func(t *testing.T) repositories.Registry

// Run exercises the checkout, order, invoice and counter contracts against a backend.
func Run(t *testing.T, newRegistry Factory) {
	t.Run("CheckoutInsertAndFind", func(t *testing.T) { testCheckoutInsertAndFind(t, newRegistry(t)) })
	t.Run("MarkPaidIsConditional", func(t *testing.T) { testMarkPaidIsConditional(t, newRegistry(t)) })
	t.Run("MarkPaymentFailedKeepsPaid", func(t *testing.T) { testMarkPaymentFailed(t, newRegistry(t)) })
	t.Run("FinalizeCreatesOneOrder", func(t *testing.T) { testFinalizeCreatesOneOrder(t, newRegistry(t)) })
	t.Run("FinalizeDrawsNumbersInTransaction", func(t *testing.T) { testFinalizeDrawsNumbersInTransaction(t, newRegistry(t)) })
	t.Run("FinalizeBuildErrorLeavesCheckout", func(t *testing.T) { testFinalizeBuildError(t, newRegistry(t)) })
	t.Run("ListAwaitingPayment", func(t *testing.T) { testListAwaitingPayment(t, newRegistry(t)) })
	t.Run("MutateOrder", func(t *testing.T) { testMutateOrder(t, newRegistry(t)) })
	t.Run("IssueInvoiceOnce", func(t *testing.T) { testIssueInvoiceOnce(t, newRegistry(t)) })
	t.Run("ListOrdersByOwner", func(t *testing.T) { testListOrdersByOwner(t, newRegistry(t)) })
	t.Run("CountersAreUnique", func(t *testing.T) { testCountersAreUnique(t, newRegistry(t)) })
}

// NewID returns a unique id with the given prefix.
func NewID(prefix string) string {
	return prefix + ulid.Make().String()
}

// SampleCheckout returns a persisted-shape checkout for the owner.
func SampleCheckout(owner domain.Owner, method domain.PaymentMethod, createdAt time.Time) domain.Checkout {
	line2 := "Floor 3"
	items := []domain.LineItem{
		{ProductRef: "prod-a", Name: "Linen shirt", UnitPrice: 100, Quantity: 2, Size: "M", Color: "white", Total: 200},
		{ProductRef: "prod-b", Name: "Canvas tote", UnitPrice: 50, Quantity: 1, Total: 50},
	}
	pricing, _ := domain.ComputePricing(items, 20, 0)
	createdAt = createdAt.UTC().Truncate(time.Millisecond)
	return domain.Checkout{
		ID:    NewID("chk_"),
		Owner: owner,
		Items: items,
		ShippingAddress: domain.Address{
			Recipient:  "Tran Thi B",
			Line1:      "12 Hang Bac",
			Line2:      &line2,
			City:       "Hanoi",
			PostalCode: "100000",
			Country:    "VN",
		},
		PaymentMethod: method,
		Currency:      "VND",
		Pricing:       pricing,
		PaymentStatus: domain.PaymentStatusPending,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

// OrderFrom builds the order a finalizer would create for the checkout.
func OrderFrom(checkout domain.Checkout, number string, at time.Time) domain.Order {
	at = at.UTC().Truncate(time.Millisecond)
	status := domain.OrderStatusPendingPayment
	if checkout.IsPaid {
		status = domain.OrderStatusProcessing
	}
	return domain.Order{
		ID:                   NewID("ord_"),
		OrderNumber:          number,
		CheckoutID:           checkout.ID,
		Owner:                checkout.Owner,
		Items:                checkout.Items,
		ShippingAddress:      checkout.ShippingAddress,
		Coupon:               checkout.Coupon,
		PaymentMethod:        checkout.PaymentMethod,
		Currency:             checkout.Currency,
		Pricing:              checkout.Pricing,
		Status:               status,
		IsPaid:               checkout.IsPaid,
		PaidAt:               checkout.PaidAt,
		PaymentTransactionID: checkout.PaymentTransactionID,
		StatusHistory: []domain.OrderStatusChange{
			{To: status, ActorID: "system", Reason: "finalized", At: at},
		},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func ctxFor(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newOwner() domain.Owner {
	return domain.Owner{GuestID: NewID("guest-")}
}

func testCheckoutInsertAndFind(t *testing.T, reg repositories.Registry) {
	ctx := ctxFor(t)
	repo := reg.Checkouts()
	checkout := SampleCheckout(newOwner(), domain.PaymentMethodBankTransfer, time.Now())

	require.NoError(t, repo.Insert(ctx, checkout))

	got, err := repo.FindByID(ctx, checkout.ID)
	require.NoError(t, err)
	require.Equal(t, checkout.ID, got.ID)
	require.Equal(t, checkout.Owner, got.Owner)
	require.Equal(t, checkout.Pricing, got.Pricing)
	require.Len(t, got.Items, 2)
	require.NotNil(t, got.ShippingAddress.Line2)
	require.False(t, got.IsPaid)
	require.False(t, got.IsFinalized)

	err = repo.Insert(ctx, checkout)
	require.Error(t, err)
	require.True(t, repositories.IsConflict(err), "duplicate insert should conflict: %v", err)

	_, err = repo.FindByID(ctx, NewID("chk_"))
	require.True(t, repositories.IsNotFound(err), "expected not found: %v", err)
}

func testMarkPaidIsConditional(t *testing.T, reg repositories.Registry) {
	ctx := ctxFor(t)
	repo := reg.Checkouts()
	checkout := SampleCheckout(newOwner(), domain.PaymentMethodBankTransfer, time.Now())
	require.NoError(t, repo.Insert(ctx, checkout))

	paidAt := time.Now().UTC().Truncate(time.Second)
	paid, applied, err := repo.MarkPaid(ctx, checkout.ID, domain.PaymentConfirmation{TransactionID: "FT001", Amount: 270, PaidAt: paidAt})
	require.NoError(t, err)
	require.True(t, applied)
	require.True(t, paid.IsPaid)
	require.Equal(t, domain.PaymentStatusPaid, paid.PaymentStatus)
	require.NotNil(t, paid.PaidAt)
	require.True(t, paid.PaidAt.Equal(paidAt))

	again, applied, err := repo.MarkPaid(ctx, checkout.ID, domain.PaymentConfirmation{TransactionID: "FT002", Amount: 270, PaidAt: paidAt.Add(time.Minute)})
	require.NoError(t, err)
	require.False(t, applied, "second confirmation must not apply")
	require.Equal(t, "FT001", again.PaymentTransactionID)
	require.True(t, again.PaidAt.Equal(paidAt))

	_, _, err = repo.MarkPaid(ctx, NewID("chk_"), domain.PaymentConfirmation{PaidAt: paidAt})
	require.True(t, repositories.IsNotFound(err))
}

func testMarkPaymentFailed(t *testing.T, reg repositories.Registry) {
	ctx := ctxFor(t)
	repo := reg.Checkouts()
	unpaid := SampleCheckout(newOwner(), domain.PaymentMethodBankTransfer, time.Now())
	require.NoError(t, repo.Insert(ctx, unpaid))

	failed, err := repo.MarkPaymentFailed(ctx, unpaid.ID, time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusFailed, failed.PaymentStatus)
	require.False(t, failed.IsPaid)

	paid := SampleCheckout(newOwner(), domain.PaymentMethodBankTransfer, time.Now())
	require.NoError(t, repo.Insert(ctx, paid))
	_, _, err = repo.MarkPaid(ctx, paid.ID, domain.PaymentConfirmation{TransactionID: "FT9", Amount: 270, PaidAt: time.Now()})
	require.NoError(t, err)
	still, err := repo.MarkPaymentFailed(ctx, paid.ID, time.Now())
	require.NoError(t, err)
	require.True(t, still.IsPaid)
	require.Equal(t, domain.PaymentStatusPaid, still.PaymentStatus)
}

func testFinalizeCreatesOneOrder(t *testing.T, reg repositories.Registry) {
	ctx := ctxFor(t)
	repo := reg.Checkouts()
	checkout := SampleCheckout(newOwner(), domain.PaymentMethodCOD, time.Now())
	require.NoError(t, repo.Insert(ctx, checkout))

	const workers = 12
	var (
		wg      sync.WaitGroup
		created atomic.Int32
		ids     = make([]string, workers)
		errs    = make([]error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			order, isNew, err := repo.Finalize(ctx, checkout.ID, func(snapshot domain.Checkout, _ repositories.CounterRepository) (domain.Order, error) {
				if snapshot.IsFinalized {
					return domain.Order{}, errors.New("build invoked on finalized checkout")
				}
				return OrderFrom(snapshot, fmt.Sprintf("QR-TEST-%06d", idx), time.Now()), nil
			})
			errs[idx] = err
			ids[idx] = order.ID
			if isNew {
				created.Add(1)
			}
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i], "every caller must observe the same order")
	}
	require.EqualValues(t, 1, created.Load())

	stored, err := repo.FindByID(ctx, checkout.ID)
	require.NoError(t, err)
	require.True(t, stored.IsFinalized)
	require.Equal(t, ids[0], stored.OrderID)
	require.NotNil(t, stored.FinalizedAt)

	order, err := reg.Orders().FindByID(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, checkout.ID, order.CheckoutID)
	require.Equal(t, checkout.Pricing, order.Pricing)
}

// Forty concurrent finalizations outnumber the SQL pool, so a counter drawn outside the
// transaction would block on a free connection.
func testFinalizeDrawsNumbersInTransaction(t *testing.T, reg repositories.Registry) {
	ctx := ctxFor(t)
	repo := reg.Checkouts()
	counterID := NewID("orders-")

	const (
		checkouts   = 20
		perCheckout = 2
		workers     = checkouts * perCheckout
	)
	ids := make([]string, checkouts)
	for i := range ids {
		checkout := SampleCheckout(newOwner(), domain.PaymentMethodCOD, time.Now())
		require.NoError(t, repo.Insert(ctx, checkout))
		ids[i] = checkout.ID
	}

	var (
		wg      sync.WaitGroup
		created atomic.Int32
		orders  = make([]domain.Order, workers)
		errs    = make([]error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			orders[idx], _, errs[idx] = repo.Finalize(ctx, ids[idx%checkouts], func(snapshot domain.Checkout, counters repositories.CounterRepository) (domain.Order, error) {
				seq, err := counters.Next(ctx, counterID, 1)
				if err != nil {
					return domain.Order{}, err
				}
				created.Add(1)
				return OrderFrom(snapshot, fmt.Sprintf("QR-TEST-%06d", seq), time.Now()), nil
			})
		}(i)
	}
	wg.Wait()

	byCheckout := make(map[string]string, checkouts)
	numbers := make(map[string]bool, checkouts)
	for i := range errs {
		require.NoError(t, errs[i])
		checkoutID := ids[i%checkouts]
		if prev, ok := byCheckout[checkoutID]; ok {
			require.Equal(t, prev, orders[i].ID, "checkout %s finalized twice", checkoutID)
			continue
		}
		byCheckout[checkoutID] = orders[i].ID
		require.False(t, numbers[orders[i].OrderNumber], "duplicate order number %s", orders[i].OrderNumber)
		numbers[orders[i].OrderNumber] = true
	}
	require.Len(t, numbers, checkouts)
	for seq := 1; seq <= checkouts; seq++ {
		require.True(t, numbers[fmt.Sprintf("QR-TEST-%06d", seq)], "sequence %d skipped", seq)
	}
	require.GreaterOrEqual(t, int(created.Load()), checkouts)

	next, err := reg.Counters().Next(ctx, counterID, 1)
	require.NoError(t, err)
	require.EqualValues(t, checkouts+1, next, "rolled-back attempts must return their numbers")
}

func testFinalizeBuildError(t *testing.T, reg repositories.Registry) {
	ctx := ctxFor(t)
	repo := reg.Checkouts()
	checkout := SampleCheckout(newOwner(), domain.PaymentMethodBankTransfer, time.Now())
	require.NoError(t, repo.Insert(ctx, checkout))

	sentinel := errors.New("payment not confirmed")
	_, created, err := repo.Finalize(ctx, checkout.ID, func(domain.Checkout, repositories.CounterRepository) (domain.Order, error) {
		return domain.Order{}, sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.False(t, created)

	stored, err := repo.FindByID(ctx, checkout.ID)
	require.NoError(t, err)
	require.False(t, stored.IsFinalized)
	require.Empty(t, stored.OrderID)

	_, _, err = repo.Finalize(ctx, NewID("chk_"), func(domain.Checkout, repositories.CounterRepository) (domain.Order, error) {
		return domain.Order{}, nil
	})
	require.True(t, repositories.IsNotFound(err))
}

func testListAwaitingPayment(t *testing.T, reg repositories.Registry) {
	ctx := ctxFor(t)
	repo := reg.Checkouts()
	base := time.Now().UTC().Add(-time.Hour)

	old := SampleCheckout(newOwner(), domain.PaymentMethodBankTransfer, base.Add(-48*time.Hour))
	fresh := SampleCheckout(newOwner(), domain.PaymentMethodBankTransfer, base.Add(time.Minute))
	cod := SampleCheckout(newOwner(), domain.PaymentMethodCOD, base.Add(2*time.Minute))
	paid := SampleCheckout(newOwner(), domain.PaymentMethodBankTransfer, base.Add(3*time.Minute))
	for _, c := range []domain.Checkout{old, fresh, cod, paid} {
		require.NoError(t, repo.Insert(ctx, c))
	}
	_, _, err := repo.MarkPaid(ctx, paid.ID, domain.PaymentConfirmation{TransactionID: "FT", Amount: 270, PaidAt: time.Now()})
	require.NoError(t, err)

	pending, err := repo.ListAwaitingPayment(ctx, repositories.CheckoutSweepFilter{CreatedAfter: base})
	require.NoError(t, err)
	ids := make(map[string]bool, len(pending))
	for _, c := range pending {
		ids[c.ID] = true
		require.False(t, c.IsPaid)
		require.False(t, c.IsFinalized)
	}
	require.True(t, ids[fresh.ID], "fresh unpaid checkout must be listed")
	require.False(t, ids[old.ID], "checkouts older than the window are skipped")
	require.False(t, ids[cod.ID], "deferred payment checkouts are skipped")
	require.False(t, ids[paid.ID], "paid checkouts are skipped")
}

func finalizeSample(t *testing.T, reg repositories.Registry, owner domain.Owner, method domain.PaymentMethod, at time.Time) domain.Order {
	t.Helper()
	ctx := ctxFor(t)
	checkout := SampleCheckout(owner, method, at)
	require.NoError(t, reg.Checkouts().Insert(ctx, checkout))
	order, created, err := reg.Checkouts().Finalize(ctx, checkout.ID, func(snapshot domain.Checkout, _ repositories.CounterRepository) (domain.Order, error) {
		return OrderFrom(snapshot, NewID("QR-"), at), nil
	})
	require.NoError(t, err)
	require.True(t, created)
	return order
}

func testMutateOrder(t *testing.T, reg repositories.Registry) {
	ctx := ctxFor(t)
	order := finalizeSample(t, reg, newOwner(), domain.PaymentMethodCOD, time.Now())

	now := time.Now().UTC().Truncate(time.Millisecond)
	updated, err := reg.Orders().Mutate(ctx, order.ID, func(o *domain.Order) error {
		o.StatusHistory = append(o.StatusHistory, domain.OrderStatusChange{From: o.Status, To: domain.OrderStatusCancelled, ActorID: "staff-1", At: now})
		o.Status = domain.OrderStatusCancelled
		reason := "customer request"
		o.CancelReason = &reason
		o.CancelledAt = &now
		o.UpdatedAt = now
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCancelled, updated.Status)

	stored, err := reg.Orders().FindByID(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCancelled, stored.Status)
	require.Len(t, stored.StatusHistory, 2)
	require.NotNil(t, stored.CancelReason)
	require.Equal(t, "customer request", *stored.CancelReason)

	sentinel := errors.New("illegal transition")
	_, err = reg.Orders().Mutate(ctx, order.ID, func(o *domain.Order) error {
		o.Status = domain.OrderStatusDelivered
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	stored, err = reg.Orders().FindByID(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCancelled, stored.Status, "failed mutation must not persist")

	_, err = reg.Orders().Mutate(ctx, NewID("ord_"), func(*domain.Order) error { return nil })
	require.True(t, repositories.IsNotFound(err))
}

func testIssueInvoiceOnce(t *testing.T, reg repositories.Registry) {
	ctx := ctxFor(t)
	order := finalizeSample(t, reg, newOwner(), domain.PaymentMethodBankTransfer, time.Now())

	const workers = 12
	var (
		wg      sync.WaitGroup
		created atomic.Int32
		ids     = make([]string, workers)
		errs    = make([]error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			invoice, isNew, err := reg.Orders().IssueInvoice(ctx, order.ID, func(snapshot domain.Order, _ repositories.CounterRepository) (domain.Invoice, error) {
				return domain.Invoice{
					ID:            NewID("inv_"),
					InvoiceNumber: fmt.Sprintf("INV-TEST-%06d", idx),
					OrderID:       snapshot.ID,
					OrderNumber:   snapshot.OrderNumber,
					Owner:         snapshot.Owner,
					Lines:         []domain.InvoiceLine{{Label: "Linen shirt", Quantity: 2, UnitPrice: 100, Total: 200}},
					Currency:      snapshot.Currency,
					PaymentMethod: snapshot.PaymentMethod,
					Pricing:       snapshot.Pricing,
					CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
				}, nil
			})
			errs[idx] = err
			ids[idx] = invoice.ID
			if isNew {
				created.Add(1)
			}
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}
	require.EqualValues(t, 1, created.Load())

	stored, err := reg.Orders().FindByID(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, ids[0], stored.InvoiceID)

	invoice, err := reg.Invoices().FindByOrderID(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, ids[0], invoice.ID)
	require.Equal(t, order.Pricing, invoice.Pricing)

	byID, err := reg.Invoices().FindByID(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, order.ID, byID.OrderID)

	_, err = reg.Invoices().FindByOrderID(ctx, NewID("ord_"))
	require.True(t, repositories.IsNotFound(err))
}

func testListOrdersByOwner(t *testing.T, reg repositories.Registry) {
	ctx := ctxFor(t)
	owner := newOwner()
	base := time.Now().UTC().Add(-time.Hour)
	var newestFirst []string
	for i := 0; i < 5; i++ {
		order := finalizeSample(t, reg, owner, domain.PaymentMethodCOD, base.Add(time.Duration(i)*time.Minute))
		newestFirst = append([]string{order.ID}, newestFirst...)
	}
	finalizeSample(t, reg, newOwner(), domain.PaymentMethodCOD, base)

	var seen []string
	token := ""
	for {
		page, err := reg.Orders().List(ctx, repositories.OrderListFilter{Owner: owner, PageSize: 2, PageToken: token})
		require.NoError(t, err)
		require.LessOrEqual(t, len(page.Items), 2)
		for _, order := range page.Items {
			require.Equal(t, owner, order.Owner)
			seen = append(seen, order.ID)
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	require.Equal(t, newestFirst, seen)

	filtered, err := reg.Orders().List(ctx, repositories.OrderListFilter{Owner: owner, Statuses: []domain.OrderStatus{domain.OrderStatusDelivered}})
	require.NoError(t, err)
	require.Empty(t, filtered.Items)
}

func testCountersAreUnique(t *testing.T, reg repositories.Registry) {
	ctx := ctxFor(t)
	counterID := NewID("test-")
	const workers = 10
	values := make([]int64, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			values[idx], errs[idx] = reg.Counters().Next(ctx, counterID, 1)
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, workers)
	for i := range values {
		require.NoError(t, errs[i])
		require.False(t, seen[values[i]], "duplicate counter value %d", values[i])
		seen[values[i]] = true
	}
	for v := int64(1); v <= workers; v++ {
		require.True(t, seen[v], "missing counter value %d", v)
	}

	_, err := reg.Counters().Next(ctx, " ", 1)
	require.Error(t, err)
}
