package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/repositories"
)

type checkoutRepository struct{ s *Store }

func (r checkoutRepository) Insert(ctx context.Context, checkout domain.Checkout) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := strings.TrimSpace(checkout.ID)
	if id == "" {
		return repositories.Invalid("checkouts.insert", "checkout id is required")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.checkouts[id]; exists {
		return repositories.Conflict("checkouts.insert", "checkout %s already exists", id)
	}
	r.s.checkouts[id] = checkout.Clone()
	return nil
}

func (r checkoutRepository) FindByID(ctx context.Context, checkoutID string) (domain.Checkout, error) {
	if err := ctx.Err(); err != nil {
		return domain.Checkout{}, err
	}
	return r.load("checkouts.get", checkoutID)
}

func (r checkoutRepository) MarkPaid(ctx context.Context, checkoutID string, confirmation domain.PaymentConfirmation) (domain.Checkout, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Checkout{}, false, err
	}
	unlock := r.s.checkoutLocks.Lock(checkoutID)
	defer unlock()

	checkout, err := r.load("checkouts.mark_paid", checkoutID)
	if err != nil {
		return domain.Checkout{}, false, err
	}
	if checkout.IsPaid {
		return checkout, false, nil
	}
	paidAt := confirmation.PaidAt.UTC()
	checkout.IsPaid = true
	checkout.PaidAt = &paidAt
	checkout.PaymentStatus = domain.PaymentStatusPaid
	checkout.PaymentTransactionID = confirmation.TransactionID
	checkout.PaidAmount = confirmation.Amount
	checkout.UpdatedAt = paidAt
	r.store(checkout)
	return checkout.Clone(), true, nil
}

func (r checkoutRepository) MarkPaymentFailed(ctx context.Context, checkoutID string, at time.Time) (domain.Checkout, error) {
	if err := ctx.Err(); err != nil {
		return domain.Checkout{}, err
	}
	unlock := r.s.checkoutLocks.Lock(checkoutID)
	defer unlock()

	checkout, err := r.load("checkouts.mark_failed", checkoutID)
	if err != nil {
		return domain.Checkout{}, err
	}
	if checkout.IsPaid || checkout.PaymentStatus == domain.PaymentStatusFailed {
		return checkout, nil
	}
	checkout.PaymentStatus = domain.PaymentStatusFailed
	checkout.UpdatedAt = at.UTC()
	r.store(checkout)
	return checkout.Clone(), nil
}

func (r checkoutRepository) Finalize(ctx context.Context, checkoutID string, build repositories.FinalizeFunc) (domain.Order, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, false, err
	}
	if build == nil {
		return domain.Order{}, false, repositories.Invalid("checkouts.finalize", "build function is required")
	}
	unlock := r.s.checkoutLocks.Lock(checkoutID)
	defer unlock()

	checkout, err := r.load("checkouts.finalize", checkoutID)
	if err != nil {
		return domain.Order{}, false, err
	}
	if checkout.IsFinalized {
		r.s.mu.RLock()
		order, ok := r.s.orders[checkout.OrderID]
		r.s.mu.RUnlock()
		if !ok {
			return domain.Order{}, false, repositories.Conflict("checkouts.finalize", "checkout %s links missing order %s", checkoutID, checkout.OrderID)
		}
		return order.Clone(), false, nil
	}

	order, err := build(checkout.Clone(), counters{r.s})
	if err != nil {
		return domain.Order{}, false, err
	}
	if strings.TrimSpace(order.ID) == "" || order.CheckoutID != checkout.ID {
		return domain.Order{}, false, repositories.Invalid("checkouts.finalize", "order must carry an id and the checkout id")
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, dup := r.s.ordersByCheckout[checkout.ID]; dup {
		return domain.Order{}, false, repositories.Conflict("checkouts.finalize", "checkout %s already linked to order %s", checkout.ID, existing)
	}
	if _, dup := r.s.orders[order.ID]; dup {
		return domain.Order{}, false, repositories.Conflict("checkouts.finalize", "order %s already exists", order.ID)
	}
	finalizedAt := order.CreatedAt.UTC()
	checkout.IsFinalized = true
	checkout.OrderID = order.ID
	checkout.FinalizedAt = &finalizedAt
	checkout.UpdatedAt = finalizedAt

	r.s.orders[order.ID] = order.Clone()
	r.s.ordersByCheckout[checkout.ID] = order.ID
	r.s.checkouts[checkout.ID] = checkout
	return order.Clone(), true, nil
}

func (r checkoutRepository) ListAwaitingPayment(ctx context.Context, filter repositories.CheckoutSweepFilter) ([]domain.Checkout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	matches := make([]domain.Checkout, 0)
	for _, checkout := range r.s.checkouts {
		if checkout.IsPaid || checkout.IsFinalized || domain.IsDeferredPaymentMethod(checkout.PaymentMethod) {
			continue
		}
		if !filter.CreatedAfter.IsZero() && !checkout.CreatedAt.After(filter.CreatedAfter) {
			continue
		}
		matches = append(matches, checkout.Clone())
	}
	r.s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	if filter.Limit > 0 && len(matches) > filter.Limit {
		matches = matches[:filter.Limit]
	}
	return matches, nil
}

func (r checkoutRepository) load(op, checkoutID string) (domain.Checkout, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	checkout, ok := r.s.checkouts[strings.TrimSpace(checkoutID)]
	if !ok {
		return domain.Checkout{}, repositories.NotFound(op, "checkout %s not found", checkoutID)
	}
	return checkout.Clone(), nil
}

func (r checkoutRepository) store(checkout domain.Checkout) {
	r.s.mu.Lock()
	r.s.checkouts[checkout.ID] = checkout.Clone()
	r.s.mu.Unlock()
}
