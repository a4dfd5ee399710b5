package firestore

import (
	"context"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/qrshop/api/internal/domain"
	pfirestore "github.com/qrshop/api/internal/platform/firestore"
	"github.com/qrshop/api/internal/repositories"
)

// CheckoutRepository implements repositories.CheckoutRepository.
type CheckoutRepository struct {
	store *Store
}

func (r *CheckoutRepository) Insert(ctx context.Context, checkout domain.Checkout) error {
	id := strings.TrimSpace(checkout.ID)
	if id == "" {
		return repositories.Invalid("checkouts.insert", "checkout id is required")
	}
	return r.store.checkouts.Create(ctx, id, encodeCheckout(checkout))
}

func (r *CheckoutRepository) FindByID(ctx context.Context, checkoutID string) (domain.Checkout, error) {
	doc, err := r.store.checkouts.Get(ctx, checkoutID)
	if err != nil {
		return domain.Checkout{}, mapGetError("checkouts.get", checkoutID, err)
	}
	return decodeCheckout(checkoutID, doc), nil
}

func (r *CheckoutRepository) MarkPaid(ctx context.Context, checkoutID string, confirmation domain.PaymentConfirmation) (domain.Checkout, bool, error) {
	ref, err := r.store.checkouts.Ref(ctx, checkoutID)
	if err != nil {
		return domain.Checkout{}, false, err
	}
	var (
		result  domain.Checkout
		applied bool
	)
	err = r.store.runTx(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := txGet(tx, r.store.checkouts, ref, "checkouts.mark_paid")
		if err != nil {
			return err
		}
		if doc.IsPaid {
			result, applied = decodeCheckout(ref.ID, doc), false
			return nil
		}
		paidAt := confirmation.PaidAt.UTC()
		doc.IsPaid = true
		doc.PaidAt = &paidAt
		doc.PaymentStatus = domain.PaymentStatusPaid
		doc.PaymentTransactionID = confirmation.TransactionID
		doc.PaidAmount = confirmation.Amount
		doc.UpdatedAt = paidAt
		if err := tx.Update(ref, []firestore.Update{
			{Path: "isPaid", Value: true},
			{Path: "paidAt", Value: paidAt},
			{Path: "paymentStatus", Value: doc.PaymentStatus},
			{Path: "paymentTransactionId", Value: doc.PaymentTransactionID},
			{Path: "paidAmount", Value: doc.PaidAmount},
			{Path: "updatedAt", Value: paidAt},
		}); err != nil {
			return err
		}
		result, applied = decodeCheckout(ref.ID, doc), true
		return nil
	})
	if err != nil {
		return domain.Checkout{}, false, err
	}
	return result, applied, nil
}

func (r *CheckoutRepository) MarkPaymentFailed(ctx context.Context, checkoutID string, at time.Time) (domain.Checkout, error) {
	ref, err := r.store.checkouts.Ref(ctx, checkoutID)
	if err != nil {
		return domain.Checkout{}, err
	}
	var result domain.Checkout
	err = r.store.runTx(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := txGet(tx, r.store.checkouts, ref, "checkouts.mark_failed")
		if err != nil {
			return err
		}
		if doc.IsPaid || doc.PaymentStatus == domain.PaymentStatusFailed {
			result = decodeCheckout(ref.ID, doc)
			return nil
		}
		doc.PaymentStatus = domain.PaymentStatusFailed
		doc.UpdatedAt = at.UTC()
		if err := tx.Update(ref, []firestore.Update{
			{Path: "paymentStatus", Value: doc.PaymentStatus},
			{Path: "updatedAt", Value: doc.UpdatedAt},
		}); err != nil {
			return err
		}
		result = decodeCheckout(ref.ID, doc)
		return nil
	})
	if err != nil {
		return domain.Checkout{}, err
	}
	return result, nil
}

// Finalize reads the checkout inside the transaction. A concurrent finalizer that commits first
// invalidates the read, so the retry observes IsFinalized and returns the linked order.
func (r *CheckoutRepository) Finalize(ctx context.Context, checkoutID string, build repositories.FinalizeFunc) (domain.Order, bool, error) {
	if build == nil {
		return domain.Order{}, false, repositories.Invalid("checkouts.finalize", "build function is required")
	}
	ref, err := r.store.checkouts.Ref(ctx, checkoutID)
	if err != nil {
		return domain.Order{}, false, err
	}
	var (
		result  domain.Order
		created bool
	)
	err = r.store.runTx(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		created = false
		doc, err := txGet(tx, r.store.checkouts, ref, "checkouts.finalize")
		if err != nil {
			return err
		}
		checkout := decodeCheckout(ref.ID, doc)
		if checkout.IsFinalized {
			orderRef, err := r.store.orders.Ref(ctx, checkout.OrderID)
			if err != nil {
				return err
			}
			orderDoc, err := txGet(tx, r.store.orders, orderRef, "checkouts.finalize")
			if err != nil {
				return err
			}
			result = decodeOrder(orderRef.ID, orderDoc)
			return nil
		}

		counters := &txCounters{store: r.store, tx: tx}
		order, err := build(checkout, counters)
		if err != nil {
			return counters.buildError(err)
		}
		if strings.TrimSpace(order.ID) == "" || order.CheckoutID != checkout.ID {
			return &pfirestore.Abort{Err: repositories.Invalid("checkouts.finalize", "order must carry an id and the checkout id")}
		}
		orderRef, err := r.store.orders.Ref(ctx, order.ID)
		if err != nil {
			return err
		}
		if err := tx.Create(orderRef, encodeOrder(order)); err != nil {
			return err
		}
		finalizedAt := order.CreatedAt.UTC()
		if err := tx.Update(ref, []firestore.Update{
			{Path: "isFinalized", Value: true},
			{Path: "orderId", Value: order.ID},
			{Path: "finalizedAt", Value: finalizedAt},
			{Path: "updatedAt", Value: finalizedAt},
		}); err != nil {
			return err
		}
		result, created = order, true
		return nil
	})
	if err != nil {
		return domain.Order{}, false, err
	}
	return result, created, nil
}

func (r *CheckoutRepository) ListAwaitingPayment(ctx context.Context, filter repositories.CheckoutSweepFilter) ([]domain.Checkout, error) {
	docs, err := r.store.checkouts.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("isPaid", "==", false).
			Where("isFinalized", "==", false).
			Where("deferredPayment", "==", false)
		if !filter.CreatedAfter.IsZero() {
			q = q.Where("createdAt", ">", filter.CreatedAfter.UTC())
		}
		q = q.OrderBy("createdAt", firestore.Asc)
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Checkout, 0, len(docs))
	for _, doc := range docs {
		out = append(out, decodeCheckout(doc.ID, doc.Data))
	}
	return out, nil
}
