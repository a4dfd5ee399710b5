package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/repositories"
)

type checkoutRepository struct{ s *Store }

func (r checkoutRepository) Insert(ctx context.Context, c domain.Checkout) error {
	if strings.TrimSpace(c.ID) == "" {
		return repositories.Invalid("checkouts.insert", "checkout id is required")
	}
	snap, err := encodeSnapshot(c.Items, c.ShippingAddress, c.Coupon)
	if err != nil {
		return repositories.NewStoreError("checkouts.insert", repositories.ErrorKindInvalid, err)
	}
	var orderID any
	if c.OrderID != "" {
		orderID = c.OrderID
	}
	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO checkouts (
			id, owner_key, user_id, guest_id, items, shipping_address, coupon, payment_method, deferred_payment, currency,
			items_price, shipping_price, discount_amount, total_price,
			is_paid, paid_at, payment_status, payment_transaction_id, paid_amount,
			is_finalized, order_id, finalized_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
	`, c.ID, c.Owner.Key(), c.Owner.UserID, c.Owner.GuestID, string(snap.items), string(snap.address), nullJSON(snap.coupon),
		string(c.PaymentMethod), domain.IsDeferredPaymentMethod(c.PaymentMethod), c.Currency,
		c.Pricing.ItemsPrice, c.Pricing.ShippingPrice, c.Pricing.DiscountAmount, c.Pricing.TotalPrice,
		c.IsPaid, c.PaidAt, c.PaymentStatus, c.PaymentTransactionID, c.PaidAmount,
		c.IsFinalized, orderID, c.FinalizedAt, c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		return wrap("checkouts.insert", err)
	}
	return nil
}

func (r checkoutRepository) FindByID(ctx context.Context, checkoutID string) (domain.Checkout, error) {
	checkout, err := scanCheckout(r.s.db.QueryRowContext(ctx, `SELECT `+checkoutColumns+` FROM checkouts WHERE id = $1`, checkoutID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Checkout{}, repositories.NotFound("checkouts.get", "checkout %s not found", checkoutID)
	}
	if err != nil {
		return domain.Checkout{}, wrap("checkouts.get", err)
	}
	return checkout, nil
}

func lockCheckout(ctx context.Context, tx *sql.Tx, op, checkoutID string) (domain.Checkout, error) {
	checkout, err := scanCheckout(tx.QueryRowContext(ctx, `SELECT `+checkoutColumns+` FROM checkouts WHERE id = $1 FOR UPDATE`, checkoutID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Checkout{}, repositories.NotFound(op, "checkout %s not found", checkoutID)
	}
	return checkout, err
}

func (r checkoutRepository) MarkPaid(ctx context.Context, checkoutID string, confirmation domain.PaymentConfirmation) (domain.Checkout, bool, error) {
	var (
		result  domain.Checkout
		applied bool
	)
	err := r.s.withTx(ctx, "checkouts.mark_paid", func(tx *sql.Tx) error {
		checkout, err := lockCheckout(ctx, tx, "checkouts.mark_paid", checkoutID)
		if err != nil {
			return err
		}
		if checkout.IsPaid {
			result, applied = checkout, false
			return nil
		}
		paidAt := confirmation.PaidAt.UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE checkouts
			SET is_paid = TRUE, paid_at = $2, payment_status = $3, payment_transaction_id = $4, paid_amount = $5, updated_at = $2
			WHERE id = $1 AND NOT is_paid
		`, checkout.ID, paidAt, domain.PaymentStatusPaid, confirmation.TransactionID, confirmation.Amount); err != nil {
			return err
		}
		checkout.IsPaid = true
		checkout.PaidAt = &paidAt
		checkout.PaymentStatus = domain.PaymentStatusPaid
		checkout.PaymentTransactionID = confirmation.TransactionID
		checkout.PaidAmount = confirmation.Amount
		checkout.UpdatedAt = paidAt
		result, applied = checkout, true
		return nil
	})
	if err != nil {
		return domain.Checkout{}, false, err
	}
	return result, applied, nil
}

func (r checkoutRepository) MarkPaymentFailed(ctx context.Context, checkoutID string, at time.Time) (domain.Checkout, error) {
	var result domain.Checkout
	err := r.s.withTx(ctx, "checkouts.mark_failed", func(tx *sql.Tx) error {
		checkout, err := lockCheckout(ctx, tx, "checkouts.mark_failed", checkoutID)
		if err != nil {
			return err
		}
		if checkout.IsPaid || checkout.PaymentStatus == domain.PaymentStatusFailed {
			result = checkout
			return nil
		}
		at = at.UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE checkouts SET payment_status = $2, updated_at = $3 WHERE id = $1`,
			checkout.ID, domain.PaymentStatusFailed, at); err != nil {
			return err
		}
		checkout.PaymentStatus = domain.PaymentStatusFailed
		checkout.UpdatedAt = at
		result = checkout
		return nil
	})
	if err != nil {
		return domain.Checkout{}, err
	}
	return result, nil
}

func (r checkoutRepository) Finalize(ctx context.Context, checkoutID string, build repositories.FinalizeFunc) (domain.Order, bool, error) {
	if build == nil {
		return domain.Order{}, false, repositories.Invalid("checkouts.finalize", "build function is required")
	}
	var (
		result  domain.Order
		created bool
	)
	err := r.s.withTx(ctx, "checkouts.finalize", func(tx *sql.Tx) error {
		created = false
		checkout, err := lockCheckout(ctx, tx, "checkouts.finalize", checkoutID)
		if err != nil {
			return err
		}
		if checkout.IsFinalized {
			order, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, checkout.OrderID))
			if err != nil {
				return err
			}
			result = order
			return nil
		}

		order, err := build(checkout, txCounters{tx})
		if err != nil {
			return err
		}
		if strings.TrimSpace(order.ID) == "" || order.CheckoutID != checkout.ID {
			return repositories.Invalid("checkouts.finalize", "order must carry an id and the checkout id")
		}
		if err := insertOrder(ctx, tx, order); err != nil {
			return err
		}
		finalizedAt := order.CreatedAt.UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE checkouts SET is_finalized = TRUE, order_id = $2, finalized_at = $3, updated_at = $3
			WHERE id = $1 AND NOT is_finalized
		`, checkout.ID, order.ID, finalizedAt); err != nil {
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

func (r checkoutRepository) ListAwaitingPayment(ctx context.Context, filter repositories.CheckoutSweepFilter) ([]domain.Checkout, error) {
	query := `SELECT ` + checkoutColumns + ` FROM checkouts
		WHERE NOT is_paid AND NOT is_finalized AND NOT deferred_payment AND created_at > $1
		ORDER BY created_at ASC, id ASC`
	args := []any{filter.CreatedAfter.UTC()}
	if filter.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, filter.Limit)
	}
	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("checkouts.list_awaiting", err)
	}
	defer rows.Close()

	out := make([]domain.Checkout, 0)
	for rows.Next() {
		checkout, err := scanCheckout(rows)
		if err != nil {
			return nil, wrap("checkouts.list_awaiting", err)
		}
		out = append(out, checkout)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("checkouts.list_awaiting", err)
	}
	return out, nil
}
