package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/platform/pagination"
	"github.com/qrshop/api/internal/repositories"
)

type orderRepository struct{ s *Store }

func insertOrder(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	snap, err := encodeSnapshot(o.Items, o.ShippingAddress, o.Coupon)
	if err != nil {
		return repositories.NewStoreError("orders.insert", repositories.ErrorKindInvalid, err)
	}
	history, err := encodeHistory(o.StatusHistory)
	if err != nil {
		return repositories.NewStoreError("orders.insert", repositories.ErrorKindInvalid, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, order_number, checkout_id, owner_key, user_id, guest_id, items, shipping_address, coupon, payment_method, currency,
			items_price, shipping_price, discount_amount, total_price,
			status, is_paid, paid_at, payment_transaction_id, is_delivered, delivered_at,
			cancelled_at, cancel_reason, refunded_at, invoice_id, status_history, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)
	`, o.ID, o.OrderNumber, o.CheckoutID, o.Owner.Key(), o.Owner.UserID, o.Owner.GuestID,
		string(snap.items), string(snap.address), nullJSON(snap.coupon), string(o.PaymentMethod), o.Currency,
		o.Pricing.ItemsPrice, o.Pricing.ShippingPrice, o.Pricing.DiscountAmount, o.Pricing.TotalPrice,
		string(o.Status), o.IsPaid, o.PaidAt, o.PaymentTransactionID, o.IsDelivered, o.DeliveredAt,
		o.CancelledAt, o.CancelReason, o.RefundedAt, nullString(o.InvoiceID), string(history), o.CreatedAt.UTC(), o.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return repositories.NewStoreError("orders.insert", repositories.ErrorKindConflict, err)
	}
	return err
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (r orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := scanOrder(r.s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, repositories.NotFound("orders.get", "order %s not found", orderID)
	}
	if err != nil {
		return domain.Order{}, wrap("orders.get", err)
	}
	return order, nil
}

func (r orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	offset, err := pagination.DecodeOffset(filter.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, repositories.Invalid("orders.list", "%v", err)
	}
	pageSize := pagination.Clamp(filter.PageSize, pagination.Options{})

	var (
		clauses []string
		args    []any
	)
	if key := filter.Owner.Key(); key != "" {
		args = append(args, key)
		clauses = append(clauses, fmt.Sprintf("owner_key = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		args = append(args, statuses)
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	args = append(args, pageSize+1, offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrap("orders.list", err)
	}
	defer rows.Close()

	items := make([]domain.Order, 0, pageSize)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrap("orders.list", err)
		}
		items = append(items, order)
	}
	if err := rows.Err(); err != nil {
		return domain.CursorPage[domain.Order]{}, wrap("orders.list", err)
	}

	next := ""
	if len(items) > pageSize {
		items = items[:pageSize]
		next = pagination.EncodeOffset(offset + pageSize)
	}
	return domain.CursorPage[domain.Order]{Items: items, NextPageToken: next}, nil
}

func lockOrder(ctx context.Context, tx *sql.Tx, op, orderID string) (domain.Order, error) {
	order, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, repositories.NotFound(op, "order %s not found", orderID)
	}
	return order, err
}

func (r orderRepository) Mutate(ctx context.Context, orderID string, fn repositories.OrderMutator) (domain.Order, error) {
	if fn == nil {
		return domain.Order{}, repositories.Invalid("orders.mutate", "mutator is required")
	}
	var result domain.Order
	err := r.s.withTx(ctx, "orders.mutate", func(tx *sql.Tx) error {
		order, err := lockOrder(ctx, tx, "orders.mutate", orderID)
		if err != nil {
			return err
		}
		if err := fn(&order); err != nil {
			return err
		}
		if order.ID != strings.TrimSpace(orderID) {
			return repositories.Invalid("orders.mutate", "order id must not change")
		}
		history, err := encodeHistory(order.StatusHistory)
		if err != nil {
			return repositories.NewStoreError("orders.mutate", repositories.ErrorKindInvalid, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE orders SET
				status = $2, is_paid = $3, paid_at = $4, payment_transaction_id = $5,
				is_delivered = $6, delivered_at = $7, cancelled_at = $8, cancel_reason = $9,
				refunded_at = $10, status_history = $11, updated_at = $12
			WHERE id = $1
		`, order.ID, string(order.Status), order.IsPaid, order.PaidAt, order.PaymentTransactionID,
			order.IsDelivered, order.DeliveredAt, order.CancelledAt, order.CancelReason,
			order.RefundedAt, string(history), order.UpdatedAt.UTC()); err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return result, nil
}

func (r orderRepository) IssueInvoice(ctx context.Context, orderID string, build repositories.IssueInvoiceFunc) (domain.Invoice, bool, error) {
	if build == nil {
		return domain.Invoice{}, false, repositories.Invalid("orders.issue_invoice", "build function is required")
	}
	var (
		result  domain.Invoice
		created bool
	)
	err := r.s.withTx(ctx, "orders.issue_invoice", func(tx *sql.Tx) error {
		created = false
		order, err := lockOrder(ctx, tx, "orders.issue_invoice", orderID)
		if err != nil {
			return err
		}
		if order.InvoiceID != "" {
			invoice, err := scanInvoice(tx.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, order.InvoiceID))
			if errors.Is(err, sql.ErrNoRows) {
				return repositories.Conflict("orders.issue_invoice", "order %s links missing invoice %s", order.ID, order.InvoiceID)
			}
			if err != nil {
				return err
			}
			result = invoice
			return nil
		}

		invoice, err := build(order, txCounters{tx})
		if err != nil {
			return err
		}
		if strings.TrimSpace(invoice.ID) == "" || invoice.OrderID != order.ID {
			return repositories.Invalid("orders.issue_invoice", "invoice must carry an id and the order id")
		}
		if err := insertInvoice(ctx, tx, invoice); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET invoice_id = $2, updated_at = $3 WHERE id = $1`,
			order.ID, invoice.ID, invoice.CreatedAt.UTC()); err != nil {
			return err
		}
		result, created = invoice, true
		return nil
	})
	if err != nil {
		return domain.Invoice{}, false, err
	}
	return result, created, nil
}

func insertInvoice(ctx context.Context, tx *sql.Tx, inv domain.Invoice) error {
	lines := make([]invoiceLineJSON, 0, len(inv.Lines))
	for _, line := range inv.Lines {
		lines = append(lines, invoiceLineJSON(line))
	}
	payload, err := json.Marshal(lines)
	if err != nil {
		return repositories.NewStoreError("invoices.insert", repositories.ErrorKindInvalid, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoices (
			id, invoice_number, order_id, order_number, owner_key, user_id, guest_id, lines, currency, payment_method,
			items_price, shipping_price, discount_amount, total_price, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, inv.ID, inv.InvoiceNumber, inv.OrderID, inv.OrderNumber, inv.Owner.Key(), inv.Owner.UserID, inv.Owner.GuestID,
		string(payload), inv.Currency, string(inv.PaymentMethod),
		inv.Pricing.ItemsPrice, inv.Pricing.ShippingPrice, inv.Pricing.DiscountAmount, inv.Pricing.TotalPrice, inv.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return repositories.NewStoreError("invoices.insert", repositories.ErrorKindConflict, err)
	}
	return err
}

type invoiceRepository struct{ s *Store }

func (r invoiceRepository) FindByID(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	return r.findOne(ctx, "invoices.get", `id = $1`, invoiceID)
}

func (r invoiceRepository) FindByOrderID(ctx context.Context, orderID string) (domain.Invoice, error) {
	return r.findOne(ctx, "invoices.get_by_order", `order_id = $1`, orderID)
}

func (r invoiceRepository) findOne(ctx context.Context, op, where, arg string) (domain.Invoice, error) {
	invoice, err := scanInvoice(r.s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Invoice{}, repositories.NotFound(op, "invoice for %s not found", arg)
	}
	if err != nil {
		return domain.Invoice{}, wrap(op, err)
	}
	return invoice, nil
}
