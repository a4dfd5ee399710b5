package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	domain "github.com/qrshop/api/internal/domain"
)

type lineItemJSON struct {
	ProductRef string `json:"productRef"`
	Name       string `json:"name"`
	Image      string `json:"image,omitempty"`
	UnitPrice  int64  `json:"unitPrice"`
	Size       string `json:"size,omitempty"`
	Color      string `json:"color,omitempty"`
	Quantity   int    `json:"quantity"`
	Total      int64  `json:"total"`
}

type addressJSON struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postalCode"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

type couponJSON struct {
	Code           string `json:"code"`
	DiscountAmount int64  `json:"discountAmount"`
	CouponRef      string `json:"couponRef"`
}

type statusChangeJSON struct {
	From    domain.OrderStatus `json:"from,omitempty"`
	To      domain.OrderStatus `json:"to"`
	ActorID string             `json:"actorId"`
	Reason  string             `json:"reason,omitempty"`
	At      time.Time          `json:"at"`
}

type invoiceLineJSON struct {
	Label     string `json:"label"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Total     int64  `json:"total"`
}

// snapshotJSON holds the JSONB columns shared by checkouts and orders.
type snapshotJSON struct {
	items   []byte
	address []byte
	coupon  []byte
}

func encodeSnapshot(items []domain.LineItem, address domain.Address, coupon *domain.CouponApplication) (snapshotJSON, error) {
	rows := make([]lineItemJSON, 0, len(items))
	for _, item := range items {
		rows = append(rows, lineItemJSON(item))
	}
	var out snapshotJSON
	var err error
	if out.items, err = json.Marshal(rows); err != nil {
		return out, fmt.Errorf("encode items: %w", err)
	}
	if out.address, err = json.Marshal(addressJSON(address)); err != nil {
		return out, fmt.Errorf("encode address: %w", err)
	}
	if coupon != nil {
		if out.coupon, err = json.Marshal(couponJSON(*coupon)); err != nil {
			return out, fmt.Errorf("encode coupon: %w", err)
		}
	}
	return out, nil
}

func (s snapshotJSON) decode() ([]domain.LineItem, domain.Address, *domain.CouponApplication, error) {
	var rows []lineItemJSON
	if err := json.Unmarshal(s.items, &rows); err != nil {
		return nil, domain.Address{}, nil, fmt.Errorf("decode items: %w", err)
	}
	items := make([]domain.LineItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, domain.LineItem(row))
	}
	var address addressJSON
	if err := json.Unmarshal(s.address, &address); err != nil {
		return nil, domain.Address{}, nil, fmt.Errorf("decode address: %w", err)
	}
	var coupon *domain.CouponApplication
	if len(s.coupon) > 0 && string(s.coupon) != "null" {
		var c couponJSON
		if err := json.Unmarshal(s.coupon, &c); err != nil {
			return nil, domain.Address{}, nil, fmt.Errorf("decode coupon: %w", err)
		}
		applied := domain.CouponApplication(c)
		coupon = &applied
	}
	return items, domain.Address(address), coupon, nil
}

// nullJSON maps an empty payload to SQL NULL.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const checkoutColumns = `id, user_id, guest_id, items, shipping_address, coupon, payment_method, currency,
	items_price, shipping_price, discount_amount, total_price,
	is_paid, paid_at, payment_status, payment_transaction_id, paid_amount,
	is_finalized, order_id, finalized_at, created_at, updated_at`

func scanCheckout(row rowScanner) (domain.Checkout, error) {
	var (
		c       domain.Checkout
		snap    snapshotJSON
		method  string
		orderID sql.NullString
	)
	err := row.Scan(&c.ID, &c.Owner.UserID, &c.Owner.GuestID, &snap.items, &snap.address, &snap.coupon, &method, &c.Currency,
		&c.Pricing.ItemsPrice, &c.Pricing.ShippingPrice, &c.Pricing.DiscountAmount, &c.Pricing.TotalPrice,
		&c.IsPaid, &c.PaidAt, &c.PaymentStatus, &c.PaymentTransactionID, &c.PaidAmount,
		&c.IsFinalized, &orderID, &c.FinalizedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.Checkout{}, err
	}
	c.Items, c.ShippingAddress, c.Coupon, err = snap.decode()
	if err != nil {
		return domain.Checkout{}, fmt.Errorf("checkout %s: %w", c.ID, err)
	}
	c.PaymentMethod = domain.PaymentMethod(method)
	c.OrderID = orderID.String
	c.PaidAt = utcPtr(c.PaidAt)
	c.FinalizedAt = utcPtr(c.FinalizedAt)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

const orderColumns = `id, order_number, checkout_id, user_id, guest_id, items, shipping_address, coupon, payment_method, currency,
	items_price, shipping_price, discount_amount, total_price,
	status, is_paid, paid_at, payment_transaction_id, is_delivered, delivered_at,
	cancelled_at, cancel_reason, refunded_at, invoice_id, status_history, created_at, updated_at`

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		o         domain.Order
		snap      snapshotJSON
		method    string
		status    string
		invoiceID sql.NullString
		history   []byte
	)
	err := row.Scan(&o.ID, &o.OrderNumber, &o.CheckoutID, &o.Owner.UserID, &o.Owner.GuestID, &snap.items, &snap.address, &snap.coupon, &method, &o.Currency,
		&o.Pricing.ItemsPrice, &o.Pricing.ShippingPrice, &o.Pricing.DiscountAmount, &o.Pricing.TotalPrice,
		&status, &o.IsPaid, &o.PaidAt, &o.PaymentTransactionID, &o.IsDelivered, &o.DeliveredAt,
		&o.CancelledAt, &o.CancelReason, &o.RefundedAt, &invoiceID, &history, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return domain.Order{}, err
	}
	o.Items, o.ShippingAddress, o.Coupon, err = snap.decode()
	if err != nil {
		return domain.Order{}, fmt.Errorf("order %s: %w", o.ID, err)
	}
	var changes []statusChangeJSON
	if err := json.Unmarshal(history, &changes); err != nil {
		return domain.Order{}, fmt.Errorf("order %s: decode status history: %w", o.ID, err)
	}
	o.StatusHistory = make([]domain.OrderStatusChange, 0, len(changes))
	for _, change := range changes {
		change.At = change.At.UTC()
		o.StatusHistory = append(o.StatusHistory, domain.OrderStatusChange(change))
	}
	o.PaymentMethod = domain.PaymentMethod(method)
	o.Status = domain.OrderStatus(status)
	o.InvoiceID = invoiceID.String
	o.PaidAt = utcPtr(o.PaidAt)
	o.DeliveredAt = utcPtr(o.DeliveredAt)
	o.CancelledAt = utcPtr(o.CancelledAt)
	o.RefundedAt = utcPtr(o.RefundedAt)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

func encodeHistory(history []domain.OrderStatusChange) ([]byte, error) {
	rows := make([]statusChangeJSON, 0, len(history))
	for _, change := range history {
		rows = append(rows, statusChangeJSON(change))
	}
	return json.Marshal(rows)
}

const invoiceColumns = `id, invoice_number, order_id, order_number, user_id, guest_id, lines, currency, payment_method,
	items_price, shipping_price, discount_amount, total_price, created_at`

func scanInvoice(row rowScanner) (domain.Invoice, error) {
	var (
		inv    domain.Invoice
		lines  []byte
		method string
	)
	err := row.Scan(&inv.ID, &inv.InvoiceNumber, &inv.OrderID, &inv.OrderNumber, &inv.Owner.UserID, &inv.Owner.GuestID, &lines, &inv.Currency, &method,
		&inv.Pricing.ItemsPrice, &inv.Pricing.ShippingPrice, &inv.Pricing.DiscountAmount, &inv.Pricing.TotalPrice, &inv.CreatedAt)
	if err != nil {
		return domain.Invoice{}, err
	}
	var rows []invoiceLineJSON
	if err := json.Unmarshal(lines, &rows); err != nil {
		return domain.Invoice{}, fmt.Errorf("invoice %s: decode lines: %w", inv.ID, err)
	}
	inv.Lines = make([]domain.InvoiceLine, 0, len(rows))
	for _, row := range rows {
		inv.Lines = append(inv.Lines, domain.InvoiceLine(row))
	}
	inv.PaymentMethod = domain.PaymentMethod(method)
	inv.CreatedAt = inv.CreatedAt.UTC()
	return inv, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return domain.TimePtr(*t)
}
