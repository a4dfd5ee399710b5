package firestore

import (
	"time"

	domain "github.com/qrshop/api/internal/domain"
)

const (
	checkoutsCollection = "checkouts"
	ordersCollection    = "orders"
	invoicesCollection  = "invoices"
	productsCollection  = "products"
	couponsCollection   = "coupons"
	countersCollection  = "counters"
)

type lineItemDoc struct {
	ProductRef string `firestore:"productRef"`
	Name       string `firestore:"name"`
	Image      string `firestore:"image,omitempty"`
	UnitPrice  int64  `firestore:"unitPrice"`
	Size       string `firestore:"size,omitempty"`
	Color      string `firestore:"color,omitempty"`
	Quantity   int    `firestore:"quantity"`
	Total      int64  `firestore:"total"`
}

type addressDoc struct {
	Recipient  string  `firestore:"recipient"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone"`
}

type couponApplicationDoc struct {
	Code           string `firestore:"code"`
	DiscountAmount int64  `firestore:"discountAmount"`
	CouponRef      string `firestore:"couponRef"`
}

type pricingDoc struct {
	ItemsPrice     int64 `firestore:"itemsPrice"`
	ShippingPrice  int64 `firestore:"shippingPrice"`
	DiscountAmount int64 `firestore:"discountAmount"`
	TotalPrice     int64 `firestore:"totalPrice"`
}

type checkoutDoc struct {
	OwnerKey        string                `firestore:"ownerKey"`
	UserID          string                `firestore:"userId"`
	GuestID         string                `firestore:"guestId"`
	Items           []lineItemDoc         `firestore:"items"`
	ShippingAddress addressDoc            `firestore:"shippingAddress"`
	Coupon          *couponApplicationDoc `firestore:"coupon"`
	PaymentMethod   string                `firestore:"paymentMethod"`
	DeferredPayment bool                  `firestore:"deferredPayment"`
	Currency        string                `firestore:"currency"`
	Pricing         pricingDoc            `firestore:"pricing"`

	IsPaid               bool       `firestore:"isPaid"`
	PaidAt               *time.Time `firestore:"paidAt"`
	PaymentStatus        string     `firestore:"paymentStatus"`
	PaymentTransactionID string     `firestore:"paymentTransactionId"`
	PaidAmount           int64      `firestore:"paidAmount"`

	IsFinalized bool       `firestore:"isFinalized"`
	OrderID     string     `firestore:"orderId"`
	FinalizedAt *time.Time `firestore:"finalizedAt"`

	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type statusChangeDoc struct {
	From    string    `firestore:"from"`
	To      string    `firestore:"to"`
	ActorID string    `firestore:"actorId"`
	Reason  string    `firestore:"reason,omitempty"`
	At      time.Time `firestore:"at"`
}

type orderDoc struct {
	OrderNumber     string                `firestore:"orderNumber"`
	CheckoutID      string                `firestore:"checkoutId"`
	OwnerKey        string                `firestore:"ownerKey"`
	UserID          string                `firestore:"userId"`
	GuestID         string                `firestore:"guestId"`
	Items           []lineItemDoc         `firestore:"items"`
	ShippingAddress addressDoc            `firestore:"shippingAddress"`
	Coupon          *couponApplicationDoc `firestore:"coupon"`
	PaymentMethod   string                `firestore:"paymentMethod"`
	Currency        string                `firestore:"currency"`
	Pricing         pricingDoc            `firestore:"pricing"`

	Status               string            `firestore:"status"`
	IsPaid               bool              `firestore:"isPaid"`
	PaidAt               *time.Time        `firestore:"paidAt"`
	PaymentTransactionID string            `firestore:"paymentTransactionId"`
	IsDelivered          bool              `firestore:"isDelivered"`
	DeliveredAt          *time.Time        `firestore:"deliveredAt"`
	CancelledAt          *time.Time        `firestore:"cancelledAt"`
	CancelReason         *string           `firestore:"cancelReason"`
	RefundedAt           *time.Time        `firestore:"refundedAt"`
	InvoiceID            string            `firestore:"invoiceId"`
	StatusHistory        []statusChangeDoc `firestore:"statusHistory"`

	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type invoiceLineDoc struct {
	Label     string `firestore:"label"`
	Quantity  int    `firestore:"quantity"`
	UnitPrice int64  `firestore:"unitPrice"`
	Total     int64  `firestore:"total"`
}

type invoiceDoc struct {
	InvoiceNumber string           `firestore:"invoiceNumber"`
	OrderID       string           `firestore:"orderId"`
	OrderNumber   string           `firestore:"orderNumber"`
	OwnerKey      string           `firestore:"ownerKey"`
	UserID        string           `firestore:"userId"`
	GuestID       string           `firestore:"guestId"`
	Lines         []invoiceLineDoc `firestore:"lines"`
	Currency      string           `firestore:"currency"`
	PaymentMethod string           `firestore:"paymentMethod"`
	Pricing       pricingDoc       `firestore:"pricing"`
	CreatedAt     time.Time        `firestore:"createdAt"`
}

type productDoc struct {
	Name      string `firestore:"name"`
	Image     string `firestore:"image"`
	UnitPrice int64  `firestore:"unitPrice"`
	Active    bool   `firestore:"active"`
}

type couponDoc struct {
	Code           string `firestore:"code"`
	DiscountAmount int64  `firestore:"discountAmount"`
	MinItemsPrice  int64  `firestore:"minItemsPrice"`
	Active         bool   `firestore:"active"`
}

type counterDoc struct {
	CurrentValue int64     `firestore:"currentValue"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

func encodeItems(items []domain.LineItem) []lineItemDoc {
	out := make([]lineItemDoc, 0, len(items))
	for _, item := range items {
		out = append(out, lineItemDoc(item))
	}
	return out
}

func decodeItems(docs []lineItemDoc) []domain.LineItem {
	out := make([]domain.LineItem, 0, len(docs))
	for _, doc := range docs {
		out = append(out, domain.LineItem(doc))
	}
	return out
}

func encodeCoupon(c *domain.CouponApplication) *couponApplicationDoc {
	if c == nil {
		return nil
	}
	doc := couponApplicationDoc(*c)
	return &doc
}

func decodeCoupon(doc *couponApplicationDoc) *domain.CouponApplication {
	if doc == nil {
		return nil
	}
	c := domain.CouponApplication(*doc)
	return &c
}

func encodeCheckout(c domain.Checkout) checkoutDoc {
	return checkoutDoc{
		OwnerKey:             c.Owner.Key(),
		UserID:               c.Owner.UserID,
		GuestID:              c.Owner.GuestID,
		Items:                encodeItems(c.Items),
		ShippingAddress:      addressDoc(c.ShippingAddress),
		Coupon:               encodeCoupon(c.Coupon),
		PaymentMethod:        string(c.PaymentMethod),
		DeferredPayment:      domain.IsDeferredPaymentMethod(c.PaymentMethod),
		Currency:             c.Currency,
		Pricing:              pricingDoc(c.Pricing),
		IsPaid:               c.IsPaid,
		PaidAt:               c.PaidAt,
		PaymentStatus:        c.PaymentStatus,
		PaymentTransactionID: c.PaymentTransactionID,
		PaidAmount:           c.PaidAmount,
		IsFinalized:          c.IsFinalized,
		OrderID:              c.OrderID,
		FinalizedAt:          c.FinalizedAt,
		CreatedAt:            c.CreatedAt.UTC(),
		UpdatedAt:            c.UpdatedAt.UTC(),
	}
}

func decodeCheckout(id string, doc checkoutDoc) domain.Checkout {
	return domain.Checkout{
		ID:                   id,
		Owner:                domain.Owner{UserID: doc.UserID, GuestID: doc.GuestID},
		Items:                decodeItems(doc.Items),
		ShippingAddress:      domain.Address(doc.ShippingAddress),
		Coupon:               decodeCoupon(doc.Coupon),
		PaymentMethod:        domain.PaymentMethod(doc.PaymentMethod),
		Currency:             doc.Currency,
		Pricing:              domain.Pricing(doc.Pricing),
		IsPaid:               doc.IsPaid,
		PaidAt:               utcPtr(doc.PaidAt),
		PaymentStatus:        doc.PaymentStatus,
		PaymentTransactionID: doc.PaymentTransactionID,
		PaidAmount:           doc.PaidAmount,
		IsFinalized:          doc.IsFinalized,
		OrderID:              doc.OrderID,
		FinalizedAt:          utcPtr(doc.FinalizedAt),
		CreatedAt:            doc.CreatedAt.UTC(),
		UpdatedAt:            doc.UpdatedAt.UTC(),
	}
}

func encodeOrder(o domain.Order) orderDoc {
	history := make([]statusChangeDoc, 0, len(o.StatusHistory))
	for _, change := range o.StatusHistory {
		history = append(history, statusChangeDoc{
			From:    string(change.From),
			To:      string(change.To),
			ActorID: change.ActorID,
			Reason:  change.Reason,
			At:      change.At.UTC(),
		})
	}
	return orderDoc{
		OrderNumber:          o.OrderNumber,
		CheckoutID:           o.CheckoutID,
		OwnerKey:             o.Owner.Key(),
		UserID:               o.Owner.UserID,
		GuestID:              o.Owner.GuestID,
		Items:                encodeItems(o.Items),
		ShippingAddress:      addressDoc(o.ShippingAddress),
		Coupon:               encodeCoupon(o.Coupon),
		PaymentMethod:        string(o.PaymentMethod),
		Currency:             o.Currency,
		Pricing:              pricingDoc(o.Pricing),
		Status:               string(o.Status),
		IsPaid:               o.IsPaid,
		PaidAt:               o.PaidAt,
		PaymentTransactionID: o.PaymentTransactionID,
		IsDelivered:          o.IsDelivered,
		DeliveredAt:          o.DeliveredAt,
		CancelledAt:          o.CancelledAt,
		CancelReason:         o.CancelReason,
		RefundedAt:           o.RefundedAt,
		InvoiceID:            o.InvoiceID,
		StatusHistory:        history,
		CreatedAt:            o.CreatedAt.UTC(),
		UpdatedAt:            o.UpdatedAt.UTC(),
	}
}

func decodeOrder(id string, doc orderDoc) domain.Order {
	history := make([]domain.OrderStatusChange, 0, len(doc.StatusHistory))
	for _, change := range doc.StatusHistory {
		history = append(history, domain.OrderStatusChange{
			From:    domain.OrderStatus(change.From),
			To:      domain.OrderStatus(change.To),
			ActorID: change.ActorID,
			Reason:  change.Reason,
			At:      change.At.UTC(),
		})
	}
	return domain.Order{
		ID:                   id,
		OrderNumber:          doc.OrderNumber,
		CheckoutID:           doc.CheckoutID,
		Owner:                domain.Owner{UserID: doc.UserID, GuestID: doc.GuestID},
		Items:                decodeItems(doc.Items),
		ShippingAddress:      domain.Address(doc.ShippingAddress),
		Coupon:               decodeCoupon(doc.Coupon),
		PaymentMethod:        domain.PaymentMethod(doc.PaymentMethod),
		Currency:             doc.Currency,
		Pricing:              domain.Pricing(doc.Pricing),
		Status:               domain.OrderStatus(doc.Status),
		IsPaid:               doc.IsPaid,
		PaidAt:               utcPtr(doc.PaidAt),
		PaymentTransactionID: doc.PaymentTransactionID,
		IsDelivered:          doc.IsDelivered,
		DeliveredAt:          utcPtr(doc.DeliveredAt),
		CancelledAt:          utcPtr(doc.CancelledAt),
		CancelReason:         doc.CancelReason,
		RefundedAt:           utcPtr(doc.RefundedAt),
		InvoiceID:            doc.InvoiceID,
		StatusHistory:        history,
		CreatedAt:            doc.CreatedAt.UTC(),
		UpdatedAt:            doc.UpdatedAt.UTC(),
	}
}

func encodeInvoice(inv domain.Invoice) invoiceDoc {
	lines := make([]invoiceLineDoc, 0, len(inv.Lines))
	for _, line := range inv.Lines {
		lines = append(lines, invoiceLineDoc(line))
	}
	return invoiceDoc{
		InvoiceNumber: inv.InvoiceNumber,
		OrderID:       inv.OrderID,
		OrderNumber:   inv.OrderNumber,
		OwnerKey:      inv.Owner.Key(),
		UserID:        inv.Owner.UserID,
		GuestID:       inv.Owner.GuestID,
		Lines:         lines,
		Currency:      inv.Currency,
		PaymentMethod: string(inv.PaymentMethod),
		Pricing:       pricingDoc(inv.Pricing),
		CreatedAt:     inv.CreatedAt.UTC(),
	}
}

func decodeInvoice(id string, doc invoiceDoc) domain.Invoice {
	lines := make([]domain.InvoiceLine, 0, len(doc.Lines))
	for _, line := range doc.Lines {
		lines = append(lines, domain.InvoiceLine(line))
	}
	return domain.Invoice{
		ID:            id,
		InvoiceNumber: doc.InvoiceNumber,
		OrderID:       doc.OrderID,
		OrderNumber:   doc.OrderNumber,
		Owner:         domain.Owner{UserID: doc.UserID, GuestID: doc.GuestID},
		Lines:         lines,
		Currency:      doc.Currency,
		PaymentMethod: domain.PaymentMethod(doc.PaymentMethod),
		Pricing:       domain.Pricing(doc.Pricing),
		CreatedAt:     doc.CreatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return domain.TimePtr(*t)
}
