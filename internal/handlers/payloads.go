package handlers

import (
	"strings"
	"time"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/services"
)

type ownerPayload struct {
	UserID  string `json:"userId,omitempty"`
	GuestID string `json:"guestId,omitempty"`
}

type lineItemPayload struct {
	ProductRef string `json:"productRef"`
	Name       string `json:"name"`
	Image      string `json:"image,omitempty"`
	UnitPrice  int64  `json:"unitPrice"`
	Size       string `json:"size,omitempty"`
	Color      string `json:"color,omitempty"`
	Quantity   int    `json:"quantity"`
	Total      int64  `json:"total"`
}

type addressPayload struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postalCode"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

type couponPayload struct {
	Code           string `json:"code"`
	DiscountAmount int64  `json:"discountAmount"`
}

type pricingPayload struct {
	ItemsPrice     int64 `json:"itemsPrice"`
	ShippingPrice  int64 `json:"shippingPrice"`
	DiscountAmount int64 `json:"discountAmount"`
	TotalPrice     int64 `json:"totalPrice"`
}

type checkoutPayload struct {
	ID              string            `json:"id"`
	Owner           ownerPayload      `json:"owner"`
	Items           []lineItemPayload `json:"items"`
	ShippingAddress addressPayload    `json:"shippingAddress"`
	Coupon          *couponPayload    `json:"coupon,omitempty"`
	PaymentMethod   string            `json:"paymentMethod"`
	Currency        string            `json:"currency"`
	pricingPayload
	IsPaid        bool    `json:"isPaid"`
	PaidAt        *string `json:"paidAt,omitempty"`
	PaymentStatus string  `json:"paymentStatus"`
	IsFinalized   bool    `json:"isFinalized"`
	OrderID       string  `json:"orderId,omitempty"`
	CreatedAt     string  `json:"createdAt"`
	UpdatedAt     string  `json:"updatedAt"`
}

type statusChangePayload struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	ActorID string `json:"actorId,omitempty"`
	Reason  string `json:"reason,omitempty"`
	At      string `json:"at"`
}

type orderPayload struct {
	ID              string            `json:"id"`
	OrderNumber     string            `json:"orderNumber"`
	CheckoutID      string            `json:"checkoutId"`
	Owner           ownerPayload      `json:"owner"`
	Items           []lineItemPayload `json:"items"`
	ShippingAddress addressPayload    `json:"shippingAddress"`
	Coupon          *couponPayload    `json:"coupon,omitempty"`
	PaymentMethod   string            `json:"paymentMethod"`
	Currency        string            `json:"currency"`
	pricingPayload
	Status        string                `json:"status"`
	IsPaid        bool                  `json:"isPaid"`
	PaidAt        *string               `json:"paidAt,omitempty"`
	IsDelivered   bool                  `json:"isDelivered"`
	DeliveredAt   *string               `json:"deliveredAt,omitempty"`
	CancelledAt   *string               `json:"cancelledAt,omitempty"`
	CancelReason  *string               `json:"cancelReason,omitempty"`
	RefundedAt    *string               `json:"refundedAt,omitempty"`
	InvoiceID     string                `json:"invoiceId,omitempty"`
	StatusHistory []statusChangePayload `json:"statusHistory"`
	CreatedAt     string                `json:"createdAt"`
	UpdatedAt     string                `json:"updatedAt"`
}

type orderListPayload struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

type invoiceLinePayload struct {
	Label     string `json:"label"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Total     int64  `json:"total"`
}

type invoicePayload struct {
	ID            string               `json:"id"`
	InvoiceNumber string               `json:"invoiceNumber"`
	OrderID       string               `json:"orderId"`
	OrderNumber   string               `json:"orderNumber"`
	Lines         []invoiceLinePayload `json:"lines"`
	Currency      string               `json:"currency"`
	PaymentMethod string               `json:"paymentMethod"`
	pricingPayload
	CreatedAt string `json:"createdAt"`
}

func buildCheckoutPayload(c services.Checkout) checkoutPayload {
	return checkoutPayload{
		ID:              c.ID,
		Owner:           buildOwnerPayload(c.Owner),
		Items:           buildLineItemPayloads(c.Items),
		ShippingAddress: buildAddressPayload(c.ShippingAddress),
		Coupon:          buildCouponPayload(c.Coupon),
		PaymentMethod:   string(c.PaymentMethod),
		Currency:        c.Currency,
		pricingPayload:  buildPricingPayload(c.Pricing),
		IsPaid:          c.IsPaid,
		PaidAt:          formatTimePtr(c.PaidAt),
		PaymentStatus:   c.PaymentStatus,
		IsFinalized:     c.IsFinalized,
		OrderID:         c.OrderID,
		CreatedAt:       formatTime(c.CreatedAt),
		UpdatedAt:       formatTime(c.UpdatedAt),
	}
}

func buildOrderPayload(o services.Order) orderPayload {
	history := make([]statusChangePayload, 0, len(o.StatusHistory))
	for _, change := range o.StatusHistory {
		history = append(history, statusChangePayload{
			From:    string(change.From),
			To:      string(change.To),
			ActorID: change.ActorID,
			Reason:  change.Reason,
			At:      formatTime(change.At),
		})
	}
	return orderPayload{
		ID:              o.ID,
		OrderNumber:     o.OrderNumber,
		CheckoutID:      o.CheckoutID,
		Owner:           buildOwnerPayload(o.Owner),
		Items:           buildLineItemPayloads(o.Items),
		ShippingAddress: buildAddressPayload(o.ShippingAddress),
		Coupon:          buildCouponPayload(o.Coupon),
		PaymentMethod:   string(o.PaymentMethod),
		Currency:        o.Currency,
		pricingPayload:  buildPricingPayload(o.Pricing),
		Status:          string(o.Status),
		IsPaid:          o.IsPaid,
		PaidAt:          formatTimePtr(o.PaidAt),
		IsDelivered:     o.IsDelivered,
		DeliveredAt:     formatTimePtr(o.DeliveredAt),
		CancelledAt:     formatTimePtr(o.CancelledAt),
		CancelReason:    o.CancelReason,
		RefundedAt:      formatTimePtr(o.RefundedAt),
		InvoiceID:       o.InvoiceID,
		StatusHistory:   history,
		CreatedAt:       formatTime(o.CreatedAt),
		UpdatedAt:       formatTime(o.UpdatedAt),
	}
}

func buildInvoicePayload(inv services.Invoice) invoicePayload {
	lines := make([]invoiceLinePayload, 0, len(inv.Lines))
	for _, line := range inv.Lines {
		lines = append(lines, invoiceLinePayload{
			Label:     line.Label,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Total:     line.Total,
		})
	}
	return invoicePayload{
		ID:             inv.ID,
		InvoiceNumber:  inv.InvoiceNumber,
		OrderID:        inv.OrderID,
		OrderNumber:    inv.OrderNumber,
		Lines:          lines,
		Currency:       inv.Currency,
		PaymentMethod:  string(inv.PaymentMethod),
		pricingPayload: buildPricingPayload(inv.Pricing),
		CreatedAt:      formatTime(inv.CreatedAt),
	}
}

func buildOwnerPayload(owner domain.Owner) ownerPayload {
	return ownerPayload{UserID: owner.UserID, GuestID: owner.GuestID}
}

func buildLineItemPayloads(items []domain.LineItem) []lineItemPayload {
	out := make([]lineItemPayload, 0, len(items))
	for _, item := range items {
		out = append(out, lineItemPayload{
			ProductRef: item.ProductRef,
			Name:       item.Name,
			Image:      item.Image,
			UnitPrice:  item.UnitPrice,
			Size:       item.Size,
			Color:      item.Color,
			Quantity:   item.Quantity,
			Total:      item.Total,
		})
	}
	return out
}

func buildAddressPayload(a domain.Address) addressPayload {
	return addressPayload{
		Recipient:  a.Recipient,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      a.Phone,
	}
}

func buildCouponPayload(c *domain.CouponApplication) *couponPayload {
	if c == nil {
		return nil
	}
	return &couponPayload{Code: c.Code, DiscountAmount: c.DiscountAmount}
}

func buildPricingPayload(p domain.Pricing) pricingPayload {
	return pricingPayload{
		ItemsPrice:     p.ItemsPrice,
		ShippingPrice:  p.ShippingPrice,
		DiscountAmount: p.DiscountAmount,
		TotalPrice:     p.TotalPrice,
	}
}

func (a addressPayload) toDomain() domain.Address {
	return domain.Address{
		Recipient:  strings.TrimSpace(a.Recipient),
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
		Phone:      a.Phone,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	formatted := formatTime(*t)
	return &formatted
}
