package domain

import (
	"strings"
	"time"
)

// PaymentMethod identifies how the customer settles a checkout.
type PaymentMethod string

const (
	// PaymentMethodBankTransfer is paid up front by scanning the transfer QR code.
	PaymentMethodBankTransfer PaymentMethod = "BankTransfer"
	// PaymentMethodCOD is collected in cash by the courier on delivery.
	PaymentMethodCOD PaymentMethod = "COD"
)

// ParsePaymentMethod normalises client supplied payment method names.
func ParsePaymentMethod(raw string) (PaymentMethod, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "", "_", "", " ", "").Replace(key)
	switch key {
	case "banktransfer", "bank", "qr", "vietqr":
		return PaymentMethodBankTransfer, true
	case "cod", "cashondelivery":
		return PaymentMethodCOD, true
	default:
		return "", false
	}
}

// IsDeferredPaymentMethod reports whether the method settles after delivery. Deferred methods may be
// finalized without a payment confirmation and are only invoiced once delivered.
func IsDeferredPaymentMethod(method PaymentMethod) bool {
	return method == PaymentMethodCOD
}

// Payment status labels stored on a checkout.
const (
	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"
	PaymentStatusFailed  = "failed"
)

// OrderStatus enumerates the fulfilment lifecycle of an order.
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "PendingPayment"
	OrderStatusProcessing     OrderStatus = "Processing"
	OrderStatusDelivering     OrderStatus = "Delivering"
	OrderStatusDelivered      OrderStatus = "Delivered"
	OrderStatusCancelled      OrderStatus = "Cancelled"
	OrderStatusRefunded       OrderStatus = "Refunded"
)

// ParseOrderStatus resolves a status name case-insensitively.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	trimmed := strings.TrimSpace(raw)
	for _, status := range []OrderStatus{
		OrderStatusPendingPayment,
		OrderStatusProcessing,
		OrderStatusDelivering,
		OrderStatusDelivered,
		OrderStatusCancelled,
		OrderStatusRefunded,
	} {
		if strings.EqualFold(trimmed, string(status)) {
			return status, true
		}
	}
	return "", false
}

// Owner identifies who placed a checkout. Exactly one of the fields is populated.
type Owner struct {
	UserID  string
	GuestID string
}

// Key returns a stable identifier for the owner used for indexing and comparisons.
func (o Owner) Key() string {
	if o.UserID != "" {
		return "user:" + o.UserID
	}
	if o.GuestID != "" {
		return "guest:" + o.GuestID
	}
	return ""
}

// Valid reports whether exactly one identifier is set.
func (o Owner) Valid() bool {
	return (o.UserID == "") != (o.GuestID == "")
}

// Matches reports whether two owners refer to the same customer.
func (o Owner) Matches(other Owner) bool {
	return o.Valid() && o.Key() == other.Key()
}

// LineItem is a product snapshot captured when the checkout was created.
type LineItem struct {
	ProductRef string
	Name       string
	Image      string
	UnitPrice  int64
	Size       string
	Color      string
	Quantity   int
	Total      int64
}

// Address stores a shipping destination.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// CouponApplication records a resolved coupon and the discount it granted.
type CouponApplication struct {
	Code           string
	DiscountAmount int64
	CouponRef      string
}

// Pricing holds rolled-up monetary fields in the smallest currency unit.
type Pricing struct {
	ItemsPrice     int64
	ShippingPrice  int64
	DiscountAmount int64
	TotalPrice     int64
}

// Checkout is a draft purchase with a price snapshot, awaiting payment and finalization.
type Checkout struct {
	ID              string
	Owner           Owner
	Items           []LineItem
	ShippingAddress Address
	Coupon          *CouponApplication
	PaymentMethod   PaymentMethod
	Currency        string
	Pricing         Pricing

	IsPaid               bool
	PaidAt               *time.Time
	PaymentStatus        string
	PaymentTransactionID string
	PaidAmount           int64

	IsFinalized bool
	OrderID     string
	FinalizedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentConfirmation carries the ledger evidence recorded when a checkout is marked paid.
type PaymentConfirmation struct {
	TransactionID string
	Amount        int64
	PaidAt        time.Time
}

// OrderStatusChange is an entry of the order status audit trail.
type OrderStatusChange struct {
	From    OrderStatus
	To      OrderStatus
	ActorID string
	Reason  string
	At      time.Time
}

// Order is the authoritative sales record produced by finalizing a checkout.
type Order struct {
	ID              string
	OrderNumber     string
	CheckoutID      string
	Owner           Owner
	Items           []LineItem
	ShippingAddress Address
	Coupon          *CouponApplication
	PaymentMethod   PaymentMethod
	Currency        string
	Pricing         Pricing

	Status               OrderStatus
	IsPaid               bool
	PaidAt               *time.Time
	PaymentTransactionID string
	IsDelivered          bool
	DeliveredAt          *time.Time
	CancelledAt          *time.Time
	CancelReason         *string
	RefundedAt           *time.Time
	InvoiceID            string
	StatusHistory        []OrderStatusChange

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InvoiceLine is a billed position copied from the order snapshot.
type InvoiceLine struct {
	Label     string
	Quantity  int
	UnitPrice int64
	Total     int64
}

// Invoice is the immutable billing document issued for an order.
type Invoice struct {
	ID            string
	InvoiceNumber string
	OrderID       string
	OrderNumber   string
	Owner         Owner
	Lines         []InvoiceLine
	Currency      string
	PaymentMethod PaymentMethod
	Pricing       Pricing
	CreatedAt     time.Time
}

// Product is the catalog view consumed when snapshotting checkout items.
type Product struct {
	Ref       string
	Name      string
	Image     string
	UnitPrice int64
	Active    bool
}

// Coupon is a resolved coupon as reported by the coupon collaborator.
type Coupon struct {
	Ref            string
	Code           string
	DiscountAmount int64
}

// CursorPage represents a paginated result set with an optional continuation token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
