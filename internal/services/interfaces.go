package services

import (
	"context"
	"time"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Checkout           = domain.Checkout
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	Invoice            = domain.Invoice
	Owner              = domain.Owner
	Address            = domain.Address
	LineItem           = domain.LineItem
	PaymentMethod      = domain.PaymentMethod
	SystemHealthReport = domain.SystemHealthReport
	OrderListFilter    = repositories.OrderListFilter
)

// CheckoutService creates checkout snapshots and serves them back to their owner.
type CheckoutService interface {
	CreateCheckout(ctx context.Context, cmd CreateCheckoutCommand) (Checkout, error)
	GetCheckout(ctx context.Context, checkoutID string) (Checkout, error)
	// PaymentInstructions returns the transfer reference and QR payload for an unpaid checkout.
	PaymentInstructions(ctx context.Context, checkoutID string) (PaymentInstructions, error)
}

// PaymentReconciler polls the payment gateway and records confirmations on the checkout.
type PaymentReconciler interface {
	CheckAndUpdate(ctx context.Context, checkoutID string) (PaymentState, error)
}

// OrderFinalizer converts a paid (or deferred-payment) checkout into exactly one order.
type OrderFinalizer interface {
	Finalize(ctx context.Context, cmd FinalizeCommand) (Order, error)
}

// OrderService reads orders and drives the status machine.
type OrderService interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
}

// InvoiceService issues and reads invoices. At most one invoice exists per order.
type InvoiceService interface {
	IssueInvoice(ctx context.Context, cmd IssueInvoiceCommand) (InvoiceResult, error)
	GetInvoice(ctx context.Context, orderID string) (Invoice, error)
}

// PaymentSweeper reconciles unpaid checkouts in bulk for the scheduler trigger.
type PaymentSweeper interface {
	Sweep(ctx context.Context, cmd SweepCommand) (SweepResult, error)
}

// SystemService exposes health reports.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// CheckoutItemInput is a client requested line; prices come from the catalog.
type CheckoutItemInput struct {
	ProductRef string
	Quantity   int
	Size       string
	Color      string
}

type CreateCheckoutCommand struct {
	Owner           Owner
	Items           []CheckoutItemInput
	ShippingAddress Address
	CouponCode      *string
	PaymentMethod   string
}

// PaymentInstructions is what the client renders as the QR payment screen.
type PaymentInstructions struct {
	CheckoutID    string
	Reference     string
	Memo          string
	Amount        int64
	Currency      string
	BankCode      string
	AccountNumber string
	AccountName   string
	QRURL         string
}

// PaymentState is the poll response for a checkout.
type PaymentState struct {
	CheckoutID    string
	IsPaid        bool
	PaidAt        *time.Time
	PaymentStatus string
	OrderID       string
}

type FinalizeCommand struct {
	CheckoutID string
	ActorID    string
}

type OrderStatusTransitionCommand struct {
	OrderID        string
	TargetStatus   string
	ActorID        string
	Reason         string
	ExpectedStatus *string
}

type CancelOrderCommand struct {
	OrderID string
	ActorID string
	Reason  string
	// Owner, when set, must match the order owner.
	Owner *Owner
}

type IssueInvoiceCommand struct {
	OrderID string
	ActorID string
}

// InvoiceResult reports whether the call issued the invoice or returned the existing one.
type InvoiceResult struct {
	Invoice Invoice
	Created bool
}

type SweepCommand struct {
	Limit    int
	MaxAge   time.Duration
	Finalize bool
	ActorID  string
}

type SweepResult struct {
	Scanned   int
	Paid      int
	Finalized int
	Failed    int
}

// OrderEventPublisher publishes checkout, order and invoice domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted domain events.
type OrderEvent struct {
	Type           string
	AggregateID    string
	CheckoutID     string
	OrderID        string
	OrderNumber    string
	InvoiceID      string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// InvoiceArchiver stores a durable copy of an issued invoice.
type InvoiceArchiver interface {
	ArchiveInvoice(ctx context.Context, invoice Invoice) (string, error)
}
