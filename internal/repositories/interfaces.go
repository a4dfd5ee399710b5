package repositories

import (
	"context"
	"time"

	domain "github.com/qrshop/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Checkouts() CheckoutRepository
	Orders() OrderRepository
	Invoices() InvoiceRepository
	Catalog() ProductCatalog
	Coupons() CouponResolver
	Counters() CounterRepository
	HealthChecks() []DependencyCheck
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// FinalizeFunc builds the order for a checkout snapshot read under the checkout's write lock.
// It may run more than once when the backend retries a contended transaction. counters is bound to
// the same transaction, so numbers drawn by an attempt that rolls back are returned.
type FinalizeFunc func(checkout domain.Checkout, counters CounterRepository) (domain.Order, error)

// IssueInvoiceFunc builds the invoice for an order snapshot read under the order's write lock.
// counters is bound to the same transaction as in FinalizeFunc.
type IssueInvoiceFunc func(order domain.Order, counters CounterRepository) (domain.Invoice, error)

// OrderMutator applies a change to an order snapshot read under the order's write lock.
type OrderMutator func(order *domain.Order) error

// CheckoutRepository persists checkouts and owns the single-writer boundary for finalization.
type CheckoutRepository interface {
	Insert(ctx context.Context, checkout domain.Checkout) error
	FindByID(ctx context.Context, checkoutID string) (domain.Checkout, error)
	// MarkPaid records the payment confirmation only while the checkout is unpaid. The bool
	// reports whether this call performed the transition.
	MarkPaid(ctx context.Context, checkoutID string, confirmation domain.PaymentConfirmation) (domain.Checkout, bool, error)
	// MarkPaymentFailed flags an unpaid checkout whose ledger transfer did not match the expected amount.
	MarkPaymentFailed(ctx context.Context, checkoutID string, at time.Time) (domain.Checkout, error)
	// Finalize links exactly one order to the checkout. When the checkout is already finalized the
	// linked order is returned with created=false and build is not invoked.
	Finalize(ctx context.Context, checkoutID string, build FinalizeFunc) (domain.Order, bool, error)
	ListAwaitingPayment(ctx context.Context, filter CheckoutSweepFilter) ([]domain.Checkout, error)
}

// OrderRepository persists orders and owns the single-writer boundary for invoice issuance.
type OrderRepository interface {
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// Mutate runs fn against the current order and persists the result atomically.
	Mutate(ctx context.Context, orderID string, fn OrderMutator) (domain.Order, error)
	// IssueInvoice links at most one invoice to the order. When an invoice is already linked it is
	// returned with created=false and build is not invoked.
	IssueInvoice(ctx context.Context, orderID string, build IssueInvoiceFunc) (domain.Invoice, bool, error)
}

// InvoiceRepository exposes read access to issued invoices.
type InvoiceRepository interface {
	FindByID(ctx context.Context, invoiceID string) (domain.Invoice, error)
	FindByOrderID(ctx context.Context, orderID string) (domain.Invoice, error)
}

// ProductCatalog resolves product snapshots for checkout creation.
type ProductCatalog interface {
	Snapshot(ctx context.Context, refs []string) (map[string]domain.Product, error)
}

// CouponResolver resolves a normalised coupon code into a discount for the given items price.
type CouponResolver interface {
	Resolve(ctx context.Context, code string, itemsPrice int64) (domain.Coupon, error)
}

// CounterRepository provides atomic sequence generation.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// HealthRepository aggregates dependency checks for readiness.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// CheckoutSweepFilter selects unpaid, unfinalized checkouts for background reconciliation.
type CheckoutSweepFilter struct {
	CreatedAfter time.Time
	Limit        int
}

// OrderListFilter scopes order listings to an owner.
type OrderListFilter struct {
	Owner     domain.Owner
	Statuses  []domain.OrderStatus
	PageSize  int
	PageToken string
}
