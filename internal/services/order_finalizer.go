package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/platform/cache"
	"github.com/qrshop/api/internal/repositories"
)

const (
	orderEventCreated = "order.created"

	finalizeReason = "checkout finalized"
)

// OrderFinalizerDeps wires the finalizer collaborators.
type OrderFinalizerDeps struct {
	Checkouts   repositories.CheckoutRepository
	StatusCache cache.Cache
	StatusTTL   time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      Logger
	Meter       metric.Meter
}

type orderFinalizer struct {
	checkouts   repositories.CheckoutRepository
	statusCache cache.Cache
	statusTTL   time.Duration
	now         func() time.Time
	newID       func() string
	events      OrderEventPublisher
	logger      Logger
	results     metric.Int64Counter
}

var _ OrderFinalizer = (*orderFinalizer)(nil)

// NewOrderFinalizer constructs an OrderFinalizer.
func NewOrderFinalizer(deps OrderFinalizerDeps) (OrderFinalizer, error) {
	if deps.Checkouts == nil {
		return nil, errors.New("order finalizer: checkout repository is required")
	}
	statusCache := deps.StatusCache
	if statusCache == nil {
		statusCache = cache.Noop{}
	}
	ttl := deps.StatusTTL
	if ttl <= 0 {
		ttl = defaultPaymentStatusTTL
	}
	return &orderFinalizer{
		checkouts:   deps.Checkouts,
		statusCache: statusCache,
		statusTTL:   ttl,
		now:         utcClock(deps.Clock),
		newID:       idGenerator(deps.IDGenerator),
		events:      deps.Events,
		logger:      loggerOrNoop(deps.Logger),
		results:     int64Counter(deps.Meter, "orders.finalize.result", "Outcomes of checkout finalization"),
	}, nil
}

// canFinalize reports whether the checkout's payment rule allows order creation.
func canFinalize(checkout Checkout) bool {
	return checkout.IsPaid || domain.IsDeferredPaymentMethod(checkout.PaymentMethod)
}

func (f *orderFinalizer) Finalize(ctx context.Context, cmd FinalizeCommand) (Order, error) {
	checkoutID := strings.TrimSpace(cmd.CheckoutID)
	if checkoutID == "" {
		return Order{}, fmt.Errorf("%w: checkout id is required", ErrCheckoutInvalidInput)
	}
	actor := strings.TrimSpace(cmd.ActorID)

	checkout, err := f.checkouts.FindByID(ctx, checkoutID)
	if err != nil {
		return Order{}, checkoutRepositoryErrors.mapError(err)
	}
	if !checkout.IsFinalized && !canFinalize(checkout) {
		f.record(ctx, "payment_not_confirmed")
		return Order{}, fmt.Errorf("%w: checkout %s has not been paid", ErrPaymentNotConfirmed, checkout.ID)
	}

	order, created, err := f.checkouts.Finalize(ctx, checkoutID, func(locked domain.Checkout, counters repositories.CounterRepository) (domain.Order, error) {
		if !canFinalize(locked) {
			return domain.Order{}, fmt.Errorf("%w: checkout %s has not been paid", ErrPaymentNotConfirmed, locked.ID)
		}
		return f.buildOrder(ctx, locked, counters, actor)
	})
	if err != nil {
		if errors.Is(err, ErrPaymentNotConfirmed) {
			f.record(ctx, "payment_not_confirmed")
			return Order{}, err
		}
		return Order{}, checkoutRepositoryErrors.mapError(err)
	}

	rememberPaymentState(ctx, f.statusCache, f.statusTTL, f.logger, PaymentState{
		CheckoutID:    checkout.ID,
		IsPaid:        order.IsPaid,
		PaidAt:        order.PaidAt,
		PaymentStatus: checkoutPaymentStatus(order),
		OrderID:       order.ID,
	})

	if !created {
		if !checkout.IsFinalized {
			f.logger(ctx, "order.finalize.conflict", map[string]any{
				"checkoutId": checkout.ID,
				"orderId":    order.ID,
				"actor":      actor,
			})
		}
		f.record(ctx, "existing")
		return order, nil
	}

	f.record(ctx, "created")
	publishEvent(ctx, f.events, f.logger, OrderEvent{
		Type:          orderEventCreated,
		AggregateID:   order.ID,
		CheckoutID:    order.CheckoutID,
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		CurrentStatus: string(order.Status),
		ActorID:       actor,
		OccurredAt:    order.CreatedAt,
		Metadata: map[string]any{
			"paymentMethod": string(order.PaymentMethod),
			"totalPrice":    order.Pricing.TotalPrice,
		},
	})
	return order, nil
}

func checkoutPaymentStatus(order Order) string {
	if order.IsPaid {
		return domain.PaymentStatusPaid
	}
	return domain.PaymentStatusPending
}

func (f *orderFinalizer) buildOrder(ctx context.Context, checkout Checkout, counters repositories.CounterRepository, actor string) (Order, error) {
	now := f.now()
	number, err := nextOrderNumber(ctx, counters, now)
	if err != nil {
		return Order{}, err
	}

	status := domain.OrderStatusPendingPayment
	if checkout.IsPaid {
		status = domain.OrderStatusProcessing
	}
	snapshot := checkout.Clone()
	return Order{
		ID:                   orderIDPrefix + f.newID(),
		OrderNumber:          number,
		CheckoutID:           checkout.ID,
		Owner:                snapshot.Owner,
		Items:                snapshot.Items,
		ShippingAddress:      snapshot.ShippingAddress,
		Coupon:               snapshot.Coupon,
		PaymentMethod:        snapshot.PaymentMethod,
		Currency:             snapshot.Currency,
		Pricing:              snapshot.Pricing,
		Status:               status,
		IsPaid:               snapshot.IsPaid,
		PaidAt:               snapshot.PaidAt,
		PaymentTransactionID: snapshot.PaymentTransactionID,
		StatusHistory: []domain.OrderStatusChange{{
			To:      status,
			ActorID: actor,
			Reason:  finalizeReason,
			At:      now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func nextOrderNumber(ctx context.Context, counters repositories.CounterRepository, now time.Time) (string, error) {
	seq, err := counters.Next(ctx, orderCounterID, 1)
	if err != nil {
		return "", fmt.Errorf("order number: %w", err)
	}
	return fmt.Sprintf("QR-%04d-%06d", now.Year(), seq), nil
}

func (f *orderFinalizer) record(ctx context.Context, result string) {
	f.results.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
