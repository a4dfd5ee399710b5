package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/repositories"
)

const orderEventStatusChanged = "order.status.changed"

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates persistent write conflicts on the order.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the order store is currently unavailable.
	ErrOrderUnavailable = errors.New("order: unavailable")
)

var orderRepositoryErrors = repositoryErrorSet{
	invalid:     ErrOrderInvalidInput,
	notFound:    ErrOrderNotFound,
	conflict:    ErrOrderConflict,
	unavailable: ErrOrderUnavailable,
}

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPendingPayment: {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing:     {domain.OrderStatusDelivering, domain.OrderStatusCancelled},
	domain.OrderStatusDelivering:     {domain.OrderStatusDelivered},
	domain.OrderStatusDelivered:      {domain.OrderStatusRefunded},
	domain.OrderStatusCancelled:      {domain.OrderStatusRefunded},
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders repositories.OrderRepository
	Clock  func() time.Time
	Events OrderEventPublisher
	Logger Logger
}

type orderService struct {
	orders repositories.OrderRepository
	now    func() time.Time
	events OrderEventPublisher
	logger Logger
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	return &orderService{
		orders: deps.Orders,
		now:    utcClock(deps.Clock),
		events: deps.Events,
		logger: loggerOrNoop(deps.Logger),
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return Order{}, orderRepositoryErrors.mapError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	if !filter.Owner.Valid() {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: owner is required", ErrOrderInvalidInput)
	}
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, orderRepositoryErrors.mapError(err)
	}
	return page, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target, ok := domain.ParseOrderStatus(cmd.TargetStatus)
	if !ok {
		return Order{}, fmt.Errorf("%w: unknown target status %q", ErrOrderInvalidInput, cmd.TargetStatus)
	}
	var expected *domain.OrderStatus
	if cmd.ExpectedStatus != nil && strings.TrimSpace(*cmd.ExpectedStatus) != "" {
		status, ok := domain.ParseOrderStatus(*cmd.ExpectedStatus)
		if !ok {
			return Order{}, fmt.Errorf("%w: unknown expected status %q", ErrOrderInvalidInput, *cmd.ExpectedStatus)
		}
		expected = &status
	}
	return s.transition(ctx, orderID, target, strings.TrimSpace(cmd.ActorID), strings.TrimSpace(cmd.Reason), func(order *Order) error {
		if expected != nil && order.Status != *expected {
			return fmt.Errorf("%w: expected status %s but was %s", ErrOrderInvalidState, *expected, order.Status)
		}
		return nil
	})
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	return s.transition(ctx, orderID, domain.OrderStatusCancelled, strings.TrimSpace(cmd.ActorID), strings.TrimSpace(cmd.Reason), func(order *Order) error {
		if cmd.Owner != nil && !cmd.Owner.Matches(order.Owner) {
			return fmt.Errorf("%w: order %s", ErrOrderNotFound, order.ID)
		}
		return nil
	})
}

func (s *orderService) transition(ctx context.Context, orderID string, target domain.OrderStatus, actor, reason string, guard func(*Order) error) (Order, error) {
	var previous domain.OrderStatus
	now := s.now()
	order, err := s.orders.Mutate(ctx, orderID, func(order *domain.Order) error {
		if err := guard(order); err != nil {
			return err
		}
		previous = order.Status
		return applyStatusTransition(order, target, actor, reason, now)
	})
	if err != nil {
		if errors.Is(err, ErrOrderInvalidState) || errors.Is(err, ErrOrderNotFound) {
			return Order{}, err
		}
		return Order{}, orderRepositoryErrors.mapError(err)
	}

	metadata := map[string]any{}
	if reason != "" {
		metadata["reason"] = reason
	}
	publishEvent(ctx, s.events, s.logger, OrderEvent{
		Type:           orderEventStatusChanged,
		AggregateID:    order.ID,
		CheckoutID:     order.CheckoutID,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        actor,
		OccurredAt:     now,
		Metadata:       metadata,
	})
	return order, nil
}

// CanTransition reports whether the status graph allows moving from current to target.
func CanTransition(current, target domain.OrderStatus) bool {
	return slices.Contains(orderStateTransitions[current], target)
}

func applyStatusTransition(order *Order, target domain.OrderStatus, actor, reason string, now time.Time) error {
	current := order.Status
	if current == target {
		return fmt.Errorf("%w: order is already %s", ErrOrderInvalidState, current)
	}
	if !CanTransition(current, target) {
		return fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, current, target)
	}
	if target == domain.OrderStatusRefunded && !order.IsPaid {
		return fmt.Errorf("%w: unpaid orders cannot be refunded", ErrOrderInvalidState)
	}

	switch target {
	case domain.OrderStatusDelivered:
		order.IsDelivered = true
		order.DeliveredAt = domain.TimePtr(now)
		if domain.IsDeferredPaymentMethod(order.PaymentMethod) && !order.IsPaid {
			order.IsPaid = true
			order.PaidAt = domain.TimePtr(now)
		}
	case domain.OrderStatusCancelled:
		order.CancelledAt = domain.TimePtr(now)
		if reason != "" {
			order.CancelReason = &reason
		}
	case domain.OrderStatusRefunded:
		order.RefundedAt = domain.TimePtr(now)
	}

	order.Status = target
	order.UpdatedAt = now
	order.StatusHistory = append(order.StatusHistory, domain.OrderStatusChange{
		From:    current,
		To:      target,
		ActorID: actor,
		Reason:  reason,
		At:      now,
	})
	return nil
}
