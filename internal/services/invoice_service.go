package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/repositories"
)

const invoiceEventIssued = "invoice.issued"

var (
	// ErrInvoiceInvalidInput signals the caller provided invalid data.
	ErrInvoiceInvalidInput = errors.New("invoice: invalid input")
	// ErrInvoiceNotFound indicates the order has no invoice.
	ErrInvoiceNotFound = errors.New("invoice: not found")
	// ErrInvoiceNotEligible indicates the order cannot be invoiced in its current state.
	ErrInvoiceNotEligible = errors.New("invoice: order not eligible")
	// ErrInvoiceConflict indicates persistent write conflicts while issuing.
	ErrInvoiceConflict = errors.New("invoice: conflict")
	// ErrInvoiceUnavailable indicates the invoice store is currently unavailable.
	ErrInvoiceUnavailable = errors.New("invoice: unavailable")
)

var invoiceRepositoryErrors = repositoryErrorSet{
	invalid:     ErrInvoiceInvalidInput,
	notFound:    ErrInvoiceNotFound,
	conflict:    ErrInvoiceConflict,
	unavailable: ErrInvoiceUnavailable,
}

// InvoiceServiceDeps bundles collaborators required to construct the invoice service.
type InvoiceServiceDeps struct {
	Orders      repositories.OrderRepository
	Invoices    repositories.InvoiceRepository
	Archive     InvoiceArchiver
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      Logger
}

type invoiceService struct {
	orders   repositories.OrderRepository
	invoices repositories.InvoiceRepository
	archive  InvoiceArchiver
	now      func() time.Time
	newID    func() string
	events   OrderEventPublisher
	logger   Logger
}

var _ InvoiceService = (*invoiceService)(nil)

// NewInvoiceService constructs an InvoiceService.
func NewInvoiceService(deps InvoiceServiceDeps) (InvoiceService, error) {
	if deps.Orders == nil {
		return nil, errors.New("invoice service: order repository is required")
	}
	if deps.Invoices == nil {
		return nil, errors.New("invoice service: invoice repository is required")
	}
	return &invoiceService{
		orders:   deps.Orders,
		invoices: deps.Invoices,
		archive:  deps.Archive,
		now:      utcClock(deps.Clock),
		newID:    idGenerator(deps.IDGenerator),
		events:   deps.Events,
		logger:   loggerOrNoop(deps.Logger),
	}, nil
}

// InvoiceEligible reports whether an order may be invoiced. Deferred-payment orders qualify once
// delivered; prepaid orders qualify unless cancelled or refunded before delivery.
func InvoiceEligible(order Order) bool {
	switch order.Status {
	case domain.OrderStatusDelivered:
		return true
	case domain.OrderStatusCancelled:
		return false
	case domain.OrderStatusRefunded:
		return order.IsDelivered && !domain.IsDeferredPaymentMethod(order.PaymentMethod)
	}
	return !domain.IsDeferredPaymentMethod(order.PaymentMethod)
}

func (s *invoiceService) IssueInvoice(ctx context.Context, cmd IssueInvoiceCommand) (InvoiceResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return InvoiceResult{}, fmt.Errorf("%w: order id is required", ErrInvoiceInvalidInput)
	}
	actor := strings.TrimSpace(cmd.ActorID)

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return InvoiceResult{}, orderRepositoryErrors.mapError(err)
	}
	if !InvoiceEligible(order) {
		return InvoiceResult{}, fmt.Errorf("%w: order %s is %s", ErrInvoiceNotEligible, order.ID, order.Status)
	}
	if order.InvoiceID != "" {
		invoice, err := s.invoices.FindByID(ctx, order.InvoiceID)
		if err != nil {
			return InvoiceResult{}, invoiceRepositoryErrors.mapError(err)
		}
		return InvoiceResult{Invoice: invoice}, nil
	}

	invoice, created, err := s.orders.IssueInvoice(ctx, orderID, func(locked domain.Order, counters repositories.CounterRepository) (domain.Invoice, error) {
		if !InvoiceEligible(locked) {
			return domain.Invoice{}, fmt.Errorf("%w: order %s is %s", ErrInvoiceNotEligible, locked.ID, locked.Status)
		}
		return s.buildInvoice(ctx, locked, counters)
	})
	if err != nil {
		if errors.Is(err, ErrInvoiceNotEligible) {
			return InvoiceResult{}, err
		}
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return InvoiceResult{}, fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		}
		return InvoiceResult{}, invoiceRepositoryErrors.mapError(err)
	}
	if !created {
		s.logger(ctx, "invoice.issue.conflict", map[string]any{
			"orderId":   order.ID,
			"invoiceId": invoice.ID,
			"actor":     actor,
		})
		return InvoiceResult{Invoice: invoice}, nil
	}

	if s.archive != nil {
		location, err := s.archive.ArchiveInvoice(ctx, invoice)
		if err != nil {
			s.logger(ctx, "invoice.archive.failed", map[string]any{
				"orderId":   invoice.OrderID,
				"invoiceId": invoice.ID,
				"error":     err.Error(),
			})
		} else {
			s.logger(ctx, "invoice.archived", map[string]any{"invoiceId": invoice.ID, "location": location})
		}
	}

	publishEvent(ctx, s.events, s.logger, OrderEvent{
		Type:          invoiceEventIssued,
		AggregateID:   invoice.ID,
		CheckoutID:    order.CheckoutID,
		OrderID:       invoice.OrderID,
		OrderNumber:   invoice.OrderNumber,
		InvoiceID:     invoice.ID,
		CurrentStatus: string(order.Status),
		ActorID:       actor,
		OccurredAt:    invoice.CreatedAt,
		Metadata: map[string]any{
			"invoiceNumber": invoice.InvoiceNumber,
			"totalPrice":    invoice.Pricing.TotalPrice,
		},
	})
	return InvoiceResult{Invoice: invoice, Created: true}, nil
}

func (s *invoiceService) GetInvoice(ctx context.Context, orderID string) (Invoice, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return Invoice{}, fmt.Errorf("%w: order id is required", ErrInvoiceInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return Invoice{}, orderRepositoryErrors.mapError(err)
	}
	if order.InvoiceID == "" {
		return Invoice{}, fmt.Errorf("%w: order %s has no invoice", ErrInvoiceNotFound, order.ID)
	}
	invoice, err := s.invoices.FindByID(ctx, order.InvoiceID)
	if err != nil {
		return Invoice{}, invoiceRepositoryErrors.mapError(err)
	}
	return invoice, nil
}

func (s *invoiceService) buildInvoice(ctx context.Context, order Order, counters repositories.CounterRepository) (Invoice, error) {
	now := s.now()
	seq, err := counters.Next(ctx, invoiceCounterID, 1)
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice number: %w", err)
	}

	lines := make([]domain.InvoiceLine, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, domain.InvoiceLine{
			Label:     invoiceLabel(item),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		})
	}
	return Invoice{
		ID:            invoiceIDPrefix + s.newID(),
		InvoiceNumber: fmt.Sprintf("INV-%04d-%06d", now.Year(), seq),
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		Owner:         order.Owner,
		Lines:         lines,
		Currency:      order.Currency,
		PaymentMethod: order.PaymentMethod,
		Pricing:       order.Pricing,
		CreatedAt:     now,
	}, nil
}

func invoiceLabel(item LineItem) string {
	var variant []string
	if item.Size != "" {
		variant = append(variant, item.Size)
	}
	if item.Color != "" {
		variant = append(variant, item.Color)
	}
	if len(variant) == 0 {
		return item.Name
	}
	return fmt.Sprintf("%s (%s)", item.Name, strings.Join(variant, ", "))
}
