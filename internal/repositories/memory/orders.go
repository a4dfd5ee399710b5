package memory

import (
	"context"
	"slices"
	"sort"
	"strings"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/platform/pagination"
	"github.com/qrshop/api/internal/repositories"
)

type orderRepository struct{ s *Store }

func (r orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	return r.load("orders.get", orderID)
}

func (r orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if err := ctx.Err(); err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	offset, err := pagination.DecodeOffset(filter.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, repositories.Invalid("orders.list", "%v", err)
	}
	ownerKey := filter.Owner.Key()

	r.s.mu.RLock()
	matches := make([]domain.Order, 0)
	for _, order := range r.s.orders {
		if ownerKey != "" && order.Owner.Key() != ownerKey {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, order.Status) {
			continue
		}
		matches = append(matches, order)
	}
	r.s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID > matches[j].ID
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	start, end, next := pagination.Window(len(matches), offset, pagination.Clamp(filter.PageSize, pagination.Options{}))
	items := make([]domain.Order, 0, end-start)
	for _, order := range matches[start:end] {
		items = append(items, order.Clone())
	}
	return domain.CursorPage[domain.Order]{Items: items, NextPageToken: next}, nil
}

func (r orderRepository) Mutate(ctx context.Context, orderID string, fn repositories.OrderMutator) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	if fn == nil {
		return domain.Order{}, repositories.Invalid("orders.mutate", "mutator is required")
	}
	unlock := r.s.orderLocks.Lock(orderID)
	defer unlock()

	order, err := r.load("orders.mutate", orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := fn(&order); err != nil {
		return domain.Order{}, err
	}
	if order.ID != strings.TrimSpace(orderID) {
		return domain.Order{}, repositories.Invalid("orders.mutate", "order id must not change")
	}
	r.s.mu.Lock()
	r.s.orders[order.ID] = order.Clone()
	r.s.mu.Unlock()
	return order, nil
}

func (r orderRepository) IssueInvoice(ctx context.Context, orderID string, build repositories.IssueInvoiceFunc) (domain.Invoice, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Invoice{}, false, err
	}
	if build == nil {
		return domain.Invoice{}, false, repositories.Invalid("orders.issue_invoice", "build function is required")
	}
	unlock := r.s.orderLocks.Lock(orderID)
	defer unlock()

	order, err := r.load("orders.issue_invoice", orderID)
	if err != nil {
		return domain.Invoice{}, false, err
	}
	if order.InvoiceID != "" {
		r.s.mu.RLock()
		invoice, ok := r.s.invoices[order.InvoiceID]
		r.s.mu.RUnlock()
		if !ok {
			return domain.Invoice{}, false, repositories.Conflict("orders.issue_invoice", "order %s links missing invoice %s", order.ID, order.InvoiceID)
		}
		return invoice.Clone(), false, nil
	}

	invoice, err := build(order.Clone(), counters{r.s})
	if err != nil {
		return domain.Invoice{}, false, err
	}
	if strings.TrimSpace(invoice.ID) == "" || invoice.OrderID != order.ID {
		return domain.Invoice{}, false, repositories.Invalid("orders.issue_invoice", "invoice must carry an id and the order id")
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, dup := r.s.invoicesByOrder[order.ID]; dup {
		return domain.Invoice{}, false, repositories.Conflict("orders.issue_invoice", "order %s already invoiced as %s", order.ID, existing)
	}
	if _, dup := r.s.invoices[invoice.ID]; dup {
		return domain.Invoice{}, false, repositories.Conflict("orders.issue_invoice", "invoice %s already exists", invoice.ID)
	}
	order.InvoiceID = invoice.ID
	order.UpdatedAt = invoice.CreatedAt.UTC()
	r.s.invoices[invoice.ID] = invoice.Clone()
	r.s.invoicesByOrder[order.ID] = invoice.ID
	r.s.orders[order.ID] = order
	return invoice.Clone(), true, nil
}

func (r orderRepository) load(op, orderID string) (domain.Order, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	order, ok := r.s.orders[strings.TrimSpace(orderID)]
	if !ok {
		return domain.Order{}, repositories.NotFound(op, "order %s not found", orderID)
	}
	return order.Clone(), nil
}

type invoiceRepository struct{ s *Store }

func (r invoiceRepository) FindByID(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return domain.Invoice{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	invoice, ok := r.s.invoices[strings.TrimSpace(invoiceID)]
	if !ok {
		return domain.Invoice{}, repositories.NotFound("invoices.get", "invoice %s not found", invoiceID)
	}
	return invoice.Clone(), nil
}

func (r invoiceRepository) FindByOrderID(ctx context.Context, orderID string) (domain.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return domain.Invoice{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	invoiceID, ok := r.s.invoicesByOrder[strings.TrimSpace(orderID)]
	if !ok {
		return domain.Invoice{}, repositories.NotFound("invoices.get_by_order", "order %s has no invoice", orderID)
	}
	return r.s.invoices[invoiceID].Clone(), nil
}
