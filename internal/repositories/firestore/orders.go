package firestore

import (
	"context"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/qrshop/api/internal/domain"
	pfirestore "github.com/qrshop/api/internal/platform/firestore"
	"github.com/qrshop/api/internal/platform/pagination"
	"github.com/qrshop/api/internal/repositories"
)

// Firestore limits "in" filters to 30 values; the status enum is far below that.
const maxStatusFilter = 30

// OrderRepository implements repositories.OrderRepository.
type OrderRepository struct {
	store *Store
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.store.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, mapGetError("orders.get", orderID, err)
	}
	return decodeOrder(orderID, doc), nil
}

func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	offset, err := pagination.DecodeOffset(filter.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, repositories.Invalid("orders.list", "%v", err)
	}
	if len(filter.Statuses) > maxStatusFilter {
		return domain.CursorPage[domain.Order]{}, repositories.Invalid("orders.list", "too many statuses")
	}
	pageSize := pagination.Clamp(filter.PageSize, pagination.Options{})

	docs, err := r.store.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if key := filter.Owner.Key(); key != "" {
			q = q.Where("ownerKey", "==", key)
		}
		if len(filter.Statuses) > 0 {
			statuses := make([]string, 0, len(filter.Statuses))
			for _, status := range filter.Statuses {
				statuses = append(statuses, string(status))
			}
			q = q.Where("status", "in", statuses)
		}
		return q.OrderBy("createdAt", firestore.Desc).
			OrderBy(firestore.DocumentID, firestore.Desc).
			Offset(offset).
			Limit(pageSize + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, pageSize)}
	for i, doc := range docs {
		if i == pageSize {
			page.NextPageToken = pagination.EncodeOffset(offset + pageSize)
			break
		}
		page.Items = append(page.Items, decodeOrder(doc.ID, doc.Data))
	}
	return page, nil
}

func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn repositories.OrderMutator) (domain.Order, error) {
	if fn == nil {
		return domain.Order{}, repositories.Invalid("orders.mutate", "mutator is required")
	}
	ref, err := r.store.orders.Ref(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	var result domain.Order
	err = r.store.runTx(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := txGet(tx, r.store.orders, ref, "orders.mutate")
		if err != nil {
			return err
		}
		order := decodeOrder(ref.ID, doc)
		if err := fn(&order); err != nil {
			return &pfirestore.Abort{Err: err}
		}
		if order.ID != ref.ID {
			return &pfirestore.Abort{Err: repositories.Invalid("orders.mutate", "order id must not change")}
		}
		if err := tx.Set(ref, encodeOrder(order)); err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return result, nil
}

// IssueInvoice creates the invoice and links it to the order in one transaction. The order is read
// inside the transaction, so a concurrent issuer retries and finds InvoiceID set.
func (r *OrderRepository) IssueInvoice(ctx context.Context, orderID string, build repositories.IssueInvoiceFunc) (domain.Invoice, bool, error) {
	if build == nil {
		return domain.Invoice{}, false, repositories.Invalid("orders.issue_invoice", "build function is required")
	}
	ref, err := r.store.orders.Ref(ctx, orderID)
	if err != nil {
		return domain.Invoice{}, false, err
	}
	var (
		result  domain.Invoice
		created bool
	)
	err = r.store.runTx(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		created = false
		doc, err := txGet(tx, r.store.orders, ref, "orders.issue_invoice")
		if err != nil {
			return err
		}
		order := decodeOrder(ref.ID, doc)
		if order.InvoiceID != "" {
			invoiceRef, err := r.store.invoices.Ref(ctx, order.InvoiceID)
			if err != nil {
				return err
			}
			invoiceDoc, err := txGet(tx, r.store.invoices, invoiceRef, "orders.issue_invoice")
			if err != nil {
				return err
			}
			result = decodeInvoice(invoiceRef.ID, invoiceDoc)
			return nil
		}

		counters := &txCounters{store: r.store, tx: tx}
		invoice, err := build(order, counters)
		if err != nil {
			return counters.buildError(err)
		}
		if strings.TrimSpace(invoice.ID) == "" || invoice.OrderID != order.ID {
			return &pfirestore.Abort{Err: repositories.Invalid("orders.issue_invoice", "invoice must carry an id and the order id")}
		}
		invoiceRef, err := r.store.invoices.Ref(ctx, invoice.ID)
		if err != nil {
			return err
		}
		if err := tx.Create(invoiceRef, encodeInvoice(invoice)); err != nil {
			return err
		}
		if err := tx.Update(ref, []firestore.Update{
			{Path: "invoiceId", Value: invoice.ID},
			{Path: "updatedAt", Value: invoice.CreatedAt.UTC()},
		}); err != nil {
			return err
		}
		result, created = invoice, true
		return nil
	})
	if err != nil {
		return domain.Invoice{}, false, err
	}
	return result, created, nil
}

// InvoiceRepository implements repositories.InvoiceRepository.
type InvoiceRepository struct {
	store *Store
}

func (r *InvoiceRepository) FindByID(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	doc, err := r.store.invoices.Get(ctx, invoiceID)
	if err != nil {
		return domain.Invoice{}, mapGetError("invoices.get", invoiceID, err)
	}
	return decodeInvoice(invoiceID, doc), nil
}

func (r *InvoiceRepository) FindByOrderID(ctx context.Context, orderID string) (domain.Invoice, error) {
	docs, err := r.store.invoices.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", strings.TrimSpace(orderID)).Limit(1)
	})
	if err != nil {
		return domain.Invoice{}, err
	}
	if len(docs) == 0 {
		return domain.Invoice{}, repositories.NotFound("invoices.get_by_order", "order %s has no invoice", orderID)
	}
	return decodeInvoice(docs[0].ID, docs[0].Data), nil
}
