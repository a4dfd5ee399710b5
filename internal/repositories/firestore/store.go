// Package firestore implements the repositories on Cloud Firestore. Finalization and invoice
// issuance run inside transactions that read the owning aggregate before writing, so concurrent
// callers serialise on that document.
package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/qrshop/api/internal/platform/firestore"
	"github.com/qrshop/api/internal/repositories"
)

// Store is a repositories.Registry backed by Firestore.
type Store struct {
	provider  *pfirestore.Provider
	checkouts *pfirestore.Collection[checkoutDoc]
	orders    *pfirestore.Collection[orderDoc]
	invoices  *pfirestore.Collection[invoiceDoc]
	products  *pfirestore.Collection[productDoc]
	coupons   *pfirestore.Collection[couponDoc]
	counters  *pfirestore.Collection[counterDoc]
}

var _ repositories.Registry = (*Store)(nil)

// NewStore binds the repositories to the provider. The provider is closed by Close.
func NewStore(provider *pfirestore.Provider) (*Store, error) {
	if provider == nil {
		return nil, errors.New("firestore store: provider is required")
	}
	return &Store{
		provider:  provider,
		checkouts: pfirestore.NewCollection[checkoutDoc](provider, checkoutsCollection),
		orders:    pfirestore.NewCollection[orderDoc](provider, ordersCollection),
		invoices:  pfirestore.NewCollection[invoiceDoc](provider, invoicesCollection),
		products:  pfirestore.NewCollection[productDoc](provider, productsCollection),
		coupons:   pfirestore.NewCollection[couponDoc](provider, couponsCollection),
		counters:  pfirestore.NewCollection[counterDoc](provider, countersCollection),
	}, nil
}

func (s *Store) Close(ctx context.Context) error { return s.provider.Close(ctx) }

func (s *Store) Checkouts() repositories.CheckoutRepository { return &CheckoutRepository{store: s} }
func (s *Store) Orders() repositories.OrderRepository       { return &OrderRepository{store: s} }
func (s *Store) Invoices() repositories.InvoiceRepository   { return &InvoiceRepository{store: s} }
func (s *Store) Catalog() repositories.ProductCatalog       { return &CatalogRepository{store: s} }
func (s *Store) Coupons() repositories.CouponResolver       { return &CouponRepository{store: s} }
func (s *Store) Counters() repositories.CounterRepository   { return &CounterRepository{store: s} }

// HealthChecks verifies Firestore connectivity.
func (s *Store) HealthChecks() []repositories.DependencyCheck {
	return []repositories.DependencyCheck{{Name: "firestore", Check: s.provider.Ping}}
}

// Provider exposes the underlying provider for components sharing the client (idempotency store).
func (s *Store) Provider() *pfirestore.Provider { return s.provider }

func (s *Store) runTx(ctx context.Context, fn pfirestore.TxFunc) error {
	return s.provider.RunTransaction(ctx, fn)
}

// txGet reads a document inside a transaction and maps a missing document to a repository not-found error.
func txGet[T any](tx *firestore.Transaction, coll *pfirestore.Collection[T], ref *firestore.DocumentRef, op string) (T, error) {
	value, err := coll.GetTx(tx, ref)
	if err != nil {
		if pfirestore.IsNotFound(err) {
			return value, &pfirestore.Abort{Err: repositories.NotFound(op, "%s %s not found", coll.Name(), ref.ID)}
		}
		return value, err
	}
	return value, nil
}

func mapGetError(op, id string, err error) error {
	if pfirestore.IsNotFound(err) {
		return repositories.NotFound(op, "%s not found", id)
	}
	return pfirestore.WrapError(op, err)
}
