package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/qrshop/api/internal/domain"
	pfirestore "github.com/qrshop/api/internal/platform/firestore"
	"github.com/qrshop/api/internal/repositories"
)

// CatalogRepository reads product snapshots from the products collection.
type CatalogRepository struct {
	store *Store
}

// Snapshot batch-reads the referenced products. Missing documents are omitted.
func (r *CatalogRepository) Snapshot(ctx context.Context, refs []string) (map[string]domain.Product, error) {
	client, err := r.store.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	docRefs := make([]*firestore.DocumentRef, 0, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		docRef, err := r.store.products.Ref(ctx, ref)
		if err != nil {
			return nil, err
		}
		docRefs = append(docRefs, docRef)
	}
	out := make(map[string]domain.Product, len(docRefs))
	if len(docRefs) == 0 {
		return out, nil
	}

	snaps, err := client.GetAll(ctx, docRefs)
	if err != nil {
		return nil, pfirestore.WrapError("products.snapshot", err)
	}
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		doc, err := r.store.products.Decode(snap)
		if err != nil {
			return nil, err
		}
		out[snap.Ref.ID] = domain.Product{
			Ref:       snap.Ref.ID,
			Name:      doc.Name,
			Image:     doc.Image,
			UnitPrice: doc.UnitPrice,
			Active:    doc.Active,
		}
	}
	return out, nil
}

// CouponRepository resolves coupons stored under their upper-cased code.
type CouponRepository struct {
	store *Store
}

func (r *CouponRepository) Resolve(ctx context.Context, code string, itemsPrice int64) (domain.Coupon, error) {
	key := strings.ToUpper(strings.TrimSpace(code))
	if key == "" {
		return domain.Coupon{}, repositories.Invalid("coupons.resolve", "coupon code is required")
	}
	doc, err := r.store.coupons.Get(ctx, key)
	if err != nil {
		return domain.Coupon{}, mapGetError("coupons.resolve", key, err)
	}
	rule := domain.CouponRule{
		Ref:            key,
		Code:           key,
		DiscountAmount: doc.DiscountAmount,
		MinItemsPrice:  doc.MinItemsPrice,
		Active:         doc.Active,
	}
	coupon, ok := rule.Apply(itemsPrice)
	if !ok {
		return domain.Coupon{}, repositories.Invalid("coupons.resolve", "coupon %q does not apply", key)
	}
	return coupon, nil
}

// CounterRepository implements repositories.CounterRepository with a transactional read-increment-write.
type CounterRepository struct {
	store *Store
}

// Next atomically increments the counter identified by counterID and returns the new value.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id, step, err := counterArgs(counterID, step)
	if err != nil {
		return 0, err
	}
	ref, err := r.store.counters.Ref(ctx, id)
	if err != nil {
		return 0, err
	}

	var next int64
	err = r.store.runTx(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		value, err := r.store.incrementTx(tx, ref, step)
		next = value
		return err
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// txCounters draws counter values inside the caller's transaction. Firestore allows no reads after
// the first write, so builders call Next before the transaction writes anything.
type txCounters struct {
	store *Store
	tx    *firestore.Transaction
	// err keeps the last Firestore failure so the caller can return it unwrapped and let the
	// transaction retry on contention.
	err error
}

func (c *txCounters) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id, step, err := counterArgs(counterID, step)
	if err != nil {
		return 0, err
	}
	ref, err := c.store.counters.Ref(ctx, id)
	if err != nil {
		c.err = err
		return 0, err
	}
	next, err := c.store.incrementTx(c.tx, ref, step)
	if err != nil {
		c.err = err
		return 0, err
	}
	return next, nil
}

// buildError returns err ready to leave a transaction function: Firestore failures raised by the
// counters pass through for retry, everything else aborts.
func (c *txCounters) buildError(err error) error {
	if c.err != nil && errors.Is(err, c.err) {
		return c.err
	}
	return &pfirestore.Abort{Err: err}
}

func (s *Store) incrementTx(tx *firestore.Transaction, ref *firestore.DocumentRef, step int64) (int64, error) {
	now := time.Now().UTC()
	doc, err := s.counters.GetTx(tx, ref)
	switch {
	case pfirestore.IsNotFound(err):
		return step, tx.Create(ref, counterDoc{CurrentValue: step, UpdatedAt: now})
	case err != nil:
		return 0, err
	}
	next := doc.CurrentValue + step
	return next, tx.Set(ref, counterDoc{CurrentValue: next, UpdatedAt: now})
}

func counterArgs(counterID string, step int64) (string, int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return "", 0, repositories.Invalid("counters.next", "counter id is required")
	}
	if step < 0 {
		return "", 0, repositories.Invalid("counters.next", "step must be positive, got %d", step)
	}
	if step == 0 {
		step = 1
	}
	return id, step, nil
}
