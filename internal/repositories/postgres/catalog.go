package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/repositories"
)

type catalog struct{ s *Store }

func (c catalog) Snapshot(ctx context.Context, refs []string) (map[string]domain.Product, error) {
	cleaned := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref = strings.TrimSpace(ref); ref != "" {
			cleaned = append(cleaned, ref)
		}
	}
	out := make(map[string]domain.Product, len(cleaned))
	if len(cleaned) == 0 {
		return out, nil
	}
	rows, err := c.s.db.QueryContext(ctx, `SELECT ref, name, image, unit_price, active FROM products WHERE ref = ANY($1)`, cleaned)
	if err != nil {
		return nil, wrap("catalog.snapshot", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.Ref, &p.Name, &p.Image, &p.UnitPrice, &p.Active); err != nil {
			return nil, wrap("catalog.snapshot", err)
		}
		out[p.Ref] = p
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("catalog.snapshot", err)
	}
	return out, nil
}

// UpsertProduct stores or replaces a catalog entry.
func (s *Store) UpsertProduct(ctx context.Context, p domain.Product) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (ref, name, image, unit_price, active) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ref) DO UPDATE SET name = EXCLUDED.name, image = EXCLUDED.image,
			unit_price = EXCLUDED.unit_price, active = EXCLUDED.active
	`, strings.TrimSpace(p.Ref), p.Name, p.Image, p.UnitPrice, p.Active)
	return wrap("catalog.upsert", err)
}

type coupons struct{ s *Store }

func (c coupons) Resolve(ctx context.Context, code string, itemsPrice int64) (domain.Coupon, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	var rule domain.CouponRule
	err := c.s.db.QueryRowContext(ctx,
		`SELECT code, ref, discount_amount, min_items_price, active FROM coupons WHERE code = $1`, normalized,
	).Scan(&rule.Code, &rule.Ref, &rule.DiscountAmount, &rule.MinItemsPrice, &rule.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Coupon{}, repositories.NotFound("coupons.resolve", "coupon %q not found", code)
	}
	if err != nil {
		return domain.Coupon{}, wrap("coupons.resolve", err)
	}
	coupon, applies := rule.Apply(itemsPrice)
	if !applies {
		return domain.Coupon{}, repositories.Invalid("coupons.resolve", "coupon %q does not apply", code)
	}
	return coupon, nil
}

// UpsertCoupon stores or replaces a coupon rule keyed by its upper-cased code.
func (s *Store) UpsertCoupon(ctx context.Context, rule domain.CouponRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coupons (code, ref, discount_amount, min_items_price, active) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (code) DO UPDATE SET ref = EXCLUDED.ref, discount_amount = EXCLUDED.discount_amount,
			min_items_price = EXCLUDED.min_items_price, active = EXCLUDED.active
	`, strings.ToUpper(strings.TrimSpace(rule.Code)), rule.Ref, rule.DiscountAmount, rule.MinItemsPrice, rule.Active)
	return wrap("coupons.upsert", err)
}

type counters struct{ s *Store }

func (c counters) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	value, err := nextCounter(ctx, c.s.db, counterID, step)
	if err != nil {
		return 0, wrap("counters.next", err)
	}
	return value, nil
}

// txCounters allocates on the caller's transaction, so a rolled-back attempt returns its numbers.
// Driver errors are left unwrapped for withTx to retry.
type txCounters struct{ tx *sql.Tx }

func (c txCounters) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	return nextCounter(ctx, c.tx, counterID, step)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nextCounter(ctx context.Context, q rowQuerier, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.Invalid("counters.next", "counter id is required")
	}
	if step < 0 {
		return 0, repositories.Invalid("counters.next", "step must be positive, got %d", step)
	}
	if step == 0 {
		step = 1
	}
	var value int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO counters (id, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET value = counters.value + EXCLUDED.value, updated_at = now()
		RETURNING value
	`, id, step).Scan(&value)
	return value, err
}
