package memory

import (
	"context"
	"strings"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/repositories"
)

type catalog struct{ s *Store }

// Snapshot returns the known products for refs. Unknown refs are omitted from the result.
func (c catalog) Snapshot(ctx context.Context, refs []string) (map[string]domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	out := make(map[string]domain.Product, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if product, ok := c.s.products[ref]; ok {
			out[ref] = product
		}
	}
	return out, nil
}

type coupons struct{ s *Store }

func (c coupons) Resolve(ctx context.Context, code string, itemsPrice int64) (domain.Coupon, error) {
	if err := ctx.Err(); err != nil {
		return domain.Coupon{}, err
	}
	c.s.mu.RLock()
	rule, ok := c.s.coupons[strings.ToUpper(strings.TrimSpace(code))]
	c.s.mu.RUnlock()
	if !ok {
		return domain.Coupon{}, repositories.NotFound("coupons.resolve", "coupon %q not found", code)
	}
	coupon, applies := rule.Apply(itemsPrice)
	if !applies {
		return domain.Coupon{}, repositories.Invalid("coupons.resolve", "coupon %q does not apply", code)
	}
	return coupon, nil
}

type counters struct{ s *Store }

func (c counters) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
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
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.counters[id] += step
	return c.s.counters[id], nil
}
