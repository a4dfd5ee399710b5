package payments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/qrshop/api/internal/platform/cache"
)

// CachedGateway memoises deterministic references. Ledger queries always reach the wrapped gateway.
type CachedGateway struct {
	next   Gateway
	cache  cache.Cache
	ttl    time.Duration
	logger BankTransferLogger
}

var _ Gateway = (*CachedGateway)(nil)

// NewCachedGateway wraps next. A nil cache disables memoisation.
func NewCachedGateway(next Gateway, c cache.Cache, ttl time.Duration, logger BankTransferLogger) *CachedGateway {
	if c == nil {
		c = cache.Noop{}
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &CachedGateway{next: next, cache: c, ttl: ttl, logger: logger}
}

func referenceKey(req ReferenceRequest) string {
	return fmt.Sprintf("payref:%s:%s:%d:%s",
		strings.ToLower(strings.TrimSpace(req.Gateway)),
		strings.TrimSpace(req.CheckoutID),
		req.Amount,
		strings.ToUpper(strings.TrimSpace(req.Currency)))
}

func (g *CachedGateway) PaymentReference(ctx context.Context, req ReferenceRequest) (Reference, error) {
	key := referenceKey(req)
	if ref, ok, err := cache.GetJSON[Reference](ctx, g.cache, key); err != nil {
		g.logger(ctx, "payments.cache.read_failed", map[string]any{"key": key, "error": err.Error()})
	} else if ok {
		return ref, nil
	}

	ref, err := g.next.PaymentReference(ctx, req)
	if err != nil {
		return Reference{}, err
	}
	if err := cache.SetJSON(ctx, g.cache, key, ref, g.ttl); err != nil {
		g.logger(ctx, "payments.cache.write_failed", map[string]any{"key": key, "error": err.Error()})
	}
	return ref, nil
}

func (g *CachedGateway) QueryPayment(ctx context.Context, ref Reference) (Result, error) {
	return g.next.QueryPayment(ctx, ref)
}
