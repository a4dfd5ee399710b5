// Package requestctx carries per-request values shared by the middleware chain and the handlers:
// the scoped logger, trace metadata, the resolved shopper and the client's idempotency key.
package requestctx

import (
	"context"
	"strings"

	"go.uber.org/zap"

	domain "github.com/qrshop/api/internal/domain"
)

type contextKey int

const (
	loggerKey contextKey = iota
	traceKey
	ownerKey
	idempotencyKey
)

var noopLogger = zap.NewNop()

// TraceInfo captures trace metadata propagated through request context.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(orBackground(ctx), loggerKey, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger exposes the shared noop logger instance used across the package.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores the trace metadata on the context for downstream usage.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(orBackground(ctx), traceKey, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey).(TraceInfo)
	return info, ok
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithOwner records the shopper, signed-in user or guest, the request acts for.
func WithOwner(ctx context.Context, owner domain.Owner) context.Context {
	return context.WithValue(orBackground(ctx), ownerKey, owner)
}

// Owner returns the shopper recorded by WithOwner. Incomplete owners are reported as absent.
func Owner(ctx context.Context) (domain.Owner, bool) {
	if ctx == nil {
		return domain.Owner{}, false
	}
	owner, ok := ctx.Value(ownerKey).(domain.Owner)
	if !ok || !owner.Valid() {
		return domain.Owner{}, false
	}
	return owner, true
}

// WithIdempotencyKey records the client-supplied idempotency key. Blank keys are ignored.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	ctx = orBackground(ctx)
	if key = strings.TrimSpace(key); key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKey, key)
}

// IdempotencyKey returns the key recorded by WithIdempotencyKey, or "".
func IdempotencyKey(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	key, _ := ctx.Value(idempotencyKey).(string)
	return key
}
