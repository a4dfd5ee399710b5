package idempotency

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/qrshop/api/internal/platform/auth"
	"github.com/qrshop/api/internal/platform/httpx"
	"github.com/qrshop/api/internal/platform/requestctx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	// ReplayHeader marks responses served from a recorded entry.
	ReplayHeader   = "Idempotent-Replayed"
	maxKeyLength   = 255
	maxBufferBytes = 1 << 20
)

type settings struct {
	header   string
	ttl      time.Duration
	required bool
	now      func() time.Time
}

// Option customises the middleware.
type Option func(*settings)

// WithHeader sets the request header carrying the key.
func WithHeader(name string) Option {
	return func(s *settings) {
		if name = strings.TrimSpace(name); name != "" {
			s.header = name
		}
	}
}

// WithTTL sets how long recorded responses are replayed.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithRequired rejects requests that omit the key.
func WithRequired(required bool) Option {
	return func(s *settings) { s.required = required }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// Middleware replays the first recorded response for a repeated key. Keys are scoped to the shopper
// resolved by auth.ResolveOwner, so it must be mounted after that middleware. Requests without a key
// pass through unless WithRequired is set.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := settings{header: defaultHeaderName, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" {
				if cfg.required {
					httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeIdempotencyKeyRequired, cfg.header+" header is required", http.StatusBadRequest))
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidIdempotencyKey, "idempotency key is too long", http.StatusBadRequest))
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBufferBytes))
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeInvalidRequest, "unable to read request body", http.StatusBadRequest))
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			storageKey := StorageKey(requesterScope(r), r.Method, r.URL.Path, key)
			fingerprint := Fingerprint(r.Header.Get("Content-Type"), body)
			logger := requestctx.Logger(ctx).With(zap.String("idempotencyKey", storageKey[:12]))
			ctx = requestctx.WithIdempotencyKey(ctx, key)
			r = r.WithContext(ctx)

			outcome, entry, err := store.Reserve(ctx, storageKey, fingerprint, cfg.now(), cfg.ttl)
			switch {
			case errors.Is(err, ErrFingerprintMismatch):
				httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeIdempotencyKeyReused, "idempotency key was already used with a different request body", http.StatusUnprocessableEntity))
				return
			case err != nil:
				logger.Error("idempotency reserve failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeIdempotencyUnavailable, "unable to process idempotency key", http.StatusServiceUnavailable))
				return
			}

			switch outcome {
			case OutcomeReplay:
				replay(w, entry.Response)
				return
			case OutcomeInFlight:
				w.Header().Set("Retry-After", "1")
				httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeIdempotencyInProgress, "a request with this idempotency key is still running", http.StatusConflict))
				return
			}

			rec := &recorder{ResponseWriter: w, header: make(http.Header)}
			next.ServeHTTP(rec, r)

			// Server errors are not recorded so the client can retry with the same key.
			if rec.statusCode() >= http.StatusInternalServerError {
				if err := store.Release(ctx, storageKey); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err))
				}
			} else {
				resp := Response{Status: rec.statusCode(), Header: rec.header, Body: rec.body.Bytes()}
				if err := store.Complete(ctx, storageKey, fingerprint, resp, cfg.now(), cfg.ttl); err != nil {
					logger.Error("idempotency complete failed", zap.Error(err))
					if err := store.Release(ctx, storageKey); err != nil {
						logger.Warn("idempotency release failed", zap.Error(err))
					}
				}
			}
			rec.flush()
		})
	}
}

func requesterScope(r *http.Request) string {
	ctx := r.Context()
	if owner, ok := requestctx.Owner(ctx); ok {
		return owner.Key()
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UID != "" {
		return "user:" + identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc.Subject != "" {
		return "service:" + svc.Subject
	}
	return "anonymous"
}

func replay(w http.ResponseWriter, resp Response) {
	for name, values := range resp.Header {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(ReplayHeader, "true")
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

// recorder buffers the downstream response so it can be stored before reaching the client.
type recorder struct {
	http.ResponseWriter
	header http.Header
	status int
	body   bytes.Buffer
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(p)
}

func (r *recorder) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *recorder) flush() {
	dst := r.ResponseWriter.Header()
	for name, values := range r.header {
		dst[name] = values
	}
	r.ResponseWriter.WriteHeader(r.statusCode())
	_, _ = r.ResponseWriter.Write(r.body.Bytes())
}
