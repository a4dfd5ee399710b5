// Package secrets resolves secret:// configuration references against Google Secret Manager.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"

	"github.com/qrshop/api/internal/platform/textutil"
)

const (
	defaultCacheTTL = 10 * time.Minute
	defaultTimeout  = 5 * time.Second
	meterName       = "github.com/qrshop/api/internal/platform/secrets"
)

// ErrNotFound is returned when neither Secret Manager nor the local fallback knows a reference.
var ErrNotFound = errors.New("secrets: secret not found")

type accessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves and caches secret values. Local development can point it at a KEY=VALUE fallback
// file instead of Secret Manager.
type Fetcher struct {
	client    accessor
	ownClient bool
	project   string
	ttl       time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger
	fallback  map[string]string

	mu    sync.RWMutex
	cache map[string]cachedSecret
	group singleflight.Group

	lookups metric.Int64Counter
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

type settings struct {
	client       accessor
	clientOpts   []option.ClientOption
	project      string
	ttl          time.Duration
	fallbackFile string
	logger       *zap.Logger
	meter        metric.Meter
	now          func() time.Time
}

// Option customises the Fetcher.
type Option func(*settings)

// WithProject sets the project used for references that do not name one.
func WithProject(projectID string) Option {
	return func(s *settings) { s.project = strings.TrimSpace(projectID) }
}

// WithCacheTTL sets how long resolved values are reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithFallbackFile loads KEY=VALUE pairs keyed by the full reference, e.g. secret://ledger-api-key=dev.
// When set, no Secret Manager client is created unless one is injected.
func WithFallbackFile(path string) Option {
	return func(s *settings) { s.fallbackFile = strings.TrimSpace(path) }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithMeter overrides the meter used for lookup counters.
func WithMeter(meter metric.Meter) Option {
	return func(s *settings) { s.meter = meter }
}

// WithClientOptions forwards options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

func withAccessor(client accessor) Option {
	return func(s *settings) { s.client = client }
}

func withClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// NewFetcher builds a Fetcher. It only dials Secret Manager when no fallback file is configured.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := settings{ttl: defaultCacheTTL, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.meter == nil {
		cfg.meter = otel.GetMeterProvider().Meter(meterName)
	}

	f := &Fetcher{
		client:  cfg.client,
		project: cfg.project,
		ttl:     cfg.ttl,
		timeout: defaultTimeout,
		now:     cfg.now,
		logger:  cfg.logger,
		cache:   make(map[string]cachedSecret),
	}
	if counter, err := cfg.meter.Int64Counter("secrets.lookups", metric.WithDescription("Secret resolutions by source")); err == nil {
		f.lookups = counter
	}

	if cfg.fallbackFile != "" {
		values, err := loadFallbackFile(cfg.fallbackFile)
		if err != nil {
			return nil, err
		}
		f.fallback = values
	}
	if f.client == nil && cfg.fallbackFile == "" {
		client, err := secretmanager.NewClient(ctx, cfg.clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("secrets: create secret manager client: %w", err)
		}
		f.client = client
		f.ownClient = true
	}
	return f, nil
}

// Close releases the Secret Manager client when the Fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret satisfies config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f.Resolve(ctx, ref)
}

// Resolve returns the value behind ref. Concurrent lookups of the same reference share one call.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if value, ok := f.cached(ref); ok {
		f.count(ctx, "cache")
		return value, nil
	}

	v, err, _ := f.group.Do(ref, func() (any, error) {
		if value, ok := f.fallback[ref]; ok {
			f.count(ctx, "fallback")
			return value, nil
		}
		if f.client == nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		name, err := f.resourceName(ref)
		if err != nil {
			return "", err
		}

		callCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		resp, err := f.client.AccessSecretVersion(callCtx, &secretmanagerpb.AccessSecretVersionRequest{Name: name},
			gax.WithRetry(func() gax.Retryer {
				return gax.OnCodes([]codes.Code{codes.Unavailable, codes.DeadlineExceeded}, gax.Backoff{
					Initial:    100 * time.Millisecond,
					Max:        time.Second,
					Multiplier: 2,
				})
			}),
		)
		if err != nil {
			f.count(ctx, "error")
			f.logger.Warn("secret lookup failed", zap.String("secret", name), zap.Error(err))
			return "", fmt.Errorf("secrets: access %s: %w", name, err)
		}
		value := string(resp.GetPayload().GetData())
		f.store(ref, value)
		f.count(ctx, "remote")
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached value so the next Resolve refetches it.
func (f *Fetcher) Invalidate(ref string) {
	f.mu.Lock()
	delete(f.cache, strings.TrimSpace(ref))
	f.mu.Unlock()
}

func (f *Fetcher) cached(ref string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[ref]
	if !ok || !f.now().Before(entry.expiresAt) {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(ref, value string) {
	f.mu.Lock()
	f.cache[ref] = cachedSecret{value: value, expiresAt: f.now().Add(f.ttl)}
	f.mu.Unlock()
}

func (f *Fetcher) count(ctx context.Context, source string) {
	if f.lookups != nil {
		f.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
}

// resourceName maps secret://name[?version=v&project=p] to the Secret Manager version resource.
func (f *Fetcher) resourceName(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "secret" {
		return "", fmt.Errorf("secrets: invalid reference %q", ref)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return "", fmt.Errorf("secrets: reference %q names no secret", ref)
	}
	if strings.HasPrefix(name, "projects/") {
		if !strings.Contains(name, "/versions/") {
			name += "/versions/latest"
		}
		return name, nil
	}
	project := strings.TrimSpace(u.Query().Get("project"))
	if project == "" {
		project = f.project
	}
	if project == "" {
		return "", fmt.Errorf("secrets: no project for reference %q", ref)
	}
	version := strings.TrimSpace(u.Query().Get("version"))
	if version == "" {
		version = "latest"
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version), nil
}

func loadFallbackFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: read fallback file: %w", err)
	}
	// Keys are bare references; query parameters are not supported here.
	return textutil.ParseKeyValues(string(data), "\n", false), nil
}
