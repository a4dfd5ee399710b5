package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultStoreDriver         = StoreDriverMemory
	defaultReferenceTTL        = 30 * time.Minute
	defaultStatusTTL           = 24 * time.Hour
	defaultCurrency            = "VND"
	defaultGateway             = "banktransfer"
	defaultQRImageTemplate     = "https://qr.sepay.vn/img?acc={account}&bank={bank}&amount={amount}&des={memo}"
	defaultQueryTimeout        = 5 * time.Second
	defaultPollInterval        = 2 * time.Second
	defaultLedgerPageSize      = 50
	defaultSweepMaxAge         = 24 * time.Hour
	defaultSweepLimit          = 100
	defaultRateLimitDefault    = 120
	defaultRateLimitAuth       = 240
	defaultSecurityEnvironment = "local"
	defaultGuestHeader         = "X-Guest-ID"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer      = "https://accounts.google.com"
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
)

// Supported persistence drivers.
const (
	StoreDriverMemory    = "memory"
	StoreDriverFirestore = "firestore"
	StoreDriverPostgres  = "postgres"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Store       StoreConfig
	Firestore   FirestoreConfig
	Cache       CacheConfig
	Shop        ShopConfig
	Payments    PaymentsConfig
	Events      EventsConfig
	Storage     StorageConfig
	RateLimits  RateLimitConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig stores Firebase project settings used to verify customer ID tokens.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// StoreConfig selects the repository backend.
type StoreConfig struct {
	Driver      string
	PostgresURL string
	// SeedFile optionally loads catalog and coupon fixtures into the memory backend.
	SeedFile string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// CacheConfig configures the Redis cache. An empty address disables caching.
type CacheConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ReferenceTTL  time.Duration
	StatusTTL     time.Duration
}

// ShopConfig holds the storefront's currency and shipping policy.
type ShopConfig struct {
	Currency              string
	ShippingFlatFee       int64
	FreeShippingThreshold int64
}

// PaymentsConfig describes the receiving bank account and the ledger used to confirm transfers.
type PaymentsConfig struct {
	Gateway         string
	LedgerBaseURL   string
	LedgerAPIKey    string
	LedgerPageSize  int
	BankCode        string
	AccountNumber   string
	AccountName     string
	QRImageTemplate string
	QueryTimeout    time.Duration
	PollInterval    time.Duration
	SweepMaxAge     time.Duration
	SweepLimit      int
}

// EventsConfig configures domain event publishing. An empty topic disables publishing.
type EventsConfig struct {
	ProjectID   string
	PubSubTopic string
}

// StorageConfig lists bucket names used by the application.
type StorageConfig struct {
	InvoiceBucket string
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	DefaultPerMinute       int
	AuthenticatedPerMinute int
}

// SecurityConfig groups identity and server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	GuestHeader string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns the hashed secret identifiers, safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	return e.collect(func(s missingSecret) string { return s.redacted })
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	return e.collect(func(s missingSecret) string { return s.name })
}

func (e *MissingSecretsError) collect(pick func(missingSecret) string) []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, pick(secret))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map). Callers use it to build the secret fetcher
// before Load runs.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(dotEnvValues))
	for key, value := range dotEnvValues {
		values[key] = value
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				continue
			}
			values[key] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory. Identifiers match the
// config field names recorded by the loader (e.g. "Payments.LedgerAPIKey").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissingSecrets = true }
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnvValues[key]
		return value, ok
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       stringWithDefault(lookup, "API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: stringWithDefault(lookup, "API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(stringWithDefault(lookup, "API_STORE_DRIVER", defaultStoreDriver)),
			PostgresURL: stringWithDefault(lookup, "API_STORE_POSTGRES_URL", ""),
			SeedFile:    stringWithDefault(lookup, "API_STORE_SEED_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Cache: CacheConfig{
			RedisAddr:     stringWithDefault(lookup, "API_CACHE_REDIS_ADDR", ""),
			RedisPassword: stringWithDefault(lookup, "API_CACHE_REDIS_PASSWORD", ""),
			RedisDB:       intWithDefault(lookup, "API_CACHE_REDIS_DB", 0),
			ReferenceTTL:  durationWithDefault(lookup, "API_CACHE_REFERENCE_TTL", defaultReferenceTTL),
			StatusTTL:     durationWithDefault(lookup, "API_CACHE_STATUS_TTL", defaultStatusTTL),
		},
		Shop: ShopConfig{
			Currency:              strings.ToUpper(stringWithDefault(lookup, "API_SHOP_CURRENCY", defaultCurrency)),
			ShippingFlatFee:       int64WithDefault(lookup, "API_SHOP_SHIPPING_FLAT_FEE", 0),
			FreeShippingThreshold: int64WithDefault(lookup, "API_SHOP_FREE_SHIPPING_THRESHOLD", 0),
		},
		Payments: PaymentsConfig{
			Gateway:         strings.ToLower(stringWithDefault(lookup, "API_PAYMENTS_GATEWAY", defaultGateway)),
			LedgerBaseURL:   stringWithDefault(lookup, "API_PAYMENTS_LEDGER_BASE_URL", ""),
			LedgerAPIKey:    stringWithDefault(lookup, "API_PAYMENTS_LEDGER_API_KEY", ""),
			LedgerPageSize:  intWithDefault(lookup, "API_PAYMENTS_LEDGER_PAGE_SIZE", defaultLedgerPageSize),
			BankCode:        stringWithDefault(lookup, "API_PAYMENTS_BANK_CODE", ""),
			AccountNumber:   stringWithDefault(lookup, "API_PAYMENTS_ACCOUNT_NUMBER", ""),
			AccountName:     stringWithDefault(lookup, "API_PAYMENTS_ACCOUNT_NAME", ""),
			QRImageTemplate: stringWithDefault(lookup, "API_PAYMENTS_QR_IMAGE_TEMPLATE", defaultQRImageTemplate),
			QueryTimeout:    durationWithDefault(lookup, "API_PAYMENTS_QUERY_TIMEOUT", defaultQueryTimeout),
			PollInterval:    durationWithDefault(lookup, "API_PAYMENTS_POLL_INTERVAL", defaultPollInterval),
			SweepMaxAge:     durationWithDefault(lookup, "API_PAYMENTS_SWEEP_MAX_AGE", defaultSweepMaxAge),
			SweepLimit:      intWithDefault(lookup, "API_PAYMENTS_SWEEP_LIMIT", defaultSweepLimit),
		},
		Events: EventsConfig{
			ProjectID:   stringWithDefault(lookup, "API_EVENTS_PROJECT_ID", ""),
			PubSubTopic: stringWithDefault(lookup, "API_EVENTS_PUBSUB_TOPIC", ""),
		},
		Storage: StorageConfig{
			InvoiceBucket: stringWithDefault(lookup, "API_STORAGE_INVOICE_BUCKET", ""),
		},
		RateLimits: RateLimitConfig{
			DefaultPerMinute:       intWithDefault(lookup, "API_RATELIMIT_DEFAULT_PER_MIN", defaultRateLimitDefault),
			AuthenticatedPerMinute: intWithDefault(lookup, "API_RATELIMIT_AUTH_PER_MIN", defaultRateLimitAuth),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			GuestHeader: stringWithDefault(lookup, "API_SECURITY_GUEST_HEADER", defaultGuestHeader),
			OIDC: OIDCConfig{
				JWKSURL:   stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: mapWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
	}

	// Firestore and Pub/Sub default to the Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		if audience, ok := cfg.Security.OIDC.Audiences[cfg.Security.Environment]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}

	resolvedSecrets := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Payments.LedgerAPIKey", &cfg.Payments.LedgerAPIKey},
		{"Store.PostgresURL", &cfg.Store.PostgresURL},
		{"Cache.RedisPassword", &cfg.Cache.RedisPassword},
	}
	for _, target := range secretFields {
		resolved, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = resolved
		resolvedSecrets[target.name] = strings.TrimSpace(resolved)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	var missing []string
	require := func(ok bool, field string) {
		if !ok {
			missing = append(missing, field)
		}
	}

	require(cfg.Server.Port != "", "Server.Port")

	switch cfg.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverFirestore:
		require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case StoreDriverPostgres:
		require(strings.TrimSpace(cfg.Store.PostgresURL) != "", "Store.PostgresURL")
	default:
		missing = append(missing, "Store.Driver")
	}

	require(cfg.Cache.ReferenceTTL > 0, "Cache.ReferenceTTL")
	require(cfg.Cache.StatusTTL > 0, "Cache.StatusTTL")

	require(len(cfg.Shop.Currency) == 3, "Shop.Currency")
	require(cfg.Shop.ShippingFlatFee >= 0, "Shop.ShippingFlatFee")
	require(cfg.Shop.FreeShippingThreshold >= 0, "Shop.FreeShippingThreshold")

	require(cfg.Payments.Gateway != "", "Payments.Gateway")
	require(strings.TrimSpace(cfg.Payments.LedgerBaseURL) != "", "Payments.LedgerBaseURL")
	require(strings.TrimSpace(cfg.Payments.BankCode) != "", "Payments.BankCode")
	require(strings.TrimSpace(cfg.Payments.AccountNumber) != "", "Payments.AccountNumber")
	require(cfg.Payments.QueryTimeout > 0, "Payments.QueryTimeout")
	require(cfg.Payments.PollInterval >= 0, "Payments.PollInterval")
	require(cfg.Payments.LedgerPageSize > 0, "Payments.LedgerPageSize")
	require(cfg.Payments.SweepMaxAge > 0, "Payments.SweepMaxAge")
	require(cfg.Payments.SweepLimit > 0, "Payments.SweepLimit")

	require(cfg.Events.PubSubTopic == "" || cfg.Events.ProjectID != "", "Events.ProjectID")

	require(strings.TrimSpace(cfg.Security.GuestHeader) != "", "Security.GuestHeader")

	require(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	require(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	require(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	require(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}
