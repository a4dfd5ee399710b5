// Package di assembles repositories, services and HTTP handlers from configuration.
package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	domain "github.com/qrshop/api/internal/domain"
	"github.com/qrshop/api/internal/handlers"
	"github.com/qrshop/api/internal/payments"
	"github.com/qrshop/api/internal/platform/auth"
	"github.com/qrshop/api/internal/platform/cache"
	"github.com/qrshop/api/internal/platform/config"
	pfirestore "github.com/qrshop/api/internal/platform/firestore"
	"github.com/qrshop/api/internal/platform/idempotency"
	"github.com/qrshop/api/internal/platform/jobs"
	"github.com/qrshop/api/internal/platform/observability"
	"github.com/qrshop/api/internal/platform/ratelimit"
	"github.com/qrshop/api/internal/platform/storage"
	"github.com/qrshop/api/internal/repositories"
	firestorerepo "github.com/qrshop/api/internal/repositories/firestore"
	"github.com/qrshop/api/internal/repositories/memory"
	"github.com/qrshop/api/internal/repositories/postgres"
	"github.com/qrshop/api/internal/services"
)

const meterName = "github.com/qrshop/api"

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Checkout   services.CheckoutService
	Reconciler services.PaymentReconciler
	Finalizer  services.OrderFinalizer
	Orders     services.OrderService
	Invoices   services.InvoiceService
	Sweeper    services.PaymentSweeper
	System     services.SystemService
}

// Options carries process level collaborators created before the container.
type Options struct {
	Logger *zap.Logger
	Build  services.BuildInfo
	Meter  metric.Meter
	// Registry overrides the store selected by configuration. Tests pass a memory store.
	Registry repositories.Registry
	// Verifier overrides the Firebase verifier.
	Verifier auth.TokenVerifier
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Logger       *zap.Logger
	Repositories repositories.Registry
	Services     Services

	authenticator *auth.Authenticator
	oidc          func(http.Handler) http.Handler
	idempotency   idempotency.Store
	janitor       *idempotency.Janitor
	limiter       ratelimit.Limiter
	build         services.BuildInfo

	closers []func(context.Context) error
}

// New constructs the runtime dependencies. Partially built resources are released when a later
// step fails.
func New(ctx context.Context, cfg config.Config, opts Options) (c *Container, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}

	c = &Container{Config: cfg, Logger: logger, build: opts.Build}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
			c = nil
		}
	}()

	reg, provider, err := c.openRegistry(ctx, opts.Registry)
	if err != nil {
		return c, err
	}
	c.Repositories = reg

	checks := append([]repositories.DependencyCheck(nil), reg.HealthChecks()...)

	var (
		statusCache cache.Cache = cache.Noop{}
		redisCache  *cache.Redis
	)
	switch {
	case strings.TrimSpace(cfg.Cache.RedisAddr) != "":
		redisCache = cache.NewRedis(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		c.onClose(func(context.Context) error { return redisCache.Close() })
		statusCache = redisCache
		checks = append(checks, repositories.DependencyCheck{Name: "redis", Check: redisCache.Ping})
	case cfg.Store.Driver == config.StoreDriverMemory:
		statusCache = cache.NewMemory()
	}

	switch {
	case redisCache != nil:
		c.idempotency = idempotency.NewRedisStore(redisCache.Client(), "")
		c.limiter = ratelimit.NewRedis(redisCache.Client(), "")
	case provider != nil:
		c.idempotency = idempotency.NewFirestoreStore(provider, "")
		c.limiter = ratelimit.NewMemory()
	default:
		c.idempotency = idempotency.NewMemoryStore()
		c.limiter = ratelimit.NewMemory()
	}
	if redisCache == nil {
		c.janitor = idempotency.NewJanitor(c.idempotency, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize, logger.Named("idempotency"))
	}

	events, err := c.openPublisher(ctx)
	if err != nil {
		return c, err
	}
	archiver, err := c.openArchiver(ctx)
	if err != nil {
		return c, err
	}

	eventLogger := observability.EventLogger(logger.Named("services"))
	gateway, ledgerCheck, err := buildGateway(cfg, statusCache, eventLogger)
	if err != nil {
		return c, err
	}
	checks = append(checks, ledgerCheck)

	svc, err := buildServices(cfg, reg, serviceCollaborators{
		gateway:     gateway,
		statusCache: statusCache,
		events:      events,
		archiver:    archiver,
		logger:      eventLogger,
		meter:       meter,
		build:       opts.Build,
		checks:      checks,
	})
	if err != nil {
		return c, err
	}
	c.Services = svc

	verifier := opts.Verifier
	if verifier == nil && strings.TrimSpace(cfg.Firebase.ProjectID) != "" {
		firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase, 0)
		if err != nil {
			return c, fmt.Errorf("build firebase verifier: %w", err)
		}
		verifier = firebaseVerifier
	}
	c.authenticator = auth.NewAuthenticator(verifier, auth.WithGuestHeader(cfg.Security.GuestHeader))

	if audience := strings.TrimSpace(cfg.Security.OIDC.Audience); audience != "" && strings.TrimSpace(cfg.Security.OIDC.JWKSURL) != "" {
		keys := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL)
		validator := auth.NewOIDCValidator(keys, audience, cfg.Security.OIDC.Issuers,
			auth.WithOIDCLogger(logger.Named("oidc")),
			auth.WithOIDCMeter(meter),
		)
		c.oidc = validator.Middleware()
	} else {
		logger.Warn("oidc audience not configured; internal routes disabled")
	}

	return c, nil
}

// Start launches background workers. They stop when ctx is cancelled.
func (c *Container) Start(ctx context.Context) {
	if c == nil || c.janitor == nil {
		return
	}
	go c.janitor.Run(ctx)
}

// Handler builds the HTTP router.
func (c *Container) Handler() http.Handler {
	cfg := c.Config
	httpLogger := c.Logger.Named("http")
	projectID := cfg.Firestore.ProjectID
	if projectID == "" {
		projectID = cfg.Firebase.ProjectID
	}

	idempotencyMW := idempotency.Middleware(c.idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
	)

	checkoutHandlers := handlers.NewCheckoutHandlers(c.Services.Checkout, c.Services.Reconciler, c.Services.Finalizer,
		handlers.WithCheckoutPollLimiter(c.limiter, cfg.Payments.PollInterval),
		handlers.WithCheckoutIdempotency(idempotencyMW),
	)
	orderHandlers := handlers.NewOrderHandlers(c.Services.Orders)
	invoiceHandlers := handlers.NewInvoiceHandlers(c.Services.Orders, c.Services.Invoices)
	adminHandlers := handlers.NewAdminOrderHandlers(c.authenticator, c.Services.Orders)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(c.build),
		handlers.WithHealthSystemService(c.Services.System),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLogger(httpLogger),
			observability.TraceMiddleware(projectID),
			observability.Recoverer(),
			observability.RequestLogger(),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithInvoiceRoutes(invoiceHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithShopperMiddlewares(
			c.authenticator.ResolveOwner(),
			handlers.RateLimitMiddleware(c.limiter, cfg.RateLimits.DefaultPerMinute, cfg.RateLimits.AuthenticatedPerMinute),
		),
	}
	if c.oidc != nil {
		internalHandlers := handlers.NewInternalHandlers(c.Services.Sweeper)
		opts = append(opts,
			handlers.WithInternalMiddlewares(c.oidc),
			handlers.WithInternalRoutes(internalHandlers.Routes),
		)
	}
	return handlers.NewRouter(opts...)
}

// Close releases clients in reverse order of creation.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) onClose(fn func(context.Context) error) {
	c.closers = append(c.closers, fn)
}

func (c *Container) openRegistry(ctx context.Context, override repositories.Registry) (repositories.Registry, *pfirestore.Provider, error) {
	if override != nil {
		return override, nil, nil
	}
	cfg := c.Config
	switch cfg.Store.Driver {
	case config.StoreDriverFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		store, err := firestorerepo.NewStore(provider)
		if err != nil {
			return nil, nil, err
		}
		c.onClose(store.Close)
		return store, provider, nil
	case config.StoreDriverPostgres:
		store, err := postgres.New(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		c.onClose(store.Close)
		return store, nil, nil
	default:
		var seed []memory.Option
		if path := strings.TrimSpace(cfg.Store.SeedFile); path != "" {
			loaded, err := memory.LoadSeed(path)
			if err != nil {
				return nil, nil, err
			}
			seed = loaded
		}
		c.Logger.Warn("using in-memory store; data is lost on restart")
		return memory.New(seed...), nil, nil
	}
}

func (c *Container) openPublisher(ctx context.Context) (services.OrderEventPublisher, error) {
	cfg := c.Config.Events
	if strings.TrimSpace(cfg.PubSubTopic) == "" {
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("build pubsub client: %w", err)
	}
	topic := client.Topic(cfg.PubSubTopic)
	c.onClose(func(context.Context) error {
		topic.Stop()
		return client.Close()
	})
	return jobs.NewPubSubEventPublisher(topic)
}

func (c *Container) openArchiver(ctx context.Context) (services.InvoiceArchiver, error) {
	bucket := strings.TrimSpace(c.Config.Storage.InvoiceBucket)
	if bucket == "" {
		return nil, nil
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("build storage client: %w", err)
	}
	c.onClose(func(context.Context) error { return client.Close() })
	writer, err := storage.NewGCSWriter(client)
	if err != nil {
		return nil, err
	}
	return storage.NewInvoiceArchiver(writer, bucket)
}

func buildGateway(cfg config.Config, c cache.Cache, logger func(context.Context, string, map[string]any)) (payments.Gateway, repositories.DependencyCheck, error) {
	provider, err := payments.NewBankTransferProvider(payments.BankTransferConfig{
		LedgerBaseURL: cfg.Payments.LedgerBaseURL,
		APIKey:        cfg.Payments.LedgerAPIKey,
		BankCode:      cfg.Payments.BankCode,
		AccountNumber: cfg.Payments.AccountNumber,
		AccountName:   cfg.Payments.AccountName,
		QRTemplate:    cfg.Payments.QRImageTemplate,
		PageSize:      cfg.Payments.LedgerPageSize,
		HTTPClient:    &http.Client{Timeout: cfg.Payments.QueryTimeout},
		Logger:        logger,
	})
	if err != nil {
		return nil, repositories.DependencyCheck{}, fmt.Errorf("build bank transfer provider: %w", err)
	}
	manager, err := payments.NewManager(
		map[string]payments.Gateway{payments.GatewayBankTransfer: provider},
		payments.WithDefaultGateway(cfg.Payments.Gateway),
	)
	if err != nil {
		return nil, repositories.DependencyCheck{}, err
	}
	ledger := repositories.DependencyCheck{Name: "ledger", Check: provider.Ping}
	return payments.NewCachedGateway(manager, c, cfg.Cache.ReferenceTTL, logger), ledger, nil
}

type serviceCollaborators struct {
	gateway     payments.Gateway
	statusCache cache.Cache
	events      services.OrderEventPublisher
	archiver    services.InvoiceArchiver
	logger      services.Logger
	meter       metric.Meter
	build       services.BuildInfo
	checks      []repositories.DependencyCheck
}

func buildServices(cfg config.Config, reg repositories.Registry, deps serviceCollaborators) (Services, error) {
	var svc Services
	var err error

	svc.Checkout, err = services.NewCheckoutService(services.CheckoutServiceDeps{
		Checkouts: reg.Checkouts(),
		Catalog:   reg.Catalog(),
		Coupons:   reg.Coupons(),
		Payments:  deps.gateway,
		Shipping: domain.ShippingPolicy{
			FlatFee:   cfg.Shop.ShippingFlatFee,
			FreeAbove: cfg.Shop.FreeShippingThreshold,
		},
		Currency: cfg.Shop.Currency,
		Clock:    time.Now,
		Events:   deps.events,
		Logger:   deps.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}

	svc.Reconciler, err = services.NewPaymentReconciler(services.PaymentReconcilerDeps{
		Checkouts:    reg.Checkouts(),
		Gateway:      deps.gateway,
		StatusCache:  deps.statusCache,
		StatusTTL:    cfg.Cache.StatusTTL,
		QueryTimeout: cfg.Payments.QueryTimeout,
		Clock:        time.Now,
		Logger:       deps.logger,
		Meter:        deps.meter,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment reconciler: %w", err)
	}

	svc.Finalizer, err = services.NewOrderFinalizer(services.OrderFinalizerDeps{
		Checkouts:   reg.Checkouts(),
		StatusCache: deps.statusCache,
		StatusTTL:   cfg.Cache.StatusTTL,
		Clock:       time.Now,
		Events:      deps.events,
		Logger:      deps.logger,
		Meter:       deps.meter,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order finalizer: %w", err)
	}

	svc.Orders, err = services.NewOrderService(services.OrderServiceDeps{
		Orders: reg.Orders(),
		Clock:  time.Now,
		Events: deps.events,
		Logger: deps.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}

	svc.Invoices, err = services.NewInvoiceService(services.InvoiceServiceDeps{
		Orders:   reg.Orders(),
		Invoices: reg.Invoices(),
		Archive:  deps.archiver,
		Clock:    time.Now,
		Events:   deps.events,
		Logger:   deps.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build invoice service: %w", err)
	}

	svc.Sweeper, err = services.NewPaymentSweeper(services.PaymentSweeperDeps{
		Checkouts:     reg.Checkouts(),
		Reconciler:    svc.Reconciler,
		Finalizer:     svc.Finalizer,
		DefaultLimit:  cfg.Payments.SweepLimit,
		DefaultMaxAge: cfg.Payments.SweepMaxAge,
		Clock:         time.Now,
		Logger:        deps.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment sweeper: %w", err)
	}

	healthRepo, err := repositories.NewDependencyHealthRepository(deps.checks)
	if err != nil {
		return Services{}, fmt.Errorf("build health repository: %w", err)
	}
	svc.System, err = services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		Clock:            time.Now,
		Build:            deps.build,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}

	return svc, nil
}
