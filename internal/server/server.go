// Package server wires the payment core together and serves it over HTTP
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	redis "github.com/redis/go-redis/v9"

	"github.com/mbd888/freightpay/internal/circuitbreaker"
	"github.com/mbd888/freightpay/internal/config"
	"github.com/mbd888/freightpay/internal/escrow"
	"github.com/mbd888/freightpay/internal/events"
	"github.com/mbd888/freightpay/internal/health"
	"github.com/mbd888/freightpay/internal/idempotency"
	"github.com/mbd888/freightpay/internal/idgen"
	"github.com/mbd888/freightpay/internal/logging"
	"github.com/mbd888/freightpay/internal/metrics"
	"github.com/mbd888/freightpay/internal/payments"
	"github.com/mbd888/freightpay/internal/providers"
	"github.com/mbd888/freightpay/internal/providers/providera"
	"github.com/mbd888/freightpay/internal/providers/providerb"
	"github.com/mbd888/freightpay/internal/reconciliation"
	"github.com/mbd888/freightpay/internal/security"
	"github.com/mbd888/freightpay/internal/shipment"
	"github.com/mbd888/freightpay/internal/traces"
	"github.com/mbd888/freightpay/internal/validation"
	"github.com/mbd888/freightpay/internal/webhooks"
)

// Callback paths providers post status updates to.
const (
	callbackPathA = "/v1/webhooks/provider-a"
	callbackPathB = "/v1/webhooks/provider-b"
)

// eventChannel is the Redis pub/sub channel events are published on.
const eventChannel = "freightpay.events"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	db    *sql.DB       // nil if using in-memory
	redis *redis.Client // nil if REDIS_URL is unset

	shipments      shipment.Store
	coupler        *shipment.Coupler
	escrowService  *escrow.Service
	paymentService *payments.Service
	gateway        *providers.Gateway
	providers      *providers.Registry
	dispatcher     *events.Dispatcher
	webhooks       *webhooks.Handler
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	health         *health.Registry

	traceShutdown func(context.Context) error
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	drainDelay    time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithShipmentStore replaces the shipment store. Used by tests and by
// deployments that read shipments from another service.
func WithShipmentStore(store shipment.Store) Option {
	return func(s *Server) {
		s.shipments = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.ResolvedLogFormat()),
		drainDelay: 5 * time.Second,
		health:     health.NewRegistry(),
	}

	// Apply options first (may set logger/shipment store)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		escrowStore  escrow.Store
		paymentStore payments.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(cfg.DatabaseURL))

		escrowStore = escrow.NewPostgresStore(db)
		paymentStore = payments.NewPostgresStore(db)
		if s.shipments == nil {
			s.shipments = shipment.NewPostgresStore(db)
		}
		s.health.Register("database", health.Database(db))
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
		escrowStore = escrow.NewMemoryStore()
		paymentStore = payments.NewMemoryStore()
		if s.shipments == nil {
			s.shipments = shipment.NewMemoryStore()
		}
	}

	// Idempotency: Redis when configured so every replica shares one view
	var initiationStore, webhookStore idempotency.Store
	var sweepers []reconciliation.Sweeper
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		shared := idempotency.NewRedisStore(s.redis)
		initiationStore, webhookStore = shared, shared
		s.health.Register("redis", health.Redis(s.redis))
		s.logger.Info("idempotency store: redis", "addr", opt.Addr)
	} else {
		mem := idempotency.NewMemoryStore()
		initiationStore = mem
		webhookStore = idempotency.NewBoundedStore(idempotency.DefaultCeiling)
		sweepers = append(sweepers, mem)
		s.logger.Warn("idempotency store: in-process, dedupe is single-instance only")
	}
	initiations := idempotency.NewManager("initiation", initiationStore, idempotency.InitiationTTL, s.logger)
	deliveries := idempotency.NewManager("webhook", webhookStore, idempotency.WebhookTTL, s.logger)

	// Outbound events
	dispatcher, err := s.buildDispatcher()
	if err != nil {
		s.closeStorage()
		return nil, err
	}
	s.dispatcher = dispatcher
	emitter := events.NewEmitter(dispatcher)

	// Providers behind a shared per-provider breaker
	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Cooldown:         cfg.BreakerCooldown,
	})
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("provider circuit changed", "provider", key, "from", from.String(), "to", to.String())
	})
	s.providers = providers.NewRegistry()
	s.providers.Register(providera.New(providera.Config{
		BaseURL:       cfg.ProviderABaseURL,
		APIKey:        cfg.ProviderAAPIKey,
		WebhookSecret: cfg.ProviderAWebhookSecret,
		CallbackURL:   callbackURL(cfg.CallbackBaseURL, callbackPathA),
	}))
	s.providers.Register(providerb.New(providerb.Config{
		BaseURL:      cfg.ProviderBBaseURL,
		APIKey:       cfg.ProviderBAPIKey,
		SharedSecret: cfg.ProviderBSharedSecret,
		CallbackURL:  callbackURL(cfg.CallbackBaseURL, callbackPathB),
	}))
	s.gateway = providers.NewGateway(s.providers, breaker, s.logger)
	s.health.RegisterAdvisory("providers", health.Circuits(s.gateway))

	// Escrow state machine, coupled to the shipment paid flag
	s.coupler = shipment.NewCoupler(s.shipments, s.logger)
	s.escrowService = escrow.NewService(escrowStore, s.logger).
		WithShipmentHook(s.coupler).
		WithEvents(emitter)

	s.paymentService = payments.NewService(paymentStore, s.escrowService, s.shipments, s.gateway, initiations, s.logger).
		WithEvents(emitter)
	// A refunded escrow leaves no payment attempt open.
	s.escrowService.WithAttemptCloser(s.paymentService)

	s.webhooks = webhooks.NewHandler(s.providers, s.paymentService, deliveries, s.logger)

	// Reconciliation
	s.reconciler = reconciliation.NewRunner(s.escrowService, reconciliation.Budgets{
		escrow.StatePending:  cfg.BudgetPending,
		escrow.StateFunded:   cfg.BudgetFunded,
		escrow.StateDisputed: cfg.BudgetDisputed,
	}, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger).
		WithSweepers(sweepers...)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) buildDispatcher() (*events.Dispatcher, error) {
	sinks := []events.Sink{events.NewLogSink(s.logger)}
	for _, raw := range s.cfg.EventSinkURLs {
		if err := security.ValidateSinkURL(raw, s.cfg.IsProduction()); err != nil {
			return nil, fmt.Errorf("event sink %q: %w", raw, err)
		}
		sinks = append(sinks, events.NewHTTPSink(raw, s.cfg.EventSinkSecret))
	}
	if s.redis != nil {
		sinks = append(sinks, events.NewRedisSink(s.redis, eventChannel))
	}
	d := events.NewDispatcher(s.logger, sinks...)
	s.logger.Info("event sinks configured", "sinks", d.Sinks())
	return d, nil
}

func callbackURL(base, path string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + path
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	adminGuard := security.RequireAdmin(s.cfg.AdminSecret)

	v1 := s.router.Group("/v1", validation.IDParamMiddleware())
	payments.NewHandler(s.paymentService).RegisterRoutes(v1)
	escrow.NewHandler(s.escrowService).RegisterRoutes(v1, adminGuard)
	s.webhooks.RegisterRoutes(v1)

	admin := v1.Group("/admin", adminGuard)
	payments.NewHandler(s.paymentService).RegisterAdminRoutes(admin)
	escrow.NewHandler(s.escrowService).RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)
	providers.NewHandler(s.gateway).RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      90 * time.Second, // initiation may wait out provider retries
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Start reconciliation timer
	go s.reconcileTimer.Start(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines (timer, db stats)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.reconcileTimer.Stop()
	s.logger.Info("reconciliation timer stopped")

	// Let in-flight paid-flag retries and event deliveries finish
	s.coupler.Wait()
	if err := s.dispatcher.Wait(ctx); err != nil {
		s.logger.Warn("event deliveries still pending at shutdown", "error", err)
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	s.closeStorage()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeStorage() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
