// Package server sets up the HTTP server with all routes
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/voxreseller/internal/auth"
	"github.com/mbd888/voxreseller/internal/billing"
	"github.com/mbd888/voxreseller/internal/billinggw"
	"github.com/mbd888/voxreseller/internal/commission"
	"github.com/mbd888/voxreseller/internal/config"
	"github.com/mbd888/voxreseller/internal/health"
	"github.com/mbd888/voxreseller/internal/logging"
	"github.com/mbd888/voxreseller/internal/metrics"
	"github.com/mbd888/voxreseller/internal/notify"
	"github.com/mbd888/voxreseller/internal/provisioning"
	"github.com/mbd888/voxreseller/internal/ratelimit"
	"github.com/mbd888/voxreseller/internal/reconciliation"
	"github.com/mbd888/voxreseller/internal/security"
	"github.com/mbd888/voxreseller/internal/tenant"
	"github.com/mbd888/voxreseller/internal/traces"
	"github.com/mbd888/voxreseller/internal/validation"
	"github.com/mbd888/voxreseller/internal/webhooks"
	"github.com/mbd888/voxreseller/migrations"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	db          *sql.DB // nil if using in-memory
	tenants     tenant.Store
	commissions commission.Store
	notifier    notify.Notifier
	amqp        *notify.AMQPNotifier // nil unless AMQP_URL is set
	provisioner provisioning.Collaborator
	transfers   billinggw.Transferrer

	platformHooks *webhooks.Dispatcher
	connectHooks  *webhooks.Dispatcher
	payouts       *commission.PayoutService
	sweeper       *reconciliation.TrialSweeper
	scheduler     *reconciliation.Scheduler
	resourceSync  *reconciliation.ResourceSync

	adminLimiter    *ratelimit.Limiter
	health          *health.Registry
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	tracingShutdown func(context.Context) error
	drainDelay      time.Duration

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

// WithProvisioner replaces the provisioning collaborator (for testing)
func WithProvisioner(p provisioning.Collaborator) Option {
	return func(s *Server) {
		s.provisioner = p
	}
}

// WithNotifier replaces the notification sink (for testing)
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// WithTransferrer replaces the payout transfer client (for testing)
func WithTransferrer(t billinggw.Transferrer) Option {
	return func(s *Server) {
		s.transfers = t
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set logger and collaborators)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		SampleRatio:    cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.tracingShutdown = shutdownTracing

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}

		s.db = db
		s.tenants = tenant.NewPostgresStore(db)
		s.commissions = commission.NewPostgresStore(db)
		s.health.Register("database", health.DBChecker(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		mem := tenant.NewMemoryStore()
		s.tenants = mem
		s.commissions = commission.NewMemoryStore(mem)
		s.logger.Warn("using in-memory storage (data will not persist)")
	}

	s.setupCollaborators()

	// Billing core
	engine := commission.NewEngine(s.tenants, s.commissions, s.notifier, cfg.CommissionRateBPS, s.logger)
	agencies := billing.NewAgencyMachine(s.tenants, engine, s.notifier, cfg.AgencyTrialDays)
	clients := billing.NewClientMachine(s.tenants, s.provisioner, s.notifier)
	s.platformHooks = webhooks.NewPlatformDispatcher(billinggw.New(billinggw.Platform, cfg.PlatformWebhookSecret), agencies)
	s.connectHooks = webhooks.NewConnectDispatcher(billinggw.New(billinggw.Connect, cfg.ConnectWebhookSecret), s.tenants, agencies, clients)
	s.payouts = commission.NewPayoutService(s.tenants, s.commissions, s.transfers, s.notifier, cfg.PayoutCurrency, cfg.MinPayoutCents, s.logger)
	s.logger.Info("billing core ready",
		"commission_rate_bps", cfg.CommissionRateBPS,
		"min_payout_cents", cfg.MinPayoutCents,
		"platform_webhooks", cfg.PlatformWebhookSecret != "",
		"connect_webhooks", cfg.ConnectWebhookSecret != "",
	)

	// Background jobs
	s.sweeper = reconciliation.NewTrialSweeper(s.tenants, s.provisioner, s.notifier)
	s.scheduler = reconciliation.NewScheduler(s.sweeper, cfg.TrialSweepSchedule, s.logger)
	s.resourceSync = reconciliation.NewResourceSync(s.tenants, s.provisioner, cfg.ResourceSyncInterval, s.logger)

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

// setupCollaborators picks the outbound clients not injected by options.
func (s *Server) setupCollaborators() {
	if s.notifier == nil {
		if s.cfg.AMQPURL != "" {
			n, err := notify.NewAMQPNotifier(s.cfg.AMQPURL, s.cfg.NotificationExchange, s.logger)
			if err != nil {
				s.logger.Warn("notification broker unavailable, falling back to log notifications", "error", err)
			} else {
				s.amqp = n
				s.notifier = n
				s.health.RegisterOptional("notifications", func(context.Context) health.Status {
					return health.Status{Name: "notifications", Healthy: n.Healthy()}
				})
				s.logger.Info("notifications published to broker", "exchange", s.cfg.NotificationExchange)
			}
		}
		if s.notifier == nil {
			s.notifier = notify.LogNotifier{Logger: s.logger}
		}
	}

	if s.provisioner == nil {
		if s.cfg.ProvisioningURL != "" {
			s.provisioner = provisioning.NewClient(s.cfg.ProvisioningURL, s.cfg.ProvisioningAPIKey, s.cfg.ProvisioningTimeout)
			s.logger.Info("provisioning enabled", "url", s.cfg.ProvisioningURL)
		} else {
			s.provisioner = provisioning.LogOnly{Logger: s.logger}
			s.logger.Warn("provisioning disabled (no PROVISIONING_URL set)")
		}
	}

	if s.transfers == nil {
		s.transfers = billinggw.NewStripeTransfers(s.cfg.StripeSecretKey, s.cfg.StripeTimeout, s.logger)
		if s.cfg.StripeSecretKey == "" {
			s.logger.Warn("commission payouts disabled (no STRIPE_SECRET_KEY set)")
		}
	}
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
	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))

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
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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
	// Ops
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Webhooks authenticate by signature and enforce their own body limit.
	webhooks.NewHandler(s.platformHooks, s.connectHooks).RegisterRoutes(v1)

	// Throttle before auth so secret guessing is rate limited too.
	s.adminLimiter = ratelimit.New(ratelimit.Config{
		Scope:             "admin",
		RequestsPerMinute: s.cfg.AdminRatePerMinute,
		BurstSize:         s.cfg.AdminRateBurst,
	})

	admin := v1.Group("/admin")
	admin.Use(s.adminLimiter.Middleware())
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	admin.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	{
		tenant.NewHandler(s.tenants, s.provisioner, s.cfg.ClientTrialDays).RegisterAdminRoutes(admin)
		commission.NewHandler(s.commissions, s.payouts).RegisterAdminRoutes(admin)
		reconciliation.NewHandler(s.sweeper, s.resourceSync).RegisterAdminRoutes(admin)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	report := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case !report.Healthy:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case report.Degraded:
		status = "degraded"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    report.Checks,
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if report := s.health.CheckAll(ctx); !report.Healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": report.Checks})
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
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start trial sweep schedule
	if err := s.scheduler.Start(); err != nil {
		cancel()
		return err
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

	// Start resource drift sync
	go s.resourceSync.Start(runCtx)

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

	// Cancel the context for all background goroutines (sync loop, stats)
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

	// Stop trial sweep schedule, waiting for a sweep in progress
	select {
	case <-s.scheduler.Stop().Done():
		s.logger.Info("trial sweep scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("trial sweep still running at shutdown")
	}

	s.resourceSync.Stop()
	s.adminLimiter.Stop()

	if s.amqp != nil {
		if err := s.amqp.Close(); err != nil {
			s.logger.Error("notification broker close error", "error", err)
		}
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
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

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
