// Package server wires the payment subsystem together and serves its HTTP API.
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
	"github.com/hibiken/asynq"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	"github.com/hireloop/payments/internal/auth"
	"github.com/hireloop/payments/internal/clock"
	"github.com/hireloop/payments/internal/config"
	"github.com/hireloop/payments/internal/dedupe"
	"github.com/hireloop/payments/internal/escrow"
	"github.com/hireloop/payments/internal/gateway"
	"github.com/hireloop/payments/internal/health"
	"github.com/hireloop/payments/internal/idgen"
	"github.com/hireloop/payments/internal/ledger"
	"github.com/hireloop/payments/internal/logging"
	"github.com/hireloop/payments/internal/metrics"
	"github.com/hireloop/payments/internal/orders"
	"github.com/hireloop/payments/internal/payment"
	"github.com/hireloop/payments/internal/payout"
	"github.com/hireloop/payments/internal/ratelimit"
	"github.com/hireloop/payments/internal/reconciliation"
	"github.com/hireloop/payments/internal/scheduler"
	"github.com/hireloop/payments/internal/security"
	"github.com/hireloop/payments/internal/validation"
	"github.com/hireloop/payments/migrations"
)

// Scheduled job names.
const (
	JobAutoRelease   = "escrow-auto-release"
	JobPaymentExpiry = "payment-expiry"
	JobReconcile     = "reconciliation"
)

// Development-only secrets for the sandbox gateway when none are configured.
const (
	sandboxKeySecret     = "sandbox_key_secret"
	sandboxWebhookSecret = "sandbox_webhook_secret"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *sql.DB               // nil if using in-memory
	redis        redis.UniversalClient // nil without REDIS_URL
	asynqClient  *asynq.Client
	clock        clock.Clock
	gateway      gateway.Gateway
	signer       *gateway.Signer
	verifier     *auth.Verifier
	ledger       *ledger.Ledger
	orders       orders.Store
	escrows      *escrow.Service
	payouts      *payout.Dispatcher
	payments     *payment.Service
	scheduler    *scheduler.Scheduler
	reconciler   *reconciliation.Runner
	limiter      ratelimit.Limiter
	memLimiter   *ratelimit.MemoryLimiter
	health       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithClock sets the time source shared by every component.
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithGateway replaces the payment gateway (for testing). The signer must
// match the one the gateway signs with.
func WithGateway(gw gateway.Gateway, signer *gateway.Signer) Option {
	return func(s *Server) {
		s.gateway = gw
		s.signer = signer
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		clock:  clock.Real{},
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var (
		ledgerStore  ledger.Store
		escrowStore  escrow.Store
		payoutStore  payout.Store
		paymentStore payment.Store
	)

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory
	if cfg.DatabaseURL != "" {
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		if cfg.AutoMigrate {
			if err := migrate(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
			s.logger.Info("migrations applied")
		}

		ledgerStore = ledger.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		payoutStore = payout.NewPostgresStore(db)
		paymentStore = payment.NewPostgresStore(db)
		s.orders = orders.NewPostgresStore(db)
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
		ledgerStore = ledger.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		payoutStore = payout.NewMemoryStore()
		paymentStore = payment.NewMemoryStore()
		s.orders = orders.NewMemoryStore()
	}

	// Redis backs rate limiting, webhook dedupe and the payout queue
	var seen dedupe.Store
	rlCfg := ratelimit.DefaultConfig()
	if cfg.RateLimitRPM > 0 {
		rlCfg.RequestsPerMinute = cfg.RateLimitRPM
	}
	if cfg.RateLimitBurst > 0 {
		rlCfg.BurstSize = cfg.RateLimitBurst
	}
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeStorage()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			s.closeStorage()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = client
		s.limiter = ratelimit.NewRedis(client, "payments:ratelimit", rlCfg)
		seen = dedupe.NewRedisStore(client, "payments:webhooks")
		s.asynqClient = asynq.NewClientFromRedisClient(client)
		s.logger.Info("using Redis for rate limits, webhook dedupe and payout queue", "addr", opt.Addr)
	} else {
		s.memLimiter = ratelimit.NewMemory(rlCfg)
		s.limiter = s.memLimiter
		seen = dedupe.NewMemoryStore()
	}

	// Gateway
	if s.gateway == nil {
		if cfg.SandboxGateway() {
			keySecret, webhookSecret := cfg.GatewayKeySecret, cfg.GatewayWebhookSecret
			if keySecret == "" {
				keySecret = sandboxKeySecret
			}
			if webhookSecret == "" {
				webhookSecret = sandboxWebhookSecret
			}
			s.signer = gateway.NewSigner(keySecret, webhookSecret)
			s.gateway = gateway.NewSandbox(s.signer)
			s.logger.Warn("gateway credentials not set, using sandbox gateway")
		} else {
			s.signer = gateway.NewSigner(cfg.GatewayKeySecret, cfg.GatewayWebhookSecret)
			s.gateway = gateway.NewHTTPClient(gateway.Config{
				BaseURL:   cfg.GatewayBaseURL,
				KeyID:     cfg.GatewayKeyID,
				KeySecret: cfg.GatewayKeySecret,
				Timeout:   cfg.GatewayTimeout,
			}, s.logger)
			s.logger.Info("gateway enabled", "base_url", cfg.GatewayBaseURL, "key_id", cfg.GatewayKeyID)
		}
	}

	// Ledger
	s.ledger = ledger.New(ledgerStore).WithLogger(s.logger).WithClock(s.clock.Now)

	// Escrow
	s.escrows = escrow.NewService(escrowStore, escrow.Config{
		FeeBPS:          cfg.PlatformFeeBPS,
		AutoReleaseDays: cfg.AutoReleaseDays,
	}).WithClock(s.clock).WithLogger(s.logger)

	// Payouts: asynq when Redis is available, inline otherwise
	s.payouts = payout.NewDispatcher(payoutStore, s.ledger, s.escrows, s.gateway, nil, payout.Config{
		Currency:      cfg.Currency,
		MinWithdrawal: cfg.MinWithdrawal,
	}, s.logger).WithClock(s.clock)
	if s.asynqClient != nil {
		s.payouts.WithQueue(payout.NewAsynqQueue(s.asynqClient, cfg.PayoutMaxRetry))
	} else {
		s.payouts.WithQueue(payout.NewInlineQueue(s.payouts, s.logger))
	}
	s.escrows.WithPayouts(payment.NewReleaseRecorder(s.orders, s.payouts, s.clock, s.logger))

	// Payments
	s.payments = payment.NewService(paymentStore, s.ledger, s.escrows, s.orders, s.gateway, s.signer, payment.Config{
		Currency:         cfg.Currency,
		MinTopUp:         cfg.MinTopUp,
		MaxTopUp:         cfg.MaxTopUp,
		PendingTTL:       cfg.PendingPaymentTTL,
		WebhookDedupeTTL: cfg.WebhookDedupeTTL,
	}).WithDedupe(seen).WithClock(s.clock).WithLogger(s.logger)

	// Scheduled jobs
	s.scheduler = scheduler.New(s.clock, s.logger)
	autoReleaser := escrow.NewAutoReleaser(s.escrows, escrowStore, s.logger)
	if err := s.scheduler.Add(JobAutoRelease, cfg.AutoReleaseSchedule, autoReleaser.Run); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.scheduler.Add(JobPaymentExpiry, cfg.ExpirySchedule, s.payments.ExpirePending); err != nil {
		s.Close()
		return nil, err
	}
	s.reconciler = reconciliation.NewRunner(escrowStore, paymentStore, s.payouts, reconciliation.Config{
		PendingTTL: cfg.PendingPaymentTTL,
	}, s.clock, s.logger)
	if err := s.scheduler.Add(JobReconcile, cfg.ReconcileSchedule, s.reconciler.Job); err != nil {
		s.Close()
		return nil, err
	}

	// Health checks
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", s.db.PingContext)
	}
	if client := s.redis; client != nil {
		s.health.Register("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
	}

	s.verifier = auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream id (load balancer, caller) when present
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	ledgerHandler := ledger.NewHandler(s.ledger)
	escrowHandler := escrow.NewHandler(s.escrows)
	payoutHandler := payout.NewHandler(s.payouts)
	paymentHandler := payment.NewHandler(s.payments)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.verifier))

	// Gateway callbacks authenticate by signature, not by token
	paymentHandler.RegisterWebhookRoutes(v1)

	user := v1.Group("", auth.RequireAuth())
	ledgerHandler.RegisterRoutes(user)
	escrowHandler.RegisterRoutes(user)
	payoutHandler.RegisterRoutes(user)
	paymentHandler.RegisterRoutes(user)

	// Money-moving calls are rate limited per actor
	mutations := user.Group("", ratelimit.Middleware(s.limiter, s.logger))
	paymentHandler.RegisterMutationRoutes(mutations)
	payoutHandler.RegisterMutationRoutes(mutations)

	admin := v1.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	ledgerHandler.RegisterAdminRoutes(admin)
	escrowHandler.RegisterAdminRoutes(admin)
	payoutHandler.RegisterAdminRoutes(admin)
	paymentHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)

	// Order lifecycle pushed by the order service
	internal := v1.Group("/internal", auth.RequireRole(auth.RoleSystem, auth.RoleAdmin))
	paymentHandler.RegisterInternalRoutes(internal)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Checks    []health.Status `json:"checks,omitempty"`
	Scheduler bool            `json:"scheduler"`
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
		Scheduler: s.scheduler.Running(),
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

// Run starts the HTTP server and background jobs, and blocks until a
// signal, ctx cancellation or a listener error.
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.scheduler.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.scheduler.Stop()

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.Close()
	s.logger.Info("server stopped")
	return nil
}

// Close releases storage and queue connections. Shutdown calls it; the
// worker binary, which never serves HTTP, calls it directly.
func (s *Server) Close() {
	if s.memLimiter != nil {
		s.memLimiter.Stop()
	}
	s.closeStorage()
}

func (s *Server) closeStorage() {
	if s.redis != nil {
		// The asynq client shares this connection.
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
		s.redis = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
		s.db = nil
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Payouts returns the payout dispatcher, which the worker binary drives
// from the asynq queue.
func (s *Server) Payouts() *payout.Dispatcher {
	return s.payouts
}

// Scheduler returns the job scheduler.
func (s *Server) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}
