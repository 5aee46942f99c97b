// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/rift/internal/balance"
	"github.com/mbd888/rift/internal/config"
	"github.com/mbd888/rift/internal/dispute"
	"github.com/mbd888/rift/internal/escrow"
	"github.com/mbd888/rift/internal/fees"
	"github.com/mbd888/rift/internal/gateway"
	"github.com/mbd888/rift/internal/health"
	"github.com/mbd888/rift/internal/ledger"
	"github.com/mbd888/rift/internal/logging"
	"github.com/mbd888/rift/internal/metrics"
	"github.com/mbd888/rift/internal/ratelimit"
	"github.com/mbd888/rift/internal/refund"
	"github.com/mbd888/rift/internal/releaselock"
	"github.com/mbd888/rift/internal/security"
	"github.com/mbd888/rift/internal/webhooks"
	"github.com/redis/go-redis/v9"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	gateway    gateway.Gateway
	wallet     *ledger.Service
	escrow     *escrow.Service
	reconciler *escrow.Reconciler
	disputes   *dispute.Service
	processor  *webhooks.Processor
	rateStore  ratelimit.Store
	memLimiter *ratelimit.MemoryStore // nil when limiting through Redis
	redis      *redis.Client          // nil if REDIS_URL unset
	health     *health.Registry
	db         *sql.DB // nil if using in-memory
	router     *gin.Engine
	httpSrv    *http.Server
	logger     *slog.Logger

	drainDelay   time.Duration
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

// WithGateway sets the payment gateway (tests pass a gateway.Memory). It is
// still wrapped with retries and a circuit breaker.
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic.
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
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	calc, err := fees.NewCalculator(cfg.BuyerFeeRate, cfg.SellerFeeRate)
	if err != nil {
		return nil, fmt.Errorf("fee rates: %w", err)
	}

	// Payment gateway: Stripe when a key is configured, otherwise in-memory.
	inner := s.gateway
	if inner == nil {
		if cfg.StripeSecretKey != "" {
			inner = gateway.NewStripe(gateway.StripeConfig{
				SecretKey: cfg.StripeSecretKey,
				Timeout:   cfg.GatewayTimeout,
			})
			s.logger.Info("using Stripe gateway")
		} else {
			inner = gateway.NewMemory()
			s.logger.Warn("STRIPE_SECRET_KEY not set, using in-memory gateway (no real money moves)")
		}
	}
	s.gateway = gateway.NewResilient(inner, gateway.DefaultResilientConfig(), s.logger)

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		escrowStore escrow.Store
		lockStore   releaselock.Store
		disputes    interface {
			dispute.Store
			dispute.RestrictionStore
		}
		deliveries webhooks.DeliveryStore
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.wallet = ledger.NewService(ledger.NewPostgresStore(db), s.logger)
		escrowStore = escrow.NewPostgresStore(db)
		lockStore = releaselock.NewPostgresStore(db)
		disputes = dispute.NewPostgresStore(db)
		deliveries = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.wallet = ledger.NewService(ledger.NewMemoryStore(), s.logger)
		escrowStore = escrow.NewMemoryStore(s.wallet)
		lockStore = releaselock.NewMemoryStore()
		disputes = dispute.NewMemoryStore()
		deliveries = webhooks.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (single instance only)")
	}

	locks := releaselock.NewManager(lockStore, escrow.Snapshot(escrowStore), s.logger)
	s.escrow = escrow.NewService(escrow.Deps{
		Store:   escrowStore,
		Wallet:  s.wallet,
		Gateway: s.gateway,
		Locks:   locks,
		Gate:    dispute.NewGate(disputes, disputes, s.logger),
		Policy:  refund.NewPolicy(locks),
		Guard:   balance.NewGuard(s.gateway, cfg.BalancePollInterval, s.logger),
		Fees:    calc,
		Logger:  s.logger,
	}).WithBalanceWait(cfg.BalanceWaitTimeout)
	s.reconciler = escrow.NewReconciler(s.escrow, cfg.ReconcileInterval, cfg.ReconcileStaleAfter, s.logger)
	s.disputes = dispute.NewService(disputes, disputes, s.logger)
	s.processor = webhooks.NewProcessor(cfg.StripeWebhookSecret, s.escrow, s.disputes, deliveries, s.logger)
	if cfg.StripeWebhookSecret == "" {
		s.logger.Warn("STRIPE_WEBHOOK_SECRET not set, every webhook delivery will be rejected")
	}

	// Rate limiting (Redis if REDIS_URL set, otherwise per-process)
	rl := ratelimit.DefaultConfig()
	if cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = cfg.RateLimitRPM
	}
	if cfg.RedisURL != "" {
		client, err := ratelimit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			s.closeStorage()
			return nil, err
		}
		s.redis = client
		s.rateStore = ratelimit.NewRedisStore(client, rl)
		s.logger.Info("using Redis rate limiting")
	} else {
		s.memLimiter = ratelimit.NewMemoryStore(rl)
		s.rateStore = s.memLimiter
	}

	s.health = health.NewRegistry()
	s.health.Register("gateway", health.Gateway(s.gateway))
	if s.db != nil {
		s.health.Register("database", health.Database(s.db))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(security.RequestSizeMiddleware(security.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		if id := c.Param("id"); id != "" {
			ctx = logging.WithTransactionID(ctx, id)
		}
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
	// Health & metrics endpoints
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Gateway deliveries are signed and bounded by the gateway's own retry
	// schedule, so they bypass client rate limiting.
	webhookHandler := webhooks.NewHandler(s.processor)
	webhookHandler.RegisterRoutes(s.router.Group(""))

	v1 := s.router.Group("/v1")
	v1.Use(ratelimit.Middleware(s.rateStore, s.logger))
	v1.GET("/info", s.infoHandler)

	escrowHandler := escrow.NewHandler(s.escrow)
	escrowHandler.RegisterRoutes(v1)
	escrowHandler.RegisterProtectedRoutes(v1)

	ledger.NewHandler(s.wallet).RegisterRoutes(v1)

	disputeHandler := dispute.NewHandler(s.disputes)
	disputeHandler.RegisterRoutes(v1)

	admin := v1.Group("/admin")
	admin.Use(security.RequireAdmin(s.cfg.AdminSecret, s.cfg.IsDevelopment()))
	disputeHandler.RegisterReviewRoutes(admin)
	webhookHandler.RegisterAdminRoutes(admin)
	admin.POST("/reconcile", s.reconcileHandler)
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
	healthy, statuses := s.health.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":          "rift",
		"env":           s.cfg.Env,
		"buyerFeeRate":  s.cfg.BuyerFeeRate.String(),
		"sellerFeeRate": s.cfg.SellerFeeRate.String(),
		"storage":       s.storageKind(),
	})
}

// reconcileHandler runs one reconcile pass on demand.
func (s *Server) reconcileHandler(c *gin.Context) {
	stats := s.reconciler.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (s *Server) storageKind() string {
	if s.db != nil {
		return "postgres"
	}
	return "memory"
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers and blocks until a
// signal arrives or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second, // covers a bounded balance wait
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "storage", s.storageKind())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.reconciler.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	s.reconciler.Stop()
	s.logger.Info("release reconciler stopped")

	if s.memLimiter != nil {
		s.memLimiter.Stop()
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
