// Package server wires the settlement service together and serves it over HTTP.
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
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/taskilo/settlement/internal/auth"
	"github.com/taskilo/settlement/internal/config"
	"github.com/taskilo/settlement/internal/escrow"
	"github.com/taskilo/settlement/internal/events"
	"github.com/taskilo/settlement/internal/health"
	"github.com/taskilo/settlement/internal/idgen"
	"github.com/taskilo/settlement/internal/lease"
	"github.com/taskilo/settlement/internal/logging"
	"github.com/taskilo/settlement/internal/metrics"
	"github.com/taskilo/settlement/internal/payouts"
	"github.com/taskilo/settlement/internal/ratelimit"
	"github.com/taskilo/settlement/internal/realtime"
	"github.com/taskilo/settlement/internal/security"
	"github.com/taskilo/settlement/internal/traces"
	"github.com/taskilo/settlement/internal/validation"
	"github.com/taskilo/settlement/internal/webhooks"
)

// Version is reported by /health and in traces. Set by ldflags.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	store         escrow.Store
	db            *sql.DB // nil unless STORE_DRIVER=postgres
	closeStore    func() error
	redis         *redis.Client
	escrowService *escrow.Service
	scheduler     *escrow.Scheduler
	clearingTimer *escrow.Timer
	guard         *webhooks.Guard
	providers     []webhooks.Provider
	transferer    payouts.Transferer
	payouts       *payouts.Service
	realtimeHub   *realtime.Hub
	publisher     events.Publisher
	relay         *events.Relay // nil unless KAFKA_BROKERS is set
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	stopTracing   func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithStore injects an escrow store instead of the one STORE_DRIVER selects.
func WithStore(store escrow.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithTransferer injects the payout bank client (for testing). It enables
// payouts even without Revolut credentials.
func WithTransferer(t payouts.Transferer) Option {
	return func(s *Server) {
		s.transferer = t
	}
}

// WithEventPublisher injects the transition event bus (for testing). It
// enables the relay even without KAFKA_BROKERS.
func WithEventPublisher(p events.Publisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if s.store == nil {
		if err := s.openStore(); err != nil {
			return nil, err
		}
	}
	s.health.Register("store", health.PingChecker("store", s.store, 3*time.Second))

	// Clearing runs take a lease so only one replica releases escrows at a time.
	var locker lease.Locker = lease.NewLocalLocker()
	if cfg.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		locker = lease.NewRedisLocker(s.redis)
		s.health.Register("redis", health.PingChecker("redis", redisPinger{s.redis}, 2*time.Second))
		s.logger.Info("clearing lease backed by redis", "addr", cfg.RedisAddr)
	}

	s.realtimeHub = realtime.NewHub(s.logger)

	s.escrowService = escrow.NewService(s.store).
		WithPolicy(escrow.Policy{RefundWindow: cfg.RefundWindow()}).
		WithClearingPeriodDays(cfg.ClearingPeriodDays).
		WithNotifier(s.realtimeHub).
		WithLogger(s.logger)

	if s.publisher == nil && cfg.EventsEnabled() {
		p, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		s.publisher = p
		s.logger.Info("transition events published to kafka", "topic", cfg.KafkaTopic)
	}
	if s.publisher != nil {
		s.relay = events.NewRelay(s.publisher, s.logger)
		s.escrowService.WithNotifier(s.relay)
	}
	s.scheduler = escrow.NewScheduler(s.escrowService, s.logger).WithLocker(locker)
	s.clearingTimer = escrow.NewTimer(s.scheduler, cfg.ClearingInterval, s.logger)
	s.health.Register("clearing", health.RunningChecker("clearing", s.clearingTimer.Running))
	s.logger.Info("escrow enabled",
		"clearingPeriodDays", cfg.ClearingPeriodDays,
		"refundWindowDays", cfg.RefundWindowDays,
	)

	// Webhook providers are only mounted when their secret is configured.
	s.guard = webhooks.NewGuard(s.escrowService, s.logger)
	if cfg.RevolutWebhookSecret != "" {
		s.providers = append(s.providers, webhooks.NewRevolut(cfg.RevolutWebhookSecret, cfg.WebhookTolerance))
	}
	if cfg.StripeWebhookSecret != "" {
		s.providers = append(s.providers, webhooks.NewStripe(cfg.StripeWebhookSecret, cfg.WebhookTolerance))
	}
	for _, p := range s.providers {
		s.logger.Info("webhook provider enabled", "provider", p.Name())
	}

	if s.transferer == nil && cfg.PayoutsEnabled() {
		s.transferer = payouts.NewRevolutClient(cfg.Revolut)
	}
	if s.transferer != nil {
		s.payouts = payouts.NewService(s.escrowService, s.transferer, s.logger)
		s.logger.Info("provider payouts enabled")
	} else {
		s.logger.Info("provider payouts disabled (no Revolut credentials)")
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

func (s *Server) openStore() error {
	switch s.cfg.StoreDriver {
	case config.StorePostgres:
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = escrow.NewPostgresStore(db)
		s.closeStore = db.Close
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	case config.StoreSQLite:
		gdb, err := escrow.OpenSQLite(s.cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open sqlite: %w", err)
		}
		store, err := escrow.NewGormStore(gdb)
		if err != nil {
			return fmt.Errorf("failed to migrate sqlite: %w", err)
		}
		s.store = store
		s.closeStore = store.Close
		s.logger.Info("using SQLite storage", "path", s.cfg.SQLitePath)

	default:
		s.store = escrow.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	return nil
}

type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())

	s.router.Use(s.requestIDMiddleware())

	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := validation.SanitizeString(c.GetHeader("X-Request-ID"), 64)
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("requestId", requestID))
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latencyMs", latency.Milliseconds(),
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "clientIp", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
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

	v1 := s.router.Group("/v1")

	// Webhooks authenticate by signature, not by the internal token.
	// Deliveries are limited per provider and source address.
	s.rateLimiter = ratelimit.New(s.cfg.RateLimit)
	hooks := v1.Group("", s.rateLimiter.Middleware(ratelimit.ByParamAndIP("provider")))
	webhooks.NewHandler(s.guard, s.providers...).RegisterRoutes(hooks)

	internal := v1.Group("", auth.Middleware(s.cfg.InternalAPISecret))
	escrow.NewHandler(s.escrowService, s.scheduler).RegisterRoutes(internal)
	if s.payouts != nil {
		payouts.NewHandler(s.payouts).RegisterRoutes(internal)
	}

	// Admin dashboards stream transitions. The upgrader only accepts
	// same-origin browsers.
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Realtime  map[string]any  `json:"realtime,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Realtime:  s.realtimeHub.Stats(),
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"store", s.cfg.StoreDriver,
			"webhookProviders", len(s.providers),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.clearingTimer.Start(runCtx)
	if s.relay != nil {
		go s.relay.Run(runCtx)
	}

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(5 * time.Second)
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.clearingTimer.Stop()
	s.logger.Info("clearing timer stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// The relay drains its queue once Run's context is cancelled.
	if s.relay != nil {
		if err := s.relay.Close(ctx); err != nil {
			s.logger.Error("event publisher close error", "error", err)
		} else {
			s.logger.Info("event relay closed")
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.closeStore != nil {
		if err := s.closeStore(); err != nil {
			s.logger.Error("store close error", "error", err)
		} else {
			s.logger.Info("store closed")
		}
	}

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	return idgen.WithPrefix("req_")
}
