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
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/mbd888/sentinelgate/internal/admission"
	"github.com/mbd888/sentinelgate/internal/anchor"
	"github.com/mbd888/sentinelgate/internal/audit"
	"github.com/mbd888/sentinelgate/internal/config"
	"github.com/mbd888/sentinelgate/internal/downstream"
	"github.com/mbd888/sentinelgate/internal/health"
	"github.com/mbd888/sentinelgate/internal/logging"
	"github.com/mbd888/sentinelgate/internal/metrics"
	"github.com/mbd888/sentinelgate/internal/ratelimit"
	"github.com/mbd888/sentinelgate/internal/realtime"
	"github.com/mbd888/sentinelgate/internal/retry"
	"github.com/mbd888/sentinelgate/internal/security"
	"github.com/mbd888/sentinelgate/internal/traces"
	"github.com/mbd888/sentinelgate/internal/tuning"
	"github.com/mbd888/sentinelgate/internal/validation"
	"github.com/mbd888/sentinelgate/migrations"
)

// Version is reported by /health and on trace resources.
const Version = "0.1.0"

const serviceName = "sentinelgate"

const defaultDrainDelay = 5 * time.Second

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	db            *sql.DB       // nil if using in-memory
	redis         *redis.Client // nil unless REDIS_URL is set
	tuning        *tuning.Holder
	reloader      *tuning.Reloader
	anchor        *anchor.EthAnchor
	trail         *audit.Trail
	forwarder     admission.Forwarder
	admission     *admission.Service
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	health        *health.Registry
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown traces.ShutdownFunc
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

// WithForwarder replaces the HTTP downstream forwarder (for testing)
func WithForwarder(f admission.Forwarder) Option {
	return func(s *Server) {
		s.forwarder = f
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing the listener.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance. On failure everything started so far
// is released.
func New(cfg *config.Config, opts ...Option) (_ *Server, err error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: defaultDrainDelay,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	defer func() {
		if err != nil {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.release(releaseCtx)
		}
	}()

	traceShutdown, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: serviceName,
		Version:     Version,
		SampleRatio: cfg.TraceSampleRate,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.traceShutdown = traceShutdown

	// Scoring parameters, hot reloaded when a file is configured
	params, err := tuning.Load(cfg.TuningFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load tuning parameters: %w", err)
	}
	s.tuning = tuning.NewHolder(params)
	if cfg.TuningFile != "" {
		r, err := tuning.NewReloader(s.tuning, cfg.TuningFile, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to watch tuning file: %w", err)
		}
		r.OnReload(func(err error) {
			if err != nil {
				metrics.TuningReloadsTotal.WithLabelValues("rejected").Inc()
				return
			}
			metrics.TuningReloadsTotal.WithLabelValues("applied").Inc()
		})
		s.reloader = r
		s.logger.Info("tuning parameters loaded", "file", cfg.TuningFile)
	}

	userStore, auditStore, err := s.openStores(ctx)
	if err != nil {
		return nil, err
	}

	// Ledger anchoring for threat entries (optional)
	var submitter anchor.Submitter
	if cfg.LedgerEnabled() {
		a, err := anchor.New(anchor.Config{
			RPCURL:     cfg.LedgerRPCURL,
			PrivateKey: cfg.LedgerPrivateKey,
			ChainID:    cfg.LedgerChainID,
			Contract:   cfg.LedgerContract,
		}, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create ledger anchor: %w", err)
		}
		s.anchor = a
		submitter = a
		s.logger.Info("threat anchoring enabled",
			"contract", cfg.LedgerContract,
			"chain_id", cfg.LedgerChainID,
			"signer", a.Address(),
		)
	}

	s.trail = audit.NewTrail(auditStore, audit.Options{
		BufferSize: cfg.AuditBufferSize,
		Retry: retry.Policy{
			MaxAttempts: cfg.AuditRetryAttempts,
			BaseDelay:   cfg.AuditRetryBase,
			MaxDelay:    2 * time.Second,
		},
		Anchor: submitter,
		Logger: s.logger,
	})

	if s.forwarder == nil {
		f, err := downstream.NewHTTPForwarder(cfg.DownstreamURL, cfg.DownstreamTimeout)
		if err != nil {
			return nil, err
		}
		s.forwarder = f
		s.logger.Info("downstream configured", "url", cfg.DownstreamURL, "timeout", cfg.DownstreamTimeout)
	}

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	s.admission = admission.NewService(userStore, s.tuning, s.forwarder, s.trail, s.logger,
		admission.WithPublisher(s.realtimeHub),
	)

	s.registerHealthChecks()

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

// openStores connects the configured backends and returns the user and
// audit stores. User state moves to Redis when REDIS_URL is set.
func (s *Server) openStores(ctx context.Context) (admission.UserStore, audit.Store, error) {
	var (
		userStore  admission.UserStore
		auditStore audit.Store
	)

	switch s.cfg.StoreDriver {
	case config.DriverPostgres:
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		s.db = db

		if err := db.PingContext(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db, migrations.Postgres); err != nil {
			return nil, nil, err
		}

		userStore = admission.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	case config.DriverSQLite:
		db, err := sql.Open("sqlite", s.cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
		s.db = db

		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			return nil, nil, fmt.Errorf("failed to configure sqlite: %w", err)
		}
		if err := migrations.Up(ctx, db, migrations.SQLite); err != nil {
			return nil, nil, err
		}

		userStore = admission.NewSQLiteStore(db)
		auditStore = audit.NewSQLiteStore(db)
		s.logger.Info("using SQLite storage", "path", s.cfg.SQLitePath)

	default:
		userStore = admission.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.db != nil {
		if err := metrics.RegisterDB(s.db, string(s.cfg.StoreDriver)); err != nil {
			s.logger.Warn("db pool metrics unavailable", "error", err)
		}
	}

	if s.cfg.RedisURL != "" {
		rdb, err := admission.DialRedis(ctx, s.cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = rdb
		userStore = admission.NewRedisStore(rdb)
		s.logger.Info("using Redis for user state", "url", maskDSN(s.cfg.RedisURL))
	}

	return userStore, auditStore, nil
}

func (s *Server) closeStores() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Server) registerHealthChecks() {
	s.health.Register("storage", health.Static("storage", s.cfg.StoreDriver))
	if s.db != nil {
		s.health.Register("database", health.PingCheck("database", s.db.PingContext))
	}
	if s.redis != nil {
		s.health.Register("redis", health.PingCheck("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}
	s.health.Register("audit", func(ctx context.Context) health.Status {
		return health.Status{
			Name:    "audit",
			Healthy: true,
			Detail:  fmt.Sprintf("dropped=%d failed=%d", s.trail.Dropped(), s.trail.Failed()),
		}
	})
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

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Per-IP flood guard, separate from the per-user admission decision
	if s.cfg.RateLimitEnabled() {
		rl := ratelimit.DefaultConfig()
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		rl.BurstSize = s.cfg.RateLimitBurst
		s.rateLimiter = ratelimit.New(rl)
		s.router.Use(s.rateLimiter.Middleware())
	}

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Server spans
	s.router.Use(traces.Middleware())

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

		// logging.L adds request_id from the context.
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

	admin := security.AdminTokenMiddleware(s.cfg.AdminToken)

	// Live decision feed
	s.router.GET("/ws", admin, func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/api/v1")

	admissionHandler := admission.NewHandler(s.admission)
	admissionHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(admin)
	admissionHandler.RegisterProtectedRoutes(protected)
	audit.NewHandler(s.trail).RegisterRoutes(protected)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Route not found"})
	})
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Service   string          `json:"service"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Service:   serviceName,
		Version:   Version,
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
		WriteTimeout:      s.cfg.DownstreamTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"store", s.cfg.StoreDriver,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if s.reloader != nil {
		go func() {
			if err := s.reloader.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("tuning reloader stopped", "error", err)
			}
		}()
	}

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
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. Queued audit entries are written
// before the stores are closed.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, reloader, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(s.drainDelay)

		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.release(ctx)

	s.logger.Info("server stopped")
	return nil
}

// release stops everything New started, in reverse dependency order.
// Fields that were never set are skipped.
func (s *Server) release(ctx context.Context) {
	if s.trail != nil {
		if err := s.trail.Close(ctx); err != nil {
			s.logger.Error("audit trail did not drain", "error", err)
		} else {
			s.logger.Info("audit trail drained")
		}
	}

	if s.anchor != nil {
		s.anchor.Close()
	}

	if s.reloader != nil {
		_ = s.reloader.Close()
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	s.closeStores()
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
