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
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/accountbazaar/escrowd/internal/auth"
	"github.com/accountbazaar/escrowd/internal/chatgate"
	"github.com/accountbazaar/escrowd/internal/config"
	"github.com/accountbazaar/escrowd/internal/dispute"
	"github.com/accountbazaar/escrowd/internal/escrow"
	"github.com/accountbazaar/escrowd/internal/gateway"
	"github.com/accountbazaar/escrowd/internal/health"
	"github.com/accountbazaar/escrowd/internal/logging"
	"github.com/accountbazaar/escrowd/internal/metrics"
	"github.com/accountbazaar/escrowd/internal/notify"
	"github.com/accountbazaar/escrowd/internal/ratelimit"
	"github.com/accountbazaar/escrowd/internal/realtime"
	"github.com/accountbazaar/escrowd/internal/reaper"
	"github.com/accountbazaar/escrowd/internal/security"
	"github.com/accountbazaar/escrowd/internal/trade"
	"github.com/accountbazaar/escrowd/internal/validation"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	store        trade.Store
	tradeService *trade.Service
	reconciler   *gateway.Reconciler
	disputes     *dispute.Service
	reaper       *reaper.Reaper

	realtimeHub    *realtime.Hub
	relay          *notify.Relay
	kafka          *notify.KafkaPublisher
	gatewayTimer   *gateway.Timer
	reaperTimer    *reaper.Timer
	disputeMonitor *dispute.Monitor
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry

	db      *sql.DB // nil if using in-memory
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

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

// WithStore sets the trade store (for testing)
func WithStore(store trade.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	// Apply options first (may set store/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := OpenDB(context.Background(), cfg.DatabaseURL)
			if err != nil {
				return nil, err
			}
			s.db = db
			s.store = trade.NewPostgresStore(db)
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
			s.health.Register("database", func(ctx context.Context) health.Status {
				if err := db.PingContext(ctx); err != nil {
					return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
				}
				return health.Status{Name: "database", Healthy: true}
			})
		} else {
			s.store = trade.NewMemoryStore()
			s.logger.Warn("DATABASE_URL not set, using in-memory storage")
		}
	}

	share, err := cfg.SellerShareDecimal()
	if err != nil {
		return nil, err
	}
	ledger, err := escrow.NewLedger(share)
	if err != nil {
		return nil, err
	}

	sm := trade.NewStateMachine(trade.RefundItemPolicy(cfg.RefundItemPolicy))
	sm.Observe(trade.Notifier{})
	sm.Observe(chatgate.Observer{})

	s.tradeService = trade.NewService(s.store, sm, ledger, s.logger)
	s.disputes = dispute.NewService(s.store, sm, ledger, cfg.DisputeWindow, s.logger)
	s.disputeMonitor = dispute.NewMonitor(s.disputes, 5*time.Minute, s.logger)

	var checker gateway.StatusChecker
	if cfg.GatewayBaseURL != "" {
		if cfg.IsProduction() {
			if err := security.ValidateEndpointURL(context.Background(), cfg.GatewayBaseURL, security.EndpointPolicy{RequireHTTPS: true}); err != nil {
				return nil, fmt.Errorf("GATEWAY_BASE_URL: %w", err)
			}
		}
		checker = gateway.NewClient(gateway.ClientConfig{
			BaseURL: cfg.GatewayBaseURL,
			APIKey:  cfg.GatewayAPIKey,
			SiteID:  cfg.GatewaySiteID,
			Timeout: cfg.GatewayTimeout,
		}, s.logger)
		s.logger.Info("gateway pull verification enabled", "base_url", cfg.GatewayBaseURL)
	}
	s.reconciler = gateway.NewReconciler(s.store, sm, ledger, checker, s.logger)
	if checker != nil {
		s.gatewayTimer = gateway.NewTimer(s.reconciler, s.store, time.Minute, cfg.VerifyAfter, s.logger)
	}

	s.reaper = reaper.New(s.store, sm, s.logger)
	s.reaperTimer = reaper.NewTimer(s.reaper, s.reaperOptions(), cfg.ReaperInterval, s.logger)

	// Outbox delivery: Kafka when brokers are configured, log otherwise.
	// Chat lock changes additionally go to connected WebSocket clients.
	s.realtimeHub = realtime.NewHub(s.logger)
	var sink notify.Publisher = notify.NewLogPublisher(s.logger)
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := notify.NewKafkaPublisher(cfg.KafkaBrokers, map[notify.Topic]string{
			notify.TopicNotifications: cfg.NotificationTopic,
			notify.TopicSanctions:     cfg.SanctionsTopic,
			notify.TopicChat:          cfg.ChatTopic,
		})
		if err != nil {
			return nil, err
		}
		s.kafka = kp
		sink = kp
		s.logger.Info("outbox delivery to kafka", "brokers", cfg.KafkaBrokers)
	}
	fanout := notify.NewFanout(sink).On(notify.TopicChat, realtime.NewPublisher(s.realtimeHub))
	s.relay = notify.NewRelay(s.store, fanout, cfg.OutboxInterval, cfg.OutboxMaxAttempts, s.logger)

	s.health.Register("outbox_relay", func(context.Context) health.Status {
		return health.Status{Name: "outbox_relay", Healthy: s.relay.Running() || !s.ready.Load()}
	})

	// Setup router
	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// OpenDB opens and pings a Postgres pool.
func OpenDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
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

func (s *Server) reaperOptions() reaper.Options {
	return reaper.Options{
		PendingTimeout:    s.cfg.PendingTimeout,
		ProcessingTimeout: s.cfg.ProcessingTimeout,
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
	s.router.Use(security.HeadersMiddleware())

	// CORS for the marketplace web client
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())

	// Caller identity from the upstream proxy
	s.router.Use(auth.Middleware())
	s.router.Use(func(c *gin.Context) {
		if id := auth.GetUserID(c); id != "" {
			c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), id))
		}
		c.Next()
	})

	// Rate limiting, per user when identified
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rl.BurstSize = s.cfg.RateLimitRPS
	}
	rl.ExemptPrefixes = []string{"/health", "/metrics", "/v1/payments/webhook"}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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

	// Chat lock stream for the messaging subsystem
	s.router.GET("/ws/chat", auth.RequireUser(), s.realtimeHub.Handler())

	v1 := s.router.Group("/v1")

	// Gateway callbacks authenticate by signature, not caller identity
	gatewayHandler := gateway.NewHandler(s.reconciler, gateway.NewSigner(s.cfg.WebhookSecret), s.logger)
	gatewayHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireUser())

	tradeHandler := trade.NewHandler(s.tradeService)
	tradeHandler.RegisterProtectedRoutes(protected)

	disputeHandler := dispute.NewHandler(s.disputes)
	disputeHandler.RegisterProtectedRoutes(protected)

	chatHandler := chatgate.NewHandler(s.store)
	chatHandler.RegisterProtectedRoutes(protected)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	tradeHandler.RegisterAdminRoutes(admin)
	disputeHandler.RegisterAdminRoutes(admin)
	gatewayHandler.RegisterAdminRoutes(admin)
	reaper.NewHandler(s.reaper, s.reaperOptions()).RegisterAdminRoutes(admin)
	admin.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
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

	ok, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
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

// Run starts the HTTP server and background loops, and blocks until ctx is
// cancelled or the listener fails. Callers cancel ctx on SIGINT/SIGTERM.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, runCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error { s.realtimeHub.Run(runCtx); return nil })
	g.Go(func() error { s.relay.Start(runCtx); return nil })
	g.Go(func() error { s.reaperTimer.Start(runCtx); return nil })
	g.Go(func() error { s.disputeMonitor.Start(runCtx); return nil })
	if s.gatewayTimer != nil {
		g.Go(func() error { s.gatewayTimer.Start(runCtx); return nil })
	}
	if s.db != nil {
		g.Go(func() error { metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second); return nil })
	}

	// Mark as ready after brief delay for startup
	g.Go(func() error {
		select {
		case <-time.After(100 * time.Millisecond):
			s.ready.Store(true)
			s.logger.Info("server ready")
		case <-runCtx.Done():
		}
		return nil
	})

	g.Go(func() error {
		<-runCtx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

// shutdown gracefully stops the server
func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.relay.Stop()
	s.reaperTimer.Stop()
	s.disputeMonitor.Stop()
	if s.gatewayTimer != nil {
		s.gatewayTimer.Stop()
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka writer close error", "error", err)
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
