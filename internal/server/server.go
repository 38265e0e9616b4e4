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

	"github.com/visionbox/gateway/internal/auth"
	"github.com/visionbox/gateway/internal/config"
	"github.com/visionbox/gateway/internal/detect"
	"github.com/visionbox/gateway/internal/files"
	"github.com/visionbox/gateway/internal/gateway"
	"github.com/visionbox/gateway/internal/health"
	"github.com/visionbox/gateway/internal/logging"
	"github.com/visionbox/gateway/internal/metrics"
	"github.com/visionbox/gateway/internal/ratelimit"
	"github.com/visionbox/gateway/internal/realtime"
	"github.com/visionbox/gateway/internal/security"
	"github.com/visionbox/gateway/internal/services"
	"github.com/visionbox/gateway/internal/tokens"
	"github.com/visionbox/gateway/internal/traces"
	"github.com/visionbox/gateway/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	authMgr      *auth.Manager
	services     *services.Service
	tokens       *tokens.Service
	calls        gateway.CallStore
	limiter      ratelimit.Limiter
	limiterStop  func()
	detector     detect.Detector
	intake       *files.Intake
	dispatcher   *gateway.CallbackDispatcher
	pipeline     *gateway.Pipeline
	hub          *realtime.Hub
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc         // cancels background goroutines started in Run
	stopTracing  func(context.Context) error

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

// WithDetector sets a custom detection backend (for testing)
func WithDetector(d detect.Detector) Option {
	return func(s *Server) {
		s.detector = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set detector/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

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

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.services = services.NewService(services.NewPostgresStore(db),
			services.WithDefaults(cfg.DefaultRateLimit, cfg.MaxUploadSize))
		s.tokens = tokens.NewService(tokens.NewPostgresStore(db))
		s.calls = gateway.NewPostgresCallStore(db)
		s.authMgr = auth.NewManager(auth.NewPostgresStore(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.services = services.NewService(services.NewMemoryStore(),
			services.WithDefaults(cfg.DefaultRateLimit, cfg.MaxUploadSize))
		s.tokens = tokens.NewService(tokens.NewMemoryStore())
		s.calls = gateway.NewMemoryCallStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Rate limiting (Redis if REDIS_URL set, otherwise in-memory)
	if cfg.RedisURL != "" {
		rl, err := ratelimit.NewRedisLimiter(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.limiter = rl
		s.limiterStop = func() { _ = rl.Close() }
		s.logger.Info("using Redis rate limiting", "url", maskDSN(cfg.RedisURL))
	} else {
		ml := ratelimit.NewMemoryLimiter()
		s.limiter = ml
		s.limiterStop = ml.Stop
		s.logger.Info("using in-memory rate limiting")
	}

	// Detection backend (HTTP inference endpoint if configured, otherwise stub)
	if s.detector == nil {
		if cfg.DetectEndpoint != "" {
			backend := detect.NewHTTPDetector(cfg.DetectEndpoint, cfg.DetectTimeout)
			s.detector = detect.WithBreaker(backend, 5, 30*time.Second)
			s.logger.Info("detection backend configured", "endpoint", cfg.DetectEndpoint)
		} else {
			s.detector = &detect.StubDetector{}
			s.logger.Warn("no DETECT_ENDPOINT set, using stub detector")
		}
	}

	// Upload intake
	intake, err := files.NewIntake(cfg.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare upload dir: %w", err)
	}
	s.intake = intake

	// Realtime hub for WebSocket streaming
	s.hub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Gateway pipeline: token check, rate limit, IP whitelist, call ledger
	s.dispatcher = gateway.NewCallbackDispatcher(s.calls, cfg.CallbackTimeout)
	s.pipeline = gateway.NewPipeline(
		s.services,
		s.tokens,
		s.limiter,
		s.calls,
		s.dispatcher,
		&hubAnnouncer{s.hub},
		cfg.RateLimitWindow,
	)

	// Health checks
	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Per-IP edge rate limiting, independent of per-token gateway quotas
	s.router.Use(ratelimit.EdgeMiddleware(s.limiter, ratelimit.DefaultEdgeConfig()))

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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/api/v1")

	// GATEWAY SURFACE (token-guarded by the pipeline, not by API keys)
	gatewayHandler := gateway.NewHandler(s.pipeline, s.services, s.detector, s.intake, s.cfg.DetectTimeout)
	gatewayHandler.RegisterRoutes(v1.Group("/services"))

	// Management routes carry the JSON body cap; uploads on the gateway
	// routes are bounded per service instead.
	sized := v1.Group("")
	sized.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// REGISTRATION (public but returns API key)
	authHandler := auth.NewHandler(s.authMgr)
	sized.POST("/register", authHandler.Register)

	// OWNER ROUTES (require API key)
	protected := sized.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(), validation.IDParamMiddleware())
	{
		// Service management
		serviceHandler := services.NewHandler(s.services, &tokenIssuer{s.tokens}, auth.OwnerID).
			WithEvents(s.hub.BroadcastServiceStatus)
		serviceHandler.RegisterRoutes(protected)

		// Token management
		tokenHandler := tokens.NewHandler(s.tokens, s.services, auth.OwnerID).
			WithEvents(s.announceTokenRevoked)
		tokenHandler.RegisterRoutes(protected)

		// Call ledger analytics
		analyticsHandler := gateway.NewAnalyticsHandler(s.calls, s.services, auth.OwnerID)
		analyticsHandler.RegisterRoutes(protected)

		// API key management
		protected.GET("/auth/me", authHandler.Me)
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
	}
}

func (s *Server) announceTokenRevoked(serviceID, tokenID string) {
	s.hub.Broadcast(&realtime.Event{
		Type:      realtime.EventTokenRevoked,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"serviceId": serviceID,
			"tokenId":   tokenID,
		},
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

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "VisionBox Gateway",
		"description": "Publishing and access gateway for detection models",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when no collector endpoint is configured)
	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Detection calls can legitimately run for the full detect timeout
		WriteTimeout: s.cfg.DetectTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
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

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Export connection pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter prune goroutine or close the Redis client
	if s.limiterStop != nil {
		s.limiterStop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush pending trace spans
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
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

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// tokenIssuer adapts tokens.Service to services.TokenIssuer so service
// creation can return a bootstrap access token.
type tokenIssuer struct {
	tokens *tokens.Service
}

func (i *tokenIssuer) IssueDefault(ctx context.Context, serviceID string) (string, error) {
	issued, err := i.tokens.Create(ctx, serviceID, tokens.CreateTokenRequest{Name: "default"})
	if err != nil {
		return "", err
	}
	return issued.Secret, nil
}

// hubAnnouncer adapts realtime.Hub to gateway.CallAnnouncer
type hubAnnouncer struct {
	hub *realtime.Hub
}

func (a *hubAnnouncer) AnnounceCall(call *gateway.Call) {
	a.hub.BroadcastCall(map[string]interface{}{
		"callId":    call.ID,
		"serviceId": call.ServiceID,
		"success":   call.Success,
		"objects":   call.DetectionCount,
		"duration":  call.ProcessingTime,
		"model":     call.ModelUsed,
	})
}
