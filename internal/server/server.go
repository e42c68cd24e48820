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
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/fiatlock/releasegate/internal/auth"
	"github.com/fiatlock/releasegate/internal/bill"
	"github.com/fiatlock/releasegate/internal/circuitbreaker"
	"github.com/fiatlock/releasegate/internal/config"
	"github.com/fiatlock/releasegate/internal/health"
	"github.com/fiatlock/releasegate/internal/idgen"
	"github.com/fiatlock/releasegate/internal/logging"
	"github.com/fiatlock/releasegate/internal/metrics"
	"github.com/fiatlock/releasegate/internal/oracle"
	"github.com/fiatlock/releasegate/internal/policy"
	"github.com/fiatlock/releasegate/internal/ratelimit"
	"github.com/fiatlock/releasegate/internal/realtime"
	"github.com/fiatlock/releasegate/internal/risk"
	"github.com/fiatlock/releasegate/internal/security"
	"github.com/fiatlock/releasegate/internal/settlement"
	"github.com/fiatlock/releasegate/internal/traces"
	"github.com/fiatlock/releasegate/internal/trust"
	"github.com/fiatlock/releasegate/internal/validation"
	"github.com/fiatlock/releasegate/internal/webhooks"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	policy       *policy.Document
	bills        *bill.Service
	billStore    bill.Store
	profiles     trust.Store
	assessments  risk.Store
	ledger       settlement.Ledger
	httpLedger   *settlement.HTTPLedger // nil with the in-process ledger
	tokens       *auth.TokenManager
	webhookStore webhooks.Store
	webhooks     *webhooks.Dispatcher
	realtimeHub  *realtime.Hub
	sweeper      *bill.Sweeper
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry

	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
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

// WithLedger sets the settlement ledger (for testing)
func WithLedger(l settlement.Ledger) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Policy document
	if cfg.PolicyFile != "" {
		doc, err := policy.Load(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy: %w", err)
		}
		s.policy = doc
		s.logger.Info("policy loaded", "file", cfg.PolicyFile)
	} else {
		s.policy = policy.Default()
		s.logger.Info("using default policy")
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.billStore = bill.NewPostgresStore(db)
		s.profiles = trust.NewPostgresStore(db)
		s.assessments = risk.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.billStore = bill.NewMemoryStore()
		s.profiles = trust.NewMemoryStore()
		s.assessments = risk.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Settlement ledger
	if s.ledger == nil {
		if cfg.LedgerURL != "" {
			s.httpLedger = settlement.NewHTTPLedger(cfg.LedgerURL, cfg.LedgerAPIKey, 10*time.Second).
				WithBreaker(circuitbreaker.New(5, 30*time.Second))
			s.ledger = s.httpLedger
			s.logger.Info("using remote settlement ledger", "url", cfg.LedgerURL)
		} else {
			s.ledger = settlement.NewMemoryLedger()
			s.logger.Info("using in-process settlement ledger (demo mode)")
		}
	}

	// Actor authentication
	secret := cfg.JWTSecret
	if secret == "" {
		secret = idgen.Hex(32)
		s.logger.Warn("JWT_SECRET not set, using an ephemeral development secret")
	}
	s.tokens = auth.NewTokenManager(secret, cfg.TokenTTL)

	// Event fan-out
	s.webhooks = webhooks.NewDispatcher(s.webhookStore, s.logger).
		WithOperatorEndpoints(cfg.WebhookURLs, cfg.WebhookSecret)
	if cfg.IsProduction() {
		s.webhooks.WithEndpointPolicy(security.EndpointPolicy{RequireHTTPS: true})
	}
	s.realtimeHub = realtime.NewHub(s.logger)

	// Engine
	s.bills = bill.NewService(s.billStore, s.ledger, s.profiles, s.policy, s.assessments).
		WithOracle(oracle.NewVerifier(cfg.OracleAddresses, 0)).
		WithStripe(oracle.NewStripeTranslator(cfg.StripeWebhookSecret)).
		WithPublisher(bill.Publishers{s.webhooks, s.realtimeHub}).
		WithLogger(s.logger)
	s.sweeper = bill.NewSweeper(s.bills, s.billStore, cfg.SweepInterval, s.logger)
	if len(cfg.OracleAddresses) > 0 {
		s.logger.Info("oracle attestations enabled", "oracles", len(cfg.OracleAddresses))
	}

	s.health = s.buildHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) buildHealth() *health.Registry {
	r := health.NewRegistry()
	if s.db != nil {
		r.Register("database", health.Database(s.db))
	}
	if s.httpLedger != nil {
		r.Register("ledger", health.Breakers("ledger", s.httpLedger.OpenCircuits))
	}
	r.Register("sweeper", func(context.Context) health.Status {
		// Not started yet is fine; Run starts it.
		if s.ready.Load() && !s.sweeper.Running() {
			return health.Status{Name: "sweeper", Healthy: false, Detail: "not running"}
		}
		return health.Status{Name: "sweeper", Healthy: true}
	})
	return r
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
	if s.cfg.IsProduction() {
		s.router.Use(security.HSTSMiddleware())
	}
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(security.BodyLimit(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())

	// Identity before rate limiting so limits key on the user.
	s.router.Use(auth.Middleware(s.tokens))
	s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: s.cfg.RateLimitRPM})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = idgen.Hex(16)
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
			logger.Debug("request completed",
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
	s.router.GET("/health", health.Handler(s.health, Version, 5*time.Second))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")

	billHandler := bill.NewHandler(s.bills)
	policyHandler := policy.NewHandler(s.policy)
	trustHandler := trust.NewHandler(s.profiles, s.bills.Evaluator())
	authHandler := auth.NewHandler(s.tokens, s.cfg.IsDevelopment())
	webhookHandler := webhooks.NewHandler(s.webhookStore, s.webhooks)

	// PUBLIC ROUTES (no auth required)
	policyHandler.RegisterRoutes(v1)
	authHandler.RegisterRoutes(v1)

	// Inbound payment confirmations authenticate by signature.
	billHandler.RegisterAttestationRoutes(v1)

	// Ledger callbacks use the shared ledger key.
	ledgerCallbacks := v1.Group("")
	ledgerCallbacks.Use(auth.RequireAPIKey(s.cfg.LedgerAPIKey))
	billHandler.RegisterLedgerRoutes(ledgerCallbacks)

	// PROTECTED ROUTES (require bearer token)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		billHandler.RegisterRoutes(protected)
		billHandler.RegisterProtectedRoutes(protected)
		trustHandler.RegisterRoutes(protected)
		webhookHandler.RegisterRoutes(protected)

		protected.GET("/stream", s.realtimeHub.HandleWebSocket)
		protected.GET("/stream/stats", auth.RequireRole(auth.RoleAdmin), s.streamStatsHandler)
	}

	admin := v1.Group("/admin")
	admin.Use(auth.RequireRole(auth.RoleAdmin))
	trustHandler.RegisterAdminRoutes(admin)
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
		"name":        "releasegate",
		"description": "Release authorization for escrowed P2P trades",
		"version":     Version,
		"methods":     len(s.policy.Table().Methods()),
		"oracles":     len(s.cfg.OracleAddresses),
	})
}

func (s *Server) streamStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.sweeper.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.sweeper.Stop()
	s.logger.Info("bill sweeper stopped")

	s.webhooks.Wait()
	s.logger.Info("webhook deliveries drained")

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

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

// Tokens returns the token manager, used by tests and tooling to mint tokens.
func (s *Server) Tokens() *auth.TokenManager {
	return s.tokens
}
