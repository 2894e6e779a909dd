// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
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

	"github.com/holdfast/holdfast/internal/auth"
	"github.com/holdfast/holdfast/internal/config"
	"github.com/holdfast/holdfast/internal/dbx"
	"github.com/holdfast/holdfast/internal/dispute"
	"github.com/holdfast/holdfast/internal/escrow"
	"github.com/holdfast/holdfast/internal/fees"
	"github.com/holdfast/holdfast/internal/health"
	"github.com/holdfast/holdfast/internal/idempotency"
	"github.com/holdfast/holdfast/internal/ledger"
	"github.com/holdfast/holdfast/internal/logging"
	"github.com/holdfast/holdfast/internal/metrics"
	"github.com/holdfast/holdfast/internal/ratelimit"
	"github.com/holdfast/holdfast/internal/realtime"
	"github.com/holdfast/holdfast/internal/reconciliation"
	"github.com/holdfast/holdfast/internal/security"
	"github.com/holdfast/holdfast/internal/syncutil"
	"github.com/holdfast/holdfast/internal/topup"
	"github.com/holdfast/holdfast/internal/txn"
	"github.com/holdfast/holdfast/internal/users"
	"github.com/holdfast/holdfast/internal/validation"
	"github.com/holdfast/holdfast/internal/withdrawal"
)

// Version is reported by /health and /v1/platform.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *dbx.DB // nil if using in-memory
	runner txn.Runner

	authMgr           *auth.Manager
	userService       *users.Service
	ledger            *ledger.Ledger
	feeService        *fees.Service
	escrowService     *escrow.Service
	escrowTimer       *escrow.Timer
	disputeService    *dispute.Service
	disputeTimer      *dispute.Timer
	withdrawalService *withdrawal.Service
	reconService      *reconciliation.Service
	reconRunner       *reconciliation.Runner
	reconTimer        *reconciliation.Timer
	topupService      *topup.Service
	idemStore         idempotency.Store
	idemJanitor       *idempotency.Janitor
	realtimeHub       *realtime.Hub
	healthChecks      *health.Registry
	rateLimiter       *ratelimit.Limiter

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

// WithDB uses an already opened database instead of cfg.DatabaseURL.
func WithDB(db *dbx.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// stores groups the storage backends chosen at startup.
type stores struct {
	auth        auth.Store
	users       users.Store
	ledger      ledger.Store
	fees        fees.Store
	escrow      escrow.Store
	dispute     dispute.Store
	withdrawal  withdrawal.Store
	idempotency idempotency.Store
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

	// Storage: SQL when DATABASE_URL is set, otherwise in-memory
	if s.db == nil && cfg.DatabaseURL != "" {
		db, err := dbx.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
	}

	var st stores
	if s.db != nil {
		if err := s.db.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		s.runner = s.db
		st = stores{
			auth:        auth.NewSQLStore(s.db),
			users:       users.NewSQLStore(s.db),
			ledger:      ledger.NewSQLStore(s.db),
			fees:        fees.NewSQLStore(s.db),
			escrow:      escrow.NewSQLStore(s.db),
			dispute:     dispute.NewSQLStore(s.db),
			withdrawal:  withdrawal.NewSQLStore(s.db),
			idempotency: idempotency.NewSQLStore(s.db),
		}
		s.logger.Info("using SQL storage", "dialect", s.db.Dialect, "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.runner = txn.MemoryRunner{}
		st = stores{
			auth:        auth.NewMemoryStore(),
			users:       users.NewMemoryStore(),
			ledger:      ledger.NewMemoryStore(),
			fees:        fees.NewMemoryStore(),
			escrow:      escrow.NewMemoryStore(),
			dispute:     dispute.NewMemoryStore(),
			withdrawal:  withdrawal.NewMemoryStore(),
			idempotency: idempotency.NewMemoryStore(),
		}
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.initServices(ctx, st)

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

func (s *Server) initServices(ctx context.Context, st stores) {
	cfg := s.cfg
	locker := syncutil.NewLocker()

	s.realtimeHub = realtime.NewHub(s.logger)

	s.authMgr = auth.NewManager(st.auth, users.RoleResolver{Store: st.users})
	s.userService = users.NewService(st.users, s.authMgr, s.runner, cfg.KYCMinScore).
		WithSender(users.LogSender{Logger: s.logger})
	if cfg.SMSBypassEnabled() {
		s.userService.WithSMSBypass(cfg.DevSMSCode)
		s.logger.Warn("dev SMS bypass enabled")
	}
	if cfg.AdminAPIKey != "" {
		if err := s.userService.BootstrapAdmin(ctx, cfg.AdminAPIKey); err != nil {
			s.logger.Error("failed to bootstrap admin key", "error", err)
		} else {
			s.logger.Info("admin key bootstrapped")
		}
	}

	s.ledger = ledger.New(st.ledger, s.runner, locker, cfg.PlatformAccountID)
	s.feeService = fees.NewService(st.fees, fees.Policy{
		Percent:    cfg.FeePercent,
		FixedCents: cfg.FeeFixedCents,
		Payer:      fees.Payer(cfg.FeePayer),
	})

	s.escrowService = escrow.NewService(st.escrow, s.ledger, s.feeService, s.runner, locker, escrow.Options{
		DefaultCurrency:      cfg.DefaultCurrency,
		StrictMilestoneOrder: cfg.MilestoneStrictOrder,
	}).WithNotifier(s.realtimeHub)
	s.escrowTimer = escrow.NewTimer(s.escrowService, st.escrow, cfg.FundingTimeout, s.logger)

	s.disputeService = dispute.NewService(st.dispute, s.escrowService, s.runner, locker, dispute.SLA{
		Open:        cfg.DisputeOpenSLA,
		Negotiation: cfg.DisputeNegotiationSLA,
		Mediation:   cfg.DisputeMediationSLA,
	}).WithNotifier(s.realtimeHub)
	s.disputeTimer = dispute.NewTimer(s.disputeService, cfg.DisputeSLAInterval, s.logger)

	s.withdrawalService = withdrawal.NewService(st.withdrawal, s.ledger, s.runner, locker, cfg.WithdrawalFeeCents).
		WithNotifier(s.realtimeHub)

	if cfg.RequireKYC {
		s.escrowService.WithKYC(s.userService)
		s.withdrawalService.WithKYC(s.userService)
	} else {
		s.logger.Warn("KYC enforcement disabled")
	}

	s.reconService = reconciliation.NewService(s.escrowService, s.ledger, s.withdrawalService)
	s.reconRunner = reconciliation.NewRunner(s.reconService, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconRunner, cfg.ReconciliationInterval, s.logger)

	s.topupService = topup.NewService(s.ledger, st.users).WithNotifier(s.realtimeHub)

	s.idemStore = st.idempotency
	s.idemJanitor = idempotency.NewJanitor(st.idempotency, 0, 0, s.logger)

	s.healthChecks = health.NewRegistry()
	if s.db != nil {
		s.healthChecks.Register("database", health.Ping(s.db))
	}
	s.healthChecks.Register("escrow_timer", health.Loop(s.escrowTimer.Running, s.ready.Load))
	s.healthChecks.Register("dispute_timer", health.Loop(s.disputeTimer.Running, s.ready.Load))
	s.healthChecks.Register("reconciliation_timer", health.Loop(s.reconTimer.Running, s.ready.Load))
}

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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Providers retry webhooks on their own schedule; load balancers poll /health.
	rl := ratelimit.DefaultConfig()
	rl.SkipPrefixes = []string{"/v1/webhooks/", "/health", "/metrics"}
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))
	v1.Use(idempotency.Middleware(s.idemStore))

	userHandler := users.NewHandler(s.userService)
	ledgerHandler := ledger.NewHandler(s.ledger)
	feeHandler := fees.NewHandler(s.feeService)
	escrowHandler := escrow.NewHandler(s.escrowService)
	disputeHandler := dispute.NewHandler(s.disputeService)
	withdrawalHandler := withdrawal.NewHandler(s.withdrawalService)
	reconHandler := reconciliation.NewHandler(s.reconService, s.reconRunner)
	topupHandler := topup.NewHandler(s.topupService, s.cfg.StripeWebhookSecret)

	// PUBLIC ROUTES (no auth required)
	v1.GET("/platform", s.platformHandler)
	userHandler.RegisterRoutes(v1)
	escrowHandler.RegisterRoutes(v1)

	// WEBHOOKS (signed by the provider, no API key)
	webhooks := s.router.Group("/v1")
	userHandler.RegisterWebhookRoutes(webhooks, s.cfg.KYCWebhookSecret)
	withdrawalHandler.RegisterWebhookRoutes(webhooks, s.cfg.PayoutWebhookSecret)
	topupHandler.RegisterWebhookRoutes(webhooks)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	{
		userHandler.RegisterProtectedRoutes(protected)
		ledgerHandler.RegisterProtectedRoutes(protected)
		escrowHandler.RegisterProtectedRoutes(protected)
		disputeHandler.RegisterProtectedRoutes(protected)
		withdrawalHandler.RegisterProtectedRoutes(protected)
	}

	// ADMIN ROUTES (require the admin role)
	admin := v1.Group("")
	admin.Use(auth.RequireAdmin())
	{
		userHandler.RegisterAdminRoutes(admin)
		ledgerHandler.RegisterAdminRoutes(admin)
		feeHandler.RegisterAdminRoutes(admin)
		withdrawalHandler.RegisterAdminRoutes(admin)
		reconHandler.RegisterAdminRoutes(admin)
	}

	// WebSocket for escrow, dispute and wallet events
	ws := s.router.Group("")
	ws.Use(auth.Middleware(s.authMgr))
	s.realtimeHub.RegisterRoutes(ws)
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

	healthy, checks := s.healthChecks.CheckAll(ctx)

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

// platformHandler returns the public platform settings clients need before
// creating escrows.
func (s *Server) platformHandler(c *gin.Context) {
	policy, err := s.feeService.Current(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to load fee policy",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":                 "Holdfast",
			"version":              Version,
			"defaultCurrency":      s.cfg.DefaultCurrency,
			"feePolicy":            policy,
			"withdrawalFeeCents":   s.cfg.WithdrawalFeeCents,
			"kycRequired":          s.cfg.RequireKYC,
			"strictMilestoneOrder": s.cfg.MilestoneStrictOrder,
		},
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
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

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

// startBackground launches the hub, timers and collectors.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	go s.escrowTimer.Start(ctx)
	go s.disputeTimer.Start(ctx)
	go s.reconTimer.Start(ctx)
	go s.idemJanitor.Start(ctx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db.DB.DB, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers, janitor)
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

	s.escrowTimer.Stop()
	s.disputeTimer.Stop()
	s.reconTimer.Stop()
	s.logger.Info("timers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
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
