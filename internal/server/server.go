// Package server wires the stores, jobs and HTTP routes of the notemarket
// payment core.
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
	"github.com/nats-io/nats.go"

	"github.com/mbd888/notemarket/internal/alerts"
	"github.com/mbd888/notemarket/internal/circuitbreaker"
	"github.com/mbd888/notemarket/internal/clock"
	"github.com/mbd888/notemarket/internal/config"
	"github.com/mbd888/notemarket/internal/escrow"
	"github.com/mbd888/notemarket/internal/health"
	"github.com/mbd888/notemarket/internal/lock"
	"github.com/mbd888/notemarket/internal/logging"
	"github.com/mbd888/notemarket/internal/metrics"
	"github.com/mbd888/notemarket/internal/paygateway"
	"github.com/mbd888/notemarket/internal/ratelimit"
	"github.com/mbd888/notemarket/internal/reconciliation"
	"github.com/mbd888/notemarket/internal/reservation"
	"github.com/mbd888/notemarket/internal/scheduler"
	"github.com/mbd888/notemarket/internal/security"
	"github.com/mbd888/notemarket/internal/traces"
	"github.com/mbd888/notemarket/internal/validation"
	"github.com/mbd888/notemarket/migrations"
)

// Version is reported by /health and set from cmd/server.
var Version = "dev"

// Scheduled job names.
const (
	JobReservationJanitor = "reservation_janitor"
	JobEscrowRelease      = "escrow_release"
	JobReconciliation     = "reconciliation"
	JobRateLimitPrune     = "ratelimit_prune"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB // nil if using in-memory
	clock  clock.Clock
	logger *slog.Logger

	gateway  paygateway.Client
	locks    lock.Provider
	alerter  alerts.Alerter
	ticketer alerts.Ticketer
	webhook  *alerts.WebhookAlerter
	natsConn *nats.Conn

	reservations *reservation.Manager
	processor    *reservation.Processor
	janitor      *reservation.Janitor
	escrow       *escrow.Service
	releaser     *escrow.Releaser
	auditor      *reconciliation.Auditor

	jobs          *scheduler.Ticker
	health        *health.Registry
	limiter       *ratelimit.Limiter
	traceShutdown func(context.Context) error

	router       *gin.Engine
	httpSrv      *http.Server
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

// WithClock sets the time source for every service (for testing)
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithGateway replaces the payment gateway client (for testing)
func WithGateway(g paygateway.Client) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithAlerter replaces the alert sinks (for testing)
func WithAlerter(a alerts.Alerter) Option {
	return func(s *Server) {
		s.alerter = a
	}
}

// WithTicketer replaces the ticket sink (for testing)
func WithTicketer(t alerts.Ticketer) Option {
	return func(s *Server) {
		s.ticketer = t
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:   cfg,
		clock: clock.NewSystem(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTelEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if cfg.DatabaseURL != "" {
		if err := s.openDatabase(ctx); err != nil {
			return nil, err
		}
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory stores (data is lost on restart)")
	}

	switch cfg.LockBackend {
	case config.LockBackendPostgres:
		s.locks = lock.NewPostgresProvider(s.db)
	default:
		s.locks = lock.NewMemoryProvider()
	}

	if s.gateway == nil {
		s.gateway = s.newGateway()
	}

	if err := s.setupAlerting(); err != nil {
		return nil, err
	}

	s.setupServices()
	s.setupJobs()
	s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) openDatabase(ctx context.Context) error {
	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(s.cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db, s.logger); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	s.db = db
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) newGateway() paygateway.Client {
	var client paygateway.Client
	if s.cfg.StripeSecretKey != "" {
		client = paygateway.NewStripeClient(paygateway.StripeConfig{
			SecretKey: s.cfg.StripeSecretKey,
			Currency:  s.cfg.GatewayCurrency,
			Timeout:   s.cfg.GatewayTimeout,
			Logger:    s.logger,
		})
		s.logger.Info("payment gateway: stripe", "currency", s.cfg.GatewayCurrency)
	} else {
		client = paygateway.NewMockClient(s.clock)
		s.logger.Warn("STRIPE_SECRET_KEY not set, using the in-memory mock gateway")
	}

	cb := circuitbreaker.New(s.cfg.BreakerThreshold, s.cfg.BreakerCooldown,
		circuitbreaker.WithTransitionHook(func(key string, from, to circuitbreaker.State) {
			s.logger.Warn("gateway circuit changed state", "op", key, "from", from.String(), "to", to.String())
		}),
	)
	return paygateway.NewBreaker(client, cb)
}

func (s *Server) setupAlerting() error {
	if s.alerter == nil {
		sinks := alerts.Multi{alerts.NewLogAlerter(s.logger)}

		if s.cfg.AlertWebhookURL != "" {
			s.webhook = alerts.NewWebhookAlerter(s.cfg.AlertWebhookURL, &http.Client{Timeout: 10 * time.Second}, s.logger)
			sinks = append(sinks, s.webhook)
			s.logger.Info("alert webhook enabled")
		}

		if s.cfg.NATSURL != "" {
			conn, err := alerts.ConnectNATS(s.cfg.NATSURL, s.logger)
			if err != nil {
				if s.cfg.IsProduction() {
					return err
				}
				s.logger.Warn("NATS unavailable, alerts will not be published", "error", err)
			} else {
				s.natsConn = conn
				sinks = append(sinks, alerts.NewNATSAlerter(conn, s.cfg.AlertSubject, s.logger))
				s.logger.Info("NATS alert publishing enabled", "subject", s.cfg.AlertSubject)
			}
		}
		s.alerter = sinks
	}

	if s.ticketer == nil {
		if s.cfg.TicketWebhookURL != "" {
			s.ticketer = alerts.NewWebhookTicketer(s.cfg.TicketWebhookURL, &http.Client{Timeout: 10 * time.Second})
		} else {
			s.ticketer = alerts.NewLogTicketer(s.logger)
		}
	}
	return nil
}

func (s *Server) setupServices() {
	var (
		reservationStore    reservation.Store
		escrowStore         escrow.Store
		reconciliationStore reconciliation.Store
	)
	if s.db != nil {
		reservationStore = reservation.NewPostgresStore(s.db)
		escrowStore = escrow.NewPostgresStore(s.db)
		reconciliationStore = reconciliation.NewPostgresStore(s.db)
	} else {
		reservationStore = reservation.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		reconciliationStore = reconciliation.NewMemoryStore()
	}

	s.reservations = reservation.NewManager(reservationStore, s.locks, s.logger).
		WithTTL(s.cfg.ReservationTTL).
		WithClock(s.clock)
	s.processor = reservation.NewProcessor(reservationStore, s.gateway, s.logger).
		WithClock(s.clock)
	s.janitor = reservation.NewJanitor(reservationStore, s.logger).
		WithClock(s.clock)

	s.escrow = escrow.NewService(escrowStore, s.logger).
		WithClock(s.clock).
		WithHoldPeriod(s.cfg.EscrowHoldPeriod)
	s.releaser = escrow.NewReleaser(escrowStore, s.alerter, s.logger).
		WithClock(s.clock).
		WithBatchSize(s.cfg.EscrowBatchSize)

	// The escrow ledger doubles as the reconciliation's own side.
	s.auditor = reconciliation.NewAuditor(reconciliationStore, escrowStore, s.gateway, s.alerter, s.ticketer, s.logger).
		WithClock(s.clock).
		WithLocation(s.cfg.Location()).
		WithThreshold(s.cfg.ReconcileThreshold)

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	if s.cfg.RateLimitBurst > 0 {
		rl.BurstSize = s.cfg.RateLimitBurst
	}
	s.limiter = ratelimit.New(rl).WithClock(s.clock)
}

func (s *Server) setupJobs() {
	s.jobs = scheduler.New(s.logger)
	s.jobs.Every(JobReservationJanitor, s.cfg.JanitorInterval, s.janitor.Run)
	s.jobs.Every(JobEscrowRelease, s.cfg.EscrowInterval, s.releaser.Run)
	s.jobs.Every(JobReconciliation, s.cfg.ReconcileInterval, s.auditor.RunPreviousDay)
	s.jobs.Every(JobRateLimitPrune, time.Minute, s.limiter.Prune)
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry(2 * time.Second)
	if s.db != nil {
		s.health.Register("database", health.DB(s.db))
	}
	for _, name := range []string{JobReservationJanitor, JobEscrowRelease, JobReconciliation} {
		s.health.Register(name, health.Running(name, func() bool {
			// Jobs only run after Run; before that the process is still starting.
			return !s.ready.Load() || s.jobs.Running(name)
		}))
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	reservationHandler := reservation.NewHandler(s.reservations, s.processor, s.janitor)
	escrowHandler := escrow.NewHandler(s.escrow, s.releaser)
	reconciliationHandler := reconciliation.NewHandler(s.auditor)

	v1 := s.router.Group("/v1")

	public := v1.Group("", s.limiter.Middleware())
	reservationHandler.RegisterRoutes(public)
	escrowHandler.RegisterRoutes(public)

	admin := v1.Group("/admin", security.AdminMiddleware(s.cfg.AdminSecret, s.cfg.IsDevelopment()))
	reservationHandler.RegisterAdminRoutes(admin)
	escrowHandler.RegisterAdminRoutes(admin)
	reconciliationHandler.RegisterAdminRoutes(admin)
	admin.POST("/jobs/:name/run", s.runJobHandler)
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
	ok, checks := s.health.CheckAll(c.Request.Context())

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

// runJobHandler handles POST /v1/admin/jobs/:name/run
func (s *Server) runJobHandler(c *gin.Context) {
	name := c.Param("name")
	err := s.jobs.RunNow(c.Request.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Unknown job " + name})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "job_failed", "message": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"job": name, "status": "ok"})
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the scheduled jobs, and blocks until a
// signal, ctx, or a server error ends it.
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

	go s.jobs.Start(runCtx)

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

	s.jobs.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.webhook != nil {
		if err := s.webhook.Flush(ctx); err != nil {
			s.logger.Warn("alert webhook flush failed", "error", err)
		}
	}
	if s.natsConn != nil {
		if err := s.natsConn.Drain(); err != nil {
			s.logger.Warn("nats drain failed", "error", err)
		}
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown failed", "error", err)
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
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Jobs returns the job scheduler.
func (s *Server) Jobs() *scheduler.Ticker {
	return s.jobs
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
