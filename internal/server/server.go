// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"github.com/glimlive/payguard/internal/config"
	"github.com/glimlive/payguard/internal/device"
	"github.com/glimlive/payguard/internal/fraudevent"
	"github.com/glimlive/payguard/internal/ledger"
	"github.com/glimlive/payguard/internal/logging"
	"github.com/glimlive/payguard/internal/metrics"
	"github.com/glimlive/payguard/internal/payments"
	"github.com/glimlive/payguard/internal/ratelimit"
	"github.com/glimlive/payguard/internal/realtime"
	"github.com/glimlive/payguard/internal/review"
	"github.com/glimlive/payguard/internal/risk"
	"github.com/glimlive/payguard/internal/security"
	"github.com/glimlive/payguard/internal/validation"
	"github.com/glimlive/payguard/internal/velocity"
	"github.com/glimlive/payguard/internal/webhook"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	ledger      *ledger.Ledger
	tracker     *velocity.Tracker
	engine      *risk.Engine
	queue       *review.Queue
	payments    *payments.Service
	hub         *realtime.Hub
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory stores
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	cancelRun   context.CancelFunc

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
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

	var (
		ledgerStore   ledger.Store
		velocityStore velocity.Store
		deviceStore   device.Store
		eventStore    fraudevent.Store
		webhookStore  webhook.Store
		reviewStore   review.Store
		policyStore   risk.PolicyStore
	)

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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		lps := ledger.NewPostgresStore(db)
		vps := velocity.NewPostgresStore(db)
		dps := device.NewPostgresStore(db)
		fps := fraudevent.NewPostgresStore(db)
		wps := webhook.NewPostgresStore(db)
		rps := review.NewPostgresStore(db)
		pps := risk.NewPostgresPolicyStore(db)
		for name, m := range map[string]interface {
			Migrate(context.Context) error
		}{
			"ledger": lps, "velocity": vps, "device": dps,
			"fraudevent": fps, "webhook": wps, "review": rps, "policy": pps,
		} {
			if err := m.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("failed to migrate %s schema: %w", name, err)
			}
		}
		ledgerStore, velocityStore, deviceStore = lps, vps, dps
		eventStore, webhookStore, reviewStore, policyStore = fps, wps, rps, pps
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (development only)")
		ledgerStore = ledger.NewMemoryStore()
		velocityStore = velocity.NewMemoryStore()
		deviceStore = device.NewMemoryStore()
		eventStore = fraudevent.NewMemoryStore()
		webhookStore = webhook.NewMemoryStore()
		reviewStore = review.NewMemoryStore()
		policyStore = risk.NewMemoryPolicyStore()
	}

	s.ledger = ledger.New(ledgerStore)
	s.tracker = velocity.NewTracker(velocityStore, velocity.DefaultControls())
	s.queue = review.NewQueue(reviewStore)
	s.hub = realtime.NewHub(s.logger)

	s.engine = risk.NewEngine(s.tracker, deviceStore, eventStore, policyStore)
	if err := s.engine.ActivatePolicy(ctx, cfg.RiskPolicyVersion); err != nil {
		return nil, fmt.Errorf("failed to activate risk policy: %w", err)
	}

	guard := webhook.NewGuard(webhookStore, cfg.WebhookMaxAge)
	var verifiers []webhook.Verifier
	if cfg.EsewaWebhookSecret != "" {
		verifiers = append(verifiers, webhook.NewHMACVerifier("esewa", cfg.EsewaWebhookSecret))
	}
	if cfg.KhaltiWebhookSecret != "" {
		verifiers = append(verifiers, webhook.NewHMACVerifier("khalti", cfg.KhaltiWebhookSecret))
	}
	if cfg.StripeWebhookSecret != "" {
		verifiers = append(verifiers, webhook.NewStripeVerifier(cfg.StripeWebhookSecret))
	}
	if len(verifiers) == 0 {
		s.logger.Warn("no webhook secrets configured, provider callbacks will be rejected")
	}

	s.payments = payments.NewService(
		s.ledger, s.tracker, s.engine, guard, verifiers,
		deviceStore, eventStore, s.queue, s.hub,
	)

	// Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

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
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(s.cfg.RateLimitRPM)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// adminAuthMiddleware gates admin routes behind the shared admin secret
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			// Development convenience only; production config requires a secret
			c.Next()
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin credentials",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	s.router.GET("/health/ready", func(c *gin.Context) {
		if !s.ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	paymentsHandler := payments.NewHandler(s.payments, s.logger)
	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)

	v1 := s.router.Group("/v1")
	{
		paymentsHandler.RegisterRoutes(v1)
		ledgerHandler.RegisterRoutes(v1)
	}

	webhooks := s.router.Group("/webhooks")
	{
		paymentsHandler.RegisterWebhookRoutes(webhooks)
	}

	admin := s.router.Group("/v1/admin")
	admin.Use(s.adminAuthMiddleware())
	{
		paymentsHandler.RegisterAdminRoutes(admin)
		admin.GET("/stats", s.statsHandler)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK

	if s.db != nil {
		if err := s.db.PingContext(c.Request.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	c.JSON(code, gin.H{
		"status":  status,
		"env":     s.cfg.Env,
		"storage": map[bool]string{true: "postgres", false: "memory"}[s.db != nil],
	})
}

func (s *Server) statsHandler(c *gin.Context) {
	depth, err := s.queue.Depth(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "stats_error",
			"message": "Failed to read review queue depth",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reviewQueueDepth": depth,
		"policyVersion":    s.engine.ActivePolicy().Version,
		"realtime":         s.hub.Stats(),
	})
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

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

	go s.hub.Run(runCtx)

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

	if s.cancelRun != nil {
		s.cancelRun()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Close()
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router exposes the gin engine for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(b)
}
