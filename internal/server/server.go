// Package server wires the A2A components together and serves them over
// WebSocket and HTTP.
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

	"github.com/babylonmarket/a2a/internal/broadcast"
	"github.com/babylonmarket/a2a/internal/coalition"
	"github.com/babylonmarket/a2a/internal/config"
	"github.com/babylonmarket/a2a/internal/connection"
	"github.com/babylonmarket/a2a/internal/handshake"
	"github.com/babylonmarket/a2a/internal/health"
	"github.com/babylonmarket/a2a/internal/identity"
	"github.com/babylonmarket/a2a/internal/logging"
	"github.com/babylonmarket/a2a/internal/market"
	"github.com/babylonmarket/a2a/internal/methods"
	"github.com/babylonmarket/a2a/internal/metrics"
	"github.com/babylonmarket/a2a/internal/payments"
	"github.com/babylonmarket/a2a/internal/ratelimit"
	"github.com/babylonmarket/a2a/internal/realtime"
	"github.com/babylonmarket/a2a/internal/router"
	"github.com/babylonmarket/a2a/internal/security"
	"github.com/babylonmarket/a2a/internal/traces"
	"github.com/babylonmarket/a2a/internal/validation"
	"github.com/babylonmarket/a2a/migrations"
)

// Name is the server name reported by the HTTP descriptor.
const Name = "Babylon A2A Protocol"

// Version is set by main from build flags.
var Version = "dev"

// Chain is what the server needs from the identity layer.
type Chain interface {
	handshake.Verifier
	handshake.TokenOwnership
	payments.ReceiptVerifier
}

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server owns every component and the HTTP listener.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db         *sql.DB // nil when using in-memory markets
	chain      Chain
	closeChain func()
	store      market.Store

	conns        *connection.Manager
	auth         *handshake.Authenticator
	broadcast    *broadcast.Engine
	coalitions   *coalition.Manager
	payments     *payments.Manager
	markets      *market.Service
	rpc          *router.Router
	hub          *realtime.Hub
	connTimer    *connection.Timer
	paymentTimer *payments.Timer
	httpLimiter  *ratelimit.Limiter
	health       *health.Registry

	engine       *gin.Engine
	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc

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

// WithChain injects the identity layer instead of building one from config.
func WithChain(c Chain) Option {
	return func(s *Server) {
		s.chain = c
	}
}

// WithMarketStore injects the market store instead of opening one from
// config. Injected stores are not seeded.
func WithMarketStore(store market.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// New builds every component from cfg.
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

	if err := s.setupChain(); err != nil {
		return nil, err
	}
	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if !cfg.HTTPRequireSignature {
		s.logger.Warn("A2A_HTTP_REQUIRE_SIGNATURE is off: HTTP callers can act as any agent id", "env", cfg.Env)
	}

	rl := ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitPerMinute,
		BurstSize:         cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	}
	s.conns = connection.NewManager(connection.Config{
		MaxConnections: cfg.MaxConnections,
		AuthTimeout:    cfg.AuthTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		RateLimit:      rl,
	}, s.logger)
	s.connTimer = connection.NewTimer(s.conns, cfg.SweepInterval, s.logger)

	s.auth = handshake.New(handshake.Config{
		MaxSkew:               cfg.HandshakeMaxSkew,
		RequireTokenOwnership: cfg.RequireTokenOwnership,
	}, s.conns, s.chain, s.logger).WithTokenOwnership(s.chain)

	s.broadcast = broadcast.New(s.conns, s.logger)
	s.coalitions = coalition.NewManager(s.conns, s.logger)
	s.payments = payments.NewManager(payments.Config{Timeout: cfg.PaymentTimeout}, s.chain, s.logger)
	s.paymentTimer = payments.NewTimer(s.payments, cfg.PaymentSweepInterval, s.logger)
	s.markets = market.NewService(s.store, s.logger)

	s.rpc = router.New(s.conns, s.logger)
	if err := methods.Register(s.rpc, methods.Deps{
		Conns:      s.conns,
		Auth:       s.auth,
		Broadcast:  s.broadcast,
		Coalitions: s.coalitions,
		Payments:   s.payments,
		Markets:    s.markets,
		Logger:     s.logger,
	}); err != nil {
		return nil, fmt.Errorf("register methods: %w", err)
	}

	s.hub = realtime.NewHub(s.conns, s.rpc, realtime.Config{AllowedOrigins: cfg.AllowedOrigins}, s.logger)
	s.httpLimiter = ratelimit.New(rl)

	s.health.Register("connections", func(context.Context) health.Status {
		n := s.conns.Count()
		return health.Status{
			Healthy: n < cfg.MaxConnections,
			Detail:  fmt.Sprintf("%d/%d", n, cfg.MaxConnections),
		}
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.engine = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupChain() error {
	if s.chain != nil {
		return nil
	}
	if s.cfg.RPCURL == "" {
		s.chain = identity.Offline{}
		s.logger.Warn("RPC_URL not set: payment receipts and token ownership cannot be verified")
		return nil
	}

	v, err := identity.NewChainVerifier(identity.ChainConfig{
		RPCURL:           s.cfg.RPCURL,
		PaymentToken:     s.cfg.PaymentTokenContract,
		IdentityRegistry: s.cfg.IdentityRegistryContract,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create chain verifier: %w", err)
	}
	s.chain = v
	s.closeChain = v.Close
	s.logger.Info("chain verification enabled",
		"chain_id", s.cfg.ChainID,
		"payment_token", s.cfg.PaymentTokenContract,
		"identity_registry", s.cfg.IdentityRegistryContract,
	)
	return nil
}

// setupStorage opens Postgres when DATABASE_URL is set and falls back to a
// seeded in-memory store otherwise.
func (s *Server) setupStorage(ctx context.Context) error {
	if s.store != nil {
		return nil
	}

	if s.cfg.DatabaseURL == "" {
		mem := market.NewMemoryStore(s.cfg.StartingBalance)
		if err := market.NewService(mem, s.logger).Seed(ctx, market.DemoMarkets(time.Now())); err != nil {
			return fmt.Errorf("seed markets: %w", err)
		}
		s.store = mem
		s.logger.Info("using in-memory market storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	s.db = db
	s.store = market.NewPostgresStore(db, s.cfg.StartingBalance)
	s.health.Register("database", health.PingChecker("database", db))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
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
// Middleware & routes
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.engine.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))
	s.engine.Use(logging.RequestIDMiddleware(s.logger))
	s.engine.Use(security.HeadersMiddleware())
	s.engine.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.engine.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.engine.Use(metrics.Middleware())
	s.engine.Use(logging.AccessLogMiddleware())
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.healthHandler)
	s.engine.GET("/health/live", s.livenessHandler)
	s.engine.GET("/health/ready", s.readinessHandler)
	s.engine.GET("/metrics", metrics.Handler())

	s.engine.GET("/a2a/ws", gin.WrapF(s.hub.HandleWebSocket))

	api := s.engine.Group("/api")
	api.GET("/a2a", s.describeHandler)
	api.POST("/a2a", s.rpcHandler)
}

// Router returns the gin engine for testing
func (s *Server) Router() *gin.Engine {
	return s.engine
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the listener and background sweepers, then blocks until a
// signal, ctx cancellation, or a listener error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownTracing(flushCtx)
	}()

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.connTimer.Start(runCtx)
	go s.paymentTimer.Start(runCtx)
	go metrics.StartRuntimeCollector(runCtx, s.db, 15*time.Second)

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

// Shutdown closes every session with 1001, stops the sweepers, drains the
// listener, and releases storage and chain clients.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.hub.Shutdown(ctx); err != nil {
		s.logger.Warn("websocket sessions did not drain", "error", err)
	}
	s.connTimer.Stop()
	s.paymentTimer.Stop()
	s.httpLimiter.Stop()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.closeChain != nil {
		s.closeChain()
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
