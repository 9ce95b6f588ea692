// Package api exposes collection runs, accounts, and snapshots over HTTP.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/socialpulse/socialpulse/internal/config"
	"github.com/socialpulse/socialpulse/internal/errors"
	"github.com/socialpulse/socialpulse/internal/logging"
	"github.com/socialpulse/socialpulse/internal/metrics"
	"github.com/socialpulse/socialpulse/internal/models"
	"github.com/socialpulse/socialpulse/internal/store"
)

// Collector starts collection runs.
type Collector interface {
	CollectAll(ctx context.Context, filter string, trigger models.RunTrigger) (*models.RunSummary, error)
}

// Credentials saves and revokes account tokens.
type Credentials interface {
	Save(ctx context.Context, accountID, accessToken, refreshToken string, ttl time.Duration, scope string) error
	Revoke(ctx context.Context, accountID string) error
}

// Platforms reports which platform keys have an adapter.
type Platforms interface {
	Has(key string) bool
	Keys() []string
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	config      config.ServerConfig
	apiConfig   config.APIConfig
	store       store.Store
	collector   Collector
	creds       Credentials
	platforms   Platforms
	metrics     *metrics.Metrics
	logger      *logging.Logger
	rateLimiter *IPRateLimiter
	startedAt   time.Time

	mu         sync.Mutex
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics shares a metrics registry with the rest of the process.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithPlatforms rejects new accounts whose platform has no adapter.
func WithPlatforms(p Platforms) Option {
	return func(s *Server) { s.platforms = p }
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer creates a new API server. creds may be nil, which disables the
// credential routes.
func NewServer(cfg config.ServerConfig, apiCfg config.APIConfig, st store.Store, c Collector, creds Credentials, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	requestsPerMinute := apiCfg.RateLimit.RequestsPerMinute
	if requestsPerMinute <= 0 {
		requestsPerMinute = 120
	}
	burst := apiCfg.RateLimit.Burst
	if burst <= 0 {
		burst = 20
	}
	if apiCfg.BasePath == "" {
		apiCfg.BasePath = "/api/v1"
	}

	server := &Server{
		router:      gin.New(),
		config:      cfg,
		apiConfig:   apiCfg,
		store:       st,
		collector:   c,
		creds:       creds,
		rateLimiter: newIPRateLimiter(time.Minute/time.Duration(requestsPerMinute), burst),
		startedAt:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(server)
	}
	if server.metrics == nil {
		server.metrics = metrics.NewMetrics("socialpulse")
	}
	if server.logger == nil {
		server.logger = logging.Nop()
	}
	server.logger = server.logger.With("component", "api")

	server.router.HandleMethodNotAllowed = true
	server.router.Use(gin.Recovery())
	if apiCfg.CORS.Enabled {
		server.router.Use(corsMiddleware(apiCfg.CORS.Origins, apiCfg.CORS.Methods))
	}
	server.router.Use(rateLimitMiddleware(server.rateLimiter))
	server.router.Use(bodyLimitMiddleware(1 << 20))
	server.router.Use(loggingMiddleware(server.logger))
	server.router.Use(metrics.Middleware(server.metrics, server.logger))

	server.setupRoutes()
	return server
}

// loggingMiddleware attaches a correlation ID and logs each request.
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.GenerateCorrelationID()
		}
		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Correlation-ID", correlationID)

		c.Next()

		logger.DebugWithContext(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", time.Since(start).Seconds(),
		)
	}
}

func (s *Server) setupRoutes() {
	// Unauthenticated
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.router.GET("/health", s.handleHealth)

	if !s.apiConfig.Enabled {
		return
	}

	v1 := s.router.Group(s.apiConfig.BasePath)
	v1.Use(Authenticator(s.apiConfig.Auth, s.logger))
	{
		v1.POST("/collect", s.handleCollect)
		v1.GET("/runs", s.handleListRuns)
		v1.GET("/runs/:id", s.handleGetRun)
		v1.GET("/platforms", s.handleListPlatforms)

		v1.GET("/accounts", s.handleListAccounts)
		v1.POST("/accounts", s.handleCreateAccount)
		v1.GET("/accounts/:id", s.handleGetAccount)
		v1.PATCH("/accounts/:id", s.handleUpdateAccount)
		v1.DELETE("/accounts/:id", s.handleDeleteAccount)
		v1.GET("/accounts/:id/snapshots", s.handleListSnapshots)
		if s.creds != nil {
			v1.PUT("/accounts/:id/credential", s.handleSaveCredential)
			v1.DELETE("/accounts/:id/credential", s.handleRevokeCredential)
		}
	}
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.HTTPPort))
}

// Run starts the HTTP or HTTPS server based on TLS configuration and blocks
// until it stops. After Shutdown it returns http.ErrServerClosed.
func (s *Server) Run() error {
	addr := s.Addr()
	tlsCfg := s.config.TLS

	var (
		srv *http.Server
		err error
	)
	if tlsCfg.Enabled {
		srv, err = NewHTTPSServer(addr, tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.MinVersion, s.router)
		if err != nil {
			return &errors.ErrServerStart{Addr: addr, Err: err}
		}
	} else {
		srv = NewHTTPServer(addr, s.router)
	}
	return s.StartWithServer(srv)
}

// StartWithServer serves on a pre-configured http.Server.
func (s *Server) StartWithServer(srv *http.Server) error {
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	useTLS := srv.TLSConfig != nil
	s.logger.Info("starting HTTP server", "addr", srv.Addr, "tls", useTLS, "base_path", s.apiConfig.BasePath)

	var err error
	if useTLS {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return &errors.ErrServerStart{Addr: srv.Addr, Err: err}
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests,
// including synchronous collection runs, until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.logger.Info("shutting down HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err.Error())
		return &errors.ErrServerShutdown{Err: err}
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}
