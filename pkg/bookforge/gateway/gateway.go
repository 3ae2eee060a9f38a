// Package gateway exposes the generation orchestrator over a small JSON
// HTTP API.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jholhewres/bookforge/pkg/bookforge/cache"
	"github.com/jholhewres/bookforge/pkg/bookforge/config"
	"github.com/jholhewres/bookforge/pkg/bookforge/orchestrator"
)

const maxBodyBytes = 2 * 1024 * 1024

// Gateway is the HTTP API server.
type Gateway struct {
	orch    *orchestrator.Orchestrator
	config  config.GatewayConfig
	sweeper *cache.Sweeper
	logger  *slog.Logger

	version            string
	defaultTemperature float64

	mu        sync.Mutex
	server    *http.Server
	listener  net.Listener
	startedAt time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(g *Gateway) { g.version = v }
}

// WithDefaultTemperature applies when a generate request omits temperature.
func WithDefaultTemperature(t float64) Option {
	return func(g *Gateway) { g.defaultTemperature = t }
}

// WithSweeper reports cache purge progress on /api/cache/stats.
func WithSweeper(s *cache.Sweeper) Option {
	return func(g *Gateway) { g.sweeper = s }
}

// New creates a Gateway.
func New(orch *orchestrator.Orchestrator, cfg config.GatewayConfig, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8085"
	}
	g := &Gateway{
		orch:               orch,
		config:             cfg,
		logger:             logger.With("component", "gateway"),
		version:            "dev",
		defaultTemperature: 0.7,
		startedAt:          time.Now(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handler returns the routed handler with the middleware chain applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/api/providers", g.handleProviders)
	mux.HandleFunc("/api/generate", g.handleGenerate)
	mux.HandleFunc("/api/brainstorm", g.handleBrainstorm)
	mux.HandleFunc("/api/keys/test", g.handleKeyTest)
	mux.HandleFunc("/api/cache/stats", g.handleCacheStats)

	return g.requestIDMiddleware(
		g.securityHeadersMiddleware(
			g.corsMiddleware(
				g.authMiddleware(mux))))
}

// Start binds the listen address and serves in the background.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.startedAt = time.Now()
	g.listener = ln
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	srv := g.server
	g.mu.Unlock()

	if g.config.AuthToken == "" && !isLoopback(g.config.Address) {
		g.logger.Warn("gateway has no auth token and is bound to a non-loopback address",
			"address", g.config.Address)
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Stop gracefully shuts down the server.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()
	if srv == nil {
		return nil
	}
	g.logger.Info("gateway stopping")
	return srv.Shutdown(ctx)
}

func isLoopback(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
