// Package gateway exposes the run engine over HTTP: run submission and
// inspection, event history with cursor paging, live SSE streams,
// approval decisions, and the Prometheus scrape endpoint.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strandworks/strand/pkg/approval"
	"github.com/strandworks/strand/pkg/eventbus"
	"github.com/strandworks/strand/pkg/observability"
	"github.com/strandworks/strand/pkg/runs"
	"github.com/strandworks/strand/pkg/scheduler"
)

// Config configures the HTTP gateway.
type Config struct {
	Host string     `yaml:"host" json:"host"`
	Port int        `yaml:"port" json:"port"`
	Auth AuthConfig `yaml:"auth" json:"auth"`
	// SSEKeepAlive is the idle interval between keep-alive comments on
	// event streams.
	SSEKeepAlive time.Duration `yaml:"sse_keep_alive" json:"sse_keep_alive"`
	// EventPageLimit caps one page of the event history endpoint.
	EventPageLimit int `yaml:"event_page_limit" json:"event_page_limit"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.SSEKeepAlive <= 0 {
		c.SSEKeepAlive = 15 * time.Second
	}
	if c.EventPageLimit <= 0 {
		c.EventPageLimit = 200
	}
}

// Validate checks the config is usable.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return c.Auth.Validate()
}

// GatewayError is the component-scoped error for gateway failures.
type GatewayError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func newGatewayError(action, message string, err error) *GatewayError {
	return &GatewayError{Component: "Gateway", Action: action, Message: message, Err: err}
}

// Gateway serves the HTTP API.
type Gateway struct {
	cfg       Config
	scheduler *scheduler.Scheduler
	repo      runs.Repository
	bus       eventbus.Bus
	broker    approval.Broker
	validator TokenValidator
	spans     *observability.SpanSink

	server *http.Server
}

// Option configures optional collaborators.
type Option func(*Gateway)

// WithValidator overrides token validation; used by tests and by the
// bootstrap when auth is enabled.
func WithValidator(v TokenValidator) Option {
	return func(g *Gateway) { g.validator = v }
}

// WithSpanSink exposes recent traces on the debug endpoint.
func WithSpanSink(sink *observability.SpanSink) Option {
	return func(g *Gateway) { g.spans = sink }
}

// New wires a gateway. When auth is enabled and no validator is
// injected, a JWKS-backed one is built from the config.
func New(cfg Config, sched *scheduler.Scheduler, repo runs.Repository, bus eventbus.Bus,
	broker approval.Broker, opts ...Option) (*Gateway, error) {

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, newGatewayError("New", "invalid configuration", err)
	}

	g := &Gateway{
		cfg:       cfg,
		scheduler: sched,
		repo:      repo,
		bus:       bus,
		broker:    broker,
	}
	for _, opt := range opts {
		opt(g)
	}

	if cfg.Auth.Enabled && g.validator == nil {
		validator, err := NewJWTValidator(cfg.Auth)
		if err != nil {
			return nil, newGatewayError("New", "failed to build token validator", err)
		}
		g.validator = validator
	}
	return g, nil
}

// Router assembles the HTTP routes.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMiddleware(routePattern))

	r.Get("/healthz", g.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware(g.validator))

		r.Post("/runs", g.handleSubmitRun)
		r.Get("/runs/{runID}", g.handleGetRun)
		r.Post("/runs/{runID}/cancel", g.handleCancelRun)
		r.Get("/runs/{runID}/events", g.handleListEvents)
		r.Get("/runs/{runID}/stream", g.handleStreamEvents)

		r.Get("/approvals", g.handleListApprovals)
		r.Post("/approvals/{runID}/{toolCallID}", g.handleDecideApproval)

		r.Get("/debug/spans", g.handleSpans)
	})
	return r
}

// routePattern labels metrics with the chi route pattern instead of the
// raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

// Start serves until the context is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port)
	g.server = &http.Server{
		Addr:    addr,
		Handler: g.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", addr)
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return newGatewayError("Start", "server failed", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return g.server.Shutdown(shutdownCtx)
	}
}
