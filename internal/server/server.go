package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/mimamori/internal/coordinator"
	"github.com/ashita-ai/mimamori/internal/learning"
	"github.com/ashita-ai/mimamori/internal/monitor"
	"github.com/ashita-ai/mimamori/internal/optimizer"
	"github.com/ashita-ai/mimamori/internal/ratelimit"
	"github.com/ashita-ai/mimamori/internal/telemetry"
)

// Server is the Mimamori HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Integration, Limiter, Broker, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Monitor     *monitor.Service
	Optimizer   *optimizer.CrossAgent
	Patterns    *learning.Distributor
	Coordinator *coordinator.Coordinator
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	Integration *monitor.Integration
	Limiter     ratelimit.Limiter
	Broker      *Broker
	MCPServer   *mcpserver.MCPServer
	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := NewHandlers(HandlersDeps{
		Monitor:             cfg.Monitor,
		Integration:         cfg.Integration,
		Optimizer:           cfg.Optimizer,
		Patterns:            cfg.Patterns,
		Coordinator:         cfg.Coordinator,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	rl := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Monitoring.
	mux.Handle("GET /v1/status", rl(http.HandlerFunc(h.HandleStatus)))
	mux.Handle("POST /v1/metrics", rl(http.HandlerFunc(h.HandleRecordMetric)))
	mux.Handle("GET /v1/metrics/{name}", rl(http.HandlerFunc(h.HandleRecentMetrics)))
	mux.Handle("POST /v1/health", rl(http.HandlerFunc(h.HandleUpdateHealth)))
	mux.Handle("GET /v1/health", rl(http.HandlerFunc(h.HandleListHealth)))
	mux.Handle("POST /v1/alerts", rl(http.HandlerFunc(h.HandleConfigureAlert)))
	mux.Handle("POST /v1/alerts/conditions", rl(http.HandlerFunc(h.HandleAddAlertCondition)))
	mux.Handle("GET /v1/alerts", rl(http.HandlerFunc(h.HandleRecentAlerts)))
	mux.Handle("DELETE /v1/alerts/{alert_id}", rl(http.HandlerFunc(h.HandleDeleteAlert)))

	// Agent coordination and learning.
	mux.Handle("POST /v1/messages", rl(http.HandlerFunc(h.HandleSendMessage)))
	mux.Handle("GET /v1/agents", rl(http.HandlerFunc(h.HandleListAgents)))
	mux.Handle("GET /v1/patterns", rl(http.HandlerFunc(h.HandleListPatterns)))
	mux.Handle("POST /v1/patterns", rl(http.HandlerFunc(h.HandleAddPattern)))
	mux.Handle("GET /v1/patterns/{pattern_id}/related", rl(http.HandlerFunc(h.HandleRelatedPatterns)))

	// Optimizer.
	mux.Handle("GET /v1/optimizer/state", rl(http.HandlerFunc(h.HandleOptimizerState)))
	mux.Handle("GET /v1/optimizer/export", rl(http.HandlerFunc(h.HandleOptimizerExport)))
	mux.Handle("GET /v1/optimizer/mappings", rl(http.HandlerFunc(h.HandleListMappings)))
	mux.Handle("GET /v1/optimizer/shared", rl(http.HandlerFunc(h.HandleShareableMetrics)))
	mux.Handle("POST /v1/optimizer/shared/{agent_id}", rl(http.HandlerFunc(h.HandleReceiveSharedData)))

	// Event stream (no rate limit, long-lived connection).
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", rl(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	inst, err := telemetry.NewHTTPInstruments()
	if err != nil {
		cfg.Logger.Warn("server: http instruments unavailable", "error", err)
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(inst, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
