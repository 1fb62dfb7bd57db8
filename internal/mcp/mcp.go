// Package mcp implements the Model Context Protocol server for Mimamori.
//
// The MCP server exposes the monitoring and coordination core through MCP
// resources, tools and prompts, so MCP-compatible agents can report metrics,
// exchange messages and consult shared learning patterns.
package mcp

import (
	"log/slog"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/mimamori/internal/coordinator"
	"github.com/ashita-ai/mimamori/internal/learning"
	"github.com/ashita-ai/mimamori/internal/monitor"
	"github.com/ashita-ai/mimamori/internal/optimizer"
)

// relatedCheckWindow is how long a related-patterns lookup counts as recent
// for the send-message nudge.
const relatedCheckWindow = 30 * time.Minute

// Server wraps the MCP server with Mimamori's core components.
type Server struct {
	mcpServer   *mcpserver.MCPServer
	monitor     *monitor.Service
	coordinator *coordinator.Coordinator
	patterns    *learning.Distributor
	optimizer   *optimizer.CrossAgent
	logger      *slog.Logger
	tracker     *checkTracker
}

// Deps are the components the MCP surface reads from and writes to.
type Deps struct {
	Monitor     *monitor.Service
	Coordinator *coordinator.Coordinator
	Patterns    *learning.Distributor
	Optimizer   *optimizer.CrossAgent
	Logger      *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts.
func New(d Deps, version string) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		monitor:     d.Monitor,
		coordinator: d.Coordinator,
		patterns:    d.Patterns,
		optimizer:   d.Optimizer,
		logger:      logger,
		tracker:     newCheckTracker(relatedCheckWindow),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"mimamori",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// statusSnapshot is the shared body of mimamori_status and mimamori://status.
type statusSnapshot struct {
	Monitor     monitor.Status    `json:"monitor"`
	Coordinator coordinator.Stats `json:"coordinator"`
	Patterns    learning.Stats    `json:"patterns"`
	Optimizer   optimizerSummary  `json:"optimizer"`
}

type optimizerSummary struct {
	LearningRate     float64   `json:"learning_rate"`
	ActiveMetrics    int       `json:"active_metrics"`
	LastOptimization time.Time `json:"last_optimization"`
}

func (s *Server) snapshot() statusSnapshot {
	return statusSnapshot{
		Monitor:     s.monitor.Status(),
		Coordinator: s.coordinator.Stats(),
		Patterns:    s.patterns.Stats(),
		Optimizer: optimizerSummary{
			LearningRate:     s.optimizer.LearningRate(),
			ActiveMetrics:    s.optimizer.ActiveMetrics(),
			LastOptimization: s.optimizer.LastOptimization(),
		},
	}
}
