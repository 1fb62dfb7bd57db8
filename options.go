package mimamori

import (
	"log/slog"

	"github.com/ashita-ai/mimamori/internal/monitor"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	logger      *slog.Logger
	version     string
	archivePath *string
	integration *monitor.IntegrationConfig
	agents      []agentOption
	components  []componentOption
}

type agentOption struct {
	id    string
	agent Agent
}

type componentOption struct {
	id      string
	health  HealthFunc
	metrics MetricsFunc
}

// WithPort overrides the TCP port from config (MIMAMORI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithAgent registers an agent with the coordinator under id. Messages routed
// to id (for example observations to "analysis") are delivered to it.
// Multiple agents may be registered; a repeated id replaces the earlier agent.
func WithAgent(id string, agent Agent) Option {
	return func(o *resolvedOptions) { o.agents = append(o.agents, agentOption{id: id, agent: agent}) }
}

// WithComponent registers a monitored component. Either function may be nil.
func WithComponent(id string, health HealthFunc, metrics MetricsFunc) Option {
	return func(o *resolvedOptions) {
		o.components = append(o.components, componentOption{id: id, health: health, metrics: metrics})
	}
}

// IntegrationConfig describes how monitoring metrics feed the adaptive
// optimizer: metric mappings, optimizer thresholds and default alerts.
type (
	IntegrationConfig = monitor.IntegrationConfig
	Mapping           = monitor.Mapping
	ThresholdSpec     = monitor.ThresholdSpec
	AlertSpec         = monitor.AlertSpec
)

// DefaultIntegrationConfig returns the built-in mappings, thresholds and
// alerts, for callers that want to extend rather than replace them.
func DefaultIntegrationConfig() IntegrationConfig {
	return monitor.DefaultIntegrationConfig()
}

// WithIntegrationConfig replaces the metric mappings, thresholds and default
// alerts. It takes precedence over MIMAMORI_INTEGRATION_CONFIG.
func WithIntegrationConfig(cfg IntegrationConfig) Option {
	return func(o *resolvedOptions) { o.integration = &cfg }
}

// WithArchivePath overrides MIMAMORI_ARCHIVE_PATH. An empty path disables the
// archive even when the env var is set.
func WithArchivePath(path string) Option {
	return func(o *resolvedOptions) { o.archivePath = &path }
}
