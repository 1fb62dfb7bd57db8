// Package mimamori is the public API for embedding the Mimamori monitoring
// and agent coordination server.
//
// Callers construct the full component graph with New and run it with Run:
//
//	app, err := mimamori.New(
//	    mimamori.WithVersion(version),
//	    mimamori.WithLogger(logger),
//	    mimamori.WithAgent("analysis", myAnalysisAgent{}),
//	    mimamori.WithComponent("checkout-api", checkHealth, collectMetrics),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph is one-way: mimamori (root) imports internal/*, but
// internal/* never imports mimamori (root). Public types (Message, Pattern,
// HealthStatus, Metric) are standalone structs; the adapters converting them
// live here because this is the only file that sees both sides.
package mimamori

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/mimamori/api"
	"github.com/ashita-ai/mimamori/internal/archive"
	"github.com/ashita-ai/mimamori/internal/config"
	"github.com/ashita-ai/mimamori/internal/coordinator"
	"github.com/ashita-ai/mimamori/internal/events"
	"github.com/ashita-ai/mimamori/internal/learning"
	"github.com/ashita-ai/mimamori/internal/mcp"
	"github.com/ashita-ai/mimamori/internal/model"
	"github.com/ashita-ai/mimamori/internal/monitor"
	"github.com/ashita-ai/mimamori/internal/optimizer"
	"github.com/ashita-ai/mimamori/internal/ratelimit"
	"github.com/ashita-ai/mimamori/internal/scheduler"
	"github.com/ashita-ai/mimamori/internal/server"
	"github.com/ashita-ai/mimamori/internal/storage"
	"github.com/ashita-ai/mimamori/internal/telemetry"
	"github.com/ashita-ai/mimamori/migrations"
)

const (
	shutdownHTTPTimeout  = 10 * time.Second
	shutdownDrainTimeout = 10 * time.Second
	archiveBatchSize     = 100
)

// App is the Mimamori server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg         config.Config
	bus         *events.Bus
	monitor     *monitor.Service
	integration *monitor.Integration
	optimizer   *optimizer.CrossAgent
	patterns    *learning.Distributor
	coordinator *coordinator.Coordinator
	sched       *scheduler.Scheduler
	broker      *server.Broker
	srv         *server.Server
	httpLimiter ratelimit.Limiter
	db          *storage.DB     // nil when the archive is disabled
	archive     *archive.Writer // nil when the archive is disabled

	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	shutdownOnce sync.Once
	shutdownErr  error
}

// New initialises the Mimamori server. It loads configuration, wires every
// subsystem onto one event bus and one scheduler, opens the archive when
// configured, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.archivePath != nil {
		cfg.ArchivePath = *o.archivePath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	integCfg := monitor.DefaultIntegrationConfig()
	switch {
	case o.integration != nil:
		integCfg = *o.integration
	case cfg.IntegrationConfigPath != "":
		integCfg, err = monitor.LoadIntegrationConfig(cfg.IntegrationConfigPath)
		if err != nil {
			return nil, err
		}
	}
	if integCfg.OptimizerHealthInterval <= 0 {
		integCfg.OptimizerHealthInterval = cfg.OptimizerHealthInterval
	}

	logger.Info("mimamori starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{
		cfg:          cfg,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}
	if err := a.wire(integCfg, o); err != nil {
		a.closeAfterFailedInit()
		return nil, err
	}
	return a, nil
}

// wire builds the component graph. On error the caller releases whatever
// was already opened.
func (a *App) wire(integCfg monitor.IntegrationConfig, o resolvedOptions) error {
	cfg, logger := a.cfg, a.logger

	a.bus = events.NewBus(logger)
	a.monitor = monitor.NewService(monitor.Config{
		CollectionInterval:  cfg.CollectionInterval,
		RetentionPeriod:     cfg.RetentionPeriod,
		HealthCheckInterval: cfg.HealthCheckInterval,
	}, a.bus, logger)

	a.optimizer = optimizer.NewCrossAgent(optimizer.Config{
		InitialLearningRate: cfg.InitialLearningRate,
		MinInterval:         cfg.OptimizeMinInterval,
	}, cfg.SharedDataMaxAge, logger)

	integ, err := monitor.NewIntegration(a.monitor, a.optimizer.Optimizer, integCfg, logger)
	if err != nil {
		return err
	}
	a.integration = integ

	a.patterns = learning.NewDistributor(learning.Config{
		ValidationThreshold: cfg.ValidationThreshold,
		MaxPatterns:         cfg.MaxPatterns,
	}, a.optimizer, a.bus, logger)

	a.coordinator = coordinator.New(coordinator.Config{
		QueueTick:  cfg.QueueTick,
		AgentRate:  cfg.AgentRate,
		AgentBurst: cfg.AgentBurst,
	}, a.patterns, a.optimizer, a.monitor.Metrics(), a.bus, logger)

	for _, ag := range o.agents {
		if err := a.coordinator.RegisterAgent(ag.id, adaptAgent(ag.agent)); err != nil {
			return err
		}
	}
	for _, c := range o.components {
		if err := a.monitor.RegisterComponent(c.id, adaptHealth(c.health), adaptMetrics(c.metrics)); err != nil {
			return err
		}
	}

	// Every periodic task shares one scheduler so shutdown stops them together.
	a.sched = scheduler.New(logger)
	for _, s := range []interface {
		Schedule(*scheduler.Scheduler) error
	}{a.monitor, a.integration, a.coordinator} {
		if err := s.Schedule(a.sched); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
	}

	if cfg.ArchivePath != "" {
		if err := a.openArchive(); err != nil {
			return err
		}
	}

	// Register observable gauges (after telemetry.Init).
	a.monitor.RegisterMetrics()
	a.optimizer.RegisterMetrics()
	a.patterns.RegisterMetrics()
	a.coordinator.RegisterMetrics()

	if cfg.HTTPRate > 0 {
		a.httpLimiter = ratelimit.NewMemoryLimiter(cfg.HTTPRate, cfg.HTTPBurst)
	}

	mcpSrv := mcp.New(mcp.Deps{
		Monitor:     a.monitor,
		Coordinator: a.coordinator,
		Patterns:    a.patterns,
		Optimizer:   a.optimizer,
		Logger:      logger,
	}, a.version)

	a.broker = server.NewBroker(a.bus, logger)
	a.srv = server.New(server.ServerConfig{
		Monitor:             a.monitor,
		Optimizer:           a.optimizer,
		Patterns:            a.patterns,
		Coordinator:         a.coordinator,
		Logger:              logger,
		Integration:         a.integration,
		Limiter:             a.httpLimiter,
		Broker:              a.broker,
		MCPServer:           mcpSrv.MCPServer(),
		OpenAPISpec:         api.OpenAPISpec,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})
	return nil
}

// openArchive opens the SQLite archive, applies migrations and attaches the
// buffered writer to the bus and the optimizer health tick.
func (a *App) openArchive() error {
	ctx := context.Background()
	db, err := storage.Open(ctx, a.cfg.ArchivePath, a.logger)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	a.db = db
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("archive migrations: %w", err)
	}
	a.archive = archive.NewWriter(db, a.logger, archiveBatchSize, a.cfg.ArchiveFlushInterval)
	a.archive.Subscribe(a.bus)
	a.integration.SetArchiver(a.archive)
	a.logger.Info("archive: enabled", "path", a.cfg.ArchivePath)
	return nil
}

func (a *App) closeAfterFailedInit() {
	if a.integration != nil {
		a.integration.Close()
	}
	if a.monitor != nil {
		a.monitor.Close()
	}
	if a.coordinator != nil {
		a.coordinator.Stop()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	_ = a.otelShutdown(context.Background())
}

// Handler returns the root HTTP handler, for serving the API from a caller's
// own listener or from tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// RecordMetric records one metric as if a collaborator had reported it.
func (a *App) RecordMetric(componentID string, m Metric) error {
	_, err := a.monitor.RecordMetric(model.Metric{
		Name:        m.Name,
		Value:       m.Value,
		Tags:        m.Tags,
		Timestamp:   m.Timestamp,
		ComponentID: componentID,
	})
	return err
}

// ErrArchiveDisabled is returned by AuditArchive when no archive path is set.
var ErrArchiveDisabled = errors.New("mimamori: archive disabled")

// ArchiveAudit reports how many archived alert events were re-hashed, which
// no longer match their stored hash, and the Merkle root over stored hashes.
type ArchiveAudit = storage.AlertAudit

// AuditArchive flushes pending archive rows and verifies the content hash of
// every archived alert event.
func (a *App) AuditArchive(ctx context.Context) (ArchiveAudit, error) {
	if a.db == nil {
		return ArchiveAudit{}, ErrArchiveDisabled
	}
	a.archive.Flush(ctx)
	return a.db.AuditAlerts(ctx)
}

// Run starts the scheduler, the event broker, the archive writer and the HTTP
// server, then blocks until ctx is cancelled or the server fails. On return,
// Shutdown has already run; callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	a.broker.Start()
	if a.archive != nil {
		// The writer outlives ctx so Shutdown can drain it.
		a.archive.Start(context.WithoutCancel(ctx))
	}

	g, gctx := errgroup.WithContext(ctx)
	a.sched.Start(gctx)

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})
	return g.Wait()
}

// Shutdown stops accepting HTTP requests and drains in-flight ones, stops
// every periodic task, rejects further agent messages, and flushes the
// archive. It then closes the archive and the OTEL provider. Safe to call
// more than once; later calls return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown(ctx)
	})
	return a.shutdownErr
}

func (a *App) shutdown(ctx context.Context) error {
	a.logger.Info("mimamori shutting down")
	var errs []error

	// Phase 1: HTTP drain.
	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	httpCancel()

	// Phase 2: timers, queue and subscriptions.
	stopCtx, stopCancel := context.WithTimeout(ctx, shutdownDrainTimeout)
	a.sched.Stop(stopCtx)
	stopCancel()
	a.coordinator.Stop()
	a.broker.Stop()
	a.integration.Close()
	a.monitor.Close()
	if a.httpLimiter != nil {
		_ = a.httpLimiter.Close()
	}

	// Phase 3: archive drain.
	if a.archive != nil {
		drainCtx, drainCancel := context.WithTimeout(ctx, shutdownDrainTimeout)
		a.archive.Drain(drainCtx)
		drainCancel()
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("archive close: %w", err))
		}
	}

	if err := a.otelShutdown(context.Background()); err != nil {
		a.logger.Warn("telemetry shutdown error", "error", err)
	}
	a.logger.Info("mimamori stopped")
	return errors.Join(errs...)
}

// ── Adapters between the public and internal types ─────────────────────────

// agentAdapter bridges a public Agent to coordinator.Agent.
type agentAdapter struct {
	agent Agent
}

func (a *agentAdapter) HandleMessage(ctx context.Context, msg model.AgentMessage) error {
	pub, err := toPublicMessage(msg)
	if err != nil {
		return err
	}
	return a.agent.HandleMessage(ctx, pub)
}

// receivingAgentAdapter additionally satisfies learning.PatternReceiver so
// the coordinator subscribes it to accepted patterns.
type receivingAgentAdapter struct {
	agentAdapter
	receiver PatternReceiver
}

func (a *receivingAgentAdapter) ReceivePattern(ctx context.Context, p model.LearningPattern) error {
	pub, err := toPublicPattern(p)
	if err != nil {
		return err
	}
	return a.receiver.ReceivePattern(ctx, pub)
}

func adaptAgent(agent Agent) coordinator.Agent {
	if agent == nil {
		return nil
	}
	if r, ok := agent.(PatternReceiver); ok {
		return &receivingAgentAdapter{agentAdapter: agentAdapter{agent: agent}, receiver: r}
	}
	return &agentAdapter{agent: agent}
}

func adaptHealth(fn HealthFunc) func(context.Context) (model.HealthStatus, error) {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context) (model.HealthStatus, error) {
		st, err := fn(ctx)
		if err != nil {
			return model.HealthStatus{}, err
		}
		return model.HealthStatus{
			Status:  model.HealthState(st.Status),
			Message: st.Message,
			Details: st.Details,
		}, nil
	}
}

func adaptMetrics(fn MetricsFunc) func(context.Context) ([]model.Metric, error) {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context) ([]model.Metric, error) {
		ms, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]model.Metric, len(ms))
		for i, m := range ms {
			out[i] = model.Metric{Name: m.Name, Value: m.Value, Tags: m.Tags, Timestamp: m.Timestamp}
		}
		return out, nil
	}
}

func toPublicMessage(msg model.AgentMessage) (Message, error) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", msg.Type, err)
	}
	return Message{
		ID:        msg.ID,
		AgentID:   msg.AgentID,
		Type:      string(msg.Type),
		Payload:   payload,
		Timestamp: msg.Timestamp,
	}, nil
}

func toPublicPattern(p model.LearningPattern) (Pattern, error) {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return Pattern{}, fmt.Errorf("encode %s pattern: %w", p.Type, err)
	}
	return Pattern{
		ID:         p.ID,
		Source:     p.Source,
		Type:       string(p.Type),
		Confidence: p.Confidence,
		Timestamp:  p.Timestamp,
		Payload:    payload,
		Metadata:   p.Metadata,
	}, nil
}
