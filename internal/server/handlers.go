package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/mimamori/internal/coordinator"
	"github.com/ashita-ai/mimamori/internal/learning"
	"github.com/ashita-ai/mimamori/internal/model"
	"github.com/ashita-ai/mimamori/internal/monitor"
	"github.com/ashita-ai/mimamori/internal/optimizer"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	monitor             *monitor.Service
	integration         *monitor.Integration
	optimizer           *optimizer.CrossAgent
	patterns            *learning.Distributor
	coordinator         *coordinator.Coordinator
	broker              *Broker
	logger              *slog.Logger
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
	startedAt           time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Integration, Broker, OpenAPISpec.
type HandlersDeps struct {
	Monitor             *monitor.Service
	Integration         *monitor.Integration
	Optimizer           *optimizer.CrossAgent
	Patterns            *learning.Distributor
	Coordinator         *coordinator.Coordinator
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		monitor:             d.Monitor,
		integration:         d.Integration,
		optimizer:           d.Optimizer,
		patterns:            d.Patterns,
		coordinator:         d.Coordinator,
		broker:              d.Broker,
		logger:              logger,
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
		startedAt:           time.Now(),
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status         model.HealthState `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Components     int               `json:"components"`
	SSESubscribers int               `json:"sse_subscribers"`
}

// HandleHealth handles GET /health. It answers 503 only when some component
// is unhealthy; degraded still serves.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.monitor.Status()
	resp := HealthResponse{
		Status:        st.Status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Components:    st.Components,
	}
	if h.broker != nil {
		resp.SSESubscribers = h.broker.Subscribers()
	}
	code := http.StatusOK
	if st.Status == model.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// OptimizerSummary is the optimizer section of GET /v1/status.
type OptimizerSummary struct {
	LearningRate     float64        `json:"learning_rate"`
	ActiveMetrics    int            `json:"active_metrics"`
	LastOptimization time.Time      `json:"last_optimization"`
	SharedSources    map[string]int `json:"shared_sources"`
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Monitor     monitor.Overview  `json:"monitor"`
	Coordinator coordinator.Stats `json:"coordinator"`
	Patterns    learning.Stats    `json:"patterns"`
	Optimizer   OptimizerSummary  `json:"optimizer"`
}

// HandleStatus handles GET /v1/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, StatusResponse{
		Monitor:     h.monitor.SystemOverview(),
		Coordinator: h.coordinator.Stats(),
		Patterns:    h.patterns.Stats(),
		Optimizer: OptimizerSummary{
			LearningRate:     h.optimizer.LearningRate(),
			ActiveMetrics:    h.optimizer.ActiveMetrics(),
			LastOptimization: h.optimizer.LastOptimization(),
			SharedSources:    h.optimizer.SharedSources(),
		},
	})
}

// HandleSubscribe handles GET /v1/subscribe (SSE).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event stream not available")
		return
	}

	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("server: streaming not supported", "error", err)
		return
	}

	// Long-lived stream: lift the server's write deadline.
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryLimit caps list endpoints.
const maxQueryLimit = 1000

// queryLimit returns a bounded limit from query params.
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit <= 0 {
		return defaultVal
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// queryDuration parses a Go duration query parameter ("90s", "1h").
func queryDuration(r *http.Request, key string, defaultVal time.Duration) (time.Duration, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: expected a positive duration (e.g. 15m, 1h)", key)
	}
	return d, nil
}
