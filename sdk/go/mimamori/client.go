package mimamori

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Mimamori server (e.g. "http://localhost:8080").
	BaseURL string

	// AgentID identifies this agent as the sender of messages and shared
	// optimizer data.
	AgentID string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used. Subscribe needs a client without a
	// total timeout; it derives one from HTTPClient automatically.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Mimamori API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	agentID string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or AgentID is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("mimamori: BaseURL is required")
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("mimamori: AgentID is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		agentID: cfg.AgentID,
		client:  httpClient,
	}, nil
}

// AgentID returns the sender ID this client uses.
func (c *Client) AgentID() string { return c.agentID }

// Health returns the server's health summary. An unhealthy server answers
// 503 with the same body; the summary is returned alongside the error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.get(ctx, "/health", &resp)
	if err != nil && IsUnavailable(err) && resp.Status != "" {
		return &resp, err
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Monitoring
// ---------------------------------------------------------------------------

// RecordMetric reports one metric value. The server evaluates it against
// every alert and forwards mapped metrics to the optimizer.
func (c *Client) RecordMetric(ctx context.Context, req RecordMetricRequest) (*Metric, error) {
	var resp Metric
	if err := c.post(ctx, "/v1/metrics", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecentMetrics returns the named series within the last d, oldest first.
// A zero d uses the server default of one hour.
func (c *Client) RecentMetrics(ctx context.Context, name string, d time.Duration) ([]Metric, error) {
	params := url.Values{}
	if d > 0 {
		params.Set("duration", d.String())
	}
	var resp []Metric
	if err := c.get(ctx, withQuery("/v1/metrics/"+url.PathEscape(name), params), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AggregateMetrics folds the named series into buckets.
func (c *Client) AggregateMetrics(ctx context.Context, name string, opts AggregateOptions) ([]Bucket, error) {
	if opts.Aggregation == "" {
		return nil, fmt.Errorf("mimamori: Aggregation is required")
	}
	params := url.Values{}
	params.Set("aggregation", opts.Aggregation)
	if opts.Duration > 0 {
		params.Set("duration", opts.Duration.String())
	}
	if opts.Interval > 0 {
		params.Set("interval", opts.Interval.String())
	}
	if opts.ComponentID != "" {
		params.Set("component_id", opts.ComponentID)
	}
	var resp []Bucket
	if err := c.get(ctx, withQuery("/v1/metrics/"+url.PathEscape(name), params), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// UpdateHealth reports a component's health.
func (c *Client) UpdateHealth(ctx context.Context, req HealthCheckRequest) (*HealthStatus, error) {
	var resp HealthStatus
	if err := c.post(ctx, "/v1/health", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListHealth returns the stored health of every component.
func (c *Client) ListHealth(ctx context.Context) ([]HealthStatus, error) {
	var resp []HealthStatus
	if err := c.get(ctx, "/v1/health", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AddAlertCondition registers a threshold alert and returns its ID.
func (c *Client) AddAlertCondition(ctx context.Context, req AlertConditionRequest) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/v1/alerts/conditions", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// RecentAlerts returns alert and resolution events within the last d.
func (c *Client) RecentAlerts(ctx context.Context, d time.Duration) ([]AlertEvent, error) {
	params := url.Values{}
	if d > 0 {
		params.Set("duration", d.String())
	}
	var resp []AlertEvent
	if err := c.get(ctx, withQuery("/v1/alerts", params), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// DeleteAlert removes an alert definition and its state.
func (c *Client) DeleteAlert(ctx context.Context, alertID string) error {
	return c.doDelete(ctx, "/v1/alerts/"+url.PathEscape(alertID), nil)
}

// ---------------------------------------------------------------------------
// Coordination
// ---------------------------------------------------------------------------

// SendMessage queues a message from this client's agent. payload must be one
// of Observation, Analysis, Recommendation or Learning.
func (c *Client) SendMessage(ctx context.Context, payload any) (*QueuedMessage, error) {
	msgType, err := messageType(payload)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"agent_id": c.agentID,
		"type":     msgType,
		"payload":  payload,
	}
	var resp QueuedMessage
	if err := c.post(ctx, "/v1/messages", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Observe sends an observation.
func (c *Client) Observe(ctx context.Context, o Observation) (*QueuedMessage, error) {
	return c.SendMessage(ctx, o)
}

// Analyze sends an analysis.
func (c *Client) Analyze(ctx context.Context, a Analysis) (*QueuedMessage, error) {
	return c.SendMessage(ctx, a)
}

// Recommend sends a recommendation.
func (c *Client) Recommend(ctx context.Context, r Recommendation) (*QueuedMessage, error) {
	return c.SendMessage(ctx, r)
}

// Learn broadcasts a learning to every other agent.
func (c *Client) Learn(ctx context.Context, l Learning) (*QueuedMessage, error) {
	return c.SendMessage(ctx, l)
}

func messageType(payload any) (string, error) {
	switch payload.(type) {
	case Observation, *Observation:
		return MessageObservation, nil
	case Analysis, *Analysis:
		return MessageAnalysis, nil
	case Recommendation, *Recommendation:
		return MessageRecommendation, nil
	case Learning, *Learning:
		return MessageLearning, nil
	default:
		return "", fmt.Errorf("mimamori: unsupported message payload %T", payload)
	}
}

// ListAgents returns the registered agents and coordinator statistics.
func (c *Client) ListAgents(ctx context.Context) (*AgentsResponse, error) {
	var resp AgentsResponse
	if err := c.get(ctx, "/v1/agents", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Learning patterns
// ---------------------------------------------------------------------------

// ListPatterns returns stored patterns, newest first. An empty patternType
// lists every type; limit <= 0 uses the server default.
func (c *Client) ListPatterns(ctx context.Context, patternType string, limit int) ([]Pattern, error) {
	params := url.Values{}
	if patternType != "" {
		params.Set("type", patternType)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp []Pattern
	if err := c.get(ctx, withQuery("/v1/patterns", params), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AddPattern submits a pattern for validation. A conflicting pattern returns
// an error for which IsConflict is true; its Details hold the PatternResult.
// An empty Source defaults to this client's agent.
func (c *Client) AddPattern(ctx context.Context, p Pattern) (*PatternResult, error) {
	if p.Source == "" {
		p.Source = c.agentID
	}
	var resp PatternResult
	if err := c.post(ctx, "/v1/patterns", p, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RelatedPatterns returns stored patterns similar to patternID.
func (c *Client) RelatedPatterns(ctx context.Context, patternID string) ([]Pattern, error) {
	var resp []Pattern
	if err := c.get(ctx, "/v1/patterns/"+url.PathEscape(patternID)+"/related", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Optimizer
// ---------------------------------------------------------------------------

// OptimizerState returns the optimizer's metrics, thresholds and learning rate.
func (c *Client) OptimizerState(ctx context.Context) (*OptimizerState, error) {
	var resp OptimizerState
	if err := c.get(ctx, "/v1/optimizer/state", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ShareableMetrics returns the server's current optimizer batch, ready to be
// passed to a peer's ShareMetrics.
func (c *Client) ShareableMetrics(ctx context.Context) ([]OptimizationMetric, error) {
	var resp sharedDataRequest
	if err := c.get(ctx, "/v1/optimizer/shared", &resp); err != nil {
		return nil, err
	}
	return resp.Metrics, nil
}

// ShareMetrics sends optimizer metrics to the server as this client's agent.
func (c *Client) ShareMetrics(ctx context.Context, metrics []OptimizationMetric) (*SharedDataResponse, error) {
	var resp SharedDataResponse
	path := "/v1/optimizer/shared/" + url.PathEscape(c.agentID)
	if err := c.post(ctx, path, sharedDataRequest{Metrics: metrics}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Event stream
// ---------------------------------------------------------------------------

// Event is one server-sent event. Data holds the JSON encoding of
// {name, timestamp, payload}.
type Event struct {
	Name string
	Data json.RawMessage
}

// Subscribe streams every server event to fn until ctx is cancelled, the
// server closes the stream, or fn returns an error. Cancellation returns
// ctx.Err().
func (c *Client) Subscribe(ctx context.Context, fn func(Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/subscribe", nil)
	if err != nil {
		return fmt.Errorf("mimamori: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream is long-lived; drop the per-request timeout.
	streamClient := *c.client
	streamClient.Timeout = 0

	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("mimamori: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return parseErrorResponse(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var ev Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev.Name != "" || ev.Data != nil {
				if err := fn(ev); err != nil {
					return err
				}
			}
			ev = Event{}
		case strings.HasPrefix(line, ":"):
			// Comment (keepalive).
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.Data = append(ev.Data, strings.TrimSpace(strings.TrimPrefix(line, "data:"))...)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mimamori: read event stream: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details,omitempty"`
	} `json:"error"`
}

func withQuery(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("mimamori: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("mimamori: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("mimamori: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("mimamori: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("mimamori: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mimamori: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := parseErrorResponse(resp.StatusCode, bodyBytes)
		// /health answers 503 with a data envelope rather than an error one.
		if resp.StatusCode == http.StatusServiceUnavailable && dest != nil {
			var envelope apiEnvelope
			if json.Unmarshal(bodyBytes, &envelope) == nil && envelope.Data != nil {
				_ = json.Unmarshal(envelope.Data, dest)
			}
		}
		return apiErr
	}

	// 204 No Content: nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("mimamori: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		if len(envelope.Error.Details) > 0 {
			apiErr.Details = envelope.Error.Details
		}
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
