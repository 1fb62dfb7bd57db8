package mimamori

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockServer creates an httptest server that mimics the Mimamori API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, map[string]any{"data": v})
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: serverURL,
		AgentID: "test-agent",
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{AgentID: "a"})
	assert.Error(t, err)

	_, err = NewClient(Config{BaseURL: "http://localhost"})
	assert.Error(t, err)

	c, err := NewClient(Config{BaseURL: "http://localhost/", AgentID: "a"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost", c.baseURL)
	assert.Equal(t, 30*time.Second, c.client.Timeout)
}

func TestRecordMetric(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/metrics": func(w http.ResponseWriter, r *http.Request) {
			var req RecordMetricRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "cpu_usage", req.Name)
			assert.Equal(t, "web", req.ComponentID)
			assert.Nil(t, req.Timestamp)
			writeData(w, http.StatusAccepted, Metric{
				Name: req.Name, Value: req.Value, ComponentID: req.ComponentID,
				Timestamp: time.Now().UTC(),
			})
		},
	})
	c := newTestClient(t, srv.URL)

	m, err := c.RecordMetric(context.Background(), RecordMetricRequest{
		Name: "cpu_usage", Value: 0.7, ComponentID: "web",
	})
	require.NoError(t, err)
	assert.Equal(t, 0.7, m.Value)
	assert.False(t, m.Timestamp.IsZero())
}

func TestAggregateMetricsQuery(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/metrics/{name}": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "latency", r.PathValue("name"))
			q := r.URL.Query()
			assert.Equal(t, "avg", q.Get("aggregation"))
			assert.Equal(t, "1h0m0s", q.Get("duration"))
			assert.Equal(t, "5m0s", q.Get("interval"))
			assert.Equal(t, "api", q.Get("component_id"))
			writeData(w, http.StatusOK, []Bucket{{Value: 12, Count: 3}})
		},
	})
	c := newTestClient(t, srv.URL)

	buckets, err := c.AggregateMetrics(context.Background(), "latency", AggregateOptions{
		Duration: time.Hour, Aggregation: "avg", Interval: 5 * time.Minute, ComponentID: "api",
	})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, 3, buckets[0].Count)

	_, err = c.AggregateMetrics(context.Background(), "latency", AggregateOptions{})
	assert.Error(t, err)
}

func TestRecentMetricsOmitsZeroDuration(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/metrics/{name}": func(w http.ResponseWriter, r *http.Request) {
			assert.Empty(t, r.URL.RawQuery)
			writeData(w, http.StatusOK, []Metric{{Name: "cpu_usage", Value: 1}})
		},
	})
	c := newTestClient(t, srv.URL)

	ms, err := c.RecentMetrics(context.Background(), "cpu_usage", 0)
	require.NoError(t, err)
	assert.Len(t, ms, 1)
}

func TestAlerts(t *testing.T) {
	var deleted atomic.Value
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/alerts/conditions": func(w http.ResponseWriter, r *http.Request) {
			var req AlertConditionRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			writeData(w, http.StatusCreated, map[string]string{
				"id": fmt.Sprintf("%s_%s_%g", req.MetricName, req.Comparison, req.Threshold),
			})
		},
		"GET /v1/alerts": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "10m0s", r.URL.Query().Get("duration"))
			writeData(w, http.StatusOK, []AlertEvent{{
				ID: uuid.New(), AlertID: "cpu_gt_0.9", Kind: "alert", Severity: SeverityHigh,
			}})
		},
		"DELETE /v1/alerts/{id}": func(w http.ResponseWriter, r *http.Request) {
			deleted.Store(r.PathValue("id"))
			w.WriteHeader(http.StatusNoContent)
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	id, err := c.AddAlertCondition(ctx, AlertConditionRequest{
		MetricName: "cpu", Threshold: 0.9, Comparison: "gt", Severity: SeverityHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, "cpu_gt_0.9", id)

	events, err := c.RecentAlerts(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, SeverityHigh, events[0].Severity)

	require.NoError(t, c.DeleteAlert(ctx, id))
	assert.Equal(t, "cpu_gt_0.9", deleted.Load())
}

func TestSendMessageTypes(t *testing.T) {
	type sent struct {
		AgentID string         `json:"agent_id"`
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	var (
		mu  sync.Mutex
		got []sent
	)
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/messages": func(w http.ResponseWriter, r *http.Request) {
			var s sent
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&s))
			mu.Lock()
			got = append(got, s)
			mu.Unlock()
			writeData(w, http.StatusAccepted, QueuedMessage{
				ID: uuid.New(), AgentID: s.AgentID, Type: s.Type, Payload: s.Payload,
			})
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.Observe(ctx, Observation{Category: "mobility", Environment: "home", Condition: "stairs", Confidence: 0.9})
	require.NoError(t, err)
	_, err = c.Analyze(ctx, Analysis{Factors: []string{"lighting"}, Confidence: 0.85})
	require.NoError(t, err)
	_, err = c.Recommend(ctx, Recommendation{Recommendations: []string{"rail"}, Confidence: 0.7})
	require.NoError(t, err)
	qm, err := c.Learn(ctx, Learning{Variables: []string{"a", "b"}, Strength: 0.6})
	require.NoError(t, err)
	assert.Equal(t, MessageLearning, qm.Type)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 4)
	assert.Equal(t, "test-agent", got[0].AgentID)
	assert.Equal(t, MessageObservation, got[0].Type)
	assert.Equal(t, "stairs", got[0].Payload["condition"])

	assert.Equal(t, MessageAnalysis, got[1].Type)
	nested, ok := got[1].Payload["patterns"].(map[string]any)
	require.True(t, ok, "analysis factors nest under patterns")
	assert.Equal(t, []any{"lighting"}, nested["factors"])

	assert.Equal(t, MessageRecommendation, got[2].Type)
	assert.Equal(t, MessageLearning, got[3].Type)

	_, err = c.SendMessage(ctx, map[string]any{"x": 1})
	assert.Error(t, err)
	assert.Len(t, got, 4)
}

func TestSendMessageRateLimited(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/messages": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]any{"code": "RATE_LIMITED", "message": "message queue is full"},
			})
		},
	})
	c := newTestClient(t, srv.URL)

	_, err := c.Observe(context.Background(), Observation{Category: "c", Environment: "e", Condition: "x"})
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "RATE_LIMITED", apiErr.Code)
	assert.Equal(t, "message queue is full", apiErr.Message)
}

func TestAddPatternConflict(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/patterns": func(w http.ResponseWriter, r *http.Request) {
			var p Pattern
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
			assert.Equal(t, "test-agent", p.Source)
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": map[string]any{
					"code":    "CONFLICT",
					"message": "pattern rejected",
					"details": PatternResult{PatternID: p.ID, Score: 0.3, ConflictingIDs: []string{"old"}},
				},
			})
		},
	})
	c := newTestClient(t, srv.URL)

	_, err := c.AddPattern(context.Background(), Pattern{ID: "p1", Type: PatternObservation, Confidence: 0.3})
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	var result PatternResult
	require.NoError(t, json.Unmarshal(apiErr.Details, &result))
	assert.Equal(t, "p1", result.PatternID)
	assert.Equal(t, []string{"old"}, result.ConflictingIDs)
}

func TestListAndRelatedPatterns(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/patterns": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "correlation", r.URL.Query().Get("type"))
			assert.Equal(t, "5", r.URL.Query().Get("limit"))
			writeData(w, http.StatusOK, []Pattern{{ID: "c1", Type: PatternCorrelation}})
		},
		"GET /v1/patterns/{id}/related": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "c1", r.PathValue("id"))
			writeData(w, http.StatusOK, []Pattern{{ID: "c2", Type: PatternCorrelation}})
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	ps, err := c.ListPatterns(ctx, PatternCorrelation, 5)
	require.NoError(t, err)
	require.Len(t, ps, 1)

	related, err := c.RelatedPatterns(ctx, ps[0].ID)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, "c2", related[0].ID)
}

func TestShareMetricsRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/optimizer/shared": func(w http.ResponseWriter, r *http.Request) {
			writeData(w, http.StatusOK, map[string]any{
				"metrics": []OptimizationMetric{{ID: "responseTime", Value: 120, Weight: 1, Timestamp: now}},
			})
		},
		"POST /v1/optimizer/shared/{agent_id}": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "test-agent", r.PathValue("agent_id"))
			var req sharedDataRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			writeData(w, http.StatusOK, SharedDataResponse{Received: len(req.Metrics), Folded: len(req.Metrics)})
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	batch, err := c.ShareableMetrics(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "responseTime", batch[0].ID)

	resp, err := c.ShareMetrics(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Received)
	assert.Equal(t, 1, resp.Folded)
}

func TestHealthUnhealthyReturnsBody(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			writeData(w, http.StatusServiceUnavailable, HealthResponse{
				Status: HealthUnhealthy, Version: "1.0.0", Components: 2,
			})
		},
	})
	c := newTestClient(t, srv.URL)

	resp, err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	require.NotNil(t, resp)
	assert.Equal(t, HealthUnhealthy, resp.Status)
	assert.Equal(t, 2, resp.Components)
}

func TestNotFound(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/patterns/{id}/related": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "pattern not found"},
			})
		},
	})
	c := newTestClient(t, srv.URL)

	_, err := c.RelatedPatterns(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}

func TestNonEnvelopeErrorBody(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/agents": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream down", http.StatusBadGateway)
		},
	})
	c := newTestClient(t, srv.URL)

	_, err := c.ListAgents(context.Background())
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "Bad Gateway", apiErr.Code)
	assert.Contains(t, apiErr.Message, "upstream down")
}

func TestSubscribe(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/subscribe": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = fmt.Fprint(w, ":keepalive\n\n")
			_, _ = fmt.Fprint(w, "event: alert.fired\ndata: {\"name\":\"alert.fired\"}\n\n")
			_, _ = fmt.Fprint(w, "event: pattern.accepted\ndata: {\"name\":\"pattern.accepted\"}\n\n")
		},
	})
	c := newTestClient(t, srv.URL)

	var got []Event
	err := c.Subscribe(context.Background(), func(ev Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alert.fired", got[0].Name)
	assert.JSONEq(t, `{"name":"alert.fired"}`, string(got[0].Data))
	assert.Equal(t, "pattern.accepted", got[1].Name)
}

func TestSubscribeStopsOnCallbackError(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/subscribe": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			for i := 0; i < 3; i++ {
				_, _ = fmt.Fprintf(w, "event: e%d\ndata: {}\n\n", i)
			}
		},
	})
	c := newTestClient(t, srv.URL)

	stop := errors.New("stop")
	calls := 0
	err := c.Subscribe(context.Background(), func(Event) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
