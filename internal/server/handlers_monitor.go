package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/ashita-ai/mimamori/internal/alerts"
	"github.com/ashita-ai/mimamori/internal/metrics"
	"github.com/ashita-ai/mimamori/internal/model"
)

// defaultWindow is the lookback used when a query omits ?duration=.
const defaultWindow = time.Hour

// HandleRecordMetric handles POST /v1/metrics.
func (h *Handlers) HandleRecordMetric(w http.ResponseWriter, r *http.Request) {
	var req model.RecordMetricRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if err := model.ValidateRecordMetricRequest(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	m := model.Metric{
		Name:        req.Name,
		Value:       req.Value,
		Tags:        req.Tags,
		ComponentID: req.ComponentID,
	}
	if req.Timestamp != nil {
		m.Timestamp = req.Timestamp.UTC()
	}
	stored, err := h.monitor.RecordMetric(m)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusAccepted, stored)
}

// HandleRecentMetrics handles GET /v1/metrics/{name}. With ?aggregation= the
// series is folded into buckets of ?interval= width.
func (h *Handlers) HandleRecentMetrics(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	d, err := queryDuration(r, "duration", defaultWindow)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	agg := model.Aggregation(r.URL.Query().Get("aggregation"))
	if agg == model.AggregationNone {
		writeJSON(w, r, http.StatusOK, h.monitor.RecentMetrics(name, d))
		return
	}
	switch agg {
	case model.AggregationAvg, model.AggregationSum, model.AggregationMin,
		model.AggregationMax, model.AggregationCount:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"aggregation must be one of avg, sum, min, max, count")
		return
	}
	interval, err := queryDuration(r, "interval", 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, h.monitor.Metrics().Aggregate(metrics.Query{
		Name:        name,
		ComponentID: r.URL.Query().Get("component_id"),
		Start:       time.Now().Add(-d),
		Aggregation: agg,
		Interval:    interval,
	}))
}

// HandleUpdateHealth handles POST /v1/health.
func (h *Handlers) HandleUpdateHealth(w http.ResponseWriter, r *http.Request) {
	var req model.HealthCheckRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if len(req.Message) > model.MaxMessageLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "message too long")
		return
	}

	st := model.HealthStatus{
		ComponentID: req.Component,
		Status:      req.Status,
		Message:     req.Message,
		Details:     req.Details,
	}
	if req.LastCheck != nil {
		st.Timestamp = req.LastCheck.UTC()
	}
	stored, err := h.monitor.UpdateHealthCheck(st)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, stored)
}

// HandleListHealth handles GET /v1/health.
func (h *Handlers) HandleListHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.monitor.HealthChecks())
}

// HandleConfigureAlert handles POST /v1/alerts. An existing alert with the
// same ID is replaced.
func (h *Handlers) HandleConfigureAlert(w http.ResponseWriter, r *http.Request) {
	var cfg model.AlertConfig
	if err := decodeJSON(w, r, &cfg, h.maxRequestBodyBytes); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if cfg.Condition != "" {
		c, err := model.ParseComparison(string(cfg.Condition))
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		cfg.Condition = c
	}
	if err := h.monitor.ConfigureAlert(cfg); err != nil {
		h.writeAlertError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, cfg)
}

// AlertConditionResponse is the body returned by POST /v1/alerts/conditions.
type AlertConditionResponse struct {
	ID string `json:"id"`
}

// HandleAddAlertCondition handles POST /v1/alerts/conditions.
func (h *Handlers) HandleAddAlertCondition(w http.ResponseWriter, r *http.Request) {
	var req model.AlertConditionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if req.MetricName == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "metric_name is required")
		return
	}
	id, err := h.monitor.AddAlertCondition(req.MetricName, req.Threshold, req.Comparison, req.Severity, req.Message)
	if err != nil {
		h.writeAlertError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, AlertConditionResponse{ID: id})
}

func (h *Handlers) writeAlertError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, alerts.ErrInvalidConfig) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	h.logger.Error("server: configure alert", "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to configure alert")
}

// HandleRecentAlerts handles GET /v1/alerts.
func (h *Handlers) HandleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	d, err := queryDuration(r, "duration", defaultWindow)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, h.monitor.RecentAlerts(d))
}

// HandleDeleteAlert handles DELETE /v1/alerts/{alert_id}.
func (h *Handlers) HandleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	if !h.monitor.Alerts().RemoveAlert(r.PathValue("alert_id")) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "alert not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
