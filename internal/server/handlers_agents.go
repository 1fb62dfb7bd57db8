package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/mimamori/internal/coordinator"
	"github.com/ashita-ai/mimamori/internal/model"
	"github.com/ashita-ai/mimamori/internal/monitor"
)

// HandleSendMessage handles POST /v1/messages. The message is queued for the
// next coordinator drain, so success is 202.
func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	var msg model.AgentMessage
	if err := decodeJSON(w, r, &msg, h.maxRequestBodyBytes); err != nil {
		writeDecodeError(w, r, err)
		return
	}

	queued, err := h.coordinator.SendMessage(r.Context(), msg)
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusAccepted, queued)
	case errors.Is(err, coordinator.ErrRateLimited):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, err.Error())
	case errors.Is(err, coordinator.ErrStopped):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, err.Error())
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	}
}

// AgentsResponse is the body of GET /v1/agents.
type AgentsResponse struct {
	Agents []string          `json:"agents"`
	Stats  coordinator.Stats `json:"stats"`
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, AgentsResponse{
		Agents: h.coordinator.Agents(),
		Stats:  h.coordinator.Stats(),
	})
}

// HandleListPatterns handles GET /v1/patterns?type=&limit=.
func (h *Handlers) HandleListPatterns(w http.ResponseWriter, r *http.Request) {
	pt := model.PatternType(r.URL.Query().Get("type"))
	if pt != "" && !validPatternType(pt) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"type must be one of observation, analysis, correlation, outcome")
		return
	}
	ps := h.patterns.Patterns(pt)
	if limit := queryLimit(r, 100); len(ps) > limit {
		ps = ps[:limit]
	}
	writeJSON(w, r, http.StatusOK, ps)
}

func validPatternType(t model.PatternType) bool {
	for _, known := range model.PatternTypes {
		if t == known {
			return true
		}
	}
	return false
}

// HandleAddPattern handles POST /v1/patterns. A pattern that conflicts with
// stored patterns of its type answers 409 with the validation result.
func (h *Handlers) HandleAddPattern(w http.ResponseWriter, r *http.Request) {
	var p model.LearningPattern
	if err := decodeJSON(w, r, &p, h.maxRequestBodyBytes); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	res, err := h.patterns.AddPattern(r.Context(), p)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if !res.Accepted {
		writeErrorDetails(w, r, http.StatusConflict, model.ErrCodeConflict,
			"pattern conflicts with existing patterns", res)
		return
	}
	writeJSON(w, r, http.StatusCreated, res)
}

// HandleRelatedPatterns handles GET /v1/patterns/{pattern_id}/related.
func (h *Handlers) HandleRelatedPatterns(w http.ResponseWriter, r *http.Request) {
	p, ok := h.patterns.Pattern(r.PathValue("pattern_id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "pattern not found")
		return
	}
	writeJSON(w, r, http.StatusOK, h.patterns.RelatedPatterns(p))
}

// HandleOptimizerState handles GET /v1/optimizer/state.
func (h *Handlers) HandleOptimizerState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.optimizer.GetState())
}

// HandleOptimizerExport handles GET /v1/optimizer/export.
func (h *Handlers) HandleOptimizerExport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.optimizer.ExportOptimizationData())
}

// HandleShareableMetrics handles GET /v1/optimizer/shared: the batch a peer
// would POST to its own /v1/optimizer/shared/{agent_id}.
func (h *Handlers) HandleShareableMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.SharedDataRequest{Metrics: h.optimizer.ShareableMetrics()})
}

// SharedDataResponse is the body returned by POST /v1/optimizer/shared/{agent_id}.
type SharedDataResponse struct {
	Received int `json:"received"`
	Folded   int `json:"folded"`
}

// HandleReceiveSharedData handles POST /v1/optimizer/shared/{agent_id}.
func (h *Handlers) HandleReceiveSharedData(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if err := model.ValidateAgentID(agentID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.SharedDataRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	for _, m := range req.Metrics {
		if err := model.ValidateOptimizationMetric(m); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}
	n := h.optimizer.ReceiveSharedData(agentID, req.Metrics)
	writeJSON(w, r, http.StatusOK, SharedDataResponse{Received: len(req.Metrics), Folded: n})
}

// HandleListMappings handles GET /v1/optimizer/mappings.
func (h *Handlers) HandleListMappings(w http.ResponseWriter, r *http.Request) {
	if h.integration == nil {
		writeJSON(w, r, http.StatusOK, []monitor.Mapping{})
		return
	}
	writeJSON(w, r, http.StatusOK, h.integration.Mappings())
}
