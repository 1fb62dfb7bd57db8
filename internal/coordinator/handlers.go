package coordinator

import (
	"context"
	"errors"

	"github.com/ashita-ai/mimamori/internal/events"
	"github.com/ashita-ai/mimamori/internal/model"
)

// Optimizer metric IDs fed by the handlers.
const (
	ObservationConfidenceMetric = "observation_confidence"
	RecommendationMetric        = "agent_recommendation"
	LearningEffectivenessMetric = "learning_effectiveness"

	learningEffectivenessWeight = 3
	recommendationForwardAbove  = 0.8
)

func (c *Coordinator) handleObservation(ctx context.Context, msg model.AgentMessage, obs model.ObservationMessage) error {
	err := c.addPattern(ctx, model.LearningPattern{
		Source:     msg.AgentID,
		Type:       model.PatternObservation,
		Confidence: obs.Confidence,
		Timestamp:  msg.Timestamp,
		Payload: model.ObservationPattern{
			Category:    obs.Category,
			Environment: obs.Environment,
			Condition:   obs.Condition,
			Details:     obs.Details,
		},
	})
	if err != nil {
		return err
	}
	c.updateOptimizer(ObservationConfidenceMetric, obs.Confidence, 1)

	if !c.hasAgent(model.AgentAnalysis) {
		return nil
	}
	fwd := model.NewMessage(msg.AgentID, model.AnalysisMessage{
		Confidence:  obs.Confidence,
		Observation: &obs,
	})
	return c.forward(ctx, model.AgentAnalysis, fwd)
}

func (c *Coordinator) handleAnalysis(ctx context.Context, msg model.AgentMessage, a model.AnalysisMessage) error {
	if a.Patterns != nil {
		err := c.addPattern(ctx, model.LearningPattern{
			Source:     msg.AgentID,
			Type:       model.PatternAnalysis,
			Confidence: a.Confidence,
			Timestamp:  msg.Timestamp,
			Payload:    *a.Patterns,
		})
		if err != nil {
			return err
		}
	}

	if a.Confidence <= recommendationForwardAbove || !c.hasAgent(model.AgentAssessment) {
		return nil
	}
	rec := model.RecommendationMessage{Confidence: a.Confidence, Summary: a.Summary}
	if a.Patterns != nil {
		rec.Recommendations = append([]string(nil), a.Patterns.Factors...)
	}
	return c.forward(ctx, model.AgentAssessment, model.NewMessage(msg.AgentID, rec))
}

func (c *Coordinator) handleRecommendation(ctx context.Context, msg model.AgentMessage, r model.RecommendationMessage) error {
	err := c.addPattern(ctx, model.LearningPattern{
		Source:     msg.AgentID,
		Type:       model.PatternOutcome,
		Confidence: r.Confidence,
		Timestamp:  msg.Timestamp,
		Payload: model.OutcomePattern{
			Scores:          r.Scores,
			Recommendations: r.Recommendations,
		},
	})
	if err != nil {
		return err
	}
	c.updateOptimizer(RecommendationMetric, r.Confidence, 1)
	return nil
}

// handleLearning broadcasts to every agent except the sender. Delivery
// failures do not stop the broadcast; they are joined into the result.
func (c *Coordinator) handleLearning(ctx context.Context, msg model.AgentMessage, l model.LearningMessage) error {
	c.mu.Lock()
	targets := make([]string, 0, len(c.order))
	for _, id := range c.order {
		if id != msg.AgentID {
			targets = append(targets, id)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, id := range targets {
		if err := c.forward(ctx, id, model.NewMessage(msg.AgentID, l)); err != nil {
			errs = append(errs, err)
		}
	}

	err := c.addPattern(ctx, model.LearningPattern{
		Source:     msg.AgentID,
		Type:       model.PatternCorrelation,
		Confidence: l.Confidence,
		Timestamp:  msg.Timestamp,
		Payload:    model.CorrelationPattern{Variables: l.Variables, Strength: l.Strength},
	})
	if err != nil {
		errs = append(errs, err)
	} else {
		c.updateOptimizer(LearningEffectivenessMetric, l.Effectiveness, learningEffectivenessWeight)
		if c.bus != nil {
			c.bus.Publish(events.LearningUpdate, msg)
		}
	}
	return errors.Join(errs...)
}
