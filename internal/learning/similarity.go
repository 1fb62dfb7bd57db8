package learning

import (
	"math"

	"github.com/ashita-ai/mimamori/internal/model"
)

// Similarity scores two patterns of the same type in [0, 1]. Patterns of
// different types, or with mismatched payloads, score 0.
func Similarity(a, b model.LearningPattern) float64 {
	if a.Type != b.Type {
		return 0
	}
	switch pa := a.Payload.(type) {
	case model.ObservationPattern:
		pb, ok := b.Payload.(model.ObservationPattern)
		if !ok {
			return 0
		}
		return observationSimilarity(pa, pb)
	case model.AnalysisPattern:
		pb, ok := b.Payload.(model.AnalysisPattern)
		if !ok {
			return 0
		}
		return jaccard(pa.Factors, pb.Factors)
	case model.CorrelationPattern:
		pb, ok := b.Payload.(model.CorrelationPattern)
		if !ok {
			return 0
		}
		return correlationSimilarity(pa.Strength, pb.Strength)
	case model.OutcomePattern:
		pb, ok := b.Payload.(model.OutcomePattern)
		if !ok {
			return 0
		}
		return outcomeSimilarity(pa.Scores, pb.Scores)
	default:
		return 0
	}
}

// observationSimilarity is the fraction of matching keys among category,
// environment and condition.
func observationSimilarity(a, b model.ObservationPattern) float64 {
	matches := 0
	if a.Category == b.Category {
		matches++
	}
	if a.Environment == b.Environment {
		matches++
	}
	if a.Condition == b.Condition {
		matches++
	}
	return float64(matches) / 3
}

// jaccard is |A∩B| / |A∪B|. Two empty sets are identical.
func jaccard(a, b []string) float64 {
	set := make(map[string]uint8, len(a)+len(b))
	for _, s := range a {
		set[s] |= 1
	}
	for _, s := range b {
		set[s] |= 2
	}
	if len(set) == 0 {
		return 1
	}
	inter := 0
	for _, v := range set {
		if v == 3 {
			inter++
		}
	}
	return float64(inter) / float64(len(set))
}

// correlationSimilarity is 1 - |Δstrength| / max(|s1|, |s2|).
func correlationSimilarity(s1, s2 float64) float64 {
	a, b := math.Abs(s1), math.Abs(s2)
	denom := math.Max(a, b)
	if denom == 0 {
		return 1
	}
	return clamp01(1 - math.Abs(s1-s2)/denom)
}

// outcomeSimilarity is 1 - avg|Δscore| / 100 over the four outcome scores.
func outcomeSimilarity(a, b model.OutcomeScores) float64 {
	d := math.Abs(a.Safety-b.Safety) +
		math.Abs(a.Mobility-b.Mobility) +
		math.Abs(a.Independence-b.Independence) +
		math.Abs(a.Comfort-b.Comfort)
	return clamp01(1 - (d/4)/100)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
