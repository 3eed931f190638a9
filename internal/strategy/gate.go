package strategy

import (
	"context"
	"math"

	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/logging"
	"github.com/quantumlife/gatekeeper/internal/trust"
)

// Classify returns the category and classifier confidence for a question.
// Failures and categories the tracker does not know map to uncategorized.
// The confidence is fed to the circuit breaker.
func (s *EngineeringStrategy) Classify(ctx context.Context, question, senderID string, context map[string]interface{}) (string, float64) {
	category, confidence := core.CategoryUncategorized, 0.0

	res, err := s.classifier.Classify(ctx, question, senderID, context)
	switch {
	case err != nil:
		logging.WithField("component", "strategy").Warn("Classifier failed: %v", err)
	case !s.tracker.Has(res.Category):
		confidence = res.Confidence
	default:
		category, confidence = res.Category, res.Confidence
	}
	if math.IsNaN(confidence) {
		confidence = 0
	}
	confidence = math.Max(0, math.Min(1, confidence))

	s.breaker.RecordConfidence(category, confidence)
	classifierConfidence.WithLabelValues(category).Observe(confidence)
	return category, confidence
}

// Gate maps a category's state to an action. The first matching rule wins:
//
//  1. breaker tripped: defer
//  2. shadow mode: shadow
//  3. conformal enabled and calibrated, BLR probability ambiguous: defer
//  4. Thompson enabled: sampled success rate against the act/suggest thresholds
//  5. suggest mode: suggest from level 2, otherwise shadow
//  6. active mode: shadow at level 1, suggest at 2, act from 3
func (s *EngineeringStrategy) Gate(category string, trustLevel int, confidence float64) core.Action {
	action := s.gate(category, trustLevel)
	gateActions.WithLabelValues(category, string(action)).Inc()
	return action
}

func (s *EngineeringStrategy) gate(category string, level int) core.Action {
	if !s.breaker.Check(category) {
		return core.ActionDefer
	}
	if s.cfg.TrustMode == core.ModeShadow {
		return core.ActionShadow
	}

	if s.cfg.Conformal.Enabled && s.conformal.IsCalibrated() {
		if p, ok := s.tracker.ProbabilityAtMean(category); ok && s.conformal.ShouldDefer(p) {
			return core.ActionDefer
		}
	}

	if s.cfg.Thompson.Enabled {
		snap, _ := s.tracker.Snapshot(category)
		alpha, beta := posterior(snap)
		draw := s.sample(alpha, beta)
		switch {
		case math.IsNaN(draw):
			return core.ActionShadow
		case draw >= s.cfg.Thompson.ActThreshold:
			return core.ActionAct
		case draw >= s.cfg.Thompson.SuggestThreshold:
			return core.ActionSuggest
		default:
			return core.ActionShadow
		}
	}

	switch s.cfg.TrustMode {
	case core.ModeSuggest:
		if level >= 2 {
			return core.ActionSuggest
		}
		return core.ActionShadow
	case core.ModeActive:
		switch {
		case level >= 3:
			return core.ActionAct
		case level == 2:
			return core.ActionSuggest
		}
	}
	return core.ActionShadow
}

// posterior is Beta(successes+1, rejections+1)
func posterior(snap trust.Snapshot) (alpha, beta float64) {
	return float64(snap.TotalSuccesses) + 1, float64(snap.TotalRejections) + 1
}
