package strategy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/quantumlife/gatekeeper/internal/breaker"
	"github.com/quantumlife/gatekeeper/internal/cbr"
	"github.com/quantumlife/gatekeeper/internal/conformal"
	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/embeddings"
	"github.com/quantumlife/gatekeeper/internal/logging"
	"github.com/quantumlife/gatekeeper/internal/trust"
)

// Evaluate runs the full pipeline for one question. It never fails: every
// collaborator error degrades to a more conservative result.
func (s *EngineeringStrategy) Evaluate(ctx context.Context, question, senderID string, context map[string]interface{}) core.DecisionResult {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "strategy.Evaluate")
	defer span.End()

	category, confidence := s.Classify(ctx, question, senderID, context)
	level := s.tracker.Level(category)
	action := s.Gate(category, level, confidence)

	res := core.DecisionResult{
		Action:      action,
		Category:    category,
		Confidence:  confidence,
		TrustLevel:  level,
		Mode:        s.cfg.TrustMode,
		EvaluatedAt: start.UTC(),
	}

	var reason strings.Builder
	fmt.Fprintf(&reason, "category=%s trust_level=%d mode=%s action=%s", category, level, s.cfg.TrustMode, action)

	if action.Surfaces() {
		d := s.decide(ctx, question, category)
		value := d.value
		res.Value = &value
		if d.cbr != nil && d.cbr.Verdict != nil {
			fmt.Fprintf(&reason, " cbr_verdict=%s cbr_confidence=%.2f cbr_cases=%d", *d.cbr.Verdict, d.cbr.Confidence, d.cbr.CaseCount)
		}
		if d.icrl != "" {
			fmt.Fprintf(&reason, " icrl=%s", d.icrl)
		}
	}
	res.Reason = reason.String()

	span.SetAttributes(
		attribute.String("category", category),
		attribute.String("action", string(action)),
		attribute.Int("trust_level", level),
	)
	trustLevel.WithLabelValues(category).Set(float64(level))
	evaluateDuration.Observe(time.Since(start).Seconds())

	if s.auditor != nil {
		if err := s.auditor.RecordDecision(ctx, question, res); err != nil {
			span.SetStatus(codes.Error, err.Error())
			logging.WithField("component", "strategy").Warn("Failed to record decision: %v", err)
		}
	}

	logging.WithFields(map[string]interface{}{
		"category": category,
		"action":   action,
		"level":    level,
	}).Debug("Evaluated decision")

	s.publish(Event{Question: question, SenderID: senderID, Result: res})
	return res
}

// RecordOutcome applies human feedback to a category. The BLR model sees the
// features [1, confidence]. A demotion caused by the rejection streak also
// trips the breaker for its cooldown.
func (s *EngineeringStrategy) RecordOutcome(category string, confidence float64, outcome core.Outcome) (trust.Transition, error) {
	_, span := tracer.Start(context.Background(), "strategy.RecordOutcome")
	defer span.End()

	tr, err := s.tracker.RecordOutcome(category, outcome, []float64{1, confidence})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return tr, err
	}
	if s.events != nil {
		if err := s.events.RecordOutcome(context.Background(), category, outcome, tr); err != nil {
			logging.WithField("category", category).Warn("Failed to record outcome: %v", err)
		}
	}
	if tr.Direction == trust.DirectionDemoted {
		s.breaker.Trip(category, tr.Reason)
	}
	trustLevel.WithLabelValues(category).Set(float64(tr.To))
	return tr, nil
}

// Ratify stores a human-confirmed decision as a CBR case
func (s *EngineeringStrategy) Ratify(ctx context.Context, question, category, value string) error {
	if s.store == nil || s.embedder == nil {
		return core.ErrNoVectorStore
	}
	if !s.tracker.Has(category) {
		return fmt.Errorf("%w: %s", core.ErrUnknownCategory, category)
	}
	value = cbr.NormalizeValue(value)
	if value != core.ValueApproved && value != core.ValueRequiresReview {
		return fmt.Errorf("%w: decision value %q", core.ErrInvalidInput, value)
	}

	vec, err := s.embedder.GenerateEmbedding(ctx, question, embeddings.ContentDocument)
	if err != nil {
		return err
	}
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty embedding", core.ErrEmbeddingFailed)
	}
	err = s.store.AddDecision(ctx, cbr.Case{
		Question:          question,
		Category:          category,
		DecisionValue:     value,
		RatificationState: cbr.StateRatified,
		Embedding:         vec,
		DataOrigin:        cbr.OriginLive,
	})
	if err != nil {
		return err
	}
	if s.events != nil {
		if err := s.events.RecordRatification(ctx, question, category, value); err != nil {
			logging.WithField("category", category).Warn("Failed to record ratification: %v", err)
		}
	}
	return nil
}

// CalibrateConformal fits the conformal threshold from the trust history.
// Each category contributes its BLR probability at the mean features once
// per decision, labelled 1 for successes and 0 otherwise. Returns the number
// of calibration points used.
func (s *EngineeringStrategy) CalibrateConformal() (int, error) {
	var probs []float64
	var labels []int

	for _, snap := range s.tracker.Snapshots() {
		if snap.TotalDecisions == 0 {
			continue
		}
		p, ok := s.tracker.ProbabilityAtMean(snap.Name)
		if !ok {
			continue
		}
		for i := 0; i < snap.TotalSuccesses; i++ {
			probs = append(probs, p)
			labels = append(labels, 1)
		}
		for i := 0; i < snap.TotalDecisions-snap.TotalSuccesses; i++ {
			probs = append(probs, p)
			labels = append(labels, 0)
		}
	}
	if len(probs) == 0 {
		return 0, core.ErrNoObservations
	}
	if err := s.conformal.Calibrate(probs, labels); err != nil {
		return 0, err
	}

	st := s.conformal.Status()
	logging.WithFields(map[string]interface{}{
		"points":    st.CalibrationSize,
		"threshold": st.Threshold,
	}).Info("Conformal wrapper calibrated")
	if s.events != nil {
		if err := s.events.RecordCalibration(context.Background(), len(probs), st.Threshold); err != nil {
			logging.WithField("component", "strategy").Warn("Failed to record calibration: %v", err)
		}
	}
	return len(probs), nil
}

// TrustSnapshot returns every category's trust state
func (s *EngineeringStrategy) TrustSnapshot() []trust.Snapshot {
	return s.tracker.Snapshots()
}

// BreakerStats returns breaker statistics per category
func (s *EngineeringStrategy) BreakerStats() []breaker.Stats {
	return s.breaker.AllStats()
}

// ConformalStatus returns the conformal wrapper's calibration state
func (s *EngineeringStrategy) ConformalStatus() conformal.Status {
	return s.conformal.Status()
}
