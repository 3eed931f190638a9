package ledger

import (
	"context"

	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/trust"
)

// Recorder provides a convenient interface for recording engine events
type Recorder struct {
	store *Store
}

// NewRecorder creates a recorder for the given store
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

// Store returns the underlying ledger
func (r *Recorder) Store() *Store { return r.store }

// RecordDecision records an evaluated decision
func (r *Recorder) RecordDecision(ctx context.Context, question string, result core.DecisionResult) error {
	details := map[string]interface{}{
		"question":    question,
		"action":      result.Action,
		"confidence":  result.Confidence,
		"trust_level": result.TrustLevel,
		"mode":        result.Mode,
		"reason":      result.Reason,
	}
	if result.Value != nil {
		details["value"] = *result.Value
	}
	_, err := r.store.Append(ctx, ActionDecisionEvaluated, ActorStrategy, "category", result.Category, details)
	return err
}

// RecordOutcome records human feedback and any level change it caused
func (r *Recorder) RecordOutcome(ctx context.Context, category string, outcome core.Outcome, tr trust.Transition) error {
	if _, err := r.store.Append(ctx, ActionOutcomeRecorded, ActorOperator, "category", category, map[string]interface{}{
		"outcome": outcome,
		"level":   tr.To,
	}); err != nil {
		return err
	}
	if !tr.Changed() {
		return nil
	}
	_, err := r.store.Append(ctx, ActionTrustChanged, ActorSystem, "category", category, tr)
	return err
}

// RecordBreakerTrip records a circuit breaker trip
func (r *Recorder) RecordBreakerTrip(ctx context.Context, category, reason string) error {
	_, err := r.store.Append(ctx, ActionBreakerTripped, ActorSystem, "breaker", category, map[string]interface{}{
		"reason": reason,
	})
	return err
}

// RecordCalibration records a conformal calibration run
func (r *Recorder) RecordCalibration(ctx context.Context, points int, threshold float64) error {
	_, err := r.store.Append(ctx, ActionConformalCalibrated, ActorOperator, "conformal", "", map[string]interface{}{
		"points":    points,
		"threshold": threshold,
	})
	return err
}

// RecordRatification records a decision stored as a CBR case
func (r *Recorder) RecordRatification(ctx context.Context, question, category, value string) error {
	_, err := r.store.Append(ctx, ActionCaseRatified, ActorOperator, "category", category, map[string]interface{}{
		"question": question,
		"value":    value,
	})
	return err
}
