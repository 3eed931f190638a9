// Package core defines the fundamental types for the gatekeeper.
// These are the values that flow between the trust, gating and prediction layers.
package core

import (
	"fmt"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// ACTION - What the gate allows the agent to do
// -----------------------------------------------------------------------------

// Action is the outcome of gating a decision
type Action string

const (
	ActionShadow  Action = "shadow"  // Observe only
	ActionSuggest Action = "suggest" // Recommend to a human
	ActionAct     Action = "act"     // Execute autonomously
	ActionDefer   Action = "defer"   // Hand off to a human or fallback path
)

// Surfaces reports whether the action produces a decision value
func (a Action) Surfaces() bool {
	return a == ActionAct || a == ActionSuggest
}

// -----------------------------------------------------------------------------
// TRUST MODE - Operator-selected ceiling on autonomy
// -----------------------------------------------------------------------------

// TrustMode selects how much autonomy the strategy is allowed overall
type TrustMode string

const (
	ModeShadow  TrustMode = "shadow"
	ModeSuggest TrustMode = "suggest"
	ModeActive  TrustMode = "active"
)

// ParseTrustMode validates a trust mode string
func ParseTrustMode(s string) (TrustMode, error) {
	switch m := TrustMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeShadow, ModeSuggest, ModeActive:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTrustMode, s)
	}
}

// -----------------------------------------------------------------------------
// OUTCOME - Human feedback on a surfaced decision
// -----------------------------------------------------------------------------

// Outcome is the result a human reported for a decision
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeRejected Outcome = "rejected"
	OutcomePartial  Outcome = "partial"
)

// ParseOutcome validates an outcome string
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(s))); o {
	case OutcomeSuccess, OutcomeRejected, OutcomePartial:
		return o, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
	}
}

// -----------------------------------------------------------------------------
// DECISION VALUES
// -----------------------------------------------------------------------------

const (
	ValueApproved       = "approved"
	ValueRequiresReview = "requires_review"
)

// CategoryUncategorized is the bucket for input no rule recognises
const CategoryUncategorized = "uncategorized"

// DecisionResult is what Evaluate returns for one question
type DecisionResult struct {
	Action      Action    `json:"action"`
	Value       *string   `json:"value,omitempty"`
	Category    string    `json:"category"`
	Confidence  float64   `json:"confidence"`
	TrustLevel  int       `json:"trust_level"`
	Mode        TrustMode `json:"mode"`
	Reason      string    `json:"reason"` // Audit only, never parsed
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// -----------------------------------------------------------------------------
// NOTIFICATION - Input to the prediction engine
// -----------------------------------------------------------------------------

// ResponseType is the kind of answer a notification asks for
type ResponseType string

const (
	ResponseYesNo          ResponseType = "yes_no"
	ResponseMultipleChoice ResponseType = "multiple_choice"
	ResponseOpenEnded      ResponseType = "open_ended"
	ResponseOpenEndedBatch ResponseType = "open_ended_batch"
)

// Notification is a question an agent raised for a human
type Notification struct {
	ID           string                 `json:"id"`
	Message      string                 `json:"message"`
	SenderID     string                 `json:"sender_id,omitempty"`
	ResponseType ResponseType           `json:"response_type"`
	Options      []string               `json:"options,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
}
