package strategy

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/quantumlife/gatekeeper/internal/cbr"
	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/embeddings"
	"github.com/quantumlife/gatekeeper/internal/logging"
)

// decision is the outcome of Decide with the evidence behind it
type decision struct {
	value string
	cbr   *cbr.Prediction
	icrl  string // value chosen by the LLM, empty when not applied
}

// Decide returns approved or requires_review for a question that passed the
// gate. High-risk categories always get requires_review from the heuristic;
// an ICRL answer on an ambiguous CBR retrieval overrides it.
func (s *EngineeringStrategy) Decide(ctx context.Context, question, category string, context map[string]interface{}) string {
	return s.decide(ctx, question, category).value
}

func (s *EngineeringStrategy) decide(ctx context.Context, question, category string) decision {
	ctx, span := tracer.Start(ctx, "strategy.Decide")
	defer span.End()

	d := decision{value: s.heuristic(category)}
	d.cbr = s.retrieve(ctx, question, category)
	if d.cbr == nil {
		return d
	}

	span.SetAttributes(
		attribute.Int("cbr.cases", d.cbr.CaseCount),
		attribute.Float64("cbr.confidence", d.cbr.Confidence),
	)
	if d.cbr.Verdict != nil {
		agree := *d.cbr.Verdict == d.value
		cbrAgreement.WithLabelValues(fmt.Sprint(agree)).Inc()
		logging.WithFields(map[string]interface{}{
			"category":  category,
			"heuristic": d.value,
			"cbr":       *d.cbr.Verdict,
			"cases":     d.cbr.CaseCount,
		}).Debug("CBR shadow comparison agree=%v", agree)
	}

	if v, ok := s.icrl(ctx, question, category, d.cbr); ok {
		d.icrl = v
		d.value = v
		span.SetAttributes(attribute.String("icrl.value", v))
	}
	return d
}

func (s *EngineeringStrategy) heuristic(category string) string {
	if s.highRisk[category] {
		return core.ValueRequiresReview
	}
	return core.ValueApproved
}

// retrieve returns nil when CBR is not configured or fails
func (s *EngineeringStrategy) retrieve(ctx context.Context, question, category string) *cbr.Prediction {
	if s.store == nil || s.embedder == nil {
		return nil
	}
	log := logging.WithField("component", "strategy")

	vec, err := s.embedder.GenerateEmbedding(ctx, question, embeddings.ContentQuery)
	if err != nil || len(vec) == 0 {
		log.Debug("Embedding unavailable, skipping CBR: %v", err)
		return nil
	}
	pred, err := s.store.Predict(ctx, question, category, vec)
	if err != nil {
		log.Warn("CBR retrieval failed: %v", err)
		return nil
	}
	return pred
}

// icrl asks the LLM to resolve a retrieval whose cases disagree. It only
// fires when the CBR confidence is below the configured threshold.
func (s *EngineeringStrategy) icrl(ctx context.Context, question, category string, pred *cbr.Prediction) (string, bool) {
	if !s.cfg.ICRL.Enabled || s.llm == nil || pred == nil {
		return "", false
	}
	if pred.Confidence >= s.cfg.ICRL.CBRConfidenceThreshold || cbr.DistinctValues(pred.SimilarCases) <= 1 {
		return "", false
	}
	if s.limiter != nil && !s.limiter.Allow() {
		icrlCalls.WithLabelValues("rate_limited").Inc()
		return "", false
	}

	response, err := s.llm.Run(ctx, s.icrlPrompt(question, category, pred.SimilarCases))
	if err != nil {
		icrlCalls.WithLabelValues("error").Inc()
		logging.WithField("component", "strategy").Warn("ICRL call failed: %v", err)
		return "", false
	}

	switch v := strings.ToLower(strings.TrimSpace(response)); v {
	case core.ValueApproved, core.ValueRequiresReview:
		icrlCalls.WithLabelValues("override").Inc()
		return v, true
	default:
		icrlCalls.WithLabelValues("invalid").Inc()
		logging.WithField("component", "strategy").Debug("ICRL answer ignored: %q", truncate(response, 80))
		return "", false
	}
}

func (s *EngineeringStrategy) icrlPrompt(question, category string, cases []cbr.SimilarCase) string {
	k := s.cfg.ICRL.TopK
	if k > len(cases) {
		k = len(cases)
	}

	var b strings.Builder
	b.WriteString("Past decisions on similar engineering requests disagree. ")
	b.WriteString("Use them as examples and decide the new request.\n\n")
	for i, c := range cases[:k] {
		fmt.Fprintf(&b, "Example %d (similarity %.0f%%)\nRequest: %s\nDecision: %s\n\n",
			i+1, c.Similarity, truncate(c.Case.Question, 500), c.Case.DecisionValue)
	}
	fmt.Fprintf(&b, "Category: %s\nNew request: %s\n\n", category, truncate(question, 2000))
	fmt.Fprintf(&b, "Answer with exactly one word: %s or %s", core.ValueApproved, core.ValueRequiresReview)
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
