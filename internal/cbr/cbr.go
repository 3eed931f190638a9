// Package cbr provides case-based reasoning over ratified past decisions.
// A Store retrieves cases similar to a query embedding and aggregates
// their recorded decision values into a Prediction.
package cbr

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Ratification states
const (
	StateRatified = "ratified"
	StateRejected = "rejected"
)

// Scopes partition the case table between consumers whose decision values
// are not comparable. Retrieval never crosses scopes.
const (
	ScopeDecisions   = "decisions"   // approved / requires_review verdicts
	ScopePredictions = "predictions" // free-text notification answers
)

// Data origins
const (
	OriginLive      = "live"
	OriginImported  = "imported"
	OriginSynthetic = "synthetic"
)

// Case is one stored decision
type Case struct {
	ID                string    `json:"id"`
	Question          string    `json:"question"`
	Category          string    `json:"category"`
	DecisionValue     string    `json:"decision_value"`
	RatificationState string    `json:"ratification_state"`
	Embedding         []float32 `json:"-"`
	DataOrigin        string    `json:"data_origin"`
	CreatedAt         time.Time `json:"created_at"`
}

// SimilarCase is a retrieved case with its similarity in percent (0-100)
type SimilarCase struct {
	Similarity float64 `json:"similarity"`
	Case       Case    `json:"case"`
}

// Prediction aggregates the decision values of similar cases
type Prediction struct {
	Verdict      *string       `json:"verdict"`
	Confidence   float64       `json:"confidence"`
	CaseCount    int           `json:"case_count"`
	SimilarCases []SimilarCase `json:"similar_cases"`
}

// Store is a retrieval backend for past decisions
type Store interface {
	// FindSimilar returns at most limit cases of the category whose
	// similarity is at least threshold percent, most similar first.
	FindSimilar(ctx context.Context, embedding []float32, category string, limit int, threshold float64) ([]SimilarCase, error)
	Predict(ctx context.Context, question, category string, embedding []float32) (*Prediction, error)
	AddDecision(ctx context.Context, c Case) error
}

// Defaults used by Predict
const (
	DefaultLimit     = 5
	DefaultThreshold = 70.0
)

// Vote is the result of a majority vote over similar cases
type Vote struct {
	Winner     string
	Votes      map[string]int
	Total      int
	Confidence float64
	// Winners holds the cases that voted for Winner, most similar first
	Winners []SimilarCase
}

// Consistency is the winning share of the votes
func (v Vote) Consistency() float64 {
	if v.Total == 0 {
		return 0
	}
	return float64(v.Votes[v.Winner]) / float64(v.Total)
}

// Tally runs a majority vote. bucket maps a decision value to its vote key.
// Ties go to tieBreak when it is among the tied keys, otherwise to the
// lexicographically smallest key. Confidence is the highest similarity
// fraction times the winning share.
func Tally(cases []SimilarCase, bucket func(string) string, tieBreak string) Vote {
	v := Vote{Votes: make(map[string]int)}
	if len(cases) == 0 {
		return v
	}

	maxSim := 0.0
	for _, c := range cases {
		v.Votes[bucket(c.Case.DecisionValue)]++
		v.Total++
		if c.Similarity > maxSim {
			maxSim = c.Similarity
		}
	}

	keys := make([]string, 0, len(v.Votes))
	for k := range v.Votes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	best := -1
	for _, k := range keys {
		n := v.Votes[k]
		if n > best || (n == best && k == tieBreak) {
			best = n
			v.Winner = k
		}
	}

	for _, c := range sortedBySimilarity(cases) {
		if bucket(c.Case.DecisionValue) == v.Winner {
			v.Winners = append(v.Winners, c)
		}
	}
	v.Confidence = (maxSim / 100) * v.Consistency()
	return v
}

// NormalizeValue lower-cases and trims a decision value
func NormalizeValue(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// DistinctValues counts the distinct normalised decision values
func DistinctValues(cases []SimilarCase) int {
	seen := make(map[string]struct{}, len(cases))
	for _, c := range cases {
		seen[NormalizeValue(c.Case.DecisionValue)] = struct{}{}
	}
	return len(seen)
}

// Summarize builds a Prediction by exact-value vote. Ties prefer tieBreak.
func Summarize(cases []SimilarCase, tieBreak string) *Prediction {
	p := &Prediction{
		CaseCount:    len(cases),
		SimilarCases: sortedBySimilarity(cases),
	}
	if len(cases) == 0 {
		return p
	}
	v := Tally(cases, NormalizeValue, NormalizeValue(tieBreak))
	winner := v.Winner
	p.Verdict = &winner
	p.Confidence = v.Confidence
	return p
}

func sortedBySimilarity(cases []SimilarCase) []SimilarCase {
	out := append([]SimilarCase(nil), cases...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out
}
