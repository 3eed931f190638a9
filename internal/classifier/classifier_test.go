package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/quantumlife/gatekeeper/internal/core"
)

func TestKeywordClassifier(t *testing.T) {
	k := NewKeywordClassifier(nil)
	ctx := context.Background()

	tests := []struct {
		text string
		want string
	}{
		{"Add unit tests for the parser and fix the flaky fixture", "testing"},
		{"Bump lodash dependency to 4.17.21", "dependency_update"},
		{"Deploy v2.3 to production", "deployment"},
		{"Rotate the leaked API token and patch CVE-2024-1234", "security"},
		{"Run migration that adds column to users schema", "database_migration"},
		{"Update the README", "documentation"},
		{"What should we have for lunch?", core.CategoryUncategorized},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			res, err := k.Classify(ctx, tt.text, "dev@example.com", nil)
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			if res.Category != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.text, res.Category, tt.want)
			}
			if res.Confidence <= 0 || res.Confidence > 1 {
				t.Errorf("confidence %v out of range", res.Confidence)
			}
		})
	}
}

func TestKeywordClassifier_Hint(t *testing.T) {
	k := NewKeywordClassifier(nil)
	res, _ := k.Classify(context.Background(), "anything", "", map[string]interface{}{"category": "refactoring"})
	if res.Category != "refactoring" || res.Source != SourceHint {
		t.Errorf("hint ignored: %+v", res)
	}

	res, _ = k.Classify(context.Background(), "deploy it", "", map[string]interface{}{"category": "bogus"})
	if res.Category != "deployment" {
		t.Errorf("unknown hint should be ignored, got %s", res.Category)
	}
}

func TestKeywordClassifier_MoreHitsMoreConfidence(t *testing.T) {
	k := NewKeywordClassifier(nil)
	one, _ := k.Classify(context.Background(), "deploy", "", nil)
	three, _ := k.Classify(context.Background(), "deploy the release to prod", "", nil)
	if three.Confidence <= one.Confidence {
		t.Errorf("confidence %v should exceed %v", three.Confidence, one.Confidence)
	}
}

type runnerFunc func(ctx context.Context, prompt string) (string, error)

func (f runnerFunc) Run(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

func TestLLMClassifier(t *testing.T) {
	cats := NewKeywordClassifier(nil).Categories()

	tests := []struct {
		name     string
		response string
		err      error
		want     string
		source   string
	}{
		{"json", `{"category": "testing", "confidence": 0.9, "reasoning": "tests"}`, nil, "testing", SourceLLM},
		{"fenced", "```json\n{\"category\": \"Security\", \"confidence\": 0.8}\n```", nil, "security", SourceLLM},
		{"unknown category", `{"category": "gardening", "confidence": 0.9}`, nil, "deployment", SourceKeyword},
		{"garbage", "I think it is deployment", nil, "deployment", SourceKeyword},
		{"runner error", "", errors.New("timeout"), "deployment", SourceKeyword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewLLMClassifier(runnerFunc(func(ctx context.Context, prompt string) (string, error) {
				return tt.response, tt.err
			}), cats, nil)
			res, err := c.Classify(context.Background(), "deploy to prod", "", nil)
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			if res.Category != tt.want || res.Source != tt.source {
				t.Errorf("got %+v, want %s from %s", res, tt.want, tt.source)
			}
		})
	}
}
