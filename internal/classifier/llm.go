package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/llm"
	"github.com/quantumlife/gatekeeper/internal/logging"
)

// LLMClassifier asks a model for the category and falls back to keyword
// rules when the model fails or answers outside the known categories.
type LLMClassifier struct {
	runner     llm.Runner
	categories []string
	fallback   Classifier
}

// NewLLMClassifier creates a classifier over the given categories
func NewLLMClassifier(runner llm.Runner, categories []string, fallback Classifier) *LLMClassifier {
	if fallback == nil {
		fallback = NewKeywordClassifier(nil)
	}
	return &LLMClassifier{
		runner:     runner,
		categories: categories,
		fallback:   fallback,
	}
}

// Classify implements Classifier
func (c *LLMClassifier) Classify(ctx context.Context, text, senderID string, context map[string]interface{}) (Result, error) {
	if c.runner == nil {
		return c.fallback.Classify(ctx, text, senderID, context)
	}

	response, err := c.runner.Run(ctx, c.prompt(text, senderID))
	if err != nil {
		logging.WithField("component", "classifier").Debug("LLM classification failed, using keywords: %v", err)
		return c.fallback.Classify(ctx, text, senderID, context)
	}

	res, err := c.parse(response)
	if err != nil {
		logging.WithField("component", "classifier").Debug("%v", err)
		return c.fallback.Classify(ctx, text, senderID, context)
	}
	return res, nil
}

func (c *LLMClassifier) prompt(text, senderID string) string {
	return fmt.Sprintf(`Classify this engineering request into exactly one category.

Categories: %s

Respond with ONLY a JSON object (no markdown, no explanation):
{"category": "one of the categories", "confidence": 0.0-1.0, "reasoning": "one short sentence"}

From: %s
Request:
%s`, strings.Join(c.categories, ", "), senderID, truncateContent(text, 2000))
}

func (c *LLMClassifier) parse(response string) (Result, error) {
	// Clean response (remove markdown if present)
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)

	var out struct {
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(response), &out); err != nil {
		return Result{}, fmt.Errorf("failed to parse classification: %w (response: %s)", err, response)
	}

	cat := strings.ToLower(strings.TrimSpace(out.Category))
	if !c.known(cat) {
		return Result{}, fmt.Errorf("%w: model returned %q", core.ErrInvalidCategory, out.Category)
	}
	if out.Confidence < 0 || out.Confidence > 1 {
		out.Confidence = 0.5
	}
	return Result{Category: cat, Confidence: out.Confidence, Reasoning: out.Reasoning, Source: SourceLLM}, nil
}

func (c *LLMClassifier) known(cat string) bool {
	for _, k := range c.categories {
		if k == cat {
			return true
		}
	}
	return false
}

func truncateContent(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
