// Package classifier assigns an engineering category and a confidence to
// an incoming question.
package classifier

import (
	"context"
	"regexp"
	"strings"

	"github.com/quantumlife/gatekeeper/internal/core"
)

// Result sources
const (
	SourceKeyword = "keyword"
	SourceLLM     = "llm"
	SourceHint    = "hint"
)

// Result is the output of classification
type Result struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Source     string  `json:"source"`
}

// Classifier maps a question to a category
type Classifier interface {
	Classify(ctx context.Context, text, senderID string, context map[string]interface{}) (Result, error)
}

// Rule maps keyword stems to a category
type Rule struct {
	Category string
	Keywords []string
}

// DefaultRules cover the engineering categories. Order is priority: the
// first rule wins a tie, so riskier categories come first.
func DefaultRules() []Rule {
	return []Rule{
		{"security", []string{"security", "vulnerab", "cve", "secret", "credential", "auth", "permission", "xss", "csrf", "injection", "token"}},
		{"database_migration", []string{"migration", "migrate", "schema", "alter table", "drop table", "drop column", "add column", "index"}},
		{"infrastructure", []string{"terraform", "kubernetes", "k8s", "helm", "dns", "load balancer", "vpc", "iam", "cluster", "infra"}},
		{"deployment", []string{"deploy", "release", "rollout", "rollback", "production", "prod", "canary", "ship"}},
		{"dependency_update", []string{"dependency", "dependencies", "bump", "upgrade", "dependabot", "renovate", "go.mod", "package.json", "version"}},
		{"testing", []string{"test", "spec", "coverage", "flaky", "fixture", "assertion", "mock"}},
		{"documentation", []string{"doc", "readme", "changelog", "comment", "typo", "guide"}},
		{"refactoring", []string{"refactor", "rename", "extract", "cleanup", "clean up", "simplify", "dead code", "restructure"}},
		{"code_review", []string{"review", "pull request", "pr ", "merge", "approve", "lgtm", "diff"}},
	}
}

type compiledRule struct {
	category string
	re       *regexp.Regexp
}

// KeywordClassifier scores questions by keyword hits
type KeywordClassifier struct {
	rules []compiledRule
	known map[string]bool
}

// NewKeywordClassifier compiles rules. nil means DefaultRules.
func NewKeywordClassifier(rules []Rule) *KeywordClassifier {
	if rules == nil {
		rules = DefaultRules()
	}
	k := &KeywordClassifier{known: map[string]bool{core.CategoryUncategorized: true}}
	for _, r := range rules {
		quoted := make([]string, len(r.Keywords))
		for i, kw := range r.Keywords {
			quoted[i] = regexp.QuoteMeta(strings.ToLower(kw))
		}
		k.rules = append(k.rules, compiledRule{
			category: r.Category,
			re:       regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)`),
		})
		k.known[r.Category] = true
	}
	return k
}

// Categories lists the categories the rules can produce
func (k *KeywordClassifier) Categories() []string {
	out := make([]string, 0, len(k.rules))
	for _, r := range k.rules {
		out = append(out, r.category)
	}
	return out
}

// Classify never fails. A "category" hint in context wins when it names a
// known category.
func (k *KeywordClassifier) Classify(ctx context.Context, text, senderID string, context map[string]interface{}) (Result, error) {
	if hint, ok := context["category"].(string); ok && k.known[hint] {
		return Result{Category: hint, Confidence: 1.0, Source: SourceHint}, nil
	}

	lower := strings.ToLower(text)
	best, bestHits := "", 0
	for _, r := range k.rules {
		hits := len(r.re.FindAllStringIndex(lower, -1))
		if hits > bestHits {
			best, bestHits = r.category, hits
		}
	}

	if bestHits == 0 {
		return Result{Category: core.CategoryUncategorized, Confidence: 0.3, Source: SourceKeyword}, nil
	}
	conf := 0.5 + 0.15*float64(bestHits)
	if conf > 0.95 {
		conf = 0.95
	}
	return Result{Category: best, Confidence: conf, Source: SourceKeyword}, nil
}
