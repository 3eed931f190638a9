package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/logging"
)

// Provider names
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderAzure     = "azure"
	ProviderOllama    = "ollama"
)

// Backend is a Runner that can report whether it is usable
type Backend interface {
	Runner
	Name() string
	IsConfigured() bool
}

// Settings selects and configures a provider
type Settings struct {
	Provider  string
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	System    string
	Timeout   time.Duration
}

// NewBackend creates the client for one provider
func NewBackend(s Settings) (Backend, error) {
	switch s.Provider {
	case ProviderAnthropic, "":
		return NewClient(Config{
			APIKey:    s.APIKey,
			BaseURL:   s.BaseURL,
			Model:     s.Model,
			MaxTokens: s.MaxTokens,
			System:    s.System,
			Timeout:   s.Timeout,
		}), nil
	case ProviderOpenAI, ProviderAzure, ProviderOllama:
		return NewOpenAIClient(OpenAIConfig{
			Provider:  s.Provider,
			APIKey:    s.APIKey,
			BaseURL:   s.BaseURL,
			Model:     s.Model,
			MaxTokens: s.MaxTokens,
			System:    s.System,
			Timeout:   s.Timeout,
		})
	default:
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownProvider, s.Provider)
	}
}

// RouterStats tracks router usage
type RouterStats struct {
	Requests         map[string]int64 `json:"requests"`
	Failures         map[string]int64 `json:"failures"`
	FallbackCount    int64            `json:"fallback_count"`
	AverageLatencyMs int64            `json:"average_latency_ms"`
}

// Router tries its backends in order until one answers
type Router struct {
	backends []Backend

	mu    sync.RWMutex
	stats RouterStats
	total int64
}

// NewRouter creates a router over the configured backends. Unconfigured
// backends are skipped.
func NewRouter(backends ...Backend) *Router {
	r := &Router{
		stats: RouterStats{
			Requests: make(map[string]int64),
			Failures: make(map[string]int64),
		},
	}
	for _, b := range backends {
		if b != nil && b.IsConfigured() {
			r.backends = append(r.backends, b)
		}
	}
	return r
}

// Run implements Runner
func (r *Router) Run(ctx context.Context, prompt string) (string, error) {
	if len(r.backends) == 0 {
		return "", core.ErrLLMUnavailable
	}

	var errs []error
	for i, b := range r.backends {
		start := time.Now()
		out, err := b.Run(ctx, prompt)
		if err == nil {
			r.record(b.Name(), time.Since(start), i > 0)
			return out, nil
		}

		r.fail(b.Name())
		errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
		if ctx.Err() != nil {
			break
		}
		logging.WithField("provider", b.Name()).Warn("LLM request failed: %v", err)
	}
	return "", fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

// IsConfigured reports whether any backend is usable
func (r *Router) IsConfigured() bool { return len(r.backends) > 0 }

// Providers lists the usable backends in routing order
func (r *Router) Providers() []string {
	names := make([]string, len(r.backends))
	for i, b := range r.backends {
		names[i] = b.Name()
	}
	return names
}

func (r *Router) record(provider string, latency time.Duration, fallback bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Requests[provider]++
	if fallback {
		r.stats.FallbackCount++
	}
	r.total++
	// Simple moving average
	r.stats.AverageLatencyMs = (r.stats.AverageLatencyMs*(r.total-1) + latency.Milliseconds()) / r.total
}

func (r *Router) fail(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Failures[provider]++
}

// GetStats returns a copy of router statistics
func (r *Router) GetStats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := RouterStats{
		Requests:         make(map[string]int64, len(r.stats.Requests)),
		Failures:         make(map[string]int64, len(r.stats.Failures)),
		FallbackCount:    r.stats.FallbackCount,
		AverageLatencyMs: r.stats.AverageLatencyMs,
	}
	for k, v := range r.stats.Requests {
		out.Requests[k] = v
	}
	for k, v := range r.stats.Failures {
		out.Failures[k] = v
	}
	return out
}
