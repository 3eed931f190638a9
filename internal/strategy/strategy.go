// Package strategy turns an incoming question into a gated decision.
//
// A strategy classifies the question into a category, gates it on the
// category's trust state, and only computes a decision value when the gate
// lets the action surface. The engineering strategy layers a circuit
// breaker, conformal deferral, Thompson sampling and CBR/ICRL on top of the
// trust state machine; each of those degrades independently.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/quantumlife/gatekeeper/internal/breaker"
	"github.com/quantumlife/gatekeeper/internal/cbr"
	"github.com/quantumlife/gatekeeper/internal/classifier"
	"github.com/quantumlife/gatekeeper/internal/conformal"
	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/embeddings"
	"github.com/quantumlife/gatekeeper/internal/llm"
	"github.com/quantumlife/gatekeeper/internal/logging"
	"github.com/quantumlife/gatekeeper/internal/trust"
)

var tracer = otel.Tracer("gatekeeper/strategy")

// DecisionStrategy is the contract every strategy satisfies
type DecisionStrategy interface {
	Classify(ctx context.Context, question, senderID string, context map[string]interface{}) (string, float64)
	Gate(category string, trustLevel int, confidence float64) core.Action
	Decide(ctx context.Context, question, category string, context map[string]interface{}) string
	Evaluate(ctx context.Context, question, senderID string, context map[string]interface{}) core.DecisionResult
}

// ThompsonConfig for Beta-posterior routing
type ThompsonConfig struct {
	Enabled          bool
	ActThreshold     float64
	SuggestThreshold float64
}

// ConformalConfig for split conformal deferral
type ConformalConfig struct {
	Enabled bool
	Alpha   float64
}

// ICRLConfig for LLM disambiguation of mixed CBR retrievals
type ICRLConfig struct {
	Enabled                bool
	TopK                   int
	CBRConfidenceThreshold float64
	CallsPerMinute         float64 // 0 disables the limiter
	Burst                  int
}

// Config for the engineering strategy
type Config struct {
	TrustMode  core.TrustMode
	Categories map[string]int // name -> cap level
	HighRisk   []string       // extra categories that always require review

	Trust     trust.Config
	Breaker   breaker.Config
	Thompson  ThompsonConfig
	Conformal ConformalConfig
	ICRL      ICRLConfig
}

// DefaultHighRisk are categories whose heuristic value is requires_review
var DefaultHighRisk = []string{"deployment", "infrastructure", "security", "database_migration"}

// DefaultConfig returns a shadow-mode configuration with every optional
// mechanism disabled
func DefaultConfig() Config {
	return Config{
		TrustMode:  core.ModeShadow,
		Categories: defaultCategories(),
		Trust:      trust.DefaultConfig(),
		Breaker:    breaker.DefaultConfig(),
		Thompson:   ThompsonConfig{ActThreshold: 0.85, SuggestThreshold: 0.6},
		Conformal:  ConformalConfig{Alpha: conformal.DefaultAlpha},
		ICRL:       ICRLConfig{TopK: 5, CBRConfidenceThreshold: 0.7, CallsPerMinute: 30, Burst: 5},
	}
}

func defaultCategories() map[string]int {
	cats := map[string]int{
		"testing":            5,
		"documentation":      5,
		"code_review":        4,
		"refactoring":        4,
		"dependency_update":  3,
		"deployment":         3,
		"infrastructure":     2,
		"security":           2,
		"database_migration": 2,
	}
	cats[core.CategoryUncategorized] = 2
	return cats
}

// BetaSampler draws from Beta(alpha, beta)
type BetaSampler func(alpha, beta float64) float64

// Auditor records evaluated decisions
type Auditor interface {
	RecordDecision(ctx context.Context, question string, result core.DecisionResult) error
}

// EventRecorder is implemented by auditors that also log feedback,
// breaker trips, ratifications and calibration runs
type EventRecorder interface {
	RecordOutcome(ctx context.Context, category string, outcome core.Outcome, tr trust.Transition) error
	RecordBreakerTrip(ctx context.Context, category, reason string) error
	RecordRatification(ctx context.Context, question, category, value string) error
	RecordCalibration(ctx context.Context, points int, threshold float64) error
}

// Event is published to observers after every Evaluate
type Event struct {
	Question string              `json:"question"`
	SenderID string              `json:"sender_id,omitempty"`
	Result   core.DecisionResult `json:"result"`
}

// Deps are the strategy's collaborators. Every field is optional.
type Deps struct {
	Tracker    *trust.Tracker
	Breaker    *breaker.Breaker
	Classifier classifier.Classifier
	Store      cbr.Store
	Embedder   embeddings.Provider
	LLM        llm.Runner
	Auditor    Auditor
	Sampler    BetaSampler
}

// EngineeringStrategy gates software-engineering decisions
type EngineeringStrategy struct {
	cfg      Config
	highRisk map[string]bool

	tracker    *trust.Tracker
	breaker    *breaker.Breaker
	conformal  *conformal.Wrapper
	classifier classifier.Classifier
	store      cbr.Store
	embedder   embeddings.Provider
	llm        llm.Runner
	limiter    *rate.Limiter
	auditor    Auditor
	events     EventRecorder
	sample     BetaSampler

	mu        sync.RWMutex
	observers []func(Event)
}

var _ DecisionStrategy = (*EngineeringStrategy)(nil)

// NewEngineeringStrategy validates cfg and wires the collaborators
func NewEngineeringStrategy(cfg Config, deps Deps) (*EngineeringStrategy, error) {
	if cfg.TrustMode == "" {
		cfg.TrustMode = core.ModeShadow
	}
	mode, err := core.ParseTrustMode(string(cfg.TrustMode))
	if err != nil {
		return nil, err
	}
	cfg.TrustMode = mode

	if cfg.Thompson.Enabled {
		t := cfg.Thompson
		if !(t.SuggestThreshold > 0 && t.ActThreshold < 1 && t.ActThreshold > t.SuggestThreshold) {
			return nil, fmt.Errorf("%w: act=%v suggest=%v", core.ErrInvalidThresholds, t.ActThreshold, t.SuggestThreshold)
		}
	}
	if cfg.Conformal.Alpha == 0 {
		cfg.Conformal.Alpha = conformal.DefaultAlpha
	}
	wrapper, err := conformal.New(cfg.Conformal.Alpha)
	if err != nil {
		return nil, err
	}
	if cfg.ICRL.Enabled {
		if cfg.ICRL.TopK < 1 {
			return nil, fmt.Errorf("%w: icrl top_k %d", core.ErrInvalidInput, cfg.ICRL.TopK)
		}
		if cfg.ICRL.CBRConfidenceThreshold < 0 || cfg.ICRL.CBRConfidenceThreshold > 1 {
			return nil, fmt.Errorf("%w: icrl confidence threshold %v", core.ErrInvalidThresholds, cfg.ICRL.CBRConfidenceThreshold)
		}
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = DefaultConfig().Categories
	}

	tracker := deps.Tracker
	if tracker == nil {
		tracker = trust.NewTracker(cfg.Trust)
	}
	names := make([]string, 0, len(cfg.Categories))
	for name := range cfg.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := tracker.RegisterCategory(name, cfg.Categories[name]); err != nil {
			return nil, err
		}
	}
	if !tracker.Has(core.CategoryUncategorized) {
		if err := tracker.RegisterCategory(core.CategoryUncategorized, 2); err != nil {
			return nil, err
		}
	}

	br := deps.Breaker
	if br == nil {
		br = breaker.New(cfg.Breaker, tracker)
	} else {
		br.SetDemoter(tracker)
	}
	events, _ := deps.Auditor.(EventRecorder)
	br.OnTrip(func(category, reason string) {
		breakerTrips.WithLabelValues(category, reason).Inc()
		if events != nil {
			if err := events.RecordBreakerTrip(context.Background(), category, reason); err != nil {
				logging.WithField("category", category).Warn("Failed to record breaker trip: %v", err)
			}
		}
	})

	cls := deps.Classifier
	if cls == nil {
		cls = classifier.NewKeywordClassifier(nil)
	}

	s := &EngineeringStrategy{
		cfg:        cfg,
		highRisk:   make(map[string]bool),
		tracker:    tracker,
		breaker:    br,
		conformal:  wrapper,
		classifier: cls,
		store:      deps.Store,
		embedder:   deps.Embedder,
		llm:        deps.LLM,
		auditor:    deps.Auditor,
		events:     events,
		sample:     deps.Sampler,
	}
	if s.sample == nil {
		s.sample = betaSample
	}
	for _, c := range DefaultHighRisk {
		s.highRisk[c] = true
	}
	for _, c := range cfg.HighRisk {
		s.highRisk[c] = true
	}
	if cfg.ICRL.Enabled && cfg.ICRL.CallsPerMinute > 0 {
		burst := cfg.ICRL.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ICRL.CallsPerMinute/60), burst)
	}

	logging.WithFields(map[string]interface{}{
		"mode":       cfg.TrustMode,
		"categories": len(names),
		"thompson":   cfg.Thompson.Enabled,
		"conformal":  cfg.Conformal.Enabled,
		"icrl":       cfg.ICRL.Enabled,
	}).Info("Engineering strategy ready")

	return s, nil
}

// Mode returns the configured trust mode
func (s *EngineeringStrategy) Mode() core.TrustMode { return s.cfg.TrustMode }

// Tracker exposes the trust tracker for persistence
func (s *EngineeringStrategy) Tracker() *trust.Tracker { return s.tracker }

// Breaker exposes the circuit breaker for manual trips
func (s *EngineeringStrategy) Breaker() *breaker.Breaker { return s.breaker }

// Subscribe registers fn to receive every evaluated decision
func (s *EngineeringStrategy) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *EngineeringStrategy) publish(ev Event) {
	s.mu.RLock()
	obs := make([]func(Event), len(s.observers))
	copy(obs, s.observers)
	s.mu.RUnlock()
	for _, fn := range obs {
		fn(ev)
	}
}
