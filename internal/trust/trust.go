// Package trust implements per-category trust levels for the decision engine.
// Trust is earned through consecutive successful decisions and lost through
// consecutive rejections or an explicit demotion from the circuit breaker.
package trust

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/logging"
)

// Level bounds
const (
	MinLevel = 1
	MaxLevel = 5
)

// Hysteresis defaults
const (
	DefaultPromotionStreak = 5 // Consecutive successes per promotion
	DefaultDemotionStreak  = 3 // Consecutive rejections per demotion
)

// Direction of a level change
type Direction string

const (
	DirectionNone     Direction = "unchanged"
	DirectionPromoted Direction = "promoted"
	DirectionDemoted  Direction = "demoted"
)

// Transition describes the level change caused by one event
type Transition struct {
	Category  string    `json:"category"`
	From      int       `json:"from"`
	To        int       `json:"to"`
	Direction Direction `json:"direction"`
	Reason    string    `json:"reason,omitempty"`
}

// Changed reports whether the level moved
func (t Transition) Changed() bool { return t.From != t.To }

// Config tunes the promotion/demotion state machine
type Config struct {
	PromotionStreak int
	DemotionStreak  int
	PriorPrecision  float64
}

// DefaultConfig returns the default hysteresis settings
func DefaultConfig() Config {
	return Config{
		PromotionStreak: DefaultPromotionStreak,
		DemotionStreak:  DefaultDemotionStreak,
		PriorPrecision:  DefaultPriorPrecision,
	}
}

// Category is the trust state of one decision category
type Category struct {
	Name       string
	TrustLevel int
	CapLevel   int

	TotalDecisions  int
	TotalSuccesses  int
	TotalRejections int

	ConsecutiveSuccesses int
	ConsecutiveFailures  int

	LastTransition time.Time

	model *Model
}

// Snapshot is a read-only copy of a Category
type Snapshot struct {
	Name                 string      `json:"name"`
	TrustLevel           int         `json:"trust_level"`
	CapLevel             int         `json:"cap_level"`
	TotalDecisions       int         `json:"total_decisions"`
	TotalSuccesses       int         `json:"total_successes"`
	TotalRejections      int         `json:"total_rejections"`
	ConsecutiveSuccesses int         `json:"consecutive_successes"`
	ConsecutiveFailures  int         `json:"consecutive_failures"`
	LastTransition       time.Time   `json:"last_transition,omitempty"`
	Model                *ModelState `json:"model,omitempty"`
}

// SuccessRate is successes over decisions, 0 when there are none
func (s Snapshot) SuccessRate() float64 {
	if s.TotalDecisions == 0 {
		return 0
	}
	return float64(s.TotalSuccesses) / float64(s.TotalDecisions)
}

func (c *Category) snapshot() Snapshot {
	s := Snapshot{
		Name:                 c.Name,
		TrustLevel:           c.TrustLevel,
		CapLevel:             c.CapLevel,
		TotalDecisions:       c.TotalDecisions,
		TotalSuccesses:       c.TotalSuccesses,
		TotalRejections:      c.TotalRejections,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
		LastTransition:       c.LastTransition,
	}
	if c.model != nil {
		st := c.model.State()
		s.Model = &st
	}
	return s
}

// Tracker owns every Category. A single mutex guards all of them.
type Tracker struct {
	cfg        Config
	mu         sync.RWMutex
	categories map[string]*Category
	now        func() time.Time
}

// NewTracker creates an empty tracker
func NewTracker(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.PromotionStreak <= 0 {
		cfg.PromotionStreak = def.PromotionStreak
	}
	if cfg.DemotionStreak <= 0 {
		cfg.DemotionStreak = def.DemotionStreak
	}
	if cfg.PriorPrecision <= 0 {
		cfg.PriorPrecision = def.PriorPrecision
	}
	return &Tracker{
		cfg:        cfg,
		categories: make(map[string]*Category),
		now:        time.Now,
	}
}

// RegisterCategory creates a category at level 1. Re-registering is a no-op.
func (t *Tracker) RegisterCategory(name string, capLevel int) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return core.ErrInvalidCategory
	}
	if capLevel < MinLevel || capLevel > MaxLevel {
		return fmt.Errorf("%w: %s=%d", core.ErrInvalidCapLevel, name, capLevel)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.categories[name]; ok {
		return nil
	}
	t.categories[name] = &Category{
		Name:       name,
		TrustLevel: MinLevel,
		CapLevel:   capLevel,
	}
	return nil
}

// Has reports whether a category is registered
func (t *Tracker) Has(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.categories[name]
	return ok
}

// Names returns registered category names in sorted order
func (t *Tracker) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.categories))
	for n := range t.categories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Level returns the trust level, or 1 for unknown categories
func (t *Tracker) Level(name string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.categories[name]; ok {
		return c.TrustLevel
	}
	return MinLevel
}

// RecordOutcome applies a decision outcome. When features is non-nil the
// category's BLR model is updated as well (partial outcomes skip the model).
func (t *Tracker) RecordOutcome(name string, outcome core.Outcome, features []float64) (Transition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.categories[name]
	if !ok {
		return Transition{}, fmt.Errorf("%w: %s", core.ErrUnknownCategory, name)
	}

	// Validate the model update before touching counters so a bad vector
	// leaves the category unchanged.
	label := -1
	switch outcome {
	case core.OutcomeSuccess:
		label = 1
	case core.OutcomeRejected:
		label = 0
	case core.OutcomePartial:
	default:
		return Transition{}, fmt.Errorf("%w: %q", core.ErrInvalidOutcome, outcome)
	}
	if features != nil && label >= 0 {
		if err := t.observeLocked(c, features, label); err != nil {
			return Transition{}, err
		}
	}

	tr := Transition{Category: name, From: c.TrustLevel, To: c.TrustLevel, Direction: DirectionNone}
	c.TotalDecisions++

	switch outcome {
	case core.OutcomeSuccess:
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
		if c.ConsecutiveSuccesses >= t.cfg.PromotionStreak {
			c.ConsecutiveSuccesses = 0
			if c.TrustLevel < c.CapLevel {
				c.TrustLevel++
				tr.Reason = fmt.Sprintf("%d consecutive successes", t.cfg.PromotionStreak)
			}
		}
	case core.OutcomeRejected:
		c.TotalRejections++
		c.ConsecutiveFailures++
		c.ConsecutiveSuccesses = 0
		if c.ConsecutiveFailures >= t.cfg.DemotionStreak {
			c.ConsecutiveFailures = 0
			if c.TrustLevel > MinLevel {
				c.TrustLevel--
				tr.Reason = fmt.Sprintf("%d consecutive rejections", t.cfg.DemotionStreak)
			}
		}
	case core.OutcomePartial:
		c.ConsecutiveSuccesses = 0
		c.ConsecutiveFailures = 0
	}

	tr.To = c.TrustLevel
	if tr.Changed() {
		c.LastTransition = t.now()
		if tr.To > tr.From {
			tr.Direction = DirectionPromoted
		} else {
			tr.Direction = DirectionDemoted
		}
		logging.WithFields(map[string]interface{}{
			"category": name,
			"from":     tr.From,
			"to":       tr.To,
		}).Info("Trust level %s: %s", tr.Direction, tr.Reason)
	}

	return tr, nil
}

// Demote drops a category by one level, floor 1. Returns true if it moved.
func (t *Tracker) Demote(name, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.categories[name]
	if !ok || c.TrustLevel <= MinLevel {
		return false
	}
	from := c.TrustLevel
	c.TrustLevel--
	c.ConsecutiveSuccesses = 0
	c.LastTransition = t.now()

	logging.WithFields(map[string]interface{}{
		"category": name,
		"from":     from,
		"to":       c.TrustLevel,
	}).Warn("Trust level demoted: %s", reason)
	return true
}

// Observe updates the BLR model without touching decision counters
func (t *Tracker) Observe(name string, features []float64, label int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.categories[name]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrUnknownCategory, name)
	}
	return t.observeLocked(c, features, label)
}

func (t *Tracker) observeLocked(c *Category, features []float64, label int) error {
	if len(features) == 0 {
		return fmt.Errorf("%w: empty feature vector", core.ErrFeatureDimension)
	}
	if c.model == nil {
		m := NewModel(len(features), t.cfg.PriorPrecision)
		if err := m.Update(features, label); err != nil {
			return err
		}
		c.model = m
		return nil
	}
	return c.model.Update(features, label)
}

// Predict evaluates a category's BLR model at x
func (t *Tracker) Predict(name string, x []float64) (float64, float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.categories[name]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", core.ErrUnknownCategory, name)
	}
	if c.model == nil || c.model.Observations() == 0 {
		return 0, 0, fmt.Errorf("%w: %s", core.ErrNoObservations, name)
	}
	return c.model.Predict(x)
}

// MeanFeatures returns the mean observed feature vector of a category
func (t *Tracker) MeanFeatures(name string) ([]float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.categories[name]
	if !ok || c.model == nil {
		return nil, false
	}
	return c.model.MeanFeatures()
}

// ProbabilityAtMean is the BLR probability at the category's mean feature
// vector. ok is false when the category has no observations.
func (t *Tracker) ProbabilityAtMean(name string) (p float64, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, found := t.categories[name]
	if !found || c.model == nil {
		return 0, false
	}
	mean, has := c.model.MeanFeatures()
	if !has {
		return 0, false
	}
	p, _, err := c.model.Predict(mean)
	if err != nil {
		return 0, false
	}
	return p, true
}

// Snapshot returns a copy of one category
func (t *Tracker) Snapshot(name string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.categories[name]
	if !ok {
		return Snapshot{}, false
	}
	return c.snapshot(), true
}

// Snapshots returns copies of all categories sorted by name
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Snapshot, 0, len(t.categories))
	for _, c := range t.categories {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Restore loads persisted snapshots. Levels are clamped to [1, cap] and the
// cap of an already-registered category wins over the persisted one. Nothing
// is applied unless every snapshot is valid.
func (t *Tracker) Restore(snaps []Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	restored := make(map[string]*Category, len(snaps))
	for _, s := range snaps {
		if s.Name == "" {
			return core.ErrInvalidCategory
		}
		if s.TotalDecisions < 0 || s.TotalSuccesses < 0 || s.TotalRejections < 0 {
			return fmt.Errorf("%w: negative counters for %s", core.ErrInvalidInput, s.Name)
		}
		if s.TotalSuccesses+s.TotalRejections > s.TotalDecisions {
			return fmt.Errorf("%w: %s has more outcomes than decisions", core.ErrInvalidInput, s.Name)
		}
		if s.Model != nil && s.Model.FeatureCount < 0 {
			return fmt.Errorf("%w: negative feature count for %s", core.ErrInvalidInput, s.Name)
		}

		capLevel := s.CapLevel
		if existing, ok := t.categories[s.Name]; ok {
			capLevel = existing.CapLevel
		}
		if capLevel < MinLevel || capLevel > MaxLevel {
			return fmt.Errorf("%w: %s=%d", core.ErrInvalidCapLevel, s.Name, capLevel)
		}

		c := &Category{
			Name:                 s.Name,
			TrustLevel:           clamp(s.TrustLevel, MinLevel, capLevel),
			CapLevel:             capLevel,
			TotalDecisions:       s.TotalDecisions,
			TotalSuccesses:       s.TotalSuccesses,
			TotalRejections:      s.TotalRejections,
			ConsecutiveSuccesses: s.ConsecutiveSuccesses,
			ConsecutiveFailures:  s.ConsecutiveFailures,
			LastTransition:       s.LastTransition,
		}
		if s.Model != nil {
			m, err := modelFromState(*s.Model)
			if err != nil {
				return fmt.Errorf("restore %s: %w", s.Name, err)
			}
			c.model = m
		}
		restored[s.Name] = c
	}
	for name, c := range restored {
		t.categories[name] = c
	}
	return nil
}

// Reset drops every category's state back to level 1. Intended for tests.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, c := range t.categories {
		t.categories[name] = &Category{Name: name, TrustLevel: MinLevel, CapLevel: c.CapLevel}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
