// Package breaker implements a per-category circuit breaker over classifier
// confidence. A category whose recent confidences become erratic or fall
// sharply is tripped and every decision for it is deferred until the
// window settles again.
package breaker

import (
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/quantumlife/gatekeeper/internal/logging"
)

// Trip reasons
const (
	ReasonVariance = "variance"
	ReasonDrop     = "drop"
	ReasonManual   = "manual"
)

// Demoter lowers a category's trust level by one step.
// trust.Tracker satisfies it.
type Demoter interface {
	Demote(category, reason string) bool
}

// Config configures the breaker behavior.
type Config struct {
	// WindowSize is the number of confidences kept per category (default: 20).
	WindowSize int

	// MinObservations is the number needed before statistics apply (default: 5).
	MinObservations int

	// TripVariance trips when the window's variance exceeds it (default: 0.04).
	TripVariance float64

	// TripDrop trips when older-half mean minus recent-half mean exceeds it (default: 0.25).
	TripDrop float64

	// ResetVariance and ResetDrop must both be undercut to close again.
	ResetVariance float64
	ResetDrop     float64

	// ManualTripCooldown is how long an explicit Trip stays in force (default: 15m).
	ManualTripCooldown time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:         20,
		MinObservations:    5,
		TripVariance:       0.04,
		TripDrop:           0.25,
		ResetVariance:      0.02,
		ResetDrop:          0.10,
		ManualTripCooldown: 15 * time.Minute,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.WindowSize < 2 {
		c.WindowSize = def.WindowSize
	}
	if c.MinObservations < 2 {
		c.MinObservations = def.MinObservations
	}
	if c.MinObservations > c.WindowSize {
		c.MinObservations = c.WindowSize
	}
	if c.TripVariance <= 0 {
		c.TripVariance = def.TripVariance
	}
	if c.TripDrop <= 0 {
		c.TripDrop = def.TripDrop
	}
	if c.ResetVariance <= 0 || c.ResetVariance > c.TripVariance {
		c.ResetVariance = c.TripVariance
	}
	if c.ResetDrop <= 0 || c.ResetDrop > c.TripDrop {
		c.ResetDrop = c.TripDrop
	}
	if c.ManualTripCooldown < 0 {
		c.ManualTripCooldown = 0
	}
	return c
}

// Stats contains breaker statistics for one category.
type Stats struct {
	Category        string    `json:"category"`
	Healthy         bool      `json:"healthy"`
	Observations    int       `json:"observations"`
	Mean            float64   `json:"mean"`
	Variance        float64   `json:"variance"`
	Drop            float64   `json:"drop"`
	StatTripped     bool      `json:"stat_tripped"`
	ManualTrip      bool      `json:"manual_trip"`
	ManualTripUntil time.Time `json:"manual_trip_until,omitempty"`
	TripReason      string    `json:"trip_reason,omitempty"`
	Trips           int64     `json:"trips"`
	LastTrip        time.Time `json:"last_trip,omitempty"`
}

type window struct {
	values []float64 // ring buffer
	next   int
	full   bool

	tripped      bool
	tripReason   string
	manualUntil  time.Time
	manualReason string

	unhealthy bool // last evaluated health, for edge detection
	demoted   bool // auto-demotion already applied this episode
	trips     int64
	lastTrip  time.Time
}

func (w *window) push(v float64) {
	w.values[w.next] = v
	w.next = (w.next + 1) % len(w.values)
	if w.next == 0 {
		w.full = true
	}
}

// ordered returns observations oldest first
func (w *window) ordered() []float64 {
	if !w.full {
		return append([]float64(nil), w.values[:w.next]...)
	}
	out := make([]float64, 0, len(w.values))
	out = append(out, w.values[w.next:]...)
	return append(out, w.values[:w.next]...)
}

func summarize(obs []float64) (mean, variance, drop float64) {
	if len(obs) == 0 {
		return 0, 0, 0
	}
	mean, variance = stat.MeanVariance(obs, nil)
	if len(obs) < 2 {
		return mean, 0, 0
	}
	half := len(obs) / 2
	older := stat.Mean(obs[:half], nil)
	recent := stat.Mean(obs[len(obs)-half:], nil)
	return mean, variance, older - recent
}

// Breaker is the confidence anomaly detector.
//
// A category is unhealthy when either its rolling statistics exceed the
// trip thresholds or a manual trip is in force. Statistical trips close
// only once both reset thresholds are undercut. The first statistical trip
// of an episode demotes the category through the Demoter; the call is
// made after the breaker's lock is released.
//
// Thread Safety: Safe for concurrent use.
type Breaker struct {
	cfg Config

	mu      sync.Mutex
	windows map[string]*window
	demoter Demoter
	onTrip  func(category, reason string)
	now     func() time.Time
}

// New creates a breaker. demoter may be nil.
func New(cfg Config, demoter Demoter) *Breaker {
	return &Breaker{
		cfg:     cfg.normalized(),
		windows: make(map[string]*window),
		demoter: demoter,
		now:     time.Now,
	}
}

// Config returns the effective configuration
func (b *Breaker) Config() Config { return b.cfg }

// SetDemoter wires the trust tracker after construction
func (b *Breaker) SetDemoter(d Demoter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.demoter = d
}

// OnTrip registers a callback fired on every healthy-to-tripped edge
func (b *Breaker) OnTrip(fn func(category, reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = fn
}

func (b *Breaker) window(category string) *window {
	w, ok := b.windows[category]
	if !ok {
		w = &window{values: make([]float64, b.cfg.WindowSize)}
		b.windows[category] = w
	}
	return w
}

// RecordConfidence appends an observation, evicting the oldest when full.
// Non-finite values are ignored and the rest clamped to [0, 1].
func (b *Breaker) RecordConfidence(category string, confidence float64) {
	if math.IsNaN(confidence) || math.IsInf(confidence, 0) {
		return
	}
	confidence = math.Max(0, math.Min(1, confidence))

	b.mu.Lock()
	b.window(category).push(confidence)
	ev := b.evaluateLocked(category)
	b.mu.Unlock()

	b.fire(category, ev)
}

// Check returns true when the category is healthy. Categories with too few
// observations are healthy.
func (b *Breaker) Check(category string) bool {
	b.mu.Lock()
	if _, ok := b.windows[category]; !ok {
		b.mu.Unlock()
		return true
	}
	ev := b.evaluateLocked(category)
	b.mu.Unlock()

	b.fire(category, ev)
	return ev.healthy
}

// Trip sets the manual trip flag for the configured cooldown
func (b *Breaker) Trip(category, reason string) {
	b.mu.Lock()
	w := b.window(category)
	w.manualUntil = b.now().Add(b.cfg.ManualTripCooldown)
	w.manualReason = reason
	ev := b.evaluateLocked(category)
	b.mu.Unlock()

	logging.WithField("category", category).Warn("Circuit breaker tripped manually: %s", reason)
	b.fire(category, ev)
}

// Reset clears the window and every trip flag for a category
func (b *Breaker) Reset(category string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.windows[category]; ok {
		trips, last := w.trips, w.lastTrip
		fresh := &window{values: make([]float64, b.cfg.WindowSize), trips: trips, lastTrip: last}
		b.windows[category] = fresh
	}
	logging.WithField("category", category).Info("Circuit breaker reset")
}

type evaluation struct {
	healthy bool
	edge    bool // healthy -> unhealthy on this evaluation
	demote  bool
	reason  string
	demoter Demoter
	onTrip  func(string, string)
}

// evaluateLocked updates trip state. Must be called with lock held.
func (b *Breaker) evaluateLocked(category string) evaluation {
	w := b.windows[category]
	now := b.now()

	obs := w.ordered()
	if len(obs) >= b.cfg.MinObservations {
		_, variance, drop := summarize(obs)
		if !w.tripped {
			switch {
			case variance > b.cfg.TripVariance:
				w.tripped, w.tripReason = true, ReasonVariance
			case drop > b.cfg.TripDrop:
				w.tripped, w.tripReason = true, ReasonDrop
			}
		} else if variance < b.cfg.ResetVariance && drop < b.cfg.ResetDrop {
			w.tripped, w.tripReason = false, ""
		}
	}

	manual := !w.manualUntil.IsZero() && now.Before(w.manualUntil)
	if !manual && !w.manualUntil.IsZero() {
		w.manualUntil, w.manualReason = time.Time{}, ""
	}

	ev := evaluation{healthy: !w.tripped && !manual, demoter: b.demoter, onTrip: b.onTrip}
	switch {
	case w.tripped:
		ev.reason = w.tripReason
	case manual:
		ev.reason = ReasonManual
	}

	if !ev.healthy && !w.unhealthy {
		ev.edge = true
		w.trips++
		w.lastTrip = now
	}
	if w.tripped && !w.demoted {
		w.demoted = true
		ev.demote = true
	}
	if ev.healthy {
		w.demoted = false
	}
	w.unhealthy = !ev.healthy
	return ev
}

func (b *Breaker) fire(category string, ev evaluation) {
	if ev.edge {
		logging.WithFields(map[string]interface{}{
			"category": category,
			"reason":   ev.reason,
		}).Warn("Circuit breaker tripped")
		if ev.onTrip != nil {
			ev.onTrip(category, ev.reason)
		}
	}
	if ev.demote && ev.demoter != nil {
		ev.demoter.Demote(category, "circuit breaker: confidence "+ev.reason)
	}
}

// Stats returns statistics for one category
func (b *Breaker) Stats(category string) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statsLocked(category)
}

func (b *Breaker) statsLocked(category string) Stats {
	w, ok := b.windows[category]
	if !ok {
		return Stats{Category: category, Healthy: true}
	}
	obs := w.ordered()
	mean, variance, drop := summarize(obs)
	manual := !w.manualUntil.IsZero() && b.now().Before(w.manualUntil)

	s := Stats{
		Category:     category,
		Healthy:      !w.tripped && !manual,
		Observations: len(obs),
		Mean:         mean,
		Variance:     variance,
		Drop:         drop,
		StatTripped:  w.tripped,
		ManualTrip:   manual,
		TripReason:   w.tripReason,
		Trips:        w.trips,
		LastTrip:     w.lastTrip,
	}
	if manual {
		s.ManualTripUntil = w.manualUntil
		if s.TripReason == "" {
			s.TripReason = ReasonManual
		}
	}
	return s
}

// AllStats returns statistics for every observed category, sorted by name
func (b *Breaker) AllStats() []Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Stats, 0, len(b.windows))
	for name := range b.windows {
		out = append(out, b.statsLocked(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}
