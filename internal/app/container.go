// Package app wires the gatekeeper's components from configuration.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/quantumlife/gatekeeper/internal/breaker"
	"github.com/quantumlife/gatekeeper/internal/cbr"
	"github.com/quantumlife/gatekeeper/internal/classifier"
	"github.com/quantumlife/gatekeeper/internal/config"
	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/embeddings"
	"github.com/quantumlife/gatekeeper/internal/ledger"
	"github.com/quantumlife/gatekeeper/internal/llm"
	"github.com/quantumlife/gatekeeper/internal/logging"
	"github.com/quantumlife/gatekeeper/internal/prediction"
	"github.com/quantumlife/gatekeeper/internal/storage"
	"github.com/quantumlife/gatekeeper/internal/strategy"
	"github.com/quantumlife/gatekeeper/internal/trust"
)

// Container builds each service once, on first use. Safe for concurrent use.
type Container struct {
	cfg *config.Config

	mu       sync.Mutex
	db       atomic.Pointer[storage.DB]
	ledger   atomic.Pointer[ledger.Store]
	router   atomic.Pointer[llm.Router]
	strategy atomic.Pointer[strategy.EngineeringStrategy]
	engine   atomic.Pointer[prediction.Engine]

	// Set under mu
	ledgerOff bool
	cases     map[string]cbr.Store
	closers   []func() error
}

// New creates a container for cfg
func New(cfg *config.Config) *Container {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Container{cfg: cfg}
}

// Config returns the configuration the container was built with
func (c *Container) Config() *config.Config { return c.cfg }

// DB opens and migrates the database
func (c *Container) DB() (*storage.DB, error) {
	if db := c.db.Load(); db != nil {
		return db, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dbLocked()
}

func (c *Container) dbLocked() (*storage.DB, error) {
	if db := c.db.Load(); db != nil {
		return db, nil
	}
	db, err := storage.Open(storage.Config{
		Driver:   c.cfg.Storage.Driver,
		Path:     c.cfg.Storage.Path,
		InMemory: c.cfg.Storage.InMemory,
	})
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, db.Close)
	c.db.Store(db)
	return db, nil
}

// Ledger returns the audit ledger, or nil when it is disabled
func (c *Container) Ledger() (*ledger.Store, error) {
	if l := c.ledger.Load(); l != nil {
		return l, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledgerLocked()
}

func (c *Container) ledgerLocked() (*ledger.Store, error) {
	if l := c.ledger.Load(); l != nil || c.ledgerOff {
		return l, nil
	}
	if !c.cfg.Ledger.Enabled {
		c.ledgerOff = true
		return nil, nil
	}
	db, err := c.dbLocked()
	if err != nil {
		return nil, err
	}

	var signer *ledger.Signer
	if c.cfg.Ledger.Sign {
		signer, err = ledger.LoadOrCreateSigner(filepath.Join(c.cfg.DataDir, "keys", "ledger.key"))
		if err != nil {
			return nil, fmt.Errorf("ledger signer: %w", err)
		}
	}
	l := ledger.NewStore(db.Conn(), signer)
	c.ledger.Store(l)
	return l, nil
}

// LLM returns the model router. It has no backends when no provider is
// configured, in which case Run fails with core.ErrLLMUnavailable.
func (c *Container) LLM() *llm.Router {
	if r := c.router.Load(); r != nil {
		return r
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.llmLocked()
}

func (c *Container) llmLocked() *llm.Router {
	if r := c.router.Load(); r != nil {
		return r
	}
	backend, err := llm.NewBackend(llm.Settings{
		Provider:  c.cfg.LLM.Provider,
		APIKey:    c.cfg.LLM.APIKey,
		BaseURL:   c.cfg.LLM.BaseURL,
		Model:     c.cfg.LLM.Model,
		MaxTokens: c.cfg.LLM.MaxTokens,
	})
	if err != nil {
		logging.WithField("provider", c.cfg.LLM.Provider).Warn("LLM backend unavailable: %v", err)
	}
	r := llm.NewRouter(backend)
	if !r.IsConfigured() {
		logging.WithField("provider", c.cfg.LLM.Provider).Info("No LLM configured, ICRL and LLM classification disabled")
	}
	c.router.Store(r)
	return r
}

// Embedder returns the Ollama embedding service
func (c *Container) Embedder() embeddings.Provider {
	return embeddings.NewService(embeddings.Config{
		BaseURL:   c.cfg.Ollama.URL,
		Model:     c.cfg.Ollama.Model,
		Dimension: uint64(c.cfg.Ollama.Dimension),
	})
}

// CaseStore returns the CBR store for one scope: Qdrant when enabled,
// SQLite otherwise. Each scope gets its own store over the shared backend.
func (c *Container) CaseStore(scope string) (cbr.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caseStoreLocked(scope)
}

func (c *Container) caseStoreLocked(scope string) (cbr.Store, error) {
	if s, ok := c.cases[scope]; ok {
		return s, nil
	}
	if c.cases == nil {
		c.cases = make(map[string]cbr.Store)
	}

	if c.cfg.Qdrant.Enabled {
		for _, existing := range c.cases {
			if qs, ok := existing.(*cbr.QdrantStore); ok {
				c.cases[scope] = qs.Scoped(scope)
				return c.cases[scope], nil
			}
		}
		qs, err := cbr.NewQdrantStore(cbr.QdrantConfig{
			Host:       c.cfg.Qdrant.Host,
			Port:       c.cfg.Qdrant.Port,
			Collection: c.cfg.Qdrant.Collection,
			Dimension:  uint64(c.cfg.Ollama.Dimension),
			Scope:      scope,
		})
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, qs.Close)
		c.cases[scope] = qs
		return qs, nil
	}

	db, err := c.dbLocked()
	if err != nil {
		return nil, err
	}
	c.cases[scope] = cbr.NewLocalStore(db, scope)
	return c.cases[scope], nil
}

func (c *Container) classifierLocked() classifier.Classifier {
	keywords := classifier.NewKeywordClassifier(nil)
	if !c.cfg.LLM.UseForClassification {
		return keywords
	}
	r := c.llmLocked()
	if !r.IsConfigured() {
		return keywords
	}
	names := make([]string, 0, len(c.cfg.Strategy.Categories))
	for name := range c.cfg.Strategy.Categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return classifier.NewLLMClassifier(r, names, keywords)
}

// Strategy builds the engineering strategy and restores persisted trust
func (c *Container) Strategy() (*strategy.EngineeringStrategy, error) {
	if s := c.strategy.Load(); s != nil {
		return s, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.strategy.Load(); s != nil {
		return s, nil
	}

	db, err := c.dbLocked()
	if err != nil {
		return nil, err
	}
	deps := strategy.Deps{
		Classifier: c.classifierLocked(),
	}

	l, err := c.ledgerLocked()
	if err != nil {
		return nil, err
	}
	if l != nil {
		deps.Auditor = ledger.NewRecorder(l)
	}

	if r := c.llmLocked(); r.IsConfigured() {
		deps.LLM = r
	}

	store, err := c.caseStoreLocked(cbr.ScopeDecisions)
	if err != nil {
		logging.WithField("component", "app").Warn("CBR store unavailable: %v", err)
	} else {
		deps.Store = store
		deps.Embedder = c.Embedder()
	}

	s, err := strategy.NewEngineeringStrategy(StrategyConfig(c.cfg), deps)
	if err != nil {
		return nil, err
	}

	snaps, err := storage.NewTrustStore(db).LoadSnapshots(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load trust state: %w", err)
	}
	if len(snaps) > 0 {
		if err := s.Tracker().Restore(snaps); err != nil {
			return nil, fmt.Errorf("restore trust state: %w", err)
		}
		logging.WithField("categories", len(snaps)).Info("Restored trust state")
	}

	c.strategy.Store(s)
	return s, nil
}

// SaveTrust persists the tracker's snapshots. A no-op before the strategy
// has been built.
func (c *Container) SaveTrust(ctx context.Context) error {
	s := c.strategy.Load()
	if s == nil {
		return nil
	}
	db, err := c.DB()
	if err != nil {
		return err
	}
	return storage.NewTrustStore(db).SaveSnapshots(ctx, s.Tracker().Snapshots())
}

// Prediction builds the prediction engine. The embedder and case store are
// resolved on the engine's first prediction.
func (c *Container) Prediction() (*prediction.Engine, error) {
	if e := c.engine.Load(); e != nil {
		return e, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.engine.Load(); e != nil {
		return e, nil
	}

	db, err := c.dbLocked()
	if err != nil {
		return nil, err
	}
	e := prediction.NewEngine(PredictionConfig(c.cfg), prediction.Deps{
		Classifier: c.classifierLocked(),
		Log:        storage.NewPredictionStore(db),
		Embedder: func() (embeddings.Provider, error) {
			return c.Embedder(), nil
		},
		Store: func() (cbr.Store, error) {
			return c.CaseStore(cbr.ScopePredictions)
		},
	})
	c.engine.Store(e)
	return e, nil
}

// Close releases every resource the container opened, newest first
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	c.closers = nil
	return first
}

// StrategyConfig maps file configuration onto the strategy's
func StrategyConfig(cfg *config.Config) strategy.Config {
	sc := cfg.Strategy
	out := strategy.Config{
		TrustMode:  core.TrustMode(sc.TrustMode),
		Categories: sc.Categories,
		HighRisk:   sc.HighRisk,
		Trust: trust.Config{
			PromotionStreak: sc.PromotionStreak,
			DemotionStreak:  sc.DemotionStreak,
			PriorPrecision:  trust.DefaultPriorPrecision,
		},
		Breaker: breaker.Config{
			WindowSize:         cfg.Breaker.WindowSize,
			MinObservations:    cfg.Breaker.MinObservations,
			TripVariance:       cfg.Breaker.TripVariance,
			TripDrop:           cfg.Breaker.TripDrop,
			ResetVariance:      cfg.Breaker.ResetVariance,
			ResetDrop:          cfg.Breaker.ResetDrop,
			ManualTripCooldown: cfg.Breaker.Cooldown(),
		},
		Thompson: strategy.ThompsonConfig{
			Enabled:          sc.Thompson.Enabled,
			ActThreshold:     sc.Thompson.ActThreshold,
			SuggestThreshold: sc.Thompson.SuggestThreshold,
		},
		Conformal: strategy.ConformalConfig{
			Enabled: sc.Conformal.Enabled,
			Alpha:   sc.Conformal.Alpha,
		},
		ICRL: strategy.ICRLConfig{
			Enabled:                sc.ICRL.Enabled,
			TopK:                   sc.ICRL.TopK,
			CBRConfidenceThreshold: sc.ICRL.CBRConfidenceThreshold,
			CallsPerMinute:         sc.ICRL.CallsPerMinute,
			Burst:                  sc.ICRL.Burst,
		},
	}
	if out.Trust.PromotionStreak == 0 {
		out.Trust.PromotionStreak = trust.DefaultPromotionStreak
	}
	if out.Trust.DemotionStreak == 0 {
		out.Trust.DemotionStreak = trust.DefaultDemotionStreak
	}
	return out
}

// PredictionConfig maps file configuration onto the engine's
func PredictionConfig(cfg *config.Config) prediction.Config {
	return prediction.Config{
		Enabled:   cfg.Prediction.Enabled,
		Limit:     cfg.Prediction.TopK,
		Threshold: cfg.Prediction.SimilarityThreshold,
	}
}
