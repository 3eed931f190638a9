package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/gatekeeper/internal/cbr"
	"github.com/quantumlife/gatekeeper/internal/config"
	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/ledger"
	"github.com/quantumlife/gatekeeper/internal/prediction"
	"github.com/quantumlife/gatekeeper/internal/testutil"
	"github.com/quantumlife/gatekeeper/internal/trust"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.Storage.Path = filepath.Join(dir, "gatekeeper.db")
	cfg.LLM.APIKey = ""
	cfg.Ollama.URL = "http://127.0.0.1:1"
	return cfg
}

func TestContainer_StrategyBuiltOnce(t *testing.T) {
	c := New(testConfig(t))
	defer c.Close()

	var wg sync.WaitGroup
	results := make([]interface{}, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := c.Strategy()
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()

	for _, r := range results[1:] {
		assert.Same(t, results[0], r)
	}
}

func TestContainer_LedgerWiring(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.Sign = true
	c := New(cfg)
	defer c.Close()

	s, err := c.Strategy()
	require.NoError(t, err)
	s.Evaluate(context.Background(), "Add unit tests for the parser", "dev", nil)

	l, err := c.Ledger()
	require.NoError(t, err)
	require.NotNil(t, l)

	entries, err := l.Query(context.Background(), ledger.QueryOptions{Action: ledger.ActionDecisionEvaluated})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].Signature)
	assert.NoError(t, l.VerifyChain(context.Background()))

	_, err = os.Stat(filepath.Join(cfg.DataDir, "keys", "ledger.key"))
	assert.NoError(t, err)
}

func TestContainer_LedgerDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.Enabled = false
	c := New(cfg)
	defer c.Close()

	l, err := c.Ledger()
	require.NoError(t, err)
	assert.Nil(t, l)

	_, err = c.Strategy()
	require.NoError(t, err)
}

func TestContainer_TrustPersistence(t *testing.T) {
	cfg := testConfig(t)

	first := New(cfg)
	s, err := first.Strategy()
	require.NoError(t, err)

	snap, ok := s.Tracker().Snapshot("testing")
	require.True(t, ok)
	snap.TrustLevel = 4
	require.NoError(t, s.Tracker().Restore([]trust.Snapshot{snap}))
	require.NoError(t, first.SaveTrust(context.Background()))
	require.NoError(t, first.Close())

	second := New(cfg)
	defer second.Close()
	s2, err := second.Strategy()
	require.NoError(t, err)
	assert.Equal(t, 4, s2.Tracker().Level("testing"))
}

func TestContainer_SaveTrustBeforeStrategy(t *testing.T) {
	c := New(testConfig(t))
	defer c.Close()
	assert.NoError(t, c.SaveTrust(context.Background()))
}

func TestContainer_LocalCaseStore(t *testing.T) {
	c := New(testConfig(t))
	defer c.Close()

	store, err := c.CaseStore(cbr.ScopeDecisions)
	require.NoError(t, err)
	assert.IsType(t, &cbr.LocalStore{}, store)

	again, err := c.CaseStore(cbr.ScopeDecisions)
	require.NoError(t, err)
	assert.Same(t, store, again)

	answers, err := c.CaseStore(cbr.ScopePredictions)
	require.NoError(t, err)
	assert.NotSame(t, store, answers)
	assert.Equal(t, cbr.ScopePredictions, answers.(*cbr.LocalStore).Scope())
}

// fixedOllama serves the same embedding for every prompt, so every stored
// case is a perfect neighbour of every query.
func fixedOllama(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"embedding": []float32{1, 0}})
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestContainer_CaseScopesDoNotMix(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ollama.URL = fixedOllama(t)
	cfg.Ollama.Dimension = 2
	c := New(cfg)
	defer c.Close()
	ctx := context.Background()

	const question = "Add unit tests for the parser"

	s, err := c.Strategy()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Ratify(ctx, question, "testing", core.ValueApproved))
	}

	e, err := c.Prediction()
	require.NoError(t, err)
	n := testutil.YesNoNotification(question)
	res := e.Predict(ctx, n)
	require.Equal(t, "testing", res.Category)
	assert.Equal(t, prediction.ReasonNoSimilarCases, res.ColdStartReason(),
		"engineering verdicts must not vote on yes/no answers")

	report := e.RecordOutcome(ctx, n.ID, res, "yes, but only the old files", core.ResponseYesNo)
	require.True(t, report.CaseStored)

	res = e.Predict(ctx, testutil.YesNoNotification(question))
	require.Equal(t, prediction.StrategyCBRMajority, res.Strategy)
	assert.Equal(t, prediction.Yes, *res.PredictedValue)
	assert.Equal(t, 1, res.SimilarCaseCount)

	decisions, err := c.CaseStore(cbr.ScopeDecisions)
	require.NoError(t, err)
	p, err := decisions.Predict(ctx, question, "testing", []float32{1, 0})
	require.NoError(t, err)
	require.NotNil(t, p.Verdict)
	assert.Equal(t, core.ValueApproved, *p.Verdict)
	assert.Equal(t, 3, p.CaseCount)
	assert.Equal(t, 1, cbr.DistinctValues(p.SimilarCases), "answers must not make retrieval look mixed")
}

func TestContainer_NoLLMConfigured(t *testing.T) {
	c := New(testConfig(t))
	defer c.Close()

	r := c.LLM()
	assert.False(t, r.IsConfigured())
	_, err := r.Run(context.Background(), "hello")
	assert.ErrorIs(t, err, core.ErrLLMUnavailable)
}

func TestContainer_Prediction(t *testing.T) {
	c := New(testConfig(t))
	defer c.Close()

	e, err := c.Prediction()
	require.NoError(t, err)
	again, err := c.Prediction()
	require.NoError(t, err)
	assert.Same(t, e, again)
}

func TestStrategyConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Strategy.TrustMode = "active"
	cfg.Strategy.Thompson.Enabled = true
	cfg.Breaker.ManualTripCooldown = 60

	sc := StrategyConfig(cfg)
	assert.Equal(t, core.ModeActive, sc.TrustMode)
	assert.True(t, sc.Thompson.Enabled)
	assert.Equal(t, 0.85, sc.Thompson.ActThreshold)
	assert.Equal(t, cfg.Breaker.Cooldown(), sc.Breaker.ManualTripCooldown)
	assert.Equal(t, 5, sc.Trust.PromotionStreak)
	assert.Equal(t, cfg.Strategy.Categories, sc.Categories)

	pc := PredictionConfig(cfg)
	assert.True(t, pc.Enabled)
	assert.Equal(t, 5, pc.Limit)
	assert.Equal(t, 70.0, pc.Threshold)
}
