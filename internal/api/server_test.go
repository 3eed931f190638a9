package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/gatekeeper/internal/classifier"
	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/ledger"
	"github.com/quantumlife/gatekeeper/internal/prediction"
	"github.com/quantumlife/gatekeeper/internal/storage"
	"github.com/quantumlife/gatekeeper/internal/strategy"
	"github.com/quantumlife/gatekeeper/internal/testutil"
	"github.com/quantumlife/gatekeeper/internal/trust"
)

type countingSaver struct {
	mu    sync.Mutex
	saves int
}

func (c *countingSaver) SaveTrust(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	return nil
}

func (c *countingSaver) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}

type fixture struct {
	srv      *Server
	strategy *strategy.EngineeringStrategy
	ledger   *ledger.Store
	saver    *countingSaver
}

// testServer creates a server over an in-memory database with the testing
// category at level 3 in active mode
func testServer(t *testing.T) *fixture {
	t.Helper()

	db := testutil.TestDB(t)
	store := ledger.NewStore(db.Conn(), nil)

	cfg := strategy.DefaultConfig()
	cfg.TrustMode = core.ModeActive
	s, err := strategy.NewEngineeringStrategy(cfg, strategy.Deps{Auditor: ledger.NewRecorder(store)})
	require.NoError(t, err)

	snap, ok := s.Tracker().Snapshot("testing")
	require.True(t, ok)
	snap.TrustLevel = 3
	require.NoError(t, s.Tracker().Restore([]trust.Snapshot{snap}))

	engine := prediction.NewEngine(prediction.DefaultConfig(), prediction.Deps{
		Classifier: classifier.NewKeywordClassifier(nil),
		Log:        storage.NewPredictionStore(db),
	})

	saver := &countingSaver{}
	srv := New(Config{
		Host:       "127.0.0.1",
		Port:       0,
		Strategy:   s,
		Prediction: engine,
		Ledger:     store,
		TrustSaver: saver,
	})
	return &fixture{srv: srv, strategy: s, ledger: store, saver: saver}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestAPI_Health(t *testing.T) {
	f := testServer(t)
	rr := f.do(t, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	body := decodeBody(t, rr)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "active", body["mode"])
	assert.Equal(t, true, body["ledger"])
}

func TestAPI_Metrics(t *testing.T) {
	f := testServer(t)
	f.do(t, "POST", "/api/v1/evaluate", map[string]string{"question": "Add unit tests for the parser"})

	rr := f.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "gatekeeper_")
}

func TestAPI_Evaluate(t *testing.T) {
	f := testServer(t)

	rr := f.do(t, "POST", "/api/v1/evaluate", map[string]string{
		"question":  "Add unit tests for the parser",
		"sender_id": "dev",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var res core.DecisionResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, core.ActionAct, res.Action)
	assert.Equal(t, "testing", res.Category)
	require.NotNil(t, res.Value)
	assert.Equal(t, core.ValueApproved, *res.Value)

	// The decision is audited
	entries, err := f.ledger.Query(context.Background(), ledger.QueryOptions{Action: ledger.ActionDecisionEvaluated})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAPI_Evaluate_Validation(t *testing.T) {
	f := testServer(t)

	rr := f.do(t, "POST", "/api/v1/evaluate", map[string]string{"sender_id": "dev"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest("POST", "/api/v1/evaluate", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_RecordOutcome(t *testing.T) {
	f := testServer(t)

	rr := f.do(t, "POST", "/api/v1/outcomes", map[string]interface{}{
		"category":   "testing",
		"confidence": 0.9,
		"outcome":    "success",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var tr trust.Transition
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tr))
	assert.Equal(t, 3, tr.To)
	assert.Equal(t, 1, f.saver.count())

	tests := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{"unknown category", map[string]interface{}{"category": "astrology", "confidence": 0.5, "outcome": "success"}, http.StatusNotFound},
		{"bad outcome", map[string]interface{}{"category": "testing", "confidence": 0.5, "outcome": "meh"}, http.StatusBadRequest},
		{"confidence out of range", map[string]interface{}{"category": "testing", "confidence": 1.5, "outcome": "success"}, http.StatusBadRequest},
		{"missing category", map[string]interface{}{"outcome": "success"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, "POST", "/api/v1/outcomes", tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestAPI_Ratify_NoVectorStore(t *testing.T) {
	f := testServer(t)
	rr := f.do(t, "POST", "/api/v1/ratify", map[string]string{
		"question": "Add tests",
		"category": "testing",
		"value":    "approved",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestAPI_Trust(t *testing.T) {
	f := testServer(t)

	rr := f.do(t, "GET", "/api/v1/trust", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, float64(len(f.strategy.TrustSnapshot())), body["count"])

	rr = f.do(t, "GET", "/api/v1/trust/testing", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body = decodeBody(t, rr)
	assert.Contains(t, body, "breaker")
	assert.Contains(t, body, "thompson")

	rr = f.do(t, "GET", "/api/v1/trust/astrology", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_Breaker(t *testing.T) {
	f := testServer(t)

	rr := f.do(t, "POST", "/api/v1/breaker/testing/trip", map[string]string{"reason": "incident"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.False(t, f.strategy.Breaker().Check("testing"))

	// Tripped breaker defers every decision
	rr = f.do(t, "POST", "/api/v1/evaluate", map[string]string{"question": "Add unit tests for the parser"})
	var res core.DecisionResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, core.ActionDefer, res.Action)

	trips, err := f.ledger.Query(context.Background(), ledger.QueryOptions{Action: ledger.ActionBreakerTripped})
	require.NoError(t, err)
	assert.Len(t, trips, 1)

	rr = f.do(t, "POST", "/api/v1/breaker/testing/reset", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, f.strategy.Breaker().Check("testing"))

	rr = f.do(t, "GET", "/api/v1/breaker", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, "POST", "/api/v1/breaker/astrology/trip", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_Thompson(t *testing.T) {
	f := testServer(t)
	rr := f.do(t, "GET", "/api/v1/thompson", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var stats map[string]strategy.ThompsonStats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Contains(t, stats, "testing")
}

func TestAPI_Conformal(t *testing.T) {
	f := testServer(t)

	rr := f.do(t, "POST", "/api/v1/conformal/calibrate", nil)
	assert.Equal(t, http.StatusConflict, rr.Code, "no observations yet")

	for i := 0; i < 4; i++ {
		_, err := f.strategy.RecordOutcome("testing", 0.9, core.OutcomeSuccess)
		require.NoError(t, err)
	}
	rr = f.do(t, "POST", "/api/v1/conformal/calibrate", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, float64(4), decodeBody(t, rr)["points"])

	rr = f.do(t, "GET", "/api/v1/conformal", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestAPI_Predictions(t *testing.T) {
	f := testServer(t)

	rr := f.do(t, "POST", "/api/v1/predictions", map[string]string{
		"id":            "n-1",
		"message":       "Should I deploy now?",
		"response_type": "yes_no",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var res prediction.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, prediction.StrategyColdStart, res.Strategy)
	assert.Equal(t, prediction.ReasonNoEmbedding, res.ColdStartReason())

	rr = f.do(t, "POST", "/api/v1/predictions/n-1/outcome", map[string]interface{}{
		"prediction": res,
		"actual":     "yes",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var report prediction.OutcomeReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, "n-1", report.NotificationID)
	assert.True(t, report.Logged)
	assert.False(t, report.Matched)

	rr = f.do(t, "GET", "/api/v1/predictions/accuracy?window_days=7", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var summary storage.AccuracySummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &summary))
	assert.Equal(t, 7, summary.WindowDays)
	assert.Equal(t, 1, summary.Predictions)
}

func TestAPI_Predictions_NotConfigured(t *testing.T) {
	srv := New(Config{})
	req := httptest.NewRequest("POST", "/api/v1/predictions", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	req = httptest.NewRequest("GET", "/api/v1/ledger/verify", nil)
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestAPI_Ledger(t *testing.T) {
	f := testServer(t)
	f.do(t, "POST", "/api/v1/evaluate", map[string]string{"question": "Add unit tests for the parser"})
	f.do(t, "POST", "/api/v1/outcomes", map[string]interface{}{"category": "testing", "confidence": 0.9, "outcome": "success"})

	rr := f.do(t, "GET", "/api/v1/ledger?limit=10", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeBody(t, rr)
	assert.Equal(t, float64(2), body["total_entries"])

	rr = f.do(t, "GET", "/api/v1/ledger/verify", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decodeBody(t, rr)["chain_valid"])

	rr = f.do(t, "GET", "/api/v1/ledger/categories/testing", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(2), decodeBody(t, rr)["count"])

	rr = f.do(t, "GET", "/api/v1/ledger?category=testing&action="+ledger.ActionOutcomeRecorded, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(1), decodeBody(t, rr)["count"])

	rr = f.do(t, "GET", "/api/v1/ledger/breakers/testing", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(0), decodeBody(t, rr)["count"])

	rr = f.do(t, "GET", "/api/v1/ledger/summary", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, "GET", "/api/v1/ledger/entry/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_WebSocketDecisions(t *testing.T) {
	f := testServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.srv.wsHub.Run(ctx)

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/decisions"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.srv.wsHub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	f.do(t, "POST", "/api/v1/evaluate", map[string]string{"question": "Add unit tests for the parser"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string         `json:"type"`
		Data strategy.Event `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "decision", msg.Type)
	assert.Equal(t, "Add unit tests for the parser", msg.Data.Question)
	assert.Equal(t, core.ActionAct, msg.Data.Result.Action)
}
