// Package prediction predicts a human's answer to an agent notification by
// majority vote over similar past answers. Every failure along the way
// degrades to a cold-start result that carries the reason in its metadata.
package prediction

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quantumlife/gatekeeper/internal/cbr"
	"github.com/quantumlife/gatekeeper/internal/classifier"
	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/embeddings"
	"github.com/quantumlife/gatekeeper/internal/logging"
	"github.com/quantumlife/gatekeeper/internal/storage"
)

var tracer = otel.Tracer("gatekeeper/prediction")

// Strategies
const (
	StrategyCBRMajority = "cbr_majority"
	StrategyColdStart   = "cold_start"
)

// Cold start reasons
const (
	ReasonDisabled       = "engine_disabled"
	ReasonNoEmbedding    = "no_embedding"
	ReasonNoVectorStore  = "no_vector_store"
	ReasonRetrieval      = "retrieval_failed"
	ReasonNoSimilarCases = "no_similar_cases"
)

// Yes/no buckets
const (
	Yes = "yes"
	No  = "no"
)

// Result is the prediction for one notification. It is not modified after
// Predict returns it.
type Result struct {
	NotificationID     string                 `json:"notification_id,omitempty"`
	ResponseType       core.ResponseType      `json:"response_type"`
	Category           string                 `json:"category"`
	Strategy           string                 `json:"strategy"`
	PredictedValue     *string                `json:"predicted_value"`
	Confidence         float64                `json:"confidence"`
	SimilarCaseCount   int                    `json:"similar_case_count"`
	PredictedQualifier *string                `json:"predicted_qualifier"`
	Metadata           map[string]interface{} `json:"metadata"`
}

// ColdStartReason returns the reason recorded for a cold start
func (r Result) ColdStartReason() string {
	if r.Strategy != StrategyColdStart {
		return ""
	}
	reason, _ := r.Metadata["reason"].(string)
	return reason
}

// Log is the durable prediction log
type Log interface {
	LogPrediction(ctx context.Context, rec storage.PredictionRecord) error
	UpdateOutcome(ctx context.Context, notificationID string, actual map[string]interface{}, matched bool, detail string) error
	AccuracySummary(ctx context.Context, windowDays int, category, responseType string) (storage.AccuracySummary, error)
}

// Config for the engine
type Config struct {
	Enabled   bool
	Limit     int
	Threshold float64 // similarity percent
}

// DefaultConfig returns an enabled engine with the CBR defaults
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Limit:     cbr.DefaultLimit,
		Threshold: cbr.DefaultThreshold,
	}
}

// Deps are the engine's collaborators. The embedder and store are built
// lazily on first use; a factory error leaves the dependency unset.
type Deps struct {
	Classifier classifier.Classifier
	Log        Log
	Embedder   func() (embeddings.Provider, error)
	Store      func() (cbr.Store, error)
}

// Engine predicts answers to notifications. Safe for concurrent use.
type Engine struct {
	cfg        Config
	classifier classifier.Classifier
	log        Log

	mu           sync.Mutex
	embedReady   atomic.Bool
	embedFactory func() (embeddings.Provider, error)
	embed        embeddings.Provider
	storeReady   atomic.Bool
	storeFactory func() (cbr.Store, error)
	store        cbr.Store
}

// NewEngine creates an engine
func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.Limit <= 0 {
		cfg.Limit = cbr.DefaultLimit
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = cbr.DefaultThreshold
	}
	cls := deps.Classifier
	if cls == nil {
		cls = classifier.NewKeywordClassifier(nil)
	}
	return &Engine{
		cfg:          cfg,
		classifier:   cls,
		log:          deps.Log,
		embedFactory: deps.Embedder,
		storeFactory: deps.Store,
	}
}

func (e *Engine) embedder() embeddings.Provider {
	if e.embedReady.Load() {
		return e.embed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.embedReady.Load() {
		if e.embedFactory != nil {
			p, err := e.embedFactory()
			if err != nil {
				logging.WithField("component", "prediction").Warn("Embedding provider unavailable: %v", err)
			} else {
				e.embed = p
			}
		}
		e.embedReady.Store(true)
	}
	return e.embed
}

func (e *Engine) vectorStore() cbr.Store {
	if e.storeReady.Load() {
		return e.store
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.storeReady.Load() {
		if e.storeFactory != nil {
			s, err := e.storeFactory()
			if err != nil {
				logging.WithField("component", "prediction").Warn("Vector store unavailable: %v", err)
			} else {
				e.store = s
			}
		}
		e.storeReady.Store(true)
	}
	return e.store
}

// Predict returns the predicted answer to n. It never fails; see the
// Reason constants for the cold-start paths.
func (e *Engine) Predict(ctx context.Context, n core.Notification) Result {
	ctx, span := tracer.Start(ctx, "prediction.Predict")
	defer span.End()

	res := e.predict(ctx, n)
	span.SetAttributes(
		attribute.String("strategy", res.Strategy),
		attribute.String("category", res.Category),
		attribute.Int("similar_cases", res.SimilarCaseCount),
	)
	predictionsTotal.WithLabelValues(string(res.ResponseType), res.Strategy).Inc()
	if reason := res.ColdStartReason(); reason != "" {
		coldStarts.WithLabelValues(reason).Inc()
	}

	if e.log != nil && n.ID != "" {
		if err := e.log.LogPrediction(ctx, toRecord(res)); err != nil {
			logging.WithField("notification_id", n.ID).Warn("Failed to log prediction: %v", err)
		}
	}
	return res
}

func (e *Engine) predict(ctx context.Context, n core.Notification) Result {
	res := Result{
		NotificationID: n.ID,
		ResponseType:   n.ResponseType,
		Category:       core.CategoryUncategorized,
		Strategy:       StrategyColdStart,
		Metadata:       map[string]interface{}{"message": n.Message},
	}
	if res.ResponseType == "" {
		res.ResponseType = core.ResponseYesNo
	}
	if !e.cfg.Enabled {
		res.Metadata["reason"] = ReasonDisabled
		return res
	}

	// Classification runs for every type so category statistics stay complete.
	if c, err := e.classifier.Classify(ctx, n.Message, n.SenderID, n.Context); err != nil {
		logging.WithField("component", "prediction").Debug("Classification failed: %v", err)
	} else if c.Category != "" {
		res.Category = c.Category
	}

	var vec []float32
	if p := e.embedder(); p != nil {
		v, err := p.GenerateEmbedding(ctx, n.Message, embeddings.ContentQuery)
		if err != nil {
			logging.WithField("component", "prediction").Debug("Embedding failed: %v", err)
		}
		vec = v
	}
	if len(vec) == 0 {
		res.Metadata["reason"] = ReasonNoEmbedding
		return res
	}

	if res.ResponseType != core.ResponseYesNo {
		res.Metadata["reason"] = "unsupported_type_" + string(res.ResponseType)
		return res
	}

	store := e.vectorStore()
	if store == nil {
		res.Metadata["reason"] = ReasonNoVectorStore
		return res
	}
	cases, err := store.FindSimilar(ctx, vec, res.Category, e.cfg.Limit, e.cfg.Threshold)
	if err != nil {
		logging.WithField("category", res.Category).Warn("CBR retrieval failed: %v", err)
		res.Metadata["reason"] = ReasonRetrieval
		return res
	}
	if len(cases) == 0 {
		res.Metadata["reason"] = ReasonNoSimilarCases
		return res
	}

	vote := cbr.Tally(cases, YesNoBucket, No)
	winner := vote.Winner
	res.Strategy = StrategyCBRMajority
	res.PredictedValue = &winner
	res.Confidence = vote.Confidence
	res.SimilarCaseCount = vote.Total
	res.Metadata["votes"] = vote.Votes
	for _, c := range vote.Winners {
		if q, ok := ExtractQualifier(c.Case.DecisionValue); ok {
			res.PredictedQualifier = &q
			break
		}
	}
	return res
}

// YesNoBucket maps a free-text answer to yes or no
func YesNoBucket(value string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(value)), Yes) {
		return Yes
	}
	return No
}

func toRecord(r Result) storage.PredictionRecord {
	return storage.PredictionRecord{
		NotificationID:     r.NotificationID,
		Category:           r.Category,
		ResponseType:       string(r.ResponseType),
		Strategy:           r.Strategy,
		PredictedValue:     r.PredictedValue,
		PredictedQualifier: r.PredictedQualifier,
		Confidence:         r.Confidence,
		SimilarCaseCount:   r.SimilarCaseCount,
		Metadata:           r.Metadata,
		CreatedAt:          time.Now().UTC(),
	}
}
