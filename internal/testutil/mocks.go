package testutil

import (
	"context"
	"sync"

	"github.com/quantumlife/gatekeeper/internal/cbr"
	"github.com/quantumlife/gatekeeper/internal/classifier"
	"github.com/quantumlife/gatekeeper/internal/storage"
)

// MockClassifier implements classifier.Classifier for testing.
type MockClassifier struct {
	ClassifyFunc func(ctx context.Context, text, senderID string, context map[string]interface{}) (classifier.Result, error)
}

// Classify calls the mock function if set, otherwise returns uncategorized.
func (m *MockClassifier) Classify(ctx context.Context, text, senderID string, context map[string]interface{}) (classifier.Result, error) {
	if m.ClassifyFunc != nil {
		return m.ClassifyFunc(ctx, text, senderID, context)
	}
	return classifier.Result{Category: "uncategorized", Confidence: 0.3, Source: classifier.SourceKeyword}, nil
}

// FixedCategory returns a classifier that always answers category with confidence.
func FixedCategory(category string, confidence float64) *MockClassifier {
	return &MockClassifier{
		ClassifyFunc: func(ctx context.Context, text, senderID string, _ map[string]interface{}) (classifier.Result, error) {
			return classifier.Result{Category: category, Confidence: confidence, Source: classifier.SourceKeyword}, nil
		},
	}
}

// MockEmbedder implements embeddings.Provider for testing.
type MockEmbedder struct {
	GenerateEmbeddingFunc func(ctx context.Context, text, contentType string) ([]float32, error)

	mu    sync.Mutex
	calls int
}

// GenerateEmbedding calls the mock function if set, otherwise returns a unit vector.
func (m *MockEmbedder) GenerateEmbedding(ctx context.Context, text, contentType string) ([]float32, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.GenerateEmbeddingFunc != nil {
		return m.GenerateEmbeddingFunc(ctx, text, contentType)
	}
	return []float32{1, 0, 0}, nil
}

// Calls returns how many embeddings were requested.
func (m *MockEmbedder) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockCBRStore implements cbr.Store for testing. Predict falls back to a
// majority vote over FindSimilar.
type MockCBRStore struct {
	FindSimilarFunc func(ctx context.Context, embedding []float32, category string, limit int, threshold float64) ([]cbr.SimilarCase, error)
	PredictFunc     func(ctx context.Context, question, category string, embedding []float32) (*cbr.Prediction, error)
	AddDecisionFunc func(ctx context.Context, c cbr.Case) error

	mu    sync.Mutex
	added []cbr.Case
}

// FindSimilar calls the mock function if set.
func (m *MockCBRStore) FindSimilar(ctx context.Context, embedding []float32, category string, limit int, threshold float64) ([]cbr.SimilarCase, error) {
	if m.FindSimilarFunc != nil {
		return m.FindSimilarFunc(ctx, embedding, category, limit, threshold)
	}
	return nil, nil
}

// Predict calls the mock function if set.
func (m *MockCBRStore) Predict(ctx context.Context, question, category string, embedding []float32) (*cbr.Prediction, error) {
	if m.PredictFunc != nil {
		return m.PredictFunc(ctx, question, category, embedding)
	}
	cases, err := m.FindSimilar(ctx, embedding, category, cbr.DefaultLimit, cbr.DefaultThreshold)
	if err != nil {
		return nil, err
	}
	return cbr.Summarize(cases, "requires_review"), nil
}

// AddDecision records the case and calls the mock function if set.
func (m *MockCBRStore) AddDecision(ctx context.Context, c cbr.Case) error {
	m.mu.Lock()
	m.added = append(m.added, c)
	m.mu.Unlock()
	if m.AddDecisionFunc != nil {
		return m.AddDecisionFunc(ctx, c)
	}
	return nil
}

// Added returns the cases passed to AddDecision.
func (m *MockCBRStore) Added() []cbr.Case {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]cbr.Case(nil), m.added...)
}

// MockRunner implements llm.Runner for testing.
type MockRunner struct {
	RunFunc func(ctx context.Context, prompt string) (string, error)

	mu      sync.Mutex
	prompts []string
}

// Run records the prompt and calls the mock function if set.
func (m *MockRunner) Run(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	if m.RunFunc != nil {
		return m.RunFunc(ctx, prompt)
	}
	return "", nil
}

// Calls returns how many times Run was called.
func (m *MockRunner) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

// Prompts returns every prompt passed to Run.
func (m *MockRunner) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// MockPredictionLog implements prediction.Log for testing.
type MockPredictionLog struct {
	LogPredictionFunc   func(ctx context.Context, rec storage.PredictionRecord) error
	UpdateOutcomeFunc   func(ctx context.Context, notificationID string, actual map[string]interface{}, matched bool, detail string) error
	AccuracySummaryFunc func(ctx context.Context, windowDays int, category, responseType string) (storage.AccuracySummary, error)

	mu      sync.Mutex
	logged  []storage.PredictionRecord
	updates map[string]bool
}

// LogPrediction records the prediction and calls the mock function if set.
func (m *MockPredictionLog) LogPrediction(ctx context.Context, rec storage.PredictionRecord) error {
	m.mu.Lock()
	m.logged = append(m.logged, rec)
	m.mu.Unlock()
	if m.LogPredictionFunc != nil {
		return m.LogPredictionFunc(ctx, rec)
	}
	return nil
}

// UpdateOutcome records the match flag and calls the mock function if set.
func (m *MockPredictionLog) UpdateOutcome(ctx context.Context, notificationID string, actual map[string]interface{}, matched bool, detail string) error {
	m.mu.Lock()
	if m.updates == nil {
		m.updates = make(map[string]bool)
	}
	m.updates[notificationID] = matched
	m.mu.Unlock()
	if m.UpdateOutcomeFunc != nil {
		return m.UpdateOutcomeFunc(ctx, notificationID, actual, matched, detail)
	}
	return nil
}

// AccuracySummary calls the mock function if set.
func (m *MockPredictionLog) AccuracySummary(ctx context.Context, windowDays int, category, responseType string) (storage.AccuracySummary, error) {
	if m.AccuracySummaryFunc != nil {
		return m.AccuracySummaryFunc(ctx, windowDays, category, responseType)
	}
	return storage.AccuracySummary{WindowDays: windowDays, Category: category, ResponseType: responseType}, nil
}

// Logged returns every record passed to LogPrediction.
func (m *MockPredictionLog) Logged() []storage.PredictionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.PredictionRecord(nil), m.logged...)
}

// Matched reports the match flag recorded for a notification.
func (m *MockPredictionLog) Matched(notificationID string) (matched, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched, ok = m.updates[notificationID]
	return matched, ok
}
