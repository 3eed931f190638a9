package cbr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/logging"
)

// DefaultCollection holds decision cases in Qdrant
const DefaultCollection = "decision_cases"

// caseNamespace derives stable Qdrant point IDs from case IDs
var caseNamespace = uuid.MustParse("6f1c7a52-3d4e-4b8a-9c1f-2a5e8d7b0c43")

// QdrantConfig for the vector store
type QdrantConfig struct {
	Host       string // Qdrant host, default "localhost"
	Port       int    // Qdrant gRPC port, default 6334
	UseTLS     bool
	Collection string
	Dimension  uint64
	Scope      string // payload partition, default ScopeDecisions
}

// pointsClient is the subset of *qdrant.Client the store uses
type pointsClient interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Close() error
}

// QdrantStore keeps cases in a Qdrant collection with cosine distance
type QdrantStore struct {
	client     pointsClient
	collection string
	dimension  uint64
	scope      string
	tieBreak   string
	now        func() time.Time

	mu    sync.Mutex
	ready bool
}

// NewQdrantStore connects to Qdrant
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	return newQdrantStore(client, cfg), nil
}

func newQdrantStore(client pointsClient, cfg QdrantConfig) *QdrantStore {
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.Scope == "" {
		cfg.Scope = ScopeDecisions
	}
	return &QdrantStore{
		client:     client,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		scope:      cfg.Scope,
		tieBreak:   core.ValueRequiresReview,
		now:        time.Now,
	}
}

// Scoped returns a store over the same connection and collection that reads
// and writes only the given scope
func (s *QdrantStore) Scoped(scope string) *QdrantStore {
	return newQdrantStore(s.client, QdrantConfig{
		Collection: s.collection,
		Dimension:  s.dimension,
		Scope:      scope,
	})
}

// Scope returns the payload partition this store reads and writes
func (s *QdrantStore) Scope() string { return s.scope }

// Close closes the Qdrant connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// EnsureCollection creates the collection on first use. The vector size is
// taken from the configured dimension, or from the first vector seen.
func (s *QdrantStore) EnsureCollection(ctx context.Context, dimension uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return nil
	}
	if s.dimension > 0 {
		dimension = s.dimension
	}

	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", s.collection, err)
	}
	if !exists {
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     dimension,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection %s: %w", s.collection, err)
		}
		logging.WithField("collection", s.collection).Info("Created Qdrant collection (dim=%d)", dimension)
	}

	s.ready = true
	return nil
}

// AddDecision upserts a case as a point
func (s *QdrantStore) AddDecision(ctx context.Context, c Case) error {
	c, err := prepareCase(c, s.now)
	if err != nil {
		return err
	}
	if err := s.EnsureCollection(ctx, uint64(len(c.Embedding))); err != nil {
		return err
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(pointID(c.ID)),
			Vectors: qdrant.NewVectors(c.Embedding...),
			Payload: toQdrantPayload(map[string]interface{}{
				"case_id":            c.ID,
				"scope":              s.scope,
				"question":           c.Question,
				"category":           c.Category,
				"decision_value":     c.DecisionValue,
				"ratification_state": c.RatificationState,
				"data_origin":        c.DataOrigin,
				"created_at":         c.CreatedAt.UnixMilli(),
			}),
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert case: %w", err)
	}
	return nil
}

// FindSimilar queries the collection filtered to ratified cases of the
// category within the scope
func (s *QdrantStore) FindSimilar(ctx context.Context, embedding []float32, category string, limit int, threshold float64) ([]SimilarCase, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("%w: empty query embedding", core.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if err := s.EnsureCollection(ctx, uint64(len(embedding))); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrRetrievalFailed, err)
	}

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		ScoreThreshold: qdrant.PtrOf(float32(threshold / 100)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter: buildFilter(map[string]string{
			"scope":              s.scope,
			"category":           category,
			"ratification_state": StateRatified,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrRetrievalFailed, err)
	}

	out := make([]SimilarCase, 0, len(results))
	for _, r := range results {
		sim := float64(r.Score) * 100
		if sim < threshold {
			continue
		}
		out = append(out, SimilarCase{
			Similarity: sim,
			Case:       caseFromPayload(fromQdrantPayload(r.Payload)),
		})
	}
	return sortedBySimilarity(out), nil
}

// Predict votes over the default neighbourhood of the question
func (s *QdrantStore) Predict(ctx context.Context, question, category string, embedding []float32) (*Prediction, error) {
	cases, err := s.FindSimilar(ctx, embedding, category, DefaultLimit, DefaultThreshold)
	if err != nil {
		return nil, err
	}
	return Summarize(cases, s.tieBreak), nil
}

func pointID(caseID string) string {
	if _, err := uuid.Parse(caseID); err == nil {
		return caseID
	}
	return uuid.NewSHA1(caseNamespace, []byte(caseID)).String()
}

func caseFromPayload(p map[string]interface{}) Case {
	str := func(k string) string {
		s, _ := p[k].(string)
		return s
	}
	c := Case{
		ID:                str("case_id"),
		Question:          str("question"),
		Category:          str("category"),
		DecisionValue:     str("decision_value"),
		RatificationState: str("ratification_state"),
		DataOrigin:        str("data_origin"),
	}
	if ms, ok := p["created_at"].(int64); ok {
		c.CreatedAt = time.UnixMilli(ms).UTC()
	}
	return c
}

// Helper functions for payload conversion
func toQdrantPayload(payload map[string]interface{}) map[string]*qdrant.Value {
	result := make(map[string]*qdrant.Value)
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			result[k] = qdrant.NewValueString(val)
		case int:
			result[k] = qdrant.NewValueInt(int64(val))
		case int64:
			result[k] = qdrant.NewValueInt(val)
		case float64:
			result[k] = qdrant.NewValueDouble(val)
		case bool:
			result[k] = qdrant.NewValueBool(val)
		}
	}
	return result
}

func fromQdrantPayload(payload map[string]*qdrant.Value) map[string]interface{} {
	result := make(map[string]interface{})
	for k, v := range payload {
		switch val := v.Kind.(type) {
		case *qdrant.Value_StringValue:
			result[k] = val.StringValue
		case *qdrant.Value_IntegerValue:
			result[k] = val.IntegerValue
		case *qdrant.Value_DoubleValue:
			result[k] = val.DoubleValue
		case *qdrant.Value_BoolValue:
			result[k] = val.BoolValue
		}
	}
	return result
}

func buildFilter(filter map[string]string) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for k, v := range filter {
		if v == "" {
			continue
		}
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: k,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{
							Keyword: v,
						},
					},
				},
			},
		})
	}

	if len(conditions) == 0 {
		return nil
	}
	return &qdrant.Filter{
		Must: conditions,
	}
}
