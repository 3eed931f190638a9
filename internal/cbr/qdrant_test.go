package cbr

import (
	"context"
	"errors"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/gatekeeper/internal/core"
)

type fakePoints struct {
	exists   bool
	created  []*qdrant.CreateCollection
	upserts  []*qdrant.UpsertPoints
	queries  []*qdrant.QueryPoints
	results  []*qdrant.ScoredPoint
	queryErr error
}

func (f *fakePoints) CollectionExists(ctx context.Context, name string) (bool, error) {
	return f.exists, nil
}

func (f *fakePoints) CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error {
	f.created = append(f.created, req)
	f.exists = true
	return nil
}

func (f *fakePoints) Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error) {
	f.upserts = append(f.upserts, req)
	return &qdrant.UpdateResult{}, nil
}

func (f *fakePoints) Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error) {
	f.queries = append(f.queries, req)
	return f.results, f.queryErr
}

func (f *fakePoints) Close() error { return nil }

func scored(score float32, value string) *qdrant.ScoredPoint {
	return &qdrant.ScoredPoint{
		Score: score,
		Payload: toQdrantPayload(map[string]interface{}{
			"case_id":        "c-" + value,
			"category":       "refactoring",
			"decision_value": value,
			"created_at":     int64(1700000000000),
		}),
	}
}

func TestQdrantStore_AddDecisionCreatesCollectionOnce(t *testing.T) {
	fake := &fakePoints{}
	store := newQdrantStore(fake, QdrantConfig{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, store.AddDecision(ctx, Case{
			ID:            "01HZX3J5Q0ABCDEF0123456789",
			Question:      "rename package",
			Category:      "refactoring",
			DecisionValue: "approved",
			Embedding:     []float32{0.1, 0.2, 0.3},
		}))
	}

	require.Len(t, fake.created, 1)
	assert.Equal(t, DefaultCollection, fake.created[0].CollectionName)
	require.Len(t, fake.upserts, 2)

	// Non-UUID case IDs map to a stable UUID
	id1 := fake.upserts[0].Points[0].Id.GetUuid()
	id2 := fake.upserts[1].Points[0].Id.GetUuid()
	assert.NotEmpty(t, id1)
	assert.Equal(t, id1, id2)
	assert.Equal(t, "rename package", fake.upserts[0].Points[0].Payload["question"].GetStringValue())
	assert.Equal(t, ScopeDecisions, fake.upserts[0].Points[0].Payload["scope"].GetStringValue())
}

func TestQdrantStore_FindSimilar(t *testing.T) {
	fake := &fakePoints{
		exists:  true,
		results: []*qdrant.ScoredPoint{scored(0.81, "requires_review"), scored(0.93, "approved"), scored(0.5, "approved")},
	}
	store := newQdrantStore(fake, QdrantConfig{Collection: "cases"})

	got, err := store.FindSimilar(context.Background(), []float32{1, 0}, "refactoring", 3, 70)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 93, got[0].Similarity, 1e-3)
	assert.Equal(t, "approved", got[0].Case.DecisionValue)
	assert.Equal(t, int64(1700000000000), got[0].Case.CreatedAt.UnixMilli())

	require.Len(t, fake.queries, 1)
	q := fake.queries[0]
	assert.Equal(t, "cases", q.CollectionName)
	assert.Equal(t, uint64(3), q.GetLimit())
	assert.Len(t, q.Filter.Must, 3)
}

func TestQdrantStore_ScopedSharesCollection(t *testing.T) {
	fake := &fakePoints{exists: true}
	base := newQdrantStore(fake, QdrantConfig{Collection: "cases"})
	answers := base.Scoped(ScopePredictions)
	ctx := context.Background()

	assert.Equal(t, ScopeDecisions, base.Scope())
	assert.Equal(t, ScopePredictions, answers.Scope())

	require.NoError(t, answers.AddDecision(ctx, Case{
		Question:      "remove old branches?",
		Category:      "cleanup",
		DecisionValue: "yes",
		Embedding:     []float32{1, 0},
	}))
	require.Len(t, fake.upserts, 1)
	assert.Equal(t, "cases", fake.upserts[0].CollectionName)
	assert.Equal(t, ScopePredictions, fake.upserts[0].Points[0].Payload["scope"].GetStringValue())

	_, err := answers.FindSimilar(ctx, []float32{1, 0}, "cleanup", 5, 70)
	require.NoError(t, err)
	require.Len(t, fake.queries, 1)

	var scoped bool
	for _, c := range fake.queries[0].Filter.Must {
		f := c.GetField()
		if f.GetKey() == "scope" {
			scoped = f.GetMatch().GetKeyword() == ScopePredictions
		}
	}
	assert.True(t, scoped, "query must filter on the store's scope")
}

func TestQdrantStore_QueryError(t *testing.T) {
	fake := &fakePoints{exists: true, queryErr: errors.New("unavailable")}
	store := newQdrantStore(fake, QdrantConfig{})

	_, err := store.FindSimilar(context.Background(), []float32{1}, "testing", 5, 70)
	assert.True(t, errors.Is(err, core.ErrRetrievalFailed))

	_, err = store.Predict(context.Background(), "q", "testing", []float32{1})
	assert.Error(t, err)
}

func TestBuildFilter_SkipsEmpty(t *testing.T) {
	assert.Nil(t, buildFilter(map[string]string{"category": ""}))
	f := buildFilter(map[string]string{"category": "testing", "ratification_state": StateRatified})
	require.NotNil(t, f)
	assert.Len(t, f.Must, 2)
}
