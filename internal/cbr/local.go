package cbr

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/storage"
)

// LocalStore keeps cases in SQLite and ranks them by brute-force cosine
// similarity. Suitable for the few thousand cases a single operator makes.
type LocalStore struct {
	db       *sql.DB
	scope    string
	tieBreak string
	now      func() time.Time
}

// NewLocalStore creates a store over the decision_cases rows of one scope.
// An empty scope means ScopeDecisions.
func NewLocalStore(db *storage.DB, scope string) *LocalStore {
	if scope == "" {
		scope = ScopeDecisions
	}
	return &LocalStore{
		db:       db.Conn(),
		scope:    scope,
		tieBreak: core.ValueRequiresReview,
		now:      time.Now,
	}
}

// AddDecision stores a case. ID, state, origin and timestamp are filled in
// when empty.
func (s *LocalStore) AddDecision(ctx context.Context, c Case) error {
	c, err := prepareCase(c, s.now)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decision_cases (
			id, scope, question, category, decision_value, ratification_state,
			embedding, data_origin, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			scope = excluded.scope,
			decision_value = excluded.decision_value,
			ratification_state = excluded.ratification_state,
			embedding = excluded.embedding
	`, c.ID, s.scope, c.Question, c.Category, c.DecisionValue, c.RatificationState,
		PackFloat32(c.Embedding), c.DataOrigin, c.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert decision case: %w", err)
	}
	return nil
}

// Scope returns the partition this store reads and writes
func (s *LocalStore) Scope() string { return s.scope }

// FindSimilar scores every ratified case of the category within the scope
func (s *LocalStore) FindSimilar(ctx context.Context, embedding []float32, category string, limit int, threshold float64) ([]SimilarCase, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("%w: empty query embedding", core.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question, category, decision_value, ratification_state,
			embedding, data_origin, created_at
		FROM decision_cases
		WHERE scope = ? AND category = ? AND ratification_state = ?
	`, s.scope, category, StateRatified)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrRetrievalFailed, err)
	}
	defer rows.Close()

	var out []SimilarCase
	for rows.Next() {
		var (
			c         Case
			blob      []byte
			createdAt int64
		)
		if err := rows.Scan(&c.ID, &c.Question, &c.Category, &c.DecisionValue,
			&c.RatificationState, &blob, &c.DataOrigin, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrRetrievalFailed, err)
		}
		c.Embedding = UnpackFloat32(blob)
		if len(c.Embedding) != len(embedding) {
			continue
		}
		c.CreatedAt = time.UnixMilli(createdAt).UTC()

		sim := float64(CosineSimilarity(embedding, c.Embedding)) * 100
		if sim < threshold {
			continue
		}
		out = append(out, SimilarCase{Similarity: sim, Case: c})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrRetrievalFailed, err)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Predict votes over the default neighbourhood of the question
func (s *LocalStore) Predict(ctx context.Context, question, category string, embedding []float32) (*Prediction, error) {
	cases, err := s.FindSimilar(ctx, embedding, category, DefaultLimit, DefaultThreshold)
	if err != nil {
		return nil, err
	}
	return Summarize(cases, s.tieBreak), nil
}

// Count returns the number of cases in the scope, optionally for one category
func (s *LocalStore) Count(ctx context.Context, category string) (int, error) {
	query := `SELECT COUNT(*) FROM decision_cases WHERE scope = ?`
	args := []interface{}{s.scope}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func prepareCase(c Case, now func() time.Time) (Case, error) {
	if strings.TrimSpace(c.Question) == "" {
		return c, fmt.Errorf("%w: question", core.ErrMissingRequired)
	}
	if strings.TrimSpace(c.DecisionValue) == "" {
		return c, fmt.Errorf("%w: decision_value", core.ErrMissingRequired)
	}
	if len(c.Embedding) == 0 {
		return c, fmt.Errorf("%w: empty embedding", core.ErrInvalidInput)
	}
	if c.ID == "" {
		c.ID = ulid.Make().String()
	}
	if c.Category == "" {
		c.Category = core.CategoryUncategorized
	}
	if c.RatificationState == "" {
		c.RatificationState = StateRatified
	}
	if c.DataOrigin == "" {
		c.DataOrigin = OriginLive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	return c, nil
}

// PackFloat32 encodes a vector as little-endian float32s
func PackFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// UnpackFloat32 decodes PackFloat32 output. Returns nil for a malformed blob.
func UnpackFloat32(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when the lengths differ or either vector is zero.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
