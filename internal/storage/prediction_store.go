package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/quantumlife/gatekeeper/internal/core"
)

// PredictionRecord is one persisted prediction
type PredictionRecord struct {
	NotificationID     string                 `json:"notification_id"`
	Category           string                 `json:"category"`
	ResponseType       string                 `json:"response_type"`
	Strategy           string                 `json:"strategy"`
	PredictedValue     *string                `json:"predicted_value"`
	PredictedQualifier *string                `json:"predicted_qualifier"`
	Confidence         float64                `json:"confidence"`
	SimilarCaseCount   int                    `json:"similar_case_count"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`

	// Filled once the human answer is known
	ActualValue map[string]interface{} `json:"actual_value,omitempty"`
	Matched     *bool                  `json:"matched,omitempty"`
	MatchDetail string                 `json:"match_detail,omitempty"`
	ResolvedAt  *time.Time             `json:"resolved_at,omitempty"`
}

// CategoryAccuracy is the per-category slice of an AccuracySummary
type CategoryAccuracy struct {
	Predictions int     `json:"predictions"`
	Resolved    int     `json:"resolved"`
	Matched     int     `json:"matched"`
	Accuracy    float64 `json:"accuracy"`
}

// AccuracySummary aggregates resolved predictions over a window
type AccuracySummary struct {
	WindowDays   int                         `json:"window_days"`
	Category     string                      `json:"category,omitempty"`
	ResponseType string                      `json:"response_type,omitempty"`
	Predictions  int                         `json:"predictions"`
	Resolved     int                         `json:"resolved"`
	Matched      int                         `json:"matched"`
	Accuracy     float64                     `json:"accuracy"`
	ColdStarts   int                         `json:"cold_starts"`
	ByCategory   map[string]CategoryAccuracy `json:"by_category"`
	Error        string                      `json:"error,omitempty"`
}

// PredictionStore persists predictions and their outcomes
type PredictionStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPredictionStore creates a prediction store
func NewPredictionStore(db *DB) *PredictionStore {
	return &PredictionStore{db: db.conn, now: time.Now}
}

// LogPrediction inserts or replaces the prediction for a notification.
// Any recorded outcome is kept.
func (s *PredictionStore) LogPrediction(ctx context.Context, rec PredictionRecord) error {
	if rec.NotificationID == "" {
		return fmt.Errorf("%w: notification_id", core.ErrMissingRequired)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO predictions (
			notification_id, category, response_type, strategy, predicted_value,
			predicted_qualifier, confidence, similar_case_count, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(notification_id) DO UPDATE SET
			category = excluded.category,
			response_type = excluded.response_type,
			strategy = excluded.strategy,
			predicted_value = excluded.predicted_value,
			predicted_qualifier = excluded.predicted_qualifier,
			confidence = excluded.confidence,
			similar_case_count = excluded.similar_case_count,
			metadata = excluded.metadata
	`, rec.NotificationID, rec.Category, rec.ResponseType, rec.Strategy,
		nullString(rec.PredictedValue), nullString(rec.PredictedQualifier),
		rec.Confidence, rec.SimilarCaseCount, string(meta), rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert prediction: %w", err)
	}
	return nil
}

// UpdateOutcome attaches the actual answer and comparison result
func (s *PredictionStore) UpdateOutcome(ctx context.Context, notificationID string, actual map[string]interface{}, matched bool, detail string) error {
	data, err := json.Marshal(actual)
	if err != nil {
		return fmt.Errorf("marshal actual value: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE predictions
		SET actual_value = ?, matched = ?, match_detail = ?, resolved_at = ?
		WHERE notification_id = ?
	`, string(data), boolToInt(matched), detail, s.now().UnixMilli(), notificationID)
	if err != nil {
		return fmt.Errorf("update outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: prediction %s", core.ErrRecordNotFound, notificationID)
	}
	return nil
}

const predictionColumns = `
	notification_id, category, response_type, strategy, predicted_value,
	predicted_qualifier, confidence, similar_case_count, metadata, created_at,
	actual_value, matched, match_detail, resolved_at`

// Get returns one prediction
func (s *PredictionStore) Get(ctx context.Context, notificationID string) (*PredictionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+predictionColumns+` FROM predictions WHERE notification_id = ?`, notificationID)
	rec, err := scanPrediction(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: prediction %s", core.ErrRecordNotFound, notificationID)
	}
	return rec, err
}

// Recent returns the newest predictions first
func (s *PredictionStore) Recent(ctx context.Context, limit int) ([]*PredictionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+predictionColumns+` FROM predictions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query predictions: %w", err)
	}
	defer rows.Close()

	var out []*PredictionRecord
	for rows.Next() {
		rec, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AccuracySummary aggregates predictions created in the last windowDays
// (all time when windowDays <= 0), optionally filtered.
func (s *PredictionStore) AccuracySummary(ctx context.Context, windowDays int, category, responseType string) (AccuracySummary, error) {
	summary := AccuracySummary{
		WindowDays:   windowDays,
		Category:     category,
		ResponseType: responseType,
		ByCategory:   make(map[string]CategoryAccuracy),
	}

	query := `SELECT category, strategy, matched FROM predictions WHERE 1=1`
	var args []interface{}
	if windowDays > 0 {
		since := s.now().Add(-time.Duration(windowDays) * 24 * time.Hour)
		query += " AND created_at >= ?"
		args = append(args, since.UnixMilli())
	}
	if category != "" {
		query += " AND category = ?"
		args = append(args, category)
	}
	if responseType != "" {
		query += " AND response_type = ?"
		args = append(args, responseType)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return summary, fmt.Errorf("query accuracy: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cat, strategy string
		var matched sql.NullInt64
		if err := rows.Scan(&cat, &strategy, &matched); err != nil {
			return summary, fmt.Errorf("scan accuracy: %w", err)
		}

		ca := summary.ByCategory[cat]
		ca.Predictions++
		summary.Predictions++
		if strategy == "cold_start" {
			summary.ColdStarts++
		}
		if matched.Valid {
			ca.Resolved++
			summary.Resolved++
			if matched.Int64 == 1 {
				ca.Matched++
				summary.Matched++
			}
		}
		summary.ByCategory[cat] = ca
	}
	if err := rows.Err(); err != nil {
		return summary, err
	}

	names := make([]string, 0, len(summary.ByCategory))
	for name := range summary.ByCategory {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ca := summary.ByCategory[name]
		if ca.Resolved > 0 {
			ca.Accuracy = float64(ca.Matched) / float64(ca.Resolved)
		}
		summary.ByCategory[name] = ca
	}
	if summary.Resolved > 0 {
		summary.Accuracy = float64(summary.Matched) / float64(summary.Resolved)
	}
	return summary, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPrediction(row rowScanner) (*PredictionRecord, error) {
	var (
		rec                 PredictionRecord
		value, qualifier    sql.NullString
		meta                string
		createdAt           int64
		actual, detail      sql.NullString
		matched, resolvedAt sql.NullInt64
	)
	err := row.Scan(
		&rec.NotificationID, &rec.Category, &rec.ResponseType, &rec.Strategy, &value,
		&qualifier, &rec.Confidence, &rec.SimilarCaseCount, &meta, &createdAt,
		&actual, &matched, &detail, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if value.Valid {
		rec.PredictedValue = &value.String
	}
	if qualifier.Valid {
		rec.PredictedQualifier = &qualifier.String
	}
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()

	if actual.Valid {
		if err := json.Unmarshal([]byte(actual.String), &rec.ActualValue); err != nil {
			return nil, fmt.Errorf("unmarshal actual value: %w", err)
		}
	}
	if matched.Valid {
		m := matched.Int64 == 1
		rec.Matched = &m
	}
	rec.MatchDetail = detail.String
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64).UTC()
		rec.ResolvedAt = &t
	}
	return &rec, nil
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
