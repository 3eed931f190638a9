// Package ledger provides a cryptographically verifiable, append-only audit ledger.
// Every entry is hash-chained to the previous entry, making any tampering detectable.
// Entries are optionally signed with ML-DSA-65.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlife/gatekeeper/internal/core"
)

// GenesisHash is the prev_hash of the first entry
const GenesisHash = "GENESIS:0000000000000000000000000000000000000000000000000000000000000000"

// timeFormat is fixed-width so stored timestamps sort as text
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store manages the append-only audit ledger
type Store struct {
	db     *sql.DB
	signer *Signer
	mu     sync.Mutex
	now    func() time.Time
}

// NewStore creates a new ledger store. signer may be nil.
func NewStore(db *sql.DB, signer *Signer) *Store {
	return &Store{db: db, signer: signer, now: time.Now}
}

// Entry represents an immutable audit log entry
type Entry struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`      // "decision.evaluated", "trust.changed", etc.
	Actor      string    `json:"actor"`       // "strategy", "operator", "system"
	EntityType string    `json:"entity_type"` // "decision", "category", "breaker", etc.
	EntityID   string    `json:"entity_id"`
	Details    string    `json:"details"`   // JSON blob
	PrevHash   string    `json:"prev_hash"` // Hash of previous entry (chain)
	Hash       string    `json:"hash"`      // Hash of this entry
	Signature  string    `json:"signature,omitempty"`
}

// ActionType constants
const (
	ActionDecisionEvaluated   = "decision.evaluated"
	ActionOutcomeRecorded     = "outcome.recorded"
	ActionTrustChanged        = "trust.changed"
	ActionBreakerTripped      = "breaker.tripped"
	ActionConformalCalibrated = "conformal.calibrated"
	ActionCaseRatified        = "case.ratified"
)

// ActorType constants
const (
	ActorStrategy = "strategy"
	ActorOperator = "operator"
	ActorSystem   = "system"
)

// Append adds a new entry to the ledger with cryptographic hash chaining.
// This is the ONLY way to add entries - ensuring append-only behavior.
func (s *Store) Append(ctx context.Context, action, actor, entityType, entityID string, details interface{}) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Serialize details to JSON
	var detailsJSON string
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return nil, fmt.Errorf("marshal details: %w", err)
		}
		detailsJSON = string(data)
	}

	prevHash, err := s.lastHash(ctx)
	if err != nil {
		return nil, fmt.Errorf("get last hash: %w", err)
	}

	entry := &Entry{
		ID:         uuid.New().String(),
		Timestamp:  s.now().UTC(),
		Action:     action,
		Actor:      actor,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    detailsJSON,
		PrevHash:   prevHash,
	}
	entry.Hash = computeHash(entry)
	if s.signer != nil {
		entry.Signature = s.signer.Sign([]byte(entry.Hash))
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger (id, timestamp, action, actor, entity_type, entity_id, details, prev_hash, hash, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Timestamp.Format(timeFormat), entry.Action, entry.Actor, entry.EntityType,
		entry.EntityID, entry.Details, entry.PrevHash, entry.Hash, entry.Signature)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	entry.Seq, _ = res.LastInsertId()

	return entry, nil
}

func (s *Store) lastHash(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM ledger ORDER BY seq DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

// computeHash creates the SHA-256 hash of an entry's canonical representation
func computeHash(entry *Entry) string {
	canonical := struct {
		ID         string `json:"id"`
		Timestamp  string `json:"timestamp"`
		Action     string `json:"action"`
		Actor      string `json:"actor"`
		EntityType string `json:"entity_type"`
		EntityID   string `json:"entity_id"`
		Details    string `json:"details"`
		PrevHash   string `json:"prev_hash"`
	}{
		ID:         entry.ID,
		Timestamp:  entry.Timestamp.UTC().Format(timeFormat),
		Action:     entry.Action,
		Actor:      entry.Actor,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Details:    entry.Details,
		PrevHash:   entry.PrevHash,
	}

	data, _ := json.Marshal(canonical)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyChain verifies the integrity of the entire ledger chain.
// Returns nil if valid, or a *ChainError describing the first broken link.
// Signatures are checked when the store has a signer.
func (s *Store) VerifyChain(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM ledger ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	expectedPrevHash := GenesisHash
	entryNum := 0

	for rows.Next() {
		entryNum++
		entry, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan entry %d: %w", entryNum, err)
		}

		if entry.PrevHash != expectedPrevHash {
			return &ChainError{EntryNum: entryNum, EntryID: entry.ID, ExpectedHash: expectedPrevHash, ActualHash: entry.PrevHash, Type: "chain_broken"}
		}
		if want := computeHash(entry); entry.Hash != want {
			return &ChainError{EntryNum: entryNum, EntryID: entry.ID, ExpectedHash: want, ActualHash: entry.Hash, Type: "hash_mismatch"}
		}
		if s.signer != nil && entry.Signature != "" && !s.signer.Verify([]byte(entry.Hash), entry.Signature) {
			return &ChainError{EntryNum: entryNum, EntryID: entry.ID, ExpectedHash: entry.Hash, ActualHash: entry.Hash, Type: "bad_signature"}
		}

		expectedPrevHash = entry.Hash
	}
	return rows.Err()
}

// ChainError represents a broken chain error
type ChainError struct {
	EntryNum     int
	EntryID      string
	ExpectedHash string
	ActualHash   string
	Type         string // "chain_broken", "hash_mismatch" or "bad_signature"
}

func (e *ChainError) Error() string {
	switch e.Type {
	case "chain_broken":
		return fmt.Sprintf("chain broken at entry %d (ID: %s): expected prev_hash %s, got %s",
			e.EntryNum, e.EntryID, short(e.ExpectedHash), short(e.ActualHash))
	case "bad_signature":
		return fmt.Sprintf("invalid signature at entry %d (ID: %s)", e.EntryNum, e.EntryID)
	}
	return fmt.Sprintf("hash mismatch at entry %d (ID: %s): expected %s, got %s",
		e.EntryNum, e.EntryID, short(e.ExpectedHash), short(e.ActualHash))
}

// Unwrap maps the error type to a core sentinel
func (e *ChainError) Unwrap() error {
	if e.Type == "bad_signature" {
		return core.ErrInvalidSignature
	}
	return core.ErrChainBroken
}

func short(h string) string {
	if len(h) <= 16 {
		return h
	}
	return h[:16] + "..."
}

// QueryOptions filters entries
type QueryOptions struct {
	Action     string    // Filter by action type
	Actor      string    // Filter by actor
	EntityType string    // Filter by entity type
	EntityID   string    // Filter by entity ID
	Since      time.Time // Entries at or after this time
	Limit      int       // Maximum entries to return
	Offset     int       // Skip first N entries
}

const entryColumns = `seq, id, timestamp, action, actor, entity_type, entity_id, details, prev_hash, hash, signature`

// Query returns entries matching the given criteria, newest first
func (s *Store) Query(ctx context.Context, opts QueryOptions) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger WHERE 1=1`
	var args []interface{}

	if opts.Action != "" {
		query += " AND action = ?"
		args = append(args, opts.Action)
	}
	if opts.Actor != "" {
		query += " AND actor = ?"
		args = append(args, opts.Actor)
	}
	if opts.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, opts.EntityType)
	}
	if opts.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, opts.EntityID)
	}
	if !opts.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since.UTC().Format(timeFormat))
	}

	query += " ORDER BY seq DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// GetByID returns a single entry by ID
func (s *Store) GetByID(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: ledger entry %s", core.ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query entry: %w", err)
	}
	return entry, nil
}

// Count returns the total number of entries in the ledger
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ledger").Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		entry                                   Entry
		ts                                      string
		entityType, entityID, details, prevHash sql.NullString
		signature                               sql.NullString
	)
	err := row.Scan(
		&entry.Seq, &entry.ID, &ts, &entry.Action, &entry.Actor,
		&entityType, &entityID, &details, &prevHash, &entry.Hash, &signature,
	)
	if err != nil {
		return nil, err
	}
	entry.Timestamp, err = time.Parse(timeFormat, ts)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	entry.EntityType = entityType.String
	entry.EntityID = entityID.String
	entry.Details = details.String
	entry.PrevHash = prevHash.String
	entry.Signature = signature.String
	return &entry, nil
}

// Summary statistics
type Summary struct {
	TotalEntries int            `json:"total_entries"`
	FirstEntry   *time.Time     `json:"first_entry,omitempty"`
	LastEntry    *time.Time     `json:"last_entry,omitempty"`
	ByAction     map[string]int `json:"by_action"`
	Signed       bool           `json:"signed"`
	ChainValid   bool           `json:"chain_valid"`
	ChainError   string         `json:"chain_error,omitempty"`
}

// GetSummary returns statistics about the ledger
func (s *Store) GetSummary(ctx context.Context) (*Summary, error) {
	summary := &Summary{ByAction: make(map[string]int), Signed: s.signer != nil}

	rows, err := s.db.QueryContext(ctx, "SELECT action, COUNT(*) FROM ledger GROUP BY action")
	if err != nil {
		return nil, fmt.Errorf("count actions: %w", err)
	}
	for rows.Next() {
		var action string
		var count int
		if err := rows.Scan(&action, &count); err != nil {
			rows.Close()
			return nil, err
		}
		summary.ByAction[action] = count
		summary.TotalEntries += count
	}
	rows.Close()

	var first, last sql.NullString
	if err := s.db.QueryRowContext(ctx, "SELECT MIN(timestamp), MAX(timestamp) FROM ledger").Scan(&first, &last); err != nil {
		return nil, err
	}
	if t, err := time.Parse(timeFormat, first.String); first.Valid && err == nil {
		summary.FirstEntry = &t
	}
	if t, err := time.Parse(timeFormat, last.String); last.Valid && err == nil {
		summary.LastEntry = &t
	}

	if err := s.VerifyChain(ctx); err != nil {
		summary.ChainError = err.Error()
	} else {
		summary.ChainValid = true
	}
	return summary, nil
}
