package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/storage"
	"github.com/quantumlife/gatekeeper/internal/trust"
)

func setupTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStore_Append(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t).Conn(), nil)

	// Test first entry (genesis)
	entry, err := store.Append(ctx, ActionDecisionEvaluated, ActorStrategy, "category", "testing", map[string]interface{}{
		"action": "act",
	})
	if err != nil {
		t.Fatalf("Failed to append first entry: %v", err)
	}
	if entry.PrevHash != GenesisHash {
		t.Errorf("First entry should have genesis prev_hash, got %s", entry.PrevHash)
	}
	if entry.Hash == "" {
		t.Error("Entry hash should not be empty")
	}
	if entry.Seq != 1 {
		t.Errorf("Seq = %d, want 1", entry.Seq)
	}

	// Test second entry (should chain to first)
	entry2, err := store.Append(ctx, ActionOutcomeRecorded, ActorOperator, "category", "testing", nil)
	if err != nil {
		t.Fatalf("Failed to append second entry: %v", err)
	}
	if entry2.PrevHash != entry.Hash {
		t.Errorf("Second entry prev_hash should match first entry hash")
	}
}

func TestStore_SameTimestampKeepsOrder(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t).Conn(), nil)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	for i := 0; i < 5; i++ {
		if _, err := store.Append(ctx, ActionDecisionEvaluated, ActorStrategy, "category", "testing", i); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := store.VerifyChain(ctx); err != nil {
		t.Errorf("VerifyChain() with identical timestamps = %v", err)
	}
}

func TestStore_VerifyChain_Tampered(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	store := NewStore(db.Conn(), nil)

	for i := 0; i < 5; i++ {
		if _, err := store.Append(ctx, ActionDecisionEvaluated, ActorStrategy, "category", "testing", map[string]int{"n": i}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := store.VerifyChain(ctx); err != nil {
		t.Fatalf("Valid chain failed verification: %v", err)
	}

	if _, err := db.Conn().Exec(`UPDATE ledger SET details = '{"n":99}' WHERE seq = 3`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	err := store.VerifyChain(ctx)
	var chainErr *ChainError
	if !errors.As(err, &chainErr) {
		t.Fatalf("VerifyChain() = %v, want *ChainError", err)
	}
	if chainErr.EntryNum != 3 || chainErr.Type != "hash_mismatch" {
		t.Errorf("got %+v, want hash_mismatch at entry 3", chainErr)
	}
	if !errors.Is(err, core.ErrChainBroken) {
		t.Error("ChainError should unwrap to ErrChainBroken")
	}
}

func TestStore_VerifyChain_Deleted(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	store := NewStore(db.Conn(), nil)

	for i := 0; i < 3; i++ {
		store.Append(ctx, ActionDecisionEvaluated, ActorStrategy, "category", "testing", nil)
	}
	db.Conn().Exec(`DELETE FROM ledger WHERE seq = 2`)

	var chainErr *ChainError
	if err := store.VerifyChain(ctx); !errors.As(err, &chainErr) || chainErr.Type != "chain_broken" {
		t.Errorf("VerifyChain() = %v, want chain_broken", err)
	}
}

func TestSigner(t *testing.T) {
	ctx := context.Background()
	signer, err := GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner() error = %v", err)
	}

	db := setupTestDB(t)
	store := NewStore(db.Conn(), signer)
	entry, err := store.Append(ctx, ActionBreakerTripped, ActorSystem, "breaker", "deployment", nil)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if entry.Signature == "" {
		t.Fatal("signed store produced no signature")
	}
	if !signer.Verify([]byte(entry.Hash), entry.Signature) {
		t.Error("signature does not verify")
	}
	if err := store.VerifyChain(ctx); err != nil {
		t.Errorf("VerifyChain() = %v", err)
	}

	other, _ := GenerateSigner()
	foreign := NewStore(db.Conn(), other)
	if err := foreign.VerifyChain(ctx); !errors.Is(err, core.ErrInvalidSignature) {
		t.Errorf("VerifyChain() with foreign key = %v, want ErrInvalidSignature", err)
	}
}

func TestLoadOrCreateSigner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "ledger.key")

	first, err := LoadOrCreateSigner(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := LoadOrCreateSigner(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if first.PublicKey() != second.PublicKey() {
		t.Error("reloaded key differs")
	}
	sig := second.Sign([]byte("hash"))
	if !first.Verify([]byte("hash"), sig) {
		t.Error("signature from reloaded key does not verify")
	}
}

func TestStore_QueryAndSummary(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t).Conn(), nil)
	rec := NewRecorder(store)

	value := core.ValueApproved
	if err := rec.RecordDecision(ctx, "add tests", core.DecisionResult{Action: core.ActionAct, Value: &value, Category: "testing"}); err != nil {
		t.Fatalf("RecordDecision() error = %v", err)
	}
	tr := trust.Transition{Category: "testing", From: 2, To: 3, Direction: trust.DirectionPromoted}
	if err := rec.RecordOutcome(ctx, "testing", core.OutcomeSuccess, tr); err != nil {
		t.Fatalf("RecordOutcome() error = %v", err)
	}
	if err := rec.RecordOutcome(ctx, "testing", core.OutcomeSuccess, trust.Transition{From: 3, To: 3}); err != nil {
		t.Fatalf("RecordOutcome() error = %v", err)
	}
	rec.RecordBreakerTrip(ctx, "deployment", "variance")
	rec.RecordCalibration(ctx, 40, 0.3)
	rec.RecordRatification(ctx, "deploy", "deployment", core.ValueRequiresReview)

	count, _ := store.Count(ctx)
	if count != 7 {
		t.Errorf("Count() = %d, want 7", count)
	}

	entries, err := store.Query(ctx, QueryOptions{EntityType: "category", EntityID: "testing"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(entries) != 4 {
		t.Errorf("Query() returned %d entries, want 4", len(entries))
	}
	if entries[0].Seq < entries[len(entries)-1].Seq {
		t.Error("Query() should return newest first")
	}

	got, err := store.GetByID(ctx, entries[0].ID)
	if err != nil || got.Hash != entries[0].Hash {
		t.Errorf("GetByID() = %+v, %v", got, err)
	}
	if _, err := store.GetByID(ctx, "missing"); !errors.Is(err, core.ErrRecordNotFound) {
		t.Errorf("GetByID(missing) = %v", err)
	}

	sum, err := store.GetSummary(ctx)
	if err != nil {
		t.Fatalf("GetSummary() error = %v", err)
	}
	if sum.TotalEntries != 7 || !sum.ChainValid {
		t.Errorf("summary = %+v", sum)
	}
	if sum.ByAction[ActionOutcomeRecorded] != 2 || sum.ByAction[ActionTrustChanged] != 1 {
		t.Errorf("ByAction = %v", sum.ByAction)
	}
	if sum.FirstEntry == nil || sum.LastEntry == nil || sum.LastEntry.Before(*sum.FirstEntry) {
		t.Errorf("time range = %v..%v", sum.FirstEntry, sum.LastEntry)
	}
}
