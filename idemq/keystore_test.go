package idemq

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openKeyDB(t *testing.T, name string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+name+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := db.Exec(SQLKeyStoreSchema); err != nil {
		db.Close()
		t.Fatalf("create schema: %v", err)
	}
	return db
}

func processingRec(key, taskID string, claimedAt time.Time) IdempotencyRecord {
	return IdempotencyRecord{
		Key:        key,
		Status:     StatusProcessing,
		WorkflowID: "wf-1",
		TaskID:     taskID,
		ClaimedAt:  claimedAt,
	}
}

func TestSQLKeyStore_ClaimNewKey(t *testing.T) {
	db := openKeyDB(t, "keys_new")
	defer db.Close()
	store := NewSQLKeyStore(db)
	ctx := context.Background()

	now := time.Now().UTC()
	claimed, existing, err := store.Claim(ctx, processingRec("k1", "t1", now), now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !claimed || existing != nil {
		t.Fatalf("want fresh claim, got claimed=%v existing=%#v", claimed, existing)
	}

	rec, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != StatusProcessing || rec.TaskID != "t1" || rec.WorkflowID != "wf-1" {
		t.Fatalf("unexpected record: %#v", rec)
	}
}

func TestSQLKeyStore_HeldKeyIsNotReclaimed(t *testing.T) {
	db := openKeyDB(t, "keys_held")
	defer db.Close()
	store := NewSQLKeyStore(db)
	ctx := context.Background()

	now := time.Now().UTC()
	if claimed, _, err := store.Claim(ctx, processingRec("k1", "t1", now), now.Add(-time.Minute)); err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	claimed, existing, err := store.Claim(ctx, processingRec("k1", "t2", now), now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if claimed {
		t.Fatal("second claim must not win while the lock is fresh")
	}
	if existing == nil || existing.Status != StatusProcessing || existing.TaskID != "t1" {
		t.Fatalf("unexpected existing record: %#v", existing)
	}
}

func TestSQLKeyStore_StaleClaimIsReclaimed(t *testing.T) {
	db := openKeyDB(t, "keys_stale")
	defer db.Close()
	store := NewSQLKeyStore(db)
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-10 * time.Minute)
	if claimed, _, err := store.Claim(ctx, processingRec("k1", "t1", old), old.Add(-time.Minute)); err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	claimed, _, err := store.Claim(ctx, processingRec("k1", "t2", now), now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if !claimed {
		t.Fatal("stale processing record must be reclaimable")
	}
	rec, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != StatusProcessing || rec.TaskID != "t2" {
		t.Fatalf("reclaim must keep status processing and swap the owner: %#v", rec)
	}
}

func TestSQLKeyStore_FinalizeCompletedAndFailed(t *testing.T) {
	db := openKeyDB(t, "keys_final")
	defer db.Close()
	store := NewSQLKeyStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, _, err := store.Claim(ctx, processingRec("ok", "t1", now), now.Add(-time.Minute)); err != nil {
		t.Fatalf("claim ok: %v", err)
	}
	if err := store.Finalize(ctx, "ok", "t1", StatusCompleted, `{"text":"hello"}`, now); err != nil {
		t.Fatalf("finalize completed: %v", err)
	}
	rec, _ := store.Get(ctx, "ok")
	if rec.Status != StatusCompleted || rec.Result == nil || *rec.Result != `{"text":"hello"}` || rec.Error != nil {
		t.Fatalf("unexpected completed record: %#v", rec)
	}
	if rec.FinalizedAt == nil {
		t.Fatal("finalized_at not set")
	}

	if _, _, err := store.Claim(ctx, processingRec("bad", "t2", now), now.Add(-time.Minute)); err != nil {
		t.Fatalf("claim bad: %v", err)
	}
	if err := store.Finalize(ctx, "bad", "t2", StatusFailed, `{"type":"business_error","message":"x"}`, now); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	rec, _ = store.Get(ctx, "bad")
	if rec.Status != StatusFailed || rec.Error == nil || !strings.Contains(*rec.Error, "business_error") || rec.Result != nil {
		t.Fatalf("unexpected failed record: %#v", rec)
	}
}

func TestSQLKeyStore_DoubleFinalizeKeepsTerminalState(t *testing.T) {
	db := openKeyDB(t, "keys_double")
	defer db.Close()
	store := NewSQLKeyStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, _, err := store.Claim(ctx, processingRec("k1", "t1", now), now.Add(-time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Finalize(ctx, "k1", "t1", StatusCompleted, `{"n":1}`, now); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	err := store.Finalize(ctx, "k1", "t1", StatusFailed, `{"n":2}`, now)
	if !errors.Is(err, ErrDoubleFinalize) {
		t.Fatalf("want ErrDoubleFinalize, got %v", err)
	}
	rec, _ := store.Get(ctx, "k1")
	if rec.Status != StatusCompleted || *rec.Result != `{"n":1}` {
		t.Fatalf("terminal record mutated: %#v", rec)
	}
}

func TestSQLKeyStore_FinalizeByLostClaimant(t *testing.T) {
	db := openKeyDB(t, "keys_lost")
	defer db.Close()
	store := NewSQLKeyStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	old := now.Add(-10 * time.Minute)
	if _, _, err := store.Claim(ctx, processingRec("k1", "t1", old), old.Add(-time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed, _, err := store.Claim(ctx, processingRec("k1", "t2", now), now.Add(-5*time.Minute)); err != nil || !claimed {
		t.Fatalf("reclaim: claimed=%v err=%v", claimed, err)
	}
	// The original, lock-expired attempt reports its outcome late.
	err := store.Finalize(ctx, "k1", "t1", StatusCompleted, `{"late":true}`, now)
	if !errors.Is(err, ErrClaimLost) {
		t.Fatalf("want ErrClaimLost, got %v", err)
	}
	rec, _ := store.Get(ctx, "k1")
	if rec.Status != StatusProcessing || rec.TaskID != "t2" {
		t.Fatalf("late finalize must not touch the reclaimed record: %#v", rec)
	}
}

func TestSQLKeyStore_GetMissing(t *testing.T) {
	db := openKeyDB(t, "keys_missing")
	defer db.Close()
	store := NewSQLKeyStore(db)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("want ErrRecordNotFound, got %v", err)
	}
}
