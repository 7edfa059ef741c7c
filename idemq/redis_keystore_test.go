package idemq

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) *RedisKeyStore {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisKeyStore(rdb)
}

func TestRedisKeyStore_ClaimNewKey(t *testing.T) {
	store := newRedisStore(t)
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
	if rec.Status != StatusProcessing || rec.TaskID != "t1" {
		t.Fatalf("unexpected record: %#v", rec)
	}
}

func TestRedisKeyStore_HeldAndStaleClaims(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := now.Add(-10 * time.Minute)
	if claimed, _, err := store.Claim(ctx, processingRec("k1", "t1", old), old.Add(-time.Minute)); err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	// Within the timeout the claim is held.
	claimed, existing, err := store.Claim(ctx, processingRec("k1", "t2", now), old.Add(-time.Minute))
	if err != nil || claimed {
		t.Fatalf("held claim must not be taken: claimed=%v err=%v", claimed, err)
	}
	if existing == nil || existing.TaskID != "t1" {
		t.Fatalf("unexpected existing record: %#v", existing)
	}
	// Past the timeout it is reclaimable.
	claimed, _, err = store.Claim(ctx, processingRec("k1", "t2", now), now.Add(-5*time.Minute))
	if err != nil || !claimed {
		t.Fatalf("stale claim must be taken: claimed=%v err=%v", claimed, err)
	}
	rec, _ := store.Get(ctx, "k1")
	if rec.Status != StatusProcessing || rec.TaskID != "t2" {
		t.Fatalf("reclaim must swap the owner only: %#v", rec)
	}
}

func TestRedisKeyStore_FinalizeSemantics(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, _, err := store.Claim(ctx, processingRec("k1", "t1", now), now.Add(-time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Finalize(ctx, "k1", "t2", StatusCompleted, `{}`, now); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("finalize by non-owner: want ErrClaimLost, got %v", err)
	}
	if err := store.Finalize(ctx, "k1", "t1", StatusCompleted, `{"text":"hello"}`, now); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := store.Finalize(ctx, "k1", "t1", StatusFailed, `{}`, now); !errors.Is(err, ErrDoubleFinalize) {
		t.Fatalf("double finalize: want ErrDoubleFinalize, got %v", err)
	}
	rec, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != StatusCompleted || rec.Result == nil || *rec.Result != `{"text":"hello"}` {
		t.Fatalf("unexpected record: %#v", rec)
	}
}

func TestRedisKeyStore_GetMissing(t *testing.T) {
	store := newRedisStore(t)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("want ErrRecordNotFound, got %v", err)
	}
}
