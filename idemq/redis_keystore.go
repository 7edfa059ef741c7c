package idemq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const (
	redisRecordPrefix = "idemq:rec:"
	redisClaimPrefix  = "idemq:claim:"

	// claimSectionTTL bounds the read-classify-write critical section; it is
	// unrelated to the business lock timeout on the record itself.
	claimSectionTTL = 3 * time.Second
)

// RedisKeyStore is a KeyStore on Redis. Records are JSON values with no TTL;
// the insert-or-take-over decision is a read-classify-write guarded by a
// short per-key redislock, which gives the same mutual exclusion the SQL
// store gets from conditional statements.
type RedisKeyStore struct {
	rdb    *redis.Client
	locker *redislock.Client
}

func NewRedisKeyStore(rdb *redis.Client) *RedisKeyStore {
	return &RedisKeyStore{rdb: rdb, locker: redislock.New(rdb)}
}

func (s *RedisKeyStore) withClaimLock(ctx context.Context, key string, fn func() error) error {
	opts := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(25*time.Millisecond), 20),
	}
	lock, err := s.locker.Obtain(ctx, redisClaimPrefix+key, claimSectionTTL, opts)
	if err != nil {
		return err
	}
	defer lock.Release(context.WithoutCancel(ctx))
	return fn()
}

func (s *RedisKeyStore) Claim(ctx context.Context, rec IdempotencyRecord, staleBefore time.Time) (bool, *IdempotencyRecord, error) {
	var claimed bool
	var existing *IdempotencyRecord
	err := s.withClaimLock(ctx, rec.Key, func() error {
		cur, err := s.Get(ctx, rec.Key)
		switch {
		case errors.Is(err, ErrRecordNotFound):
			rec.Status = StatusProcessing
			if err := s.put(ctx, rec); err != nil {
				return err
			}
			claimed = true
			return nil
		case err != nil:
			return err
		}
		if cur.Status == StatusProcessing && cur.ClaimedAt.Before(staleBefore) {
			cur.TaskID = rec.TaskID
			cur.WorkflowID = rec.WorkflowID
			cur.ClaimedAt = rec.ClaimedAt
			if err := s.put(ctx, *cur); err != nil {
				return err
			}
			claimed = true
			return nil
		}
		existing = cur
		return nil
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		// Another attempt is inside the claim section for this key right
		// now; whoever holds it owns the key, so report the held state.
		return false, &IdempotencyRecord{Key: rec.Key, Status: StatusProcessing, ClaimedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return false, nil, err
	}
	return claimed, existing, nil
}

func (s *RedisKeyStore) Finalize(ctx context.Context, key, taskID string, status Status, payload string, finalizedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("idemq: finalize to non-terminal status %q", status)
	}
	err := s.withClaimLock(ctx, key, func() error {
		cur, err := s.Get(ctx, key)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return fmt.Errorf("%w: key %q already %s", ErrDoubleFinalize, key, cur.Status)
		}
		if cur.TaskID != taskID {
			return fmt.Errorf("%w: key %q now owned by task %s", ErrClaimLost, key, cur.TaskID)
		}
		cur.Status = status
		if status == StatusCompleted {
			cur.Result = &payload
		} else {
			cur.Error = &payload
		}
		at := finalizedAt.UTC()
		cur.FinalizedAt = &at
		return s.put(ctx, *cur)
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return fmt.Errorf("%w: finalize %q: claim section busy", ErrStoreUnavailable, key)
	}
	return err
}

func (s *RedisKeyStore) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	val, err := s.rdb.Get(ctx, redisRecordPrefix+key).Result()
	if err == redis.Nil {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %q: %v", ErrStoreUnavailable, key, err)
	}
	rec := IdempotencyRecord{}
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("idemq: corrupt record for %q: %w", key, err)
	}
	return &rec, nil
}

func (s *RedisKeyStore) put(ctx context.Context, rec IdempotencyRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, redisRecordPrefix+rec.Key, b, 0).Err(); err != nil {
		return fmt.Errorf("%w: put %q: %v", ErrStoreUnavailable, rec.Key, err)
	}
	return nil
}
