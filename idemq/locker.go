package idemq

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// ClaimOutcome classifies a TryClaim attempt.
type ClaimOutcome int

const (
	// OutcomeClaimed means the caller owns execution for the key.
	OutcomeClaimed ClaimOutcome = iota
	// OutcomeConflict means a live attempt already owns the key.
	OutcomeConflict
	// OutcomeReplayCompleted means a completed record exists; Result carries
	// the stored payload and business logic must not run again.
	OutcomeReplayCompleted
	// OutcomeReplayFailed means a failed record exists; Error carries the
	// stored payload.
	OutcomeReplayFailed
)

func (o ClaimOutcome) String() string {
	switch o {
	case OutcomeClaimed:
		return "claimed"
	case OutcomeConflict:
		return "conflict"
	case OutcomeReplayCompleted:
		return "replay_completed"
	case OutcomeReplayFailed:
		return "replay_failed"
	}
	return "unknown"
}

// ClaimResult is the outcome of TryClaim, with the stored payload on replay.
type ClaimResult struct {
	Outcome ClaimOutcome
	Result  string
	Error   string
}

// LockManager provides claim/finalize semantics per idempotency key on top
// of a KeyStore. A processing record older than the lock timeout is treated
// as abandoned and reclaimable. That bounds the worst case to the timeout:
// if the original attempt is still silently running when its lock expires,
// a reclaim can execute the business logic a second time. This is an
// accepted trade of strict safety for liveness; the late attempt's finalize
// then loses (see Finalize).
type LockManager struct {
	store   KeyStore
	timeout time.Duration
	log     *logrus.Logger
}

func NewLockManager(store KeyStore, lockTimeout time.Duration, log *logrus.Logger) *LockManager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LockManager{store: store, timeout: lockTimeout, log: log}
}

// TryClaim attempts to take ownership of key for the attempt identified by
// taskID. Store errors abort the attempt with no record created.
func (m *LockManager) TryClaim(ctx context.Context, key, workflowID, taskID string) (ClaimResult, error) {
	now := time.Now().UTC()
	rec := IdempotencyRecord{
		Key:        key,
		Status:     StatusProcessing,
		WorkflowID: workflowID,
		TaskID:     taskID,
		ClaimedAt:  now,
	}
	claimed, existing, err := m.store.Claim(ctx, rec, now.Add(-m.timeout))
	if err != nil {
		return ClaimResult{}, err
	}
	if claimed {
		return ClaimResult{Outcome: OutcomeClaimed}, nil
	}
	switch existing.Status {
	case StatusCompleted:
		return ClaimResult{Outcome: OutcomeReplayCompleted, Result: deref(existing.Result)}, nil
	case StatusFailed:
		return ClaimResult{Outcome: OutcomeReplayFailed, Error: deref(existing.Error)}, nil
	}
	return ClaimResult{Outcome: OutcomeConflict}, nil
}

// Finalize records the terminal outcome of the attempt identified by taskID.
// A duplicate completion signal, or a finalize from an attempt whose claim
// was reclaimed after the lock expired, is dropped and logged: the first
// valid finalize wins and terminal records are never overwritten. Such drops
// point at a bug or a lock-expiry overrun elsewhere, not at this request, so
// they are not surfaced to the caller.
func (m *LockManager) Finalize(ctx context.Context, key, taskID string, status Status, payload string) error {
	err := m.store.Finalize(ctx, key, taskID, status, payload, time.Now().UTC())
	if errors.Is(err, ErrDoubleFinalize) || errors.Is(err, ErrClaimLost) {
		m.log.WithFields(logrus.Fields{
			"key":     key,
			"task_id": taskID,
			"status":  string(status),
		}).Warn("dropping finalize against settled record: " + err.Error())
		return nil
	}
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
