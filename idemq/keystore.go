package idemq

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// KeyStore abstracts the durable table of idempotency records. It is the
// single shared mutable resource of the mechanism: all writes go through the
// two atomic operations below, and implementations must be safe for
// concurrent use from any number of processes.
type KeyStore interface {
	// Claim atomically takes ownership of rec.Key. It inserts rec when no
	// record exists, or overwrites task id, workflow id and claimed-at on an
	// existing processing record whose ClaimedAt is before staleBefore.
	// When ownership is not taken, the existing record is returned unchanged
	// so the caller can classify the outcome.
	Claim(ctx context.Context, rec IdempotencyRecord, staleBefore time.Time) (claimed bool, existing *IdempotencyRecord, err error)

	// Finalize atomically moves the processing record for key, owned by
	// taskID, to a terminal status with the given payload. It returns
	// ErrDoubleFinalize when the record saw a terminal transition already and
	// ErrClaimLost when a newer attempt holds the claim.
	Finalize(ctx context.Context, key, taskID string, status Status, payload string, finalizedAt time.Time) error

	Get(ctx context.Context, key string) (*IdempotencyRecord, error)
}

// SQLKeyStoreSchema creates the idempotency table. '?'-placeholder dialects
// (SQLite, MySQL); the embedded default applies it at boot.
const SQLKeyStoreSchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
    idem_key       VARCHAR(255) PRIMARY KEY,
    status         VARCHAR(32)  NOT NULL,
    workflow_id    VARCHAR(255) NULL,
    task_id        VARCHAR(64)  NOT NULL,
    result_payload TEXT         NULL,
    error_payload  TEXT         NULL,
    claimed_at     DATETIME     NOT NULL,
    finalized_at   DATETIME     NULL
);
`

// SQLKeyStore is a KeyStore on a relational database. Ownership is decided
// entirely by which single statement reports a row, so no driver-specific
// error inspection is needed.
type SQLKeyStore struct {
	db *sql.DB
}

func NewSQLKeyStore(db *sql.DB) *SQLKeyStore {
	return &SQLKeyStore{db: db}
}

func (s *SQLKeyStore) Claim(ctx context.Context, rec IdempotencyRecord, staleBefore time.Time) (bool, *IdempotencyRecord, error) {
	insert := `INSERT INTO idempotency_keys (idem_key, status, workflow_id, task_id, claimed_at)
		VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, insert, rec.Key, string(StatusProcessing), rec.WorkflowID, rec.TaskID, rec.ClaimedAt.UTC()); err == nil {
		return true, nil, nil
	}
	// The insert failed, in the common case on the primary key. Try to take
	// over a stale processing record; status stays processing.
	reclaim := `UPDATE idempotency_keys SET task_id = ?, workflow_id = ?, claimed_at = ?
		WHERE idem_key = ? AND status = ? AND claimed_at < ?`
	res, err := s.db.ExecContext(ctx, reclaim, rec.TaskID, rec.WorkflowID, rec.ClaimedAt.UTC(), rec.Key, string(StatusProcessing), staleBefore.UTC())
	if err != nil {
		return false, nil, fmt.Errorf("%w: reclaim %q: %v", ErrStoreUnavailable, rec.Key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return true, nil, nil
	}
	existing, err := s.Get(ctx, rec.Key)
	if err != nil {
		// No row after a failed insert means the insert error was
		// infrastructure, not a duplicate.
		return false, nil, fmt.Errorf("%w: claim %q: %v", ErrStoreUnavailable, rec.Key, err)
	}
	return false, existing, nil
}

func (s *SQLKeyStore) Finalize(ctx context.Context, key, taskID string, status Status, payload string, finalizedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("idemq: finalize to non-terminal status %q", status)
	}
	column := "result_payload"
	if status == StatusFailed {
		column = "error_payload"
	}
	q := `UPDATE idempotency_keys SET status = ?, ` + column + ` = ?, finalized_at = ?
		WHERE idem_key = ? AND status = ? AND task_id = ?`
	res, err := s.db.ExecContext(ctx, q, string(status), payload, finalizedAt.UTC(), key, string(StatusProcessing), taskID)
	if err != nil {
		return fmt.Errorf("%w: finalize %q: %v", ErrStoreUnavailable, key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}
	existing, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if existing.Status.Terminal() {
		return fmt.Errorf("%w: key %q already %s", ErrDoubleFinalize, key, existing.Status)
	}
	return fmt.Errorf("%w: key %q now owned by task %s", ErrClaimLost, key, existing.TaskID)
}

func (s *SQLKeyStore) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	q := `SELECT idem_key, status, workflow_id, task_id, result_payload, error_payload, claimed_at, finalized_at
		FROM idempotency_keys WHERE idem_key = ?`
	row := s.db.QueryRowContext(ctx, q, key)
	rec := IdempotencyRecord{}
	var status string
	var workflowID, result, errPayload sql.NullString
	var finalizedAt sql.NullTime
	if err := row.Scan(&rec.Key, &status, &workflowID, &rec.TaskID, &result, &errPayload, &rec.ClaimedAt, &finalizedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("%w: get %q: %v", ErrStoreUnavailable, key, err)
	}
	rec.Status = Status(status)
	if workflowID.Valid {
		rec.WorkflowID = workflowID.String
	}
	if result.Valid {
		v := result.String
		rec.Result = &v
	}
	if errPayload.Valid {
		v := errPayload.String
		rec.Error = &v
	}
	if finalizedAt.Valid {
		t := finalizedAt.Time
		rec.FinalizedAt = &t
	}
	return &rec, nil
}
