package idemq

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TaskStore is the executor-side ledger: one row per task handle, holding
// the executor's native state and, once finished, the business envelope.
// Conflict and replay submissions insert already-terminal rows so pollers
// get an answer without any execution.
type TaskStore interface {
	Insert(ctx context.Context, rec TaskRecord) error
	MarkRunning(ctx context.Context, taskID string, startedAt time.Time) error
	MarkSucceeded(ctx context.Context, taskID string, envelopeJSON string, finishedAt time.Time) error
	MarkFailed(ctx context.Context, taskID string, errorJSON string, finishedAt time.Time) error
	GetByID(ctx context.Context, taskID string) (*TaskRecord, error)
}

const SQLTaskStoreSchema = `
CREATE TABLE IF NOT EXISTS task_ledger (
    id           VARCHAR(64) PRIMARY KEY,
    kind         VARCHAR(255) NOT NULL,
    queue        VARCHAR(64)  NOT NULL,
    payload_json TEXT         NOT NULL,
    state        VARCHAR(32)  NOT NULL,
    result_json  TEXT         NULL,
    error_json   TEXT         NULL,
    created_at   DATETIME     NOT NULL,
    started_at   DATETIME     NULL,
    finished_at  DATETIME     NULL
);
`

// SQLTaskStore is the relational TaskStore implementation.
type SQLTaskStore struct {
	db *sql.DB
}

func NewSQLTaskStore(db *sql.DB) *SQLTaskStore {
	return &SQLTaskStore{db: db}
}

func (s *SQLTaskStore) Insert(ctx context.Context, rec TaskRecord) error {
	q := `INSERT INTO task_ledger (id, kind, queue, payload_json, state, result_json, error_json, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var finished interface{}
	if rec.FinishedAt != nil {
		finished = rec.FinishedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, q, rec.ID, rec.Kind, rec.Queue, rec.Payload, string(rec.State), rec.Result, rec.Error, rec.CreatedAt.UTC(), finished)
	if err != nil {
		return fmt.Errorf("idemq: insert task %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLTaskStore) MarkRunning(ctx context.Context, taskID string, startedAt time.Time) error {
	q := `UPDATE task_ledger SET state = ?, started_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, q, string(TaskRunning), startedAt.UTC(), taskID)
	return err
}

func (s *SQLTaskStore) MarkSucceeded(ctx context.Context, taskID string, envelopeJSON string, finishedAt time.Time) error {
	q := `UPDATE task_ledger SET state = ?, result_json = ?, finished_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, q, string(TaskSucceeded), envelopeJSON, finishedAt.UTC(), taskID)
	return err
}

func (s *SQLTaskStore) MarkFailed(ctx context.Context, taskID string, errorJSON string, finishedAt time.Time) error {
	q := `UPDATE task_ledger SET state = ?, error_json = ?, finished_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, q, string(TaskFailed), errorJSON, finishedAt.UTC(), taskID)
	return err
}

func (s *SQLTaskStore) GetByID(ctx context.Context, taskID string) (*TaskRecord, error) {
	q := `SELECT id, kind, queue, payload_json, state, result_json, error_json, created_at, started_at, finished_at
		FROM task_ledger WHERE id = ?`
	row := s.db.QueryRowContext(ctx, q, taskID)
	rec := TaskRecord{}
	var state string
	var result, errJSON sql.NullString
	var startedAt, finishedAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Kind, &rec.Queue, &rec.Payload, &state, &result, &errJSON, &rec.CreatedAt, &startedAt, &finishedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUnknownTask
		}
		return nil, fmt.Errorf("idemq: get task %s: %w", taskID, err)
	}
	rec.State = TaskState(state)
	if result.Valid {
		v := result.String
		rec.Result = &v
	}
	if errJSON.Valid {
		v := errJSON.String
		rec.Error = &v
	}
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	return &rec, nil
}
