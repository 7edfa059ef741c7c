package idemq

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle status of an idempotency record. Values are
// persisted and compared verbatim; never rename them.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IdempotencyRecord is the persisted claim state for one idempotency key.
// At most one record exists per key; a processing record whose ClaimedAt is
// older than the configured lock timeout is considered abandoned and may be
// taken over by a new attempt.
type IdempotencyRecord struct {
	Key         string     `json:"key"`
	Status      Status     `json:"status"`
	Result      *string    `json:"result_payload,omitempty"` // raw result payload, set only when completed
	Error       *string    `json:"error_payload,omitempty"`  // raw error payload, set only when failed
	WorkflowID  string     `json:"workflow_id,omitempty"`    // correlation only, never drives control flow
	TaskID      string     `json:"task_handle_id"`           // task handle of the current owning attempt
	ClaimedAt   time.Time  `json:"claimed_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

// TaskState is the executor-side state of a task handle, as recorded in the
// task ledger.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// TaskRecord is one row of the task ledger: what the async executor knows
// about a task handle, plus the business-level envelope once finished.
type TaskRecord struct {
	ID         string // task handle id, shared with the executor
	Kind       string
	Queue      string
	Payload    string // raw JSON business payload
	State      TaskState
	Result     *string // envelope JSON, set when succeeded
	Error      *string // error payload JSON, set when failed
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// EnvelopeSchemaVersion tags stored envelopes so readers can evolve the
// layout without guessing.
const EnvelopeSchemaVersion = 1

// Envelope source tags. A replayed envelope wraps the original result bytes
// unchanged; only the tag differs from the first delivery.
const (
	SourceFresh  = "fresh"
	SourceReplay = "idempotent_replay"
)

// ConflictStatus marks an envelope produced when another attempt currently
// owns the key. It is a legitimate business outcome, not a failure.
const ConflictStatus = "PROCESSING_CONFLICT"

// Envelope is the business-level outcome attached to a finished task. A task
// whose machinery succeeded can still carry a conflict or replay outcome, so
// pollers must look inside.
type Envelope struct {
	SchemaVersion  int             `json:"schema_version"`
	Source         string          `json:"source,omitempty"`
	Status         string          `json:"status,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Result         json.RawMessage `json:"result,omitempty"`
}

// BusinessError is the persisted shape of a failed business outcome.
type BusinessError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

var (
	// ErrMissingIdempotencyKey rejects a submission before any store access.
	ErrMissingIdempotencyKey = errors.New("idemq: missing idempotency key")

	// ErrStoreUnavailable wraps infrastructure failures from a key store.
	// It is propagated, never retried here; retry policy belongs to callers.
	ErrStoreUnavailable = errors.New("idemq: key store unavailable")

	// ErrUnknownTask is returned for a task handle the ledger has no row for.
	ErrUnknownTask = errors.New("idemq: unknown task handle")

	// ErrRecordNotFound is returned by KeyStore reads for absent keys.
	ErrRecordNotFound = errors.New("idemq: idempotency record not found")

	// ErrDoubleFinalize signals a finalize against an already-terminal
	// record. It indicates a duplicate completion signal, not a bad request.
	ErrDoubleFinalize = errors.New("idemq: record already finalized")

	// ErrClaimLost signals a finalize by an attempt whose claim was taken
	// over after its lock expired. The reclaiming attempt's outcome wins.
	ErrClaimLost = errors.New("idemq: claim lost to a newer attempt")
)
