package idemq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// taskPayload is the wire format between Client and Processor.
type taskPayload struct {
	IdempotencyKey string          `json:"idempotency_key"`
	WorkflowID     string          `json:"workflow_id,omitempty"`
	Business       json.RawMessage `json:"payload"`
}

// SubmitRequest is one unit of work from the submission boundary.
type SubmitRequest struct {
	IdempotencyKey string
	WorkflowID     string
	Payload        json.RawMessage
}

// SubmitReceipt is returned for every accepted submission. Every path yields
// a pollable task handle; on conflict and replay the handle's ledger row is
// terminal from the start and no work was enqueued.
type SubmitReceipt struct {
	TaskID  string
	Outcome ClaimOutcome
}

// Client is the submission side of the lifecycle: it claims the idempotency
// key and either dispatches the business payload to the executor or
// synthesizes the conflict/replay outcome. It never waits for execution.
type Client struct {
	tasks  *asynq.Client
	locks  *LockManager
	ledger TaskStore
	log    *logrus.Logger
	queue  string
	kind   string
}

type ClientOptions struct {
	Queue    string // executor queue, default "default"
	TaskKind string // task type registered on the processor
}

func NewClient(redisOpt asynq.RedisClientOpt, locks *LockManager, ledger TaskStore, log *logrus.Logger, opts ClientOptions) *Client {
	if opts.Queue == "" {
		opts.Queue = "default"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		tasks:  asynq.NewClient(redisOpt),
		locks:  locks,
		ledger: ledger,
		log:    log,
		queue:  opts.Queue,
		kind:   opts.TaskKind,
	}
}

// Submit runs the claim protocol for req and returns a task handle. Store
// unavailability aborts the submission outright with no record created;
// every other path produces a pollable handle.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitReceipt, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, ErrMissingIdempotencyKey
	}
	taskID := uuid.NewString()
	claim, err := c.locks.TryClaim(ctx, req.IdempotencyKey, req.WorkflowID, taskID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	switch claim.Outcome {
	case OutcomeClaimed:
		return c.dispatch(ctx, req, taskID, now)
	case OutcomeConflict:
		env := Envelope{
			SchemaVersion:  EnvelopeSchemaVersion,
			Status:         ConflictStatus,
			IdempotencyKey: req.IdempotencyKey,
		}
		return c.settle(ctx, req, taskID, now, claim.Outcome, env, "")
	case OutcomeReplayCompleted:
		env := Envelope{
			SchemaVersion:  EnvelopeSchemaVersion,
			Source:         SourceReplay,
			IdempotencyKey: req.IdempotencyKey,
			Result:         json.RawMessage(claim.Result),
		}
		return c.settle(ctx, req, taskID, now, claim.Outcome, env, "")
	case OutcomeReplayFailed:
		return c.settle(ctx, req, taskID, now, claim.Outcome, Envelope{}, claim.Error)
	}
	return nil, fmt.Errorf("idemq: unexpected claim outcome %v", claim.Outcome)
}

// dispatch hands the claimed work to the executor. The ledger row goes in
// before the enqueue so a fast worker never races its own Mark* updates
// against the insert. MaxRetry(0) keeps the executor from re-running work
// whose key record is already terminal.
func (c *Client) dispatch(ctx context.Context, req SubmitRequest, taskID string, now time.Time) (*SubmitReceipt, error) {
	wire, err := json.Marshal(taskPayload{
		IdempotencyKey: req.IdempotencyKey,
		WorkflowID:     req.WorkflowID,
		Business:       req.Payload,
	})
	if err != nil {
		return nil, err
	}
	rec := TaskRecord{
		ID:        taskID,
		Kind:      c.kind,
		Queue:     c.queue,
		Payload:   string(req.Payload),
		State:     TaskPending,
		CreatedAt: now,
	}
	if err := c.ledger.Insert(ctx, rec); err != nil {
		return nil, err
	}
	task := asynq.NewTask(c.kind, wire)
	if _, err := c.tasks.EnqueueContext(ctx, task, asynq.TaskID(taskID), asynq.Queue(c.queue), asynq.MaxRetry(0)); err != nil {
		// The key is claimed but nothing will execute. Fail the record now
		// rather than leaving callers to wait out the lock timeout.
		be, _ := json.Marshal(BusinessError{Type: "dispatch_error", Message: err.Error()})
		if ferr := c.locks.Finalize(ctx, req.IdempotencyKey, taskID, StatusFailed, string(be)); ferr != nil {
			c.log.WithField("key", req.IdempotencyKey).Error("finalize after enqueue failure: " + ferr.Error())
		}
		if lerr := c.ledger.MarkFailed(ctx, taskID, string(be), time.Now().UTC()); lerr != nil {
			c.log.WithField("task_id", taskID).Error("ledger mark failed after enqueue failure: " + lerr.Error())
		}
		return nil, fmt.Errorf("idemq: enqueue %s: %w", taskID, err)
	}
	return &SubmitReceipt{TaskID: taskID, Outcome: OutcomeClaimed}, nil
}

// settle writes an already-terminal ledger row for outcomes that need no
// execution: processing conflicts and idempotent replays. Failed replays
// carry the stored error payload verbatim; the rest carry an envelope.
func (c *Client) settle(ctx context.Context, req SubmitRequest, taskID string, now time.Time, outcome ClaimOutcome, env Envelope, errPayload string) (*SubmitReceipt, error) {
	rec := TaskRecord{
		ID:         taskID,
		Kind:       c.kind,
		Queue:      c.queue,
		Payload:    string(req.Payload),
		State:      TaskSucceeded,
		CreatedAt:  now,
		FinishedAt: &now,
	}
	if outcome == OutcomeReplayFailed {
		rec.State = TaskFailed
		rec.Error = &errPayload
	} else {
		b, err := json.Marshal(env)
		if err != nil {
			return nil, err
		}
		s := string(b)
		rec.Result = &s
	}
	if err := c.ledger.Insert(ctx, rec); err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{
		"key":     req.IdempotencyKey,
		"task_id": taskID,
		"outcome": outcome.String(),
	}).Info("submission settled without execution")
	return &SubmitReceipt{TaskID: taskID, Outcome: outcome}, nil
}

func (c *Client) Close() error {
	return c.tasks.Close()
}
