package idemq

import (
	"context"
	"encoding/json"
)

// Poll status labels exposed at the query boundary.
const (
	PollPending = "PENDING"
	PollRunning = "RUNNING"
	PollSuccess = "SUCCESS"
	PollFailure = "FAILURE"
)

// StatusReport answers "what is the state of task T". Status reflects the
// executor's machinery; Result is the business envelope, which can itself
// encode a processing conflict or a replay — SUCCESS here means the task
// finished, not that fresh work was done.
type StatusReport struct {
	TaskID string          `json:"task_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// QueryService is the read path for pollers holding a task handle.
type QueryService struct {
	ledger TaskStore
}

func NewQueryService(ledger TaskStore) *QueryService {
	return &QueryService{ledger: ledger}
}

// Query resolves a task handle. An unknown handle is ErrUnknownTask, never
// reported as pending.
func (q *QueryService) Query(ctx context.Context, taskID string) (*StatusReport, error) {
	rec, err := q.ledger.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{TaskID: rec.ID}
	switch rec.State {
	case TaskPending:
		report.Status = PollPending
	case TaskRunning:
		report.Status = PollRunning
	case TaskSucceeded:
		report.Status = PollSuccess
		if rec.Result != nil {
			report.Result = json.RawMessage(*rec.Result)
		}
	case TaskFailed:
		report.Status = PollFailure
		if rec.Error != nil {
			report.Error = json.RawMessage(*rec.Error)
		}
	}
	return report, nil
}
