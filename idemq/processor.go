package idemq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Handler runs the business logic for one claimed submission. The payload is
// the opaque blob from the submission boundary; the returned bytes become
// the stored result payload verbatim.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Processor is the completion side of the lifecycle: it consumes dispatched
// tasks from the executor, runs the registered business handler, finalizes
// the key record, and writes the outcome to the task ledger. Submitter and
// processor share no call stack; the key store is their only rendezvous.
type Processor struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	locks  *LockManager
	ledger TaskStore
	log    *logrus.Logger
}

type ProcessorConfig struct {
	Concurrency int
	Queues      map[string]int
}

func NewProcessor(redisOpt asynq.RedisClientOpt, locks *LockManager, ledger TaskStore, log *logrus.Logger, cfg ProcessorConfig) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.Queues == nil {
		cfg.Queues = map[string]int{"default": 1}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	server := asynq.NewServer(redisOpt, asynq.Config{Concurrency: cfg.Concurrency, Queues: cfg.Queues})
	return &Processor{
		server: server,
		mux:    asynq.NewServeMux(),
		locks:  locks,
		ledger: ledger,
		log:    log,
	}
}

// Handle registers the business handler for a task kind.
func (p *Processor) Handle(kind string, h Handler) {
	p.mux.HandleFunc(kind, p.adapt(h))
}

// adapt wraps a business handler with the lifecycle protocol: mark running,
// execute, finalize the key record, settle the ledger row. Errors from the
// handler are terminal by contract, so retries are always skipped.
func (p *Processor) adapt(h Handler) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		taskID, ok := asynq.GetTaskID(ctx)
		if !ok {
			return fmt.Errorf("idemq: task without id: %w", asynq.SkipRetry)
		}
		var wire taskPayload
		if err := json.Unmarshal(t.Payload(), &wire); err != nil {
			return fmt.Errorf("idemq: corrupt task payload: %v: %w", err, asynq.SkipRetry)
		}
		fields := logrus.Fields{"key": wire.IdempotencyKey, "task_id": taskID}
		if wire.WorkflowID != "" {
			fields["workflow_id"] = wire.WorkflowID
		}
		if err := p.ledger.MarkRunning(ctx, taskID, time.Now().UTC()); err != nil {
			p.log.WithFields(fields).Warn("mark running: " + err.Error())
		}

		result, err := h(ctx, wire.Business)
		finished := time.Now().UTC()
		if err != nil {
			be, _ := json.Marshal(BusinessError{Type: "business_error", Message: err.Error()})
			if ferr := p.locks.Finalize(ctx, wire.IdempotencyKey, taskID, StatusFailed, string(be)); ferr != nil {
				p.log.WithFields(fields).Error("finalize failed outcome: " + ferr.Error())
				return fmt.Errorf("%v: %w", ferr, asynq.SkipRetry)
			}
			if lerr := p.ledger.MarkFailed(ctx, taskID, string(be), finished); lerr != nil {
				p.log.WithFields(fields).Error("ledger mark failed: " + lerr.Error())
			}
			p.log.WithFields(fields).Info("task failed")
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}

		if ferr := p.locks.Finalize(ctx, wire.IdempotencyKey, taskID, StatusCompleted, string(result)); ferr != nil {
			p.log.WithFields(fields).Error("finalize completed outcome: " + ferr.Error())
			return fmt.Errorf("%v: %w", ferr, asynq.SkipRetry)
		}
		env := Envelope{
			SchemaVersion:  EnvelopeSchemaVersion,
			Source:         SourceFresh,
			IdempotencyKey: wire.IdempotencyKey,
			Result:         result,
		}
		envb, merr := json.Marshal(env)
		if merr != nil {
			return fmt.Errorf("idemq: marshal envelope: %v: %w", merr, asynq.SkipRetry)
		}
		if lerr := p.ledger.MarkSucceeded(ctx, taskID, string(envb), finished); lerr != nil {
			p.log.WithFields(fields).Error("ledger mark succeeded: " + lerr.Error())
		}
		p.log.WithFields(fields).Info("task completed")
		return nil
	}
}

// Start runs the executor server until Shutdown.
func (p *Processor) Start() error {
	return p.server.Run(p.mux)
}

func (p *Processor) Shutdown() { p.server.Shutdown() }
