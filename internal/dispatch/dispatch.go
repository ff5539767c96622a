// Package dispatch maps pipeline steps onto broker queues and enqueues jobs
// under caller-supplied idempotency keys.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dwsmith1983/auditlane/internal/ident"
	"github.com/dwsmith1983/auditlane/internal/metrics"
	"github.com/dwsmith1983/auditlane/pkg/types"
)

// Queue is the broker capability the dispatcher needs. Implementations must
// treat a repeated jobID on the same queue as a no-op.
type Queue interface {
	Add(ctx context.Context, queueName, jobID string, body []byte) error
}

// EventRecorder persists job lifecycle events.
type EventRecorder interface {
	AppendJobEvent(ctx context.Context, event types.JobEvent) error
}

// JobHandle identifies an accepted job.
type JobHandle struct {
	Step  types.JobStep
	Queue string
	JobID string
}

// Dispatcher is a typed switch from step to queue.
type Dispatcher struct {
	queue  Queue
	names  map[types.JobStep]string
	events EventRecorder
	logger *slog.Logger
	now    func() time.Time
}

// DefaultQueueNames binds each step to a queue named after it.
func DefaultQueueNames() map[types.JobStep]string {
	names := make(map[types.JobStep]string, len(types.AllJobSteps))
	for _, s := range types.AllJobSteps {
		names[s] = "auditlane-" + string(s)
	}
	return names
}

// New creates a Dispatcher. Every step must be bound to a distinct queue.
// events may be nil.
func New(queue Queue, names map[types.JobStep]string, events EventRecorder) (*Dispatcher, error) {
	if queue == nil {
		return nil, fmt.Errorf("dispatch: queue required")
	}
	bound := make(map[types.JobStep]string, len(types.AllJobSteps))
	used := make(map[string]types.JobStep, len(types.AllJobSteps))
	for _, step := range types.AllJobSteps {
		name := names[step]
		if name == "" {
			return nil, fmt.Errorf("dispatch: no queue bound to step %q", step)
		}
		if other, dup := used[name]; dup {
			return nil, fmt.Errorf("dispatch: queue %q bound to both %q and %q", name, other, step)
		}
		used[name] = step
		bound[step] = name
	}
	for step := range names {
		if !step.Valid() {
			return nil, fmt.Errorf("dispatch: unknown step %q", step)
		}
	}
	return &Dispatcher{
		queue:  queue,
		names:  bound,
		events: events,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetLogger replaces the dispatcher's logger.
func (d *Dispatcher) SetLogger(l *slog.Logger) { d.logger = l }

// QueueName returns the queue bound to step.
func (d *Dispatcher) QueueName(step types.JobStep) string { return d.names[step] }

// StepForQueue resolves a queue back to its step.
func (d *Dispatcher) StepForQueue(queueName string) (types.JobStep, bool) {
	for step, name := range d.names {
		if name == queueName {
			return step, true
		}
	}
	return "", false
}

// Enqueue places a job on step's queue. Re-enqueueing the same jobID is
// absorbed by the broker. Broker failures surface as ErrBrokerUnavailable.
func (d *Dispatcher) Enqueue(ctx context.Context, step types.JobStep, payload types.JobPayload, jobID string) (JobHandle, error) {
	name, ok := d.names[step]
	if !ok {
		return JobHandle{}, fmt.Errorf("%w: unknown step %q", types.ErrInvalidInput, step)
	}
	if jobID == "" {
		return JobHandle{}, fmt.Errorf("%w: job id required", types.ErrInvalidInput)
	}
	body, err := json.Marshal(types.Job{Step: step, JobID: jobID, Payload: payload})
	if err != nil {
		return JobHandle{}, fmt.Errorf("encoding %s job: %w", step, err)
	}

	if err := d.queue.Add(ctx, name, jobID, body); err != nil {
		metrics.Inc(ctx, metrics.JobsFailed, "step", string(step))
		d.logger.Error("enqueue failed", "step", step, "queue", name, "jobId", jobID, "error", err)
		return JobHandle{}, fmt.Errorf("%w: enqueue %s job %s: %v", types.ErrBrokerUnavailable, step, jobID, err)
	}
	metrics.Inc(ctx, metrics.JobsEnqueued, "step", string(step))
	d.Record(ctx, name, jobID, types.JobQueued, payload)
	return JobHandle{Step: step, Queue: name, JobID: jobID}, nil
}

// Record appends a JobEvent. Failures are logged, never returned: events
// are observability only.
func (d *Dispatcher) Record(ctx context.Context, queueName, jobID string, kind types.JobEventKind, payload types.JobPayload) {
	if d.events == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		d.logger.Warn("failed to encode job event payload", "jobId", jobID, "error", err)
		raw = nil
	}
	ev := types.JobEvent{
		ID:        ident.New(),
		ProjectID: payload.ProjectID,
		QueueName: queueName,
		JobID:     jobID,
		Event:     kind,
		Payload:   raw,
		CreatedAt: d.now(),
	}
	if err := d.events.AppendJobEvent(ctx, ev); err != nil {
		d.logger.Warn("failed to record job event", "jobId", jobID, "event", kind, "error", err)
	}
}
