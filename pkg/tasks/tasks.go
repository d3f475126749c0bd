// Package tasks is the task-execution substrate for pipeline chains. A
// chain is an ordered list of stages where each stage consumes the
// output of the previous one. Stage state is persisted as task records
// so status can be polled from any request.
package tasks

import (
	"context"
	"errors"

	"github.com/ethpandaops/knoboor/pkg/api/store"
	"github.com/google/uuid"
)

// Status is the state of a single task.
type Status string

// Task states.
const (
	StatusPending  Status = "PENDING"
	StatusReceived Status = "RECEIVED"
	StatusStarted  Status = "STARTED"
	StatusSuccess  Status = "SUCCESS"
	StatusFailure  Status = "FAILURE"
	StatusRevoked  Status = "REVOKED"
	StatusRetry    Status = "RETRY"
)

// Fault reports whether the status terminates a chain.
func (s Status) Fault() bool {
	return s == StatusFailure || s == StatusRevoked || s == StatusRetry
}

// InFlight reports whether the task has not finished yet.
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusReceived || s == StatusStarted
}

// ErrRetry may be returned (wrapped) by a stage to mark its task RETRY.
// The runner records the state but does not reschedule the stage.
var ErrRetry = errors.New("stage requested retry")

// ErrQueueFull is returned by SubmitChain when the queue has no room.
var ErrQueueFull = errors.New("task queue is full")

// ErrStopped is returned by SubmitChain after the runner was stopped.
var ErrStopped = errors.New("task runner stopped")

// Func executes one stage. Input and output are JSON documents.
type Func func(ctx context.Context, input []byte) ([]byte, error)

// Stage is a named step of a chain.
type Stage struct {
	Name string
	Fn   Func
}

// Runner executes chains asynchronously and exposes their state.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error

	// SubmitChain schedules stages in order under the given task ids and
	// returns without waiting. Stage N+1 is only scheduled after stage N
	// succeeds; ids of stages that never run resolve to no record. When
	// the chain cannot be queued no record is left behind.
	SubmitChain(
		ctx context.Context, ids []string, stages []Stage, input []byte,
	) error

	// Status returns the record for a task id. found is false when no
	// record exists for the id.
	Status(ctx context.Context, taskID string) (*store.TaskRecord, bool, error)

	// Revoke marks a task that has not finished as REVOKED. A revoked
	// task is skipped by the workers, or cancelled when already running,
	// and ends its chain.
	Revoke(ctx context.Context, taskID string) error
}

// NewTaskID returns a fresh task identifier.
func NewTaskID() string {
	return uuid.NewString()
}
