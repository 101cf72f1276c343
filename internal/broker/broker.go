// Package broker dispatches background tasks over named queues with
// retries, groups and chords. Two backends exist: an in-process one for
// tests and small deployments, and a Redis-backed one for distributed
// workers.
package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Queue names. Splitting and merging run on dedicated queues so a flood
// of segment tasks cannot starve the coordination steps.
const (
	QueueDefault    = "default"
	QueueProcessing = "document.processing"
	QueueSplitting  = "document.splitting"
	QueueSegment    = "document.segment"
	QueueMerging    = "document.merging"
	QueueIndex      = "index"
	QueuePriority   = "priority"
)

// AllQueues lists every queue a worker consumes, priority first.
var AllQueues = []string{
	QueuePriority,
	QueueMerging,
	QueueSplitting,
	QueueProcessing,
	QueueSegment,
	QueueIndex,
	QueueDefault,
}

// State is the task lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateRetrying  State = "retrying"
	StateCanceling State = "canceling"
	StateCanceled  State = "canceled"
)

// Terminal reports whether the task will not run again.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCanceled
}

var (
	ErrUnknownTask     = errors.New("unknown task")
	ErrNoHandler       = errors.New("no handler registered for task")
	ErrTaskNotFound    = errors.New("task not found")
	ErrBrokerClosed    = errors.New("broker closed")
	ErrAlreadyDone     = errors.New("task already in a terminal state")
	ErrWaitTimeout     = errors.New("timed out waiting for task")
	ErrGroupIncomplete = errors.New("group has unfinished tasks")
	ErrTimeLimit       = errors.New("task hard time limit exceeded")
)

// permanentError marks an error that retrying can never fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the worker fails the task on the first attempt
// instead of walking the retry ladder. Validation rejects and other
// deterministic failures should be returned this way.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Task is a unit of background work.
type Task struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Queue      string    `json:"queue"`
	Payload    []byte    `json:"payload"`
	Attempts   int       `json:"attempts"`
	MaxRetries int       `json:"max_retries"`
	GroupID    string    `json:"group_id,omitempty"`
	ChordID    string    `json:"chord_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Record is the persisted result of a task.
type Record struct {
	TaskID    string    `json:"task_id"`
	State     State     `json:"state"`
	Result    []byte    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Handler executes a task and returns its serialized result.
type Handler func(ctx context.Context, task *Task) ([]byte, error)

// Broker is the task dispatch contract.
type Broker interface {
	// Register binds a handler to a task name. Must be called before
	// Start for any task the worker will consume.
	Register(name string, handler Handler)

	// Submit enqueues a task and returns its id.
	Submit(ctx context.Context, task *Task) (string, error)

	// Group enqueues tasks together and returns a group id whose results
	// can be awaited collectively.
	Group(ctx context.Context, tasks []*Task) (string, error)

	// Chain enqueues tasks to run sequentially, each starting only after
	// the previous one succeeds. Returns the id of the final task.
	Chain(ctx context.Context, tasks []*Task) (string, error)

	// Chord enqueues a group and a callback task that runs once every
	// group member has finished. The callback's GroupID is set to the
	// chord's group id so it can collect member results; a pre-set
	// GroupID on the callback fixes the chord id up front.
	Chord(ctx context.Context, tasks []*Task, callback *Task) (string, error)

	// Record returns the current state of a task.
	Record(ctx context.Context, taskID string) (*Record, error)

	// GroupRecords returns the records of every task in a group.
	GroupRecords(ctx context.Context, groupID string) ([]*Record, error)

	// Cancel requests cooperative cancellation. Queued tasks cancel
	// immediately; running tasks observe context cancellation.
	Cancel(ctx context.Context, taskID string) error

	// Wait blocks until the task reaches a terminal state or the timeout
	// elapses.
	Wait(ctx context.Context, taskID string, timeout time.Duration) (*Record, error)

	// Start launches the worker loop with the given concurrency.
	Start(ctx context.Context, concurrency int) error

	Close() error
}

// invoke runs the handler under a context whose deadline is the soft
// time limit, so handlers can wind down cooperatively, and abandons the
// handler outright at the hard limit.
func invoke(ctx context.Context, handler Handler, task *Task, hardLimit time.Duration) ([]byte, error) {
	type outcome struct {
		result []byte
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := handler(ctx, task)
		done <- outcome{result: result, err: err}
	}()

	hard := time.NewTimer(hardLimit)
	defer hard.Stop()
	select {
	case o := <-done:
		return o.result, o.err
	case <-hard.C:
		return nil, fmt.Errorf("%w after %s", ErrTimeLimit, hardLimit)
	}
}

// retryDelay computes jittered exponential backoff for attempt n
// (0-based): base 500ms doubling, capped at 30s, with up to 25% jitter.
func retryDelay(attempt int) time.Duration {
	base := 500 * time.Millisecond
	d := base << uint(attempt)
	if d > 30*time.Second || d <= 0 {
		d = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}
