// Package types defines the core domain models shared across the
// task-messenger manager and worker: the Task entity, its lifecycle states,
// and the error-kind taxonomy used for dispatch across package boundaries.
package types

import (
	"errors"
	"fmt"
	"time"
)

// TaskID uniquely identifies a task for its entire lifetime in the pool.
// IDs are assigned once by the pool and never reused, even after the task
// reaches a terminal state.
type TaskID uint64

// SkillID selects which registered handler a worker runs against a task's
// payload.
type SkillID uint16

// TaskState is the task lifecycle state machine: Ready -> Reserved ->
// InFlight -> {Completed, Failed}, with Release moving a Reserved or
// InFlight task back to Ready (or to Failed once max_release_retries is
// exceeded) per pool invariants I5-I7.
type TaskState string

const (
	TaskReady      TaskState = "ready"
	TaskReserved   TaskState = "reserved"
	TaskInFlight   TaskState = "in_flight"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// Task is a single unit of dispatchable work.
type Task struct {
	ID      TaskID
	SkillID SkillID
	Payload []byte

	State       TaskState
	ReleaseCount int // number of times this task has been released back to Ready

	CreatedAt time.Time
	UpdatedAt time.Time

	// SessionID identifies which session currently owns the task while it
	// is Reserved or InFlight. Cleared when the task is released; a task
	// that was committed keeps the ID of the session that committed it.
	SessionID string

	Result     []byte
	FailureErr string
}

// InFlightInfo describes a task actively owned by a session, used for
// timeout sweeps and worker-record accounting.
type InFlightInfo struct {
	TaskID    TaskID
	SessionID string
	Deadline  time.Time
	StartedAt time.Time
}

// PoolStats is a point-in-time snapshot of task pool occupancy, satisfying
// invariant I5 (ready + reserved + in_flight == |pool|) and I6
// (total_submitted == |pool| + completed + failed) when read consistently.
type PoolStats struct {
	Ready     int
	Reserved  int
	InFlight  int
	Completed int
	Failed    int
	Capacity  int
}

// ErrorKind classifies an error for dispatch without type assertions on
// concrete error values, mirroring the taxonomy the wire protocol reports
// back to callers.
type ErrorKind string

const (
	KindConfig    ErrorKind = "config"
	KindTransport ErrorKind = "transport"
	KindProtocol  ErrorKind = "protocol"
	KindPool      ErrorKind = "pool"
	KindCancelled ErrorKind = "cancelled"
	KindInternal  ErrorKind = "internal"
)

// KindedError carries an ErrorKind alongside a wrapped cause, so handlers
// can route on Kind() while errors.Is/errors.As continue to work through
// the wrapped chain.
type KindedError struct {
	kind ErrorKind
	msg  string
	err  error
}

func newKinded(kind ErrorKind, msg string, err error) *KindedError {
	return &KindedError{kind: kind, msg: msg, err: err}
}

func (e *KindedError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *KindedError) Unwrap() error { return e.err }

func (e *KindedError) Kind() ErrorKind { return e.kind }

// Sentinel causes, wrapped by the KindedError constructors below so callers
// can match with errors.Is against either the sentinel or the constructed
// error.
var (
	ErrPeerClosed      = errors.New("transport: peer closed connection")
	ErrTimeout         = errors.New("transport: operation timed out")
	ErrUnreachable     = errors.New("transport: peer unreachable")
	ErrReset           = errors.New("transport: connection reset")
	ErrFrameTooLarge   = errors.New("protocol: frame exceeds max_frame_size")
	ErrUnknownTask     = errors.New("protocol: unknown task_id")
	ErrVersionMismatch = errors.New("protocol: hello version mismatch")
	ErrMalformedFrame  = errors.New("protocol: malformed payload")
	ErrPoolFull        = errors.New("pool: at hard capacity")
	ErrPoolUnknownTask = errors.New("pool: unknown task_id")
	ErrNotReserved     = errors.New("pool: task not reserved")
	ErrNotOwned        = errors.New("pool: task not owned by caller")
)

func ConfigError(msg string, cause error) error {
	return newKinded(KindConfig, msg, cause)
}

func TransportError(msg string, cause error) error {
	return newKinded(KindTransport, msg, cause)
}

func ProtocolError(msg string, cause error) error {
	return newKinded(KindProtocol, msg, cause)
}

func PoolError(msg string, cause error) error {
	return newKinded(KindPool, msg, cause)
}

func CancelledError(msg string) error {
	return newKinded(KindCancelled, msg, nil)
}

func InternalError(msg string, cause error) error {
	return newKinded(KindInternal, msg, cause)
}

// Kind extracts the ErrorKind of err if it (or something it wraps) is a
// *KindedError, otherwise reports KindInternal.
func Kind(err error) ErrorKind {
	var ke *KindedError
	if errors.As(err, &ke) {
		return ke.Kind()
	}
	return KindInternal
}
