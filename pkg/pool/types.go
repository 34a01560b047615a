package pool

import (
	"errors"
	"fmt"
	"time"

	"github.com/cortexops/gantry/pkg/usage"
)

// TaskState is the lifecycle state of one pool task.
type TaskState string

const (
	StateQueued    TaskState = "queued"
	StateRunning   TaskState = "running"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
	StateTimedOut  TaskState = "timed_out"
	StateCancelled TaskState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

var (
	// ErrTaskNotFound is returned for unknown or already-reaped task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrPoolStopped is returned by Submit after shutdown began.
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrTaskTimedOut is the terminal error of a task whose deadline
	// fired. The deadline fires on equality with the wall budget.
	ErrTaskTimedOut = errors.New("task timed out")

	// ErrTaskCancelled is the terminal error of an explicitly cancelled
	// task.
	ErrTaskCancelled = errors.New("task cancelled")
)

// TaskFailedError carries the failure detail: a stderr excerpt, a spawn
// error, or a parse error.
type TaskFailedError struct {
	Detail string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task failed: %s", e.Detail)
}

// IsTaskFailed checks if an error is a task failure.
func IsTaskFailed(err error) bool {
	var te *TaskFailedError
	return errors.As(err, &te)
}

// Result is the parsed output of a completed task.
type Result struct {
	Output   []byte
	Envelope *usage.Envelope
	Usage    *usage.Usage
}

// Snapshot is a read-only copy of a task's externally visible state.
type Snapshot struct {
	ID          string
	Prompt      string
	Model       usage.Tier
	ProjectID   string
	State       TaskState
	PID         int
	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Result      *Result
	Err         error
}

// Stats is the pool's aggregate view for /health.
type Stats struct {
	Queued        int `json:"queued"`
	Running       int `json:"running"`
	Completed     int `json:"completed"`
	MaxConcurrent int `json:"max_concurrent"`
}
