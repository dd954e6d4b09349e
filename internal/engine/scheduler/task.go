package scheduler

import (
	"context"
	"time"

	"github.com/ukleadgen/leadgen-backend/internal/engine/retry"
)

// State is the lifecycle state of a task.
type State string

const (
	StatePending   State = "PENDING"    // waiting on dependencies
	StateReady     State = "READY"      // eligible, queued for a worker slot
	StateRunning   State = "RUNNING"    // body executing
	StateRetryWait State = "RETRY_WAIT" // failed, waiting out the backoff delay
	StateSucceeded State = "SUCCEEDED"  // terminal
	StateFailed    State = "FAILED"     // terminal
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Body is the unit of work a task executes. It must honor ctx cancellation
// and return either a result or a classified error (see pkg/taskerror).
type Body func(ctx context.Context) (interface{}, error)

// Task is one schedulable unit within a campaign. Fields above the marker are
// set by the submitter; the rest belong to the scheduler and must only be
// read through Snapshot while the task is live.
type Task struct {
	ID         string
	CampaignID string
	Type       string
	Params     map[string]string
	Priority   int
	DependsOn  []string
	Body       Body
	Retry      retry.Config

	// scheduler-managed
	State       State
	Attempts    int
	LastErr     error
	CreatedAt   time.Time
	CompletedAt time.Time
	Result      interface{}

	seq           uint64
	remainingDeps int
	dependents    []string
	blocked       bool
	retryTimer    *time.Timer
	heapIndex     int
}

// Snapshot is a copy of a task's observable state, safe to hold outside the
// scheduler lock.
type Snapshot struct {
	ID          string
	CampaignID  string
	Type        string
	Priority    int
	State       State
	Blocked     bool
	Attempts    int
	LastErr     error
	CreatedAt   time.Time
	CompletedAt time.Time
	Result      interface{}
}

func (t *Task) snapshot() Snapshot {
	return Snapshot{
		ID:          t.ID,
		CampaignID:  t.CampaignID,
		Type:        t.Type,
		Priority:    t.Priority,
		State:       t.State,
		Blocked:     t.blocked,
		Attempts:    t.Attempts,
		LastErr:     t.LastErr,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
		Result:      t.Result,
	}
}

// TransitionEvent describes one state change, delivered to subscribers in
// commit order.
type TransitionEvent struct {
	TaskID     string
	CampaignID string
	From       State
	To         State
	Attempt    int
	Err        error
	Result     interface{}
}

// TransitionFunc receives task state changes. Callbacks run outside the
// scheduler lock and may call back into the scheduler.
type TransitionFunc func(ev TransitionEvent)

// Counts buckets the task table by state. Blocked counts PENDING tasks that
// can never run because a dependency failed; they are excluded from Pending.
type Counts struct {
	Pending   int `json:"pending"`
	Ready     int `json:"ready"`
	Running   int `json:"running"`
	RetryWait int `json:"retry_wait"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Blocked   int `json:"blocked"`
}

// Total returns the number of tasks across all buckets.
func (c Counts) Total() int {
	return c.Pending + c.Ready + c.Running + c.RetryWait + c.Succeeded + c.Failed + c.Blocked
}

// Settled reports whether no task can make further progress: nothing queued,
// running or backing off, and every remaining pending task is blocked.
func (c Counts) Settled() bool {
	return c.Pending == 0 && c.Ready == 0 && c.Running == 0 && c.RetryWait == 0
}
