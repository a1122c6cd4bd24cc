package task

import (
	"context"
	"errors"
	"time"

	"chime/internal/rule"
)

var ErrNotFound = errors.New("task not found")

type Type string

const (
	TypeSimple    Type = "simple"
	TypeWorksheet Type = "worksheet"
)

type Status string

const (
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusClosed Status = "closed"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Score is the fixed priority ladder used by conflict resolution.
// The gaps are deliberate: equal scores are never produced by distinct
// priorities, so ties fall through to "no conflict".
func (p Priority) Score() int {
	switch p {
	case PriorityHigh:
		return 100
	case PriorityLow:
		return 25
	default:
		return 50
	}
}

// Task is the scheduling view of a task. The task-management collaborator
// owns the full record; the core reads the rule and writes the run-tracking
// fields (NextRunAt, LastRunAt, counters, LastError).
type Task struct {
	ID       string
	Name     string
	Type     Type
	Status   Status
	Priority Priority
	Rule     rule.Rule

	// Target identifies the webhook group the notification goes to.
	// Opaque to the core; the sink resolves it.
	Target  string
	Message string
	FileRef string // worksheet tasks only

	LastRunAt      *time.Time
	NextRunAt      *time.Time
	ExecutionCount int
	SuccessCount   int
	FailureCount   int
	LastError      string
}

// Row is one spreadsheet row of a worksheet task.
type Row struct {
	Time    string `json:"time"` // "HH:MM"
	Message string `json:"message"`
}

// Outcome of one firing attempt.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailed     Outcome = "failed"
	OutcomeSuppressed Outcome = "suppressed"
)

// ExecutionRecord is append-only from the core's perspective.
type ExecutionRecord struct {
	ID            string
	TaskID        string
	ScheduledTime time.Time
	Outcome       Outcome
	RetryCount    int
	Error         string
	ExecutedAt    time.Time
}

// Firing is one forward-projected (task, date, time) instant. It is
// transient: records are never persisted until conflict resolution over the
// full slot set completes.
type Firing struct {
	TaskID   string
	Date     time.Time // civil midnight
	Time     rule.Clock
	Message  string
	Priority Priority

	// Conflict-resolution annotations.
	Skipped    bool
	SkipReason string
	DelayedBy  time.Duration
}

// At is the firing's concrete instant (date + time-of-day + delay).
func (f Firing) At() time.Time {
	return f.Time.At(f.Date).Add(f.DelayedBy)
}

// Slot identifies the (date, time) collision group of a firing.
func (f Firing) Slot() string {
	return rule.ISODate(f.Date) + " " + f.Time.String()
}

// Settings is the scheduler configuration block, read once per reload and on
// a settings-changed notification (which triggers a full reschedule).
type Settings struct {
	MaxRetries    int
	RetryInterval time.Duration
	DailyLoadTime string // "HH:MM"
	TaskTimeout   time.Duration
}

func (s Settings) WithDefaults() Settings {
	if s.MaxRetries <= 0 {
		s.MaxRetries = 3
	}
	if s.RetryInterval <= 0 {
		s.RetryInterval = 30 * time.Second
	}
	if s.DailyLoadTime == "" {
		s.DailyLoadTime = "00:05"
	}
	if s.TaskTimeout <= 0 {
		s.TaskTimeout = 30 * time.Second
	}
	return s
}

// ---- boundary interfaces (implementations live with collaborators) ----

// Store is the task read model plus the run-tracking writes the core makes.
type Store interface {
	FindByID(ctx context.Context, id string) (Task, error)
	FindActive(ctx context.Context) ([]Task, error)
	Save(ctx context.Context, t Task) error
	// Suspend pauses a task for the given number of days. It is the side
	// effect of a suspend_lower_priority resolution; the resolver itself
	// never mutates task state.
	Suspend(ctx context.Context, id string, days int) error
}

// RowSource supplies worksheet rows for a task's file reference.
type RowSource interface {
	Rows(ctx context.Context, fileRef string) ([]Row, error)
}
