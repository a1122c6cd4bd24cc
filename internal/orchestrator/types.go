package orchestrator

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"chime/internal/task"
)

var (
	ErrNotStarted = errors.New("orchestrator not started")
	ErrBadTask    = errors.New("task cannot be scheduled")
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ; the single civil calendar everything runs in
	Settings task.Settings
	// PlanDays is the forward window of the nightly execution plan.
	PlanDays int

	// OpsTarget receives operator notifications (terminal failures).
	// Empty disables them.
	OpsTarget string
}

type jobKind string

const (
	kindSystem    jobKind = "system"
	kindSimple    jobKind = "simple"
	kindWorksheet jobKind = "worksheet"
)

// job is one live registration in the orchestrator's registry.
//
// Jobs are destroyed and recreated on any rule change, never mutated in
// place; entry IDs belong to the cron instance that created them.
type job struct {
	key    string
	kind   jobKind
	taskID string

	entries []cron.EntryID

	lastFire time.Time
}

// intervalSchedule drives interval primitives through the same cron engine
// as calendar specs: period stepping from an anchor instant.
//
// For months/years units the period is approximate; it only generates
// candidate ticks. The authoritative accept/reject decision re-runs the
// rule's predicate at fire time.
type intervalSchedule struct {
	anchor time.Time
	every  time.Duration
}

func (s intervalSchedule) Next(t time.Time) time.Time {
	if s.every <= 0 {
		return time.Time{}
	}
	if !t.After(s.anchor) {
		// Includes the anchor instant itself; otherwise the first firing
		// would slip by one period.
		return s.anchor
	}
	n := t.Sub(s.anchor) / s.every
	return s.anchor.Add((n + 1) * s.every)
}

// ScheduleInfo is one registry entry in a Snapshot.
type ScheduleInfo struct {
	Key      string
	Kind     string
	TaskID   string
	Next     time.Time
	LastFire time.Time
}

type Snapshot struct {
	Enabled  bool
	Timezone string
	Jobs     []ScheduleInfo
}

// firingKey is the dedup identity of one (task, date, time) slot.
func firingKey(taskID string, at time.Time) string {
	return "fire:" + taskID + ":" + at.Format("2006-01-02T15:04")
}
