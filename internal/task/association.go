package task

import (
	"context"
	"time"

	"chime/internal/rule"
)

type Relationship string

const (
	RelPriorityBased   Relationship = "priority_based"
	RelMutualExclusive Relationship = "mutual_exclusive"
	RelDependency      Relationship = "dependency"
)

type Strategy string

const (
	StrategyHigherWins     Strategy = "higher_wins"
	StrategySuspendLower   Strategy = "suspend_lower"
	StrategyFirstScheduled Strategy = "first_scheduled"
)

// PriorityRule parameterizes an association's resolution behavior.
type PriorityRule struct {
	Strategy     Strategy
	DelayMinutes int // dependency associations: shift applied to the dependent task
	SuspendDays  int // suspend_lower: days the losing task is paused for
}

type AssociationStatus string

const (
	AssocActive    AssociationStatus = "active"
	AssocCancelled AssociationStatus = "cancelled"
	AssocExpired   AssociationStatus = "expired"
)

// Association is a directed relation primary -> associated. It is only in
// force while today is inside [StartDate, EndDate] and Status is active;
// expiry is a pure function of the current date. A sweep may flip Status to
// expired for bookkeeping, but InForce never depends on that write.
type Association struct {
	ID           string
	PrimaryID    string
	AssociatedID string
	Relationship Relationship
	Rule         PriorityRule
	StartDate    time.Time
	EndDate      time.Time
	Status       AssociationStatus
}

func (a Association) InForce(today time.Time) bool {
	if a.Status != AssocActive {
		return false
	}
	d := rule.Midnight(today)
	if !a.StartDate.IsZero() && d.Before(rule.Midnight(a.StartDate)) {
		return false
	}
	if !a.EndDate.IsZero() && d.After(rule.Midnight(a.EndDate)) {
		return false
	}
	return true
}

// DateExpired reports whether the relation's window has passed, regardless
// of Status. Used by the expiry sweep.
func (a Association) DateExpired(today time.Time) bool {
	return !a.EndDate.IsZero() && rule.Midnight(today).After(rule.Midnight(a.EndDate))
}

// Other returns the counterpart of taskID in the relation, and whether
// taskID participates at all.
func (a Association) Other(taskID string) (string, bool) {
	switch taskID {
	case a.PrimaryID:
		return a.AssociatedID, true
	case a.AssociatedID:
		return a.PrimaryID, true
	default:
		return "", false
	}
}

// AssociationStore is the association CRUD boundary used by the resolver.
type AssociationStore interface {
	ListActive(ctx context.Context, taskID string) ([]Association, error)
	ListAll(ctx context.Context) ([]Association, error)
	Save(ctx context.Context, a Association) error
}
