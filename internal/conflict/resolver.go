// Package conflict decides which of two colliding firings survives: explicit
// task associations first, implicit priority differences second. Every
// failure path degrades to "skip the association and log", never to an
// aborted resolution pass.
package conflict

import (
	"context"
	"sort"
	"time"

	"chime/internal/cache"
	"chime/internal/rule"
	"chime/internal/task"
	"chime/pkg/logx"
)

const (
	skipExplicit = "explicit_association"
	skipMutual   = "mutual_exclusive"
	skipImplicit = "lower_priority"

	assocCachePrefix = "assoc:"
)

// Suspension is the side effect of a suspend_lower resolution, reported to
// the task-management boundary rather than applied locally.
type Suspension struct {
	TaskID string
	Days   int
}

type Resolver struct {
	log    logx.Logger
	tasks  task.Store
	assocs task.AssociationStore
	eval   *rule.Evaluator

	cache    cache.Cache
	cacheTTL time.Duration

	now func() time.Time
}

type Option func(*Resolver)

// WithCache installs read-through caching for ListActive lookups.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func New(log logx.Logger, tasks task.Store, assocs task.AssociationStore, eval *rule.Evaluator, opts ...Option) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Resolver{log: log, tasks: tasks, assocs: assocs, eval: eval, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveDay applies conflict resolution to one day's firing set. Firings
// are grouped by (date, time) slot; within each slot the explicit
// association pass runs before the implicit priority pass. The input order
// is the scheduling order, which first_scheduled relies on.
//
// The returned slice contains all firings (winners and annotated losers);
// suspensions are reported for the caller to hand to the task boundary.
func (r *Resolver) ResolveDay(ctx context.Context, firings []task.Firing) ([]task.Firing, []Suspension) {
	out := make([]task.Firing, len(firings))
	copy(out, firings)

	slots := map[string][]int{}
	for i := range out {
		key := out[i].Slot()
		slots[key] = append(slots[key], i)
	}

	keys := make([]string, 0, len(slots))
	for k := range slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var suspensions []Suspension
	for _, k := range keys {
		idx := slots[k]
		if len(idx) < 2 {
			continue
		}
		suspensions = append(suspensions, r.resolveSlot(ctx, out, idx)...)
	}
	return out, suspensions
}

func (r *Resolver) resolveSlot(ctx context.Context, fs []task.Firing, idx []int) []Suspension {
	var suspensions []Suspension

	// Explicit association pass, pairwise in scheduling order.
	for ai := 0; ai < len(idx); ai++ {
		for bi := ai + 1; bi < len(idx); bi++ {
			a, b := &fs[idx[ai]], &fs[idx[bi]]
			if a.Skipped || b.Skipped {
				continue
			}
			assoc, ok := r.between(ctx, a.TaskID, b.TaskID)
			if !ok {
				continue
			}
			suspensions = append(suspensions, r.applyAssociation(assoc, a, b)...)
		}
	}

	// Implicit pass: unrelated tasks at the same slot with different scores.
	// Lower-priority survivors are skipped; equal priority is not a conflict.
	best := 0
	for _, i := range idx {
		if !fs[i].Skipped && fs[i].Priority.Score() > best {
			best = fs[i].Priority.Score()
		}
	}
	for _, i := range idx {
		if !fs[i].Skipped && fs[i].Priority.Score() < best {
			fs[i].Skipped = true
			fs[i].SkipReason = skipImplicit
		}
	}
	return suspensions
}

// applyAssociation resolves one in-force association between two colliding
// firings. a precedes b in scheduling order.
func (r *Resolver) applyAssociation(assoc task.Association, a, b *task.Firing) []Suspension {
	lower, higher := a, b
	if a.Priority.Score() > b.Priority.Score() {
		lower, higher = b, a
	}
	_ = higher

	switch assoc.Relationship {
	case task.RelMutualExclusive:
		// Always exactly one side skipped. On equal scores the associated
		// (secondary) side loses; the relation is directed.
		victim := lower
		if a.Priority.Score() == b.Priority.Score() {
			victim = r.associatedSide(assoc, a, b)
		}
		victim.Skipped = true
		victim.SkipReason = skipMutual
		return nil

	case task.RelDependency:
		// Ordering, not exclusion: the dependent side is shifted.
		dep := r.associatedSide(assoc, a, b)
		dep.DelayedBy += time.Duration(assoc.Rule.DelayMinutes) * time.Minute
		return nil

	case task.RelPriorityBased:
		switch assoc.Rule.Strategy {
		case task.StrategyHigherWins, task.StrategySuspendLower:
			if a.Priority.Score() == b.Priority.Score() {
				// Equal scores mean neither side outranks the other,
				// so nothing is skipped.
				return nil
			}
			lower.Skipped = true
			lower.SkipReason = skipExplicit
			if assoc.Rule.Strategy == task.StrategySuspendLower {
				days := assoc.Rule.SuspendDays
				if days <= 0 {
					days = 1
				}
				return []Suspension{{TaskID: lower.TaskID, Days: days}}
			}
			return nil
		case task.StrategyFirstScheduled:
			// a was scheduled first; b yields.
			b.Skipped = true
			b.SkipReason = skipExplicit
			return nil
		default:
			r.log.Warn("unknown association strategy, skipping",
				logx.String("assoc", assoc.ID), logx.String("strategy", string(assoc.Rule.Strategy)))
			return nil
		}
	default:
		r.log.Warn("unknown association relationship, skipping",
			logx.String("assoc", assoc.ID), logx.String("rel", string(assoc.Relationship)))
		return nil
	}
}

func (r *Resolver) associatedSide(assoc task.Association, a, b *task.Firing) *task.Firing {
	if b.TaskID == assoc.AssociatedID {
		return b
	}
	return a
}

// between returns the in-force association linking the two tasks, if any.
func (r *Resolver) between(ctx context.Context, aID, bID string) (task.Association, bool) {
	today := r.now()
	for _, assoc := range r.listActive(ctx, aID) {
		other, ok := assoc.Other(aID)
		if !ok || other != bID {
			continue
		}
		if assoc.InForce(today) {
			return assoc, true
		}
	}
	return task.Association{}, false
}

// Suppressed is the fire-time check: does any other task hold an active,
// date-in-range association suppressing t, AND is that task itself scheduled
// today? A permanently-configured override must not silently kill a task on
// days the override itself is dormant.
func (r *Resolver) Suppressed(ctx context.Context, t task.Task, day time.Time) (bool, string) {
	day = rule.Midnight(day)
	for _, assoc := range r.listActive(ctx, t.ID) {
		if !assoc.InForce(day) {
			continue
		}
		if assoc.Relationship == task.RelDependency {
			continue
		}
		otherID, ok := assoc.Other(t.ID)
		if !ok {
			continue
		}

		other, err := r.tasks.FindByID(ctx, otherID)
		if err != nil {
			// Association references a missing task: skip it with a warning
			// and keep resolving with the rest.
			r.log.Warn("association references missing task",
				logx.String("assoc", assoc.ID), logx.String("task", otherID), logx.Err(err))
			continue
		}
		if other.Status != task.StatusActive {
			continue
		}
		if !suppresses(assoc, t, other) {
			continue
		}

		// Two-sided check: the suppressor must itself be scheduled today.
		if !r.eval.AppliesOn(&other.Rule, day) {
			continue
		}
		return true, other.ID
	}
	return false, ""
}

// suppresses reports whether, under the given association, other outranks t.
// first_scheduled has no fire-time meaning (scheduling order is a planning
// notion), so it never suppresses here.
func suppresses(assoc task.Association, t, other task.Task) bool {
	switch assoc.Relationship {
	case task.RelMutualExclusive:
		if other.Priority.Score() > t.Priority.Score() {
			return true
		}
		// Directed relation: the associated side yields on ties.
		return other.Priority.Score() == t.Priority.Score() && t.ID == assoc.AssociatedID
	case task.RelPriorityBased:
		if assoc.Rule.Strategy == task.StrategyFirstScheduled {
			return false
		}
		return other.Priority.Score() > t.Priority.Score()
	default:
		return false
	}
}

// SweepExpired flips date-expired active associations to expired. Pure
// bookkeeping: InForce already treats them as inactive.
func (r *Resolver) SweepExpired(ctx context.Context) int {
	all, err := r.assocs.ListAll(ctx)
	if err != nil {
		r.log.Warn("association sweep failed", logx.Err(err))
		return 0
	}
	today := r.now()
	n := 0
	for _, a := range all {
		if a.Status != task.AssocActive || !a.DateExpired(today) {
			continue
		}
		a.Status = task.AssocExpired
		if err := r.assocs.Save(ctx, a); err != nil {
			r.log.Warn("association expiry save failed", logx.String("assoc", a.ID), logx.Err(err))
			continue
		}
		r.Invalidate(a.PrimaryID, a.AssociatedID)
		n++
	}
	if n > 0 {
		r.log.Info("associations expired", logx.Int("count", n))
	}
	return n
}

// Invalidate drops cached association lists for the given tasks, or every
// cached list when called with no arguments. Called on association edits,
// on definition reloads and by the sweep.
func (r *Resolver) Invalidate(taskIDs ...string) {
	if r.cache == nil {
		return
	}
	if len(taskIDs) == 0 {
		r.cache.DeletePattern(assocCachePrefix)
		return
	}
	for _, id := range taskIDs {
		r.cache.Delete(assocCachePrefix + id)
	}
}

func (r *Resolver) listActive(ctx context.Context, taskID string) []task.Association {
	if r.cache != nil {
		if v, ok := r.cache.Get(assocCachePrefix + taskID); ok {
			if as, ok := v.([]task.Association); ok {
				return as
			}
		}
	}
	as, err := r.assocs.ListActive(ctx, taskID)
	if err != nil {
		r.log.Warn("association lookup failed", logx.String("task", taskID), logx.Err(err))
		return nil
	}
	if r.cache != nil {
		ttl := r.cacheTTL
		if ttl <= 0 {
			ttl = time.Minute
		}
		r.cache.Set(assocCachePrefix+taskID, as, ttl)
	}
	return as
}
