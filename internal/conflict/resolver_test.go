package conflict

import (
	"context"
	"testing"
	"time"

	"chime/internal/rule"
	"chime/internal/task"
	"chime/pkg/logx"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func firing(id string, p task.Priority, d time.Time, c rule.Clock) task.Firing {
	return task.Firing{TaskID: id, Priority: p, Date: d, Time: c}
}

type fixture struct {
	tasks  *task.MemStore
	assocs *task.MemAssociations
	res    *Resolver
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	ts := task.NewMemStore()
	as := task.NewMemAssociations()
	eval := rule.NewEvaluator(logx.Nop())
	res := New(logx.Nop(), ts, as, eval, WithClock(func() time.Time { return now }))
	return &fixture{tasks: ts, assocs: as, res: res}
}

func (f *fixture) addTask(t *testing.T, tk task.Task) {
	t.Helper()
	if tk.Status == "" {
		tk.Status = task.StatusActive
	}
	if err := f.tasks.Save(context.Background(), tk); err != nil {
		t.Fatalf("save task: %v", err)
	}
}

func (f *fixture) addAssoc(t *testing.T, a task.Association) {
	t.Helper()
	if a.Status == "" {
		a.Status = task.AssocActive
	}
	if a.StartDate.IsZero() {
		a.StartDate = day(2026, time.January, 1)
	}
	if a.EndDate.IsZero() {
		a.EndDate = day(2026, time.December, 31)
	}
	if err := f.assocs.Save(context.Background(), a); err != nil {
		t.Fatalf("save assoc: %v", err)
	}
}

func TestImplicitPriorityConflict(t *testing.T) {
	t.Parallel()
	d := day(2026, time.March, 4)
	c := rule.Clock{Hour: 9}

	run := func(pa, pb task.Priority) (task.Firing, task.Firing) {
		f := newFixture(t, d)
		out, _ := f.res.ResolveDay(context.Background(), []task.Firing{
			firing("a", pa, d, c),
			firing("b", pb, d, c),
		})
		return out[0], out[1]
	}

	a, b := run(task.PriorityHigh, task.PriorityLow)
	if a.Skipped || !b.Skipped {
		t.Fatalf("high/low: skipped = %v/%v, want false/true", a.Skipped, b.Skipped)
	}

	// Swapping priorities swaps the outcome.
	a, b = run(task.PriorityLow, task.PriorityHigh)
	if !a.Skipped || b.Skipped {
		t.Fatalf("low/high: skipped = %v/%v, want true/false", a.Skipped, b.Skipped)
	}

	// Equal priority is not a conflict.
	a, b = run(task.PriorityNormal, task.PriorityNormal)
	if a.Skipped || b.Skipped {
		t.Fatal("equal priorities must not conflict")
	}
}

func TestDifferentSlotsNoConflict(t *testing.T) {
	t.Parallel()
	d := day(2026, time.March, 4)
	f := newFixture(t, d)
	out, _ := f.res.ResolveDay(context.Background(), []task.Firing{
		firing("a", task.PriorityHigh, d, rule.Clock{Hour: 9}),
		firing("b", task.PriorityLow, d, rule.Clock{Hour: 10}),
	})
	for _, fr := range out {
		if fr.Skipped {
			t.Fatalf("firing %s skipped despite distinct slots", fr.TaskID)
		}
	}
}

func TestMutualExclusiveExactlyOneSkipped(t *testing.T) {
	t.Parallel()
	d := day(2026, time.March, 4)
	c := rule.Clock{Hour: 9}

	cases := []struct {
		name   string
		pa, pb task.Priority
	}{
		{"a higher", task.PriorityHigh, task.PriorityLow},
		{"b higher", task.PriorityLow, task.PriorityHigh},
		{"equal", task.PriorityNormal, task.PriorityNormal},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, d)
			f.addAssoc(t, task.Association{
				ID: "x", PrimaryID: "a", AssociatedID: "b",
				Relationship: task.RelMutualExclusive,
			})
			out, _ := f.res.ResolveDay(context.Background(), []task.Firing{
				firing("a", tc.pa, d, c),
				firing("b", tc.pb, d, c),
			})
			skipped := 0
			for _, fr := range out {
				if fr.Skipped {
					skipped++
				}
			}
			if skipped != 1 {
				t.Fatalf("mutual_exclusive skipped %d firings, want exactly 1", skipped)
			}
		})
	}
}

func TestDependencyDelaysNeverSkips(t *testing.T) {
	t.Parallel()
	d := day(2026, time.March, 4)
	c := rule.Clock{Hour: 9}
	f := newFixture(t, d)
	f.addAssoc(t, task.Association{
		ID: "x", PrimaryID: "a", AssociatedID: "b",
		Relationship: task.RelDependency,
		Rule:         task.PriorityRule{DelayMinutes: 15},
	})

	out, _ := f.res.ResolveDay(context.Background(), []task.Firing{
		firing("a", task.PriorityNormal, d, c),
		firing("b", task.PriorityNormal, d, c),
	})
	for _, fr := range out {
		if fr.Skipped {
			t.Fatalf("dependency must not skip, but %s was skipped", fr.TaskID)
		}
	}
	var dep task.Firing
	for _, fr := range out {
		if fr.TaskID == "b" {
			dep = fr
		}
	}
	if dep.DelayedBy != 15*time.Minute {
		t.Fatalf("dependent delayed by %v, want 15m", dep.DelayedBy)
	}
	if want := c.At(d).Add(15 * time.Minute); !dep.At().Equal(want) {
		t.Fatalf("dependent At() = %v, want %v", dep.At(), want)
	}
}

func TestSuspendLowerReportsSuspension(t *testing.T) {
	t.Parallel()
	d := day(2026, time.March, 4)
	c := rule.Clock{Hour: 9}
	f := newFixture(t, d)
	f.addAssoc(t, task.Association{
		ID: "x", PrimaryID: "a", AssociatedID: "b",
		Relationship: task.RelPriorityBased,
		Rule:         task.PriorityRule{Strategy: task.StrategySuspendLower, SuspendDays: 3},
	})

	out, suspensions := f.res.ResolveDay(context.Background(), []task.Firing{
		firing("a", task.PriorityHigh, d, c),
		firing("b", task.PriorityLow, d, c),
	})
	var low task.Firing
	for _, fr := range out {
		if fr.TaskID == "b" {
			low = fr
		}
	}
	if !low.Skipped {
		t.Fatal("lower-priority side should be skipped")
	}
	if len(suspensions) != 1 || suspensions[0].TaskID != "b" || suspensions[0].Days != 3 {
		t.Fatalf("suspensions = %+v, want [{b 3}]", suspensions)
	}
}

func TestFirstScheduledWins(t *testing.T) {
	t.Parallel()
	d := day(2026, time.March, 4)
	c := rule.Clock{Hour: 9}
	f := newFixture(t, d)
	f.addAssoc(t, task.Association{
		ID: "x", PrimaryID: "a", AssociatedID: "b",
		Relationship: task.RelPriorityBased,
		Rule:         task.PriorityRule{Strategy: task.StrategyFirstScheduled},
	})

	out, _ := f.res.ResolveDay(context.Background(), []task.Firing{
		firing("a", task.PriorityNormal, d, c),
		firing("b", task.PriorityNormal, d, c),
	})
	if out[0].Skipped || !out[1].Skipped {
		t.Fatalf("first_scheduled: skipped = %v/%v, want false/true", out[0].Skipped, out[1].Skipped)
	}
}

func TestAssociationOutOfRangeIgnored(t *testing.T) {
	t.Parallel()
	d := day(2026, time.March, 4)
	c := rule.Clock{Hour: 9}
	f := newFixture(t, d)
	f.addAssoc(t, task.Association{
		ID: "x", PrimaryID: "a", AssociatedID: "b",
		Relationship: task.RelMutualExclusive,
		StartDate:    day(2026, time.April, 1),
		EndDate:      day(2026, time.April, 30),
	})

	out, _ := f.res.ResolveDay(context.Background(), []task.Firing{
		firing("a", task.PriorityNormal, d, c),
		firing("b", task.PriorityNormal, d, c),
	})
	for _, fr := range out {
		if fr.Skipped {
			t.Fatal("out-of-range association must not resolve anything")
		}
	}
}

func TestSuppressedOnlyWhenSuppressorScheduled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// A runs Mondays only; B runs daily. The association is date-range
	// active the whole time.
	now := day(2026, time.March, 2) // a Monday
	f := newFixture(t, now)
	f.addTask(t, task.Task{
		ID: "a", Priority: task.PriorityHigh,
		Rule: rule.Rule{Kind: rule.KindByWeek, Week: rule.WeekMode{Weekdays: []int{1}}},
	})
	b := task.Task{
		ID: "b", Priority: task.PriorityLow, Status: task.StatusActive,
		Rule: rule.Rule{Kind: rule.KindDaily},
	}
	f.addTask(t, b)
	f.addAssoc(t, task.Association{
		ID: "x", PrimaryID: "a", AssociatedID: "b",
		Relationship: task.RelPriorityBased,
		Rule:         task.PriorityRule{Strategy: task.StrategyHigherWins},
	})

	if got, by := f.res.Suppressed(ctx, b, now); !got || by != "a" {
		t.Fatalf("Monday: Suppressed = %v by %q, want true by a", got, by)
	}

	// On a Tuesday A's rule evaluates false: B must fire normally even
	// though the association is still in force.
	tuesday := day(2026, time.March, 3)
	if got, _ := f.res.Suppressed(ctx, b, tuesday); got {
		t.Fatal("Tuesday: B suppressed although suppressor is dormant")
	}
}

func TestSuppressedIgnoresMissingAndInactiveSuppressor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := day(2026, time.March, 2)

	f := newFixture(t, now)
	b := task.Task{ID: "b", Priority: task.PriorityLow, Status: task.StatusActive, Rule: rule.Rule{Kind: rule.KindDaily}}
	f.addTask(t, b)

	// Association to a task that does not exist: skipped with a warning.
	f.addAssoc(t, task.Association{
		ID: "ghost", PrimaryID: "missing", AssociatedID: "b",
		Relationship: task.RelPriorityBased,
		Rule:         task.PriorityRule{Strategy: task.StrategyHigherWins},
	})
	if got, _ := f.res.Suppressed(ctx, b, now); got {
		t.Fatal("missing suppressor must not suppress")
	}

	// Paused suppressor does not suppress.
	f.addTask(t, task.Task{ID: "a", Priority: task.PriorityHigh, Status: task.StatusPaused, Rule: rule.Rule{Kind: rule.KindDaily}})
	f.addAssoc(t, task.Association{
		ID: "x", PrimaryID: "a", AssociatedID: "b",
		Relationship: task.RelPriorityBased,
		Rule:         task.PriorityRule{Strategy: task.StrategyHigherWins},
	})
	if got, _ := f.res.Suppressed(ctx, b, now); got {
		t.Fatal("paused suppressor must not suppress")
	}
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := day(2026, time.June, 1)
	f := newFixture(t, now)

	f.addAssoc(t, task.Association{
		ID: "old", PrimaryID: "a", AssociatedID: "b",
		Relationship: task.RelPriorityBased,
		StartDate:    day(2026, time.January, 1),
		EndDate:      day(2026, time.February, 1),
	})
	f.addAssoc(t, task.Association{
		ID: "live", PrimaryID: "a", AssociatedID: "c",
		Relationship: task.RelPriorityBased,
	})

	if n := f.res.SweepExpired(ctx); n != 1 {
		t.Fatalf("SweepExpired = %d, want 1", n)
	}
	all, _ := f.assocs.ListAll(ctx)
	for _, a := range all {
		switch a.ID {
		case "old":
			if a.Status != task.AssocExpired {
				t.Fatalf("old status = %s, want expired", a.Status)
			}
		case "live":
			if a.Status != task.AssocActive {
				t.Fatalf("live status = %s, want active", a.Status)
			}
		}
	}
}
