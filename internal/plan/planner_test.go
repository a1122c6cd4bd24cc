package plan

import (
	"context"
	"testing"
	"time"

	"chime/internal/conflict"
	"chime/internal/rule"
	"chime/internal/task"
	"chime/pkg/logx"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newPlanner(t *testing.T, now time.Time, rows task.RowSource) *Planner {
	t.Helper()
	eval := rule.NewEvaluator(logx.Nop())
	res := conflict.New(logx.Nop(), task.NewMemStore(), task.NewMemAssociations(), eval,
		conflict.WithClock(func() time.Time { return now }))
	return New(Config{BatchSize: 2, MaxConcurrentBatches: 2}, logx.Nop(), eval, rows, res,
		WithClock(func() time.Time { return now }))
}

func TestGenerateSimpleTasks(t *testing.T) {
	t.Parallel()
	from := day(2026, time.March, 2) // Monday
	to := day(2026, time.March, 8)   // Sunday
	now := from.Add(-time.Hour)      // range is entirely in the future
	p := newPlanner(t, now, nil)

	tasks := []task.Task{
		{ID: "daily", Type: task.TypeSimple, Priority: task.PriorityNormal, Message: "d",
			Rule: rule.Rule{Kind: rule.KindDaily, Times: []string{"09:00", "17:00"}}},
		{ID: "mondays", Type: task.TypeSimple, Priority: task.PriorityNormal, Message: "m",
			Rule: rule.Rule{Kind: rule.KindByWeek, Week: rule.WeekMode{Weekdays: []int{1}}, Times: []string{"12:00"}}},
	}

	out, _, err := p.Generate(context.Background(), from, to, tasks)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	// daily: 7 days x 2 times; mondays: 1.
	if len(out) != 15 {
		t.Fatalf("got %d firings, want 15", len(out))
	}
	counts := map[string]int{}
	for _, f := range out {
		counts[f.TaskID]++
		if f.Skipped {
			t.Fatalf("unexpected skip: %+v", f)
		}
	}
	if counts["daily"] != 14 || counts["mondays"] != 1 {
		t.Fatalf("counts = %v, want daily=14 mondays=1", counts)
	}
}

func TestWorksheetDropsPastRowsToday(t *testing.T) {
	t.Parallel()
	d := day(2026, time.March, 4)
	now := d.Add(8*time.Hour + 30*time.Minute) // 08:30 on the scheduled day

	rows := task.NewMemRows()
	rows.Put("f1", []task.Row{
		{Time: "09:00", Message: "msg1"},
		{Time: "08:00", Message: "msg2"},
	})
	p := newPlanner(t, now, rows)

	tasks := []task.Task{{
		ID: "ws", Type: task.TypeWorksheet, Priority: task.PriorityNormal, FileRef: "f1",
		Rule: rule.Rule{Kind: rule.KindDaily},
	}}

	out, _, err := p.Generate(context.Background(), d, d, tasks)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d firings, want 1 (08:00 dropped): %+v", len(out), out)
	}
	if out[0].Time != (rule.Clock{Hour: 9}) || out[0].Message != "msg1" {
		t.Fatalf("unexpected firing: %+v", out[0])
	}

	// On a future day both rows survive.
	next := d.AddDate(0, 0, 1)
	out, _, err = p.Generate(context.Background(), next, next, tasks)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("future day: got %d firings, want 2", len(out))
	}
}

func TestGenerateAppliesConflictResolution(t *testing.T) {
	t.Parallel()
	d := day(2026, time.March, 4)
	now := d.Add(-time.Hour)
	p := newPlanner(t, now, nil)

	tasks := []task.Task{
		{ID: "hi", Type: task.TypeSimple, Priority: task.PriorityHigh,
			Rule: rule.Rule{Kind: rule.KindDaily, Times: []string{"09:00"}}},
		{ID: "lo", Type: task.TypeSimple, Priority: task.PriorityLow,
			Rule: rule.Rule{Kind: rule.KindDaily, Times: []string{"09:00"}}},
	}

	out, _, err := p.Generate(context.Background(), d, d, tasks)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d firings, want 2", len(out))
	}
	for _, f := range out {
		switch f.TaskID {
		case "hi":
			if f.Skipped {
				t.Fatal("high-priority firing skipped")
			}
		case "lo":
			if !f.Skipped {
				t.Fatal("low-priority firing not skipped")
			}
		}
	}
}

func TestGenerateIsolatesRowSourceFailure(t *testing.T) {
	t.Parallel()
	d := day(2026, time.March, 4)
	now := d.Add(-time.Hour)
	p := newPlanner(t, now, failingRows{})

	tasks := []task.Task{
		{ID: "ws", Type: task.TypeWorksheet, Priority: task.PriorityNormal, FileRef: "broken",
			Rule: rule.Rule{Kind: rule.KindDaily}},
		{ID: "ok", Type: task.TypeSimple, Priority: task.PriorityNormal,
			Rule: rule.Rule{Kind: rule.KindDaily, Times: []string{"10:00"}}},
	}

	out, _, err := p.Generate(context.Background(), d, d, tasks)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(out) != 1 || out[0].TaskID != "ok" {
		t.Fatalf("expected only the healthy task's firing, got %+v", out)
	}
}

func TestGenerateRejectsInvertedRange(t *testing.T) {
	t.Parallel()
	p := newPlanner(t, time.Now(), nil)
	_, _, err := p.Generate(context.Background(), day(2026, time.March, 4), day(2026, time.March, 1), nil)
	if err == nil {
		t.Fatal("expected error for inverted range")
	}
}

type failingRows struct{}

func (failingRows) Rows(context.Context, string) ([]task.Row, error) {
	return nil, context.DeadlineExceeded
}
