package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chime/internal/conflict"
	"chime/internal/plan"
	"chime/internal/rule"
	"chime/internal/task"
	"chime/pkg/logx"
)

type fakeSink struct {
	mu    sync.Mutex
	fail  int // fail the first N sends
	sends []string
}

func (f *fakeSink) Send(ctx context.Context, target, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("delivery refused")
	}
	f.sends = append(f.sends, target+"|"+message)
	return nil
}

func (f *fakeSink) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

type fakeStore struct {
	mu      sync.Mutex
	records []task.ExecutionRecord
	dedup   map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{dedup: make(map[string]time.Time)}
}

func (f *fakeStore) AppendRecord(ctx context.Context, r task.ExecutionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return nil
}

func (f *fakeStore) ListRecords(ctx context.Context, taskID string, limit int) ([]task.ExecutionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []task.ExecutionRecord
	for _, r := range f.records {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dedup[key] = until
	return nil
}

func (f *fakeStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.dedup[key]
	return u, ok, nil
}

func (f *fakeStore) Close() error { return nil }

type staticRows map[string][]task.Row

func (s staticRows) Rows(ctx context.Context, fileRef string) ([]task.Row, error) {
	rows, ok := s[fileRef]
	if !ok {
		return nil, errors.New("no such sheet")
	}
	return rows, nil
}

func dailyTask(id string, times ...string) task.Task {
	return task.Task{
		ID:       id,
		Name:     id,
		Type:     task.TypeSimple,
		Status:   task.StatusActive,
		Priority: task.PriorityNormal,
		Target:   "team",
		Message:  "ping " + id,
		Rule: rule.Rule{
			Kind:  rule.KindDaily,
			Times: times,
			Day:   rule.DayMode{Mode: rule.DayEvery},
		},
	}
}

type fixture struct {
	svc   *Service
	tasks *task.MemStore
	sink  *fakeSink
	store *fakeStore
	rows  staticRows
	now   time.Time
}

func newFixture(t *testing.T, cfgMut ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		tasks: task.NewMemStore(),
		sink:  &fakeSink{},
		store: newFakeStore(),
		rows:  staticRows{},
		// Monday 2026-03-02, mid-morning.
		now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	cfg := Config{
		Enabled:  true,
		Timezone: "UTC",
		Settings: task.Settings{MaxRetries: 2, RetryInterval: time.Millisecond, TaskTimeout: time.Second},
	}
	for _, m := range cfgMut {
		m(&cfg)
	}
	eval := rule.NewEvaluator(logx.Nop())
	res := conflict.New(logx.Nop(), f.tasks, task.NewMemAssociations(), eval,
		conflict.WithClock(func() time.Time { return f.now }))
	svc, err := New(cfg, logx.Nop(), nil, Deps{
		Tasks:     f.tasks,
		Rows:      f.rows,
		Sink:      f.sink,
		Store:     f.store,
		Evaluator: eval,
		Resolver:  res,
	}, WithClock(func() time.Time { return f.now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { f.svc.Stop(context.Background()) })
}

// taskJobs filters the registry snapshot down to task registrations; the
// system jobs (daily load, association sweep) are always present.
func taskJobs(snap Snapshot) []ScheduleInfo {
	var out []ScheduleInfo
	for _, j := range snap.Jobs {
		if j.Kind != string(kindSystem) {
			out = append(out, j)
		}
	}
	return out
}

func TestIntervalScheduleNext(t *testing.T) {
	t.Parallel()
	anchor := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	s := intervalSchedule{anchor: anchor, every: 48 * time.Hour}

	cases := []struct {
		after time.Time
		want  time.Time
	}{
		{anchor.Add(-time.Hour), anchor},
		{anchor, anchor}, // a tick landing exactly on the anchor fires there
		{anchor.Add(time.Nanosecond), anchor.Add(48 * time.Hour)},
		{anchor.Add(time.Minute), anchor.Add(48 * time.Hour)},
		{anchor.Add(95 * time.Hour), anchor.Add(96 * time.Hour)},
	}
	for _, c := range cases {
		if got := s.Next(c.after); !got.Equal(c.want) {
			t.Errorf("Next(%v) = %v, want %v", c.after, got, c.want)
		}
	}
	if got := (intervalSchedule{anchor: anchor}).Next(anchor); !got.IsZero() {
		t.Errorf("zero period should never fire, got %v", got)
	}
}

func TestScheduleCancelIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)

	a := dailyTask("a", "23:55")
	if err := f.tasks.Save(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ScheduleTask(context.Background(), &a); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	if got := len(taskJobs(f.svc.Snapshot())); got != 1 {
		t.Fatalf("jobs after schedule = %d, want 1", got)
	}

	f.svc.CancelTask("a")
	f.svc.CancelTask("a") // second cancel must be a no-op
	if got := len(taskJobs(f.svc.Snapshot())); got != 0 {
		t.Fatalf("jobs after cancel = %d, want 0", got)
	}

	// Schedule twice in a row: the second replaces, never duplicates.
	if err := f.svc.ScheduleTask(context.Background(), &a); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ScheduleTask(context.Background(), &a); err != nil {
		t.Fatal(err)
	}
	if got := len(taskJobs(f.svc.Snapshot())); got != 1 {
		t.Fatalf("jobs after reschedule = %d, want 1", got)
	}
}

func TestScheduleRejectsBadTasks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)

	paused := dailyTask("p", "10:00")
	paused.Status = task.StatusPaused
	if err := f.svc.ScheduleTask(context.Background(), &paused); !errors.Is(err, ErrBadTask) {
		t.Errorf("paused task: err = %v, want ErrBadTask", err)
	}

	bad := dailyTask("b", "27:00")
	if err := f.svc.ScheduleTask(context.Background(), &bad); err == nil {
		t.Error("bad time accepted")
	}
}

func TestWorksheetSchedulesOnlyFutureRows(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)

	w := dailyTask("w")
	w.Type = task.TypeWorksheet
	w.FileRef = "sheet-1"
	f.rows["sheet-1"] = []task.Row{
		{Time: "08:00", Message: "morning"}, // already past at 09:00
		{Time: "12:00", Message: "noon"},
		{Time: "18:30", Message: "evening"},
		{Time: "nope", Message: "dropped"},
	}
	if err := f.tasks.Save(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ScheduleTask(context.Background(), &w); err != nil {
		t.Fatalf("ScheduleTask: %v", err)
	}
	var keys []string
	for _, j := range taskJobs(f.svc.Snapshot()) {
		keys = append(keys, j.Key)
	}
	want := []string{"task:w:12:00", "task:w:18:30"}
	if len(keys) != len(want) {
		t.Fatalf("job keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("job keys = %v, want %v", keys, want)
		}
	}
}

func TestFireSimpleSendsAndRecords(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	a := dailyTask("a", "09:00")
	if err := f.tasks.Save(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	f.svc.fireSimple("a")

	if got := f.sink.sent(); len(got) != 1 || got[0] != "team|ping a" {
		t.Fatalf("sends = %v", got)
	}
	got, err := f.tasks.FindByID(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.ExecutionCount != 1 || got.SuccessCount != 1 || got.FailureCount != 0 {
		t.Errorf("counters = %d/%d/%d, want 1/1/0",
			got.ExecutionCount, got.SuccessCount, got.FailureCount)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(f.now) {
		t.Errorf("LastRunAt = %v, want %v", got.LastRunAt, f.now)
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(f.now) {
		t.Errorf("NextRunAt = %v, want strictly after %v", got.NextRunAt, f.now)
	}
	recs, _ := f.store.ListRecords(context.Background(), "a", 0)
	if len(recs) != 1 || recs[0].Outcome != task.OutcomeSuccess {
		t.Fatalf("records = %+v", recs)
	}
}

func TestFireSimpleDeduplicatesSlot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	a := dailyTask("a", "09:00")
	if err := f.tasks.Save(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	f.svc.fireSimple("a")
	f.svc.fireSimple("a") // same minute, must be dropped

	if got := len(f.sink.sent()); got != 1 {
		t.Fatalf("sends = %d, want 1", got)
	}
}

func TestFireSimpleRejectedByRule(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Tuesdays only; the clock says Monday.
	a := dailyTask("a", "09:00")
	a.Rule.Kind = rule.KindByWeek
	a.Rule.Day = rule.DayMode{}
	a.Rule.Week = rule.WeekMode{Weekdays: []int{2}, Occurrence: rule.OccurEvery}
	if err := f.tasks.Save(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	f.svc.fireSimple("a")

	if got := len(f.sink.sent()); got != 0 {
		t.Fatalf("sends = %d, want 0", got)
	}
	got, _ := f.tasks.FindByID(context.Background(), "a")
	if got.ExecutionCount != 0 {
		t.Errorf("rejected tick must not touch counters, got %d", got.ExecutionCount)
	}
}

func TestFireSimpleRetriesThenNotifiesOps(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) { c.OpsTarget = "ops" })
	f.sink.fail = 3 // every delivery attempt fails, MaxRetries+1 of them

	a := dailyTask("a", "09:00")
	if err := f.tasks.Save(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	f.svc.fireSimple("a")

	recs, _ := f.store.ListRecords(context.Background(), "a", 0)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].Outcome != task.OutcomeFailed || recs[0].RetryCount != 2 {
		t.Errorf("record = %+v, want failed with RetryCount 2", recs[0])
	}
	got, _ := f.tasks.FindByID(context.Background(), "a")
	if got.FailureCount != 1 || got.LastError == "" {
		t.Errorf("counters = %+v", got)
	}
	// 3 failed sends consumed, then the ops notification goes through.
	sent := f.sink.sent()
	if len(sent) != 1 || !strings.HasPrefix(sent[0], "ops|") {
		t.Fatalf("sends = %v, want one ops notification", sent)
	}
}

func TestFireRowSingleAttempt(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sink.fail = 1

	w := dailyTask("w")
	w.Type = task.TypeWorksheet
	w.FileRef = "sheet-1"
	f.rows["sheet-1"] = []task.Row{{Time: "09:00", Message: "hello"}}
	if err := f.tasks.Save(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	f.svc.fireRow("w", rule.Clock{Hour: 9}, "hello")

	if got := len(f.sink.sent()); got != 0 {
		t.Fatalf("row must not retry, sends = %d", got)
	}
	recs, _ := f.store.ListRecords(context.Background(), "w", 0)
	if len(recs) != 1 || recs[0].Outcome != task.OutcomeFailed {
		t.Fatalf("records = %+v", recs)
	}
}

func TestFireSuppressedByAssociation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	lo := dailyTask("lo", "09:00")
	lo.Priority = task.PriorityLow
	hi := dailyTask("hi", "09:00")
	hi.Priority = task.PriorityHigh
	for _, tk := range []task.Task{lo, hi} {
		if err := f.tasks.Save(context.Background(), tk); err != nil {
			t.Fatal(err)
		}
	}
	assocs := task.NewMemAssociations()
	assocs.Save(context.Background(), task.Association{
		ID:           "x1",
		PrimaryID:    "hi",
		AssociatedID: "lo",
		Relationship: task.RelMutualExclusive,
		Status:       task.AssocActive,
	})
	eval := rule.NewEvaluator(logx.Nop())
	f.svc.deps.Resolver = conflict.New(logx.Nop(), f.tasks, assocs, eval,
		conflict.WithClock(func() time.Time { return f.now }))

	f.svc.fireSimple("lo")
	if got := len(f.sink.sent()); got != 0 {
		t.Fatalf("suppressed task sent %d messages", got)
	}
	recs, _ := f.store.ListRecords(context.Background(), "lo", 0)
	if len(recs) != 1 || recs[0].Outcome != task.OutcomeSuppressed {
		t.Fatalf("records = %+v, want one suppressed", recs)
	}

	// A suppressed slot still counts as an execution: counters advance,
	// lastRunAt is stamped and the next run is recomputed.
	got, err := f.tasks.FindByID(context.Background(), "lo")
	if err != nil {
		t.Fatal(err)
	}
	if got.ExecutionCount != 1 || got.SuccessCount != 0 || got.FailureCount != 0 {
		t.Fatalf("counters = %d/%d/%d, want 1/0/0",
			got.ExecutionCount, got.SuccessCount, got.FailureCount)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(f.now) {
		t.Fatalf("LastRunAt = %v, want %v", got.LastRunAt, f.now)
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(f.now) {
		t.Fatalf("NextRunAt = %v, want after %v", got.NextRunAt, f.now)
	}

	// The suppressor itself fires normally.
	f.svc.fireSimple("hi")
	if got := f.sink.sent(); len(got) != 1 || got[0] != "team|ping hi" {
		t.Fatalf("sends = %v", got)
	}
}

func TestDailyPlanSuspendsLowerPriority(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)

	lo := dailyTask("lo", "23:55")
	lo.Priority = task.PriorityLow
	hi := dailyTask("hi", "23:55")
	hi.Priority = task.PriorityHigh
	for _, tk := range []task.Task{lo, hi} {
		if err := f.tasks.Save(context.Background(), tk); err != nil {
			t.Fatal(err)
		}
		if err := f.svc.ScheduleTask(context.Background(), &tk); err != nil {
			t.Fatalf("ScheduleTask: %v", err)
		}
	}
	assocs := task.NewMemAssociations()
	assocs.Save(context.Background(), task.Association{
		ID:           "x2",
		PrimaryID:    "hi",
		AssociatedID: "lo",
		Relationship: task.RelPriorityBased,
		Rule:         task.PriorityRule{Strategy: task.StrategySuspendLower, SuspendDays: 2},
		Status:       task.AssocActive,
	})
	eval := rule.NewEvaluator(logx.Nop())
	res := conflict.New(logx.Nop(), f.tasks, assocs, eval,
		conflict.WithClock(func() time.Time { return f.now }))
	f.svc.deps.Resolver = res
	f.svc.deps.Planner = plan.New(plan.Config{}, logx.Nop(), eval, f.rows, res,
		plan.WithClock(func() time.Time { return f.now }))

	f.svc.runDailyPlan(context.Background())

	// The losing task is paused through the task boundary and its
	// registrations are cancelled; the winner keeps both.
	got, err := f.tasks.FindByID(context.Background(), "lo")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != task.StatusPaused {
		t.Fatalf("lo status = %q, want paused", got.Status)
	}
	winner, err := f.tasks.FindByID(context.Background(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	if winner.Status != task.StatusActive {
		t.Fatalf("hi status = %q, want active", winner.Status)
	}
	jobs := taskJobs(f.svc.Snapshot())
	if len(jobs) != 1 || jobs[0].TaskID != "hi" {
		t.Fatalf("jobs after plan = %+v, want only hi", jobs)
	}
}

func TestNextRunAtProperties(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	eval := rule.NewEvaluator(logx.Nop())

	rules := []rule.Rule{
		{Kind: rule.KindDaily, Times: []string{"10:00"}, Day: rule.DayMode{Mode: rule.DayEvery}},
		{Kind: rule.KindByWeek, Times: []string{"08:30"},
			Week: rule.WeekMode{Weekdays: []int{1, 4}, Occurrence: rule.OccurEvery}},
		{Kind: rule.KindByMonth, Times: []string{"09:15"},
			Day: rule.DayMode{Mode: rule.DayLast}},
		{Kind: rule.KindByInterval, Times: []string{"12:00"},
			Interval: rule.IntervalMode{Value: 3, Unit: rule.UnitDays,
				Reference: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}},
	}
	afters := []time.Time{
		f.now,
		time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC),
		time.Date(2026, 12, 31, 12, 0, 0, 0, time.UTC),
	}
	for i, r := range rules {
		for _, after := range afters {
			tk := dailyTask("t", "10:00")
			tk.Rule = r
			got := f.svc.nextRunAt(context.Background(), &tk, after)
			if got == nil {
				t.Fatalf("rule %d: no next run after %v", i, after)
			}
			if !got.After(after) {
				t.Errorf("rule %d: next %v not strictly after %v", i, *got, after)
			}
			if !eval.AppliesOn(&r, rule.Midnight(*got)) {
				t.Errorf("rule %d: next %v lands on a non-matching day", i, *got)
			}
		}
	}
}

func TestNextRunAtExhaustedWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tk := dailyTask("t", "10:00")
	tk.Rule = rule.Rule{Kind: rule.KindSpecificDate, Times: []string{"10:00"},
		Dates: []string{"2026-01-15"}}
	after := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if got := f.svc.nextRunAt(context.Background(), &tk, after); got != nil {
		t.Errorf("past-only rule: next = %v, want nil", *got)
	}
}

func TestReloadDropsStaleRegistrations(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)

	a := dailyTask("a", "23:55")
	b := dailyTask("b", "23:55")
	for _, tk := range []task.Task{a, b} {
		if err := f.tasks.Save(context.Background(), tk); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.svc.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(taskJobs(f.svc.Snapshot())); got != 2 {
		t.Fatalf("jobs = %d, want 2", got)
	}

	b.Status = task.StatusClosed
	if err := f.tasks.Save(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	jobs := taskJobs(f.svc.Snapshot())
	if len(jobs) != 1 || jobs[0].TaskID != "a" {
		t.Fatalf("jobs after reload = %+v, want only task a", jobs)
	}
}

func TestApplyDisableStopsService(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)

	cfg := f.svc.cfg
	cfg.Enabled = false
	if err := f.svc.Apply(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	a := dailyTask("a", "23:55")
	if err := f.svc.ScheduleTask(context.Background(), &a); !errors.Is(err, ErrNotStarted) {
		t.Errorf("schedule on stopped service: err = %v, want ErrNotStarted", err)
	}
}
