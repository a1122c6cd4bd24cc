package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"chime/internal/rule"
	"chime/internal/task"
	"chime/pkg/logx"
)

// ScheduleTask registers cron entries for one task, replacing any existing
// registration for the same task first. Simple tasks get one job under the
// key "task:<id>"; worksheet tasks get one job per still-future row time
// under "task:<id>:<HH:MM>".
func (s *Service) ScheduleTask(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return ErrNotStarted
	}
	if t.Status != task.StatusActive {
		return fmt.Errorf("%w: %s is %s", ErrBadTask, t.ID, t.Status)
	}
	prim, err := rule.Compile(&t.Rule)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadTask, err)
	}

	s.CancelTask(t.ID)

	switch t.Type {
	case task.TypeSimple:
		err = s.registerSimple(t, prim)
	case task.TypeWorksheet:
		err = s.registerWorksheet(ctx, t, prim)
	default:
		err = fmt.Errorf("%w: unknown type %q", ErrBadTask, t.Type)
	}
	if err != nil {
		return err
	}
	s.updateNextRun(ctx, t.ID)
	return nil
}

// CancelTask removes every registration for the task. Cancelling a task
// with no registrations is a no-op, so callers can cancel unconditionally
// before scheduling.
func (s *Service) CancelTask(taskID string) {
	s.mu.Lock()
	keys := s.byTask[taskID]
	delete(s.byTask, taskID)
	var entries []cron.EntryID
	for _, k := range keys {
		if j, ok := s.jobs[k]; ok {
			entries = append(entries, j.entries...)
			delete(s.jobs, k)
		}
	}
	c := s.c
	s.mu.Unlock()
	if c != nil {
		for _, id := range entries {
			c.Remove(id)
		}
	}
	if len(keys) > 0 {
		s.log.Debug("task cancelled",
			logx.String("task", taskID), logx.Int("jobs", len(keys)))
	}
}

func (s *Service) registerSimple(t *task.Task, prim rule.Primitive) error {
	taskID := t.ID
	fire := func() { s.fireSimple(taskID) }

	var entries []cron.EntryID
	switch prim.Kind {
	case rule.PrimCalendar:
		for _, spec := range prim.CronSpecs {
			sched, err := s.parser.Parse(spec)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrBadTask, err)
			}
			entries = append(entries, s.c.Schedule(sched, cron.FuncJob(fire)))
		}
	case rule.PrimInterval:
		for _, iv := range prim.Intervals {
			entries = append(entries,
				s.c.Schedule(intervalSchedule{anchor: iv.Anchor.In(s.loc), every: iv.Every}, cron.FuncJob(fire)))
		}
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: rule yields no schedule", ErrBadTask)
	}

	key := "task:" + taskID
	s.mu.Lock()
	s.jobs[key] = &job{key: key, kind: kindSimple, taskID: taskID, entries: entries}
	s.byTask[taskID] = []string{key}
	s.mu.Unlock()
	s.log.Debug("task scheduled",
		logx.String("task", taskID), logx.Int("entries", len(entries)),
		logx.String("rule", rule.Describe(&t.Rule)))
	return nil
}

// registerWorksheet creates one daily job per row whose time has not yet
// passed today. The rule's day predicate is checked at fire time, so the
// cron entries are plain "every day at HH:MM" ticks. The candidate
// primitive is compiled only to reject malformed rules early.
func (s *Service) registerWorksheet(ctx context.Context, t *task.Task, _ rule.Primitive) error {
	if s.deps.Rows == nil {
		return fmt.Errorf("%w: no row source configured", ErrBadTask)
	}
	rows, err := s.deps.Rows.Rows(ctx, t.FileRef)
	if err != nil {
		return fmt.Errorf("load rows for %s: %w", t.ID, err)
	}

	now := s.now().In(s.loc)
	today := rule.Midnight(now)
	taskID := t.ID
	var keys []string
	for _, row := range rows {
		c, err := rule.ParseClock(row.Time)
		if err != nil {
			s.log.Warn("worksheet row dropped",
				logx.String("task", taskID), logx.String("time", row.Time), logx.Err(err))
			continue
		}
		if !c.At(today).After(now) {
			continue
		}
		msg := row.Message
		clk := c
		id, err := s.c.AddFunc(formatClockSpec(c), func() { s.fireRow(taskID, clk, msg) })
		if err != nil {
			s.log.Warn("worksheet row rejected",
				logx.String("task", taskID), logx.String("time", row.Time), logx.Err(err))
			continue
		}
		key := fmt.Sprintf("task:%s:%s", taskID, c)
		s.mu.Lock()
		s.jobs[key] = &job{key: key, kind: kindWorksheet, taskID: taskID, entries: []cron.EntryID{id}}
		s.mu.Unlock()
		keys = append(keys, key)
	}
	s.mu.Lock()
	s.byTask[taskID] = keys
	s.mu.Unlock()
	s.log.Debug("worksheet scheduled",
		logx.String("task", taskID), logx.Int("rows", len(keys)))
	return nil
}

// updateNextRun recomputes and persists the task's next projected firing.
func (s *Service) updateNextRun(ctx context.Context, taskID string) {
	t, err := s.deps.Tasks.FindByID(ctx, taskID)
	if err != nil {
		return
	}
	next := s.nextRunAt(ctx, &t, s.now().In(s.loc))
	t.NextRunAt = next
	if err := s.deps.Tasks.Save(ctx, t); err != nil {
		s.log.Warn("next run not persisted", logx.String("task", taskID), logx.Err(err))
	}
}

// nextRunAt scans forward day by day for the first instant strictly after
// the given time on a day the rule accepts. The scan is bounded to a year;
// rules that never match again report no next run.
func (s *Service) nextRunAt(ctx context.Context, t *task.Task, after time.Time) *time.Time {
	times := func(day time.Time) []rule.Clock {
		if t.Type == task.TypeWorksheet && s.deps.Rows != nil {
			rows, err := s.deps.Rows.Rows(ctx, t.FileRef)
			if err != nil {
				return nil
			}
			out := make([]rule.Clock, 0, len(rows))
			for _, r := range rows {
				if c, err := rule.ParseClock(r.Time); err == nil {
					out = append(out, c)
				}
			}
			rule.SortClocks(out)
			return out
		}
		return s.deps.Evaluator.TimesOn(&t.Rule, day)
	}

	day := rule.Midnight(after)
	for i := 0; i < 366; i++ {
		d := day.AddDate(0, 0, i)
		if !s.deps.Evaluator.AppliesOn(&t.Rule, d) {
			continue
		}
		for _, c := range times(d) {
			if at := c.At(d); at.After(after) {
				return &at
			}
		}
	}
	return nil
}
