package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chime/internal/eventbus"
	"chime/internal/rule"
	"chime/internal/task"
	"chime/pkg/logx"
)

// fireSimple runs one candidate tick of a simple task. Interval and
// calendar ticks over-generate, so the rule predicate is re-evaluated
// here before anything is sent.
func (s *Service) fireSimple(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.execBudget())
	defer cancel()

	t, err := s.deps.Tasks.FindByID(ctx, taskID)
	if err != nil {
		s.log.Warn("fire on missing task", logx.String("task", taskID), logx.Err(err))
		s.CancelTask(taskID)
		return
	}
	now := s.now().In(s.loc)
	if !s.gate(ctx, &t, now) {
		return
	}
	s.execute(ctx, &t, t.Message, now)
}

// fireRow runs one worksheet row at its daily tick. Rows carry their own
// message; the task rule decides whether today is a sending day.
func (s *Service) fireRow(taskID string, clk rule.Clock, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.execBudget())
	defer cancel()

	t, err := s.deps.Tasks.FindByID(ctx, taskID)
	if err != nil {
		s.log.Warn("fire on missing task", logx.String("task", taskID), logx.Err(err))
		s.CancelTask(taskID)
		return
	}
	now := s.now().In(s.loc)
	if !s.gate(ctx, &t, now) {
		return
	}
	// Worksheet rows get a single attempt. A failed row is recorded and
	// the next row carries on; retrying could cross into the next row's
	// slot and reorder the sheet.
	rec := task.ExecutionRecord{
		ID:            uuid.NewString(),
		TaskID:        t.ID,
		ScheduledTime: clk.At(rule.Midnight(now)),
		ExecutedAt:    now,
	}
	if err := s.send(ctx, &t, message); err != nil {
		rec.Outcome = task.OutcomeFailed
		rec.Error = err.Error()
		s.log.Warn("worksheet row failed",
			logx.String("task", t.ID), logx.String("time", clk.String()), logx.Err(err))
	} else {
		rec.Outcome = task.OutcomeSuccess
	}
	s.finish(ctx, &t, rec)
}

// gate is the authoritative fire-time check: the task must still be
// active, its rule must accept today, no association may suppress it, and
// the slot must not have fired already.
func (s *Service) gate(ctx context.Context, t *task.Task, now time.Time) bool {
	if t.Status != task.StatusActive {
		s.CancelTask(t.ID)
		return false
	}
	day := rule.Midnight(now)
	if !s.deps.Evaluator.AppliesOn(&t.Rule, day) {
		s.log.Debug("tick rejected by rule", logx.String("task", t.ID))
		return false
	}
	if s.deps.Resolver != nil {
		if sup, by := s.deps.Resolver.Suppressed(ctx, *t, day); sup {
			s.log.Info("firing suppressed",
				logx.String("task", t.ID), logx.String("by", by))
			s.recordSuppressed(ctx, t, now, by)
			return false
		}
	}
	if s.deps.Store != nil {
		key := firingKey(t.ID, now)
		if _, ok, err := s.deps.Store.GetDedup(ctx, key); err == nil && ok {
			s.log.Debug("duplicate tick dropped", logx.String("task", t.ID))
			return false
		}
		if err := s.deps.Store.PutDedup(ctx, key, now.Add(24*time.Hour)); err != nil {
			s.log.Warn("dedup write failed", logx.String("task", t.ID), logx.Err(err))
		}
	}
	return true
}

// execute sends a simple task's message with fixed-interval retries. Every
// attempt failure is logged; only the final outcome produces a record and
// touches the counters.
func (s *Service) execute(ctx context.Context, t *task.Task, message string, scheduled time.Time) {
	rec := task.ExecutionRecord{
		ID:            uuid.NewString(),
		TaskID:        t.ID,
		ScheduledTime: scheduled,
	}
	max := s.cfg.Settings.MaxRetries
	var lastErr error
	for attempt := 0; attempt <= max; attempt++ {
		lastErr = s.send(ctx, t, message)
		rec.RetryCount = attempt
		if lastErr == nil {
			break
		}
		s.log.Warn("attempt failed",
			logx.String("task", t.ID), logx.Int("attempt", attempt+1), logx.Err(lastErr))
		if attempt == max {
			break
		}
		select {
		case <-time.After(s.cfg.Settings.RetryInterval):
		case <-ctx.Done():
			attempt = max // deadline passed, stop retrying
		}
	}
	rec.ExecutedAt = s.now().In(s.loc)
	if lastErr != nil {
		rec.Outcome = task.OutcomeFailed
		rec.Error = lastErr.Error()
		s.notifyOps(ctx, fmt.Sprintf("task %q failed after %d attempts: %v",
			t.Name, rec.RetryCount+1, lastErr))
	} else {
		rec.Outcome = task.OutcomeSuccess
	}
	s.finish(ctx, t, rec)
}

// finish persists the record, bumps counters and recomputes the next run.
func (s *Service) finish(ctx context.Context, t *task.Task, rec task.ExecutionRecord) {
	if s.deps.Store != nil {
		if err := s.deps.Store.AppendRecord(ctx, rec); err != nil {
			s.log.Warn("record not persisted", logx.String("task", t.ID), logx.Err(err))
		}
	}
	task.Touch(t, rec.Outcome, rec.ExecutedAt, rec.Error)
	t.NextRunAt = s.nextRunAt(ctx, t, rec.ExecutedAt)
	if err := s.deps.Tasks.Save(ctx, *t); err != nil {
		s.log.Warn("task not persisted", logx.String("task", t.ID), logx.Err(err))
	}
	s.markFired(t.ID)
	typ := "task.fired"
	switch rec.Outcome {
	case task.OutcomeFailed:
		typ = "task.failed"
	case task.OutcomeSuppressed:
		typ = "task.suppressed"
	}
	s.publish(eventbus.Event{Type: typ, Time: rec.ExecutedAt, Data: rec})
}

// recordSuppressed books a suppressed slot like any other outcome: the
// record is appended, counters and lastRunAt advance, and the next run is
// recomputed. Only the send is withheld.
func (s *Service) recordSuppressed(ctx context.Context, t *task.Task, now time.Time, by string) {
	s.finish(ctx, t, task.ExecutionRecord{
		ID:            uuid.NewString(),
		TaskID:        t.ID,
		ScheduledTime: now,
		Outcome:       task.OutcomeSuppressed,
		Error:         by,
		ExecutedAt:    now,
	})
}

func (s *Service) send(ctx context.Context, t *task.Task, message string) error {
	if s.deps.Sink == nil {
		return errors.New("no sink configured")
	}
	return s.deps.Sink.Send(ctx, t.Target, message)
}

func (s *Service) notifyOps(ctx context.Context, message string) {
	if s.cfg.OpsTarget == "" || s.deps.Sink == nil {
		return
	}
	if err := s.deps.Sink.Send(ctx, s.cfg.OpsTarget, message); err != nil {
		s.log.Warn("operator notification failed", logx.Err(err))
	}
}

func (s *Service) markFired(taskID string) {
	now := s.now()
	s.mu.Lock()
	for _, k := range s.byTask[taskID] {
		if j, ok := s.jobs[k]; ok {
			j.lastFire = now
		}
	}
	s.mu.Unlock()
}

// execBudget bounds one firing end to end, retries included.
func (s *Service) execBudget() time.Duration {
	st := s.cfg.Settings
	per := st.TaskTimeout + st.RetryInterval
	return per * time.Duration(st.MaxRetries+1)
}
