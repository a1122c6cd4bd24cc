// Package orchestrator owns the live job registry: it turns stored tasks
// into cron registrations, fires them through an authoritative re-check,
// and keeps execution records and per-task counters.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chime/internal/conflict"
	"chime/internal/eventbus"
	"chime/internal/plan"
	"chime/internal/rule"
	"chime/internal/storage"
	"chime/internal/task"
	"chime/pkg/logx"
)

// Deps are the collaborators the orchestrator fires through. Tasks,
// Evaluator and Resolver are required; the rest degrade gracefully when
// nil (no rows, no delivery, no persistence, no planning).
type Deps struct {
	Tasks     task.Store
	Assocs    task.AssociationStore
	Rows      task.RowSource
	Sink      Sink
	Store     storage.Store
	Evaluator *rule.Evaluator
	Resolver  *conflict.Resolver
	Planner   *plan.Planner
}

// Sink delivers one message to a named target.
type Sink interface {
	Send(ctx context.Context, target, message string) error
}

type Service struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	deps Deps

	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	jobs   map[string]*job
	byTask map[string][]string

	running bool
	now     func() time.Time
}

type Option func(*Service)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, deps Deps, opts ...Option) (*Service, error) {
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, err
		}
		loc = l
	}
	cfg.Settings = cfg.Settings.WithDefaults()
	if cfg.PlanDays <= 0 {
		cfg.PlanDays = 7
	}
	s := &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		deps:   deps,
		loc:    loc,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   make(map[string]*job),
		byTask: make(map[string][]string),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || !s.cfg.Enabled {
		s.mu.Unlock()
		return nil
	}
	s.c = cron.New(cron.WithLocation(s.loc), cron.WithParser(s.parser))
	s.running = true
	s.registerSystemJobsLocked()
	s.mu.Unlock()

	if err := s.Reload(ctx); err != nil {
		s.log.Warn("initial task load failed", logx.Err(err))
	}
	s.c.Start()
	s.log.Info("orchestrator started", logx.String("tz", s.loc.String()))
	s.publish(eventbus.Event{Type: "orchestrator.started", Time: s.now()})
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c := s.c
	s.c = nil
	s.jobs = make(map[string]*job)
	s.byTask = make(map[string][]string)
	s.mu.Unlock()

	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("orchestrator stopped")
	return nil
}

// Apply swaps configuration at runtime. A change to timezone or settings
// restarts the cron instance so every registration picks it up.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	same := cfg.Enabled == s.cfg.Enabled &&
		cfg.Timezone == s.cfg.Timezone &&
		cfg.Settings.WithDefaults() == s.cfg.Settings &&
		cfg.OpsTarget == s.cfg.OpsTarget &&
		(cfg.PlanDays == s.cfg.PlanDays || cfg.PlanDays <= 0 && s.cfg.PlanDays == 7)
	running := s.running
	s.mu.Unlock()
	if same {
		return nil
	}
	if running {
		if err := s.Stop(ctx); err != nil {
			return err
		}
	}
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return err
		}
		loc = l
	}
	cfg.Settings = cfg.Settings.WithDefaults()
	if cfg.PlanDays <= 0 {
		cfg.PlanDays = 7
	}
	s.mu.Lock()
	s.cfg = cfg
	s.loc = loc
	s.mu.Unlock()
	if cfg.Enabled {
		return s.Start(ctx)
	}
	return nil
}

// Reload rebuilds the task registry from the store: every active task is
// cancelled and scheduled again. System jobs are untouched.
func (s *Service) Reload(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.mu.Unlock()

	tasks, err := s.deps.Tasks.FindActive(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(tasks))
	for i := range tasks {
		seen[tasks[i].ID] = true
		if err := s.ScheduleTask(ctx, &tasks[i]); err != nil {
			s.log.Warn("task skipped on reload",
				logx.String("task", tasks[i].ID), logx.Err(err))
		}
	}
	// Registrations for tasks no longer active are stale.
	s.mu.Lock()
	var stale []string
	for id := range s.byTask {
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.CancelTask(id)
	}
	s.log.Info("tasks reloaded", logx.Int("count", len(tasks)))
	return nil
}

// Snapshot reports the live registry for inspection.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: s.loc.String()}
	for _, j := range s.jobs {
		info := ScheduleInfo{Key: j.key, Kind: string(j.kind), TaskID: j.taskID, LastFire: j.lastFire}
		if s.c != nil && len(j.entries) > 0 {
			next := time.Time{}
			for _, id := range j.entries {
				e := s.c.Entry(id)
				if !e.Next.IsZero() && (next.IsZero() || e.Next.Before(next)) {
					next = e.Next
				}
			}
			info.Next = next
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	sort.Slice(snap.Jobs, func(i, k int) bool { return snap.Jobs[i].Key < snap.Jobs[k].Key })
	return snap
}

func (s *Service) publish(ev eventbus.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func (s *Service) registerSystemJobsLocked() {
	load, err := rule.ParseClock(s.cfg.Settings.DailyLoadTime)
	if err != nil {
		s.log.Warn("bad daily load time, using default",
			logx.String("value", s.cfg.Settings.DailyLoadTime), logx.Err(err))
		load = rule.Clock{Minute: 5}
	}
	s.addSystemJobLocked("system:daily-load", formatClockSpec(load), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := s.Reload(ctx); err != nil {
			s.log.Error("daily load failed", logx.Err(err))
		}
		s.runDailyPlan(ctx)
	})
	if s.deps.Resolver != nil {
		s.addSystemJobLocked("system:assoc-sweep", "30 0 * * *", func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if n := s.deps.Resolver.SweepExpired(ctx); n > 0 {
				s.log.Info("associations expired", logx.Int("count", n))
			}
		})
	}
}

func (s *Service) addSystemJobLocked(key, spec string, fn func()) {
	id, err := s.c.AddFunc(spec, fn)
	if err != nil {
		s.log.Error("system job rejected", logx.String("key", key), logx.Err(err))
		return
	}
	s.jobs[key] = &job{key: key, kind: kindSystem, entries: []cron.EntryID{id}}
}

// runDailyPlan projects the next PlanDays of firings and publishes the
// result on the bus. The plan is advisory; fire-time checks stay in charge.
func (s *Service) runDailyPlan(ctx context.Context) {
	if s.deps.Planner == nil {
		return
	}
	from := rule.Midnight(s.now().In(s.loc))
	to := from.AddDate(0, 0, s.cfg.PlanDays-1)
	tasks, err := s.deps.Tasks.FindActive(ctx)
	if err != nil {
		s.log.Warn("plan load failed", logx.Err(err))
		return
	}
	firings, suspensions, err := s.deps.Planner.Generate(ctx, from, to, tasks)
	if err != nil {
		s.log.Warn("plan generation failed", logx.Err(err))
		return
	}
	// A suspend_lower_priority resolution pauses the losing task. The
	// resolver only reports it; the write goes through the task boundary
	// here, and the paused task's registrations come down with it.
	for _, sp := range suspensions {
		if err := s.deps.Tasks.Suspend(ctx, sp.TaskID, sp.Days); err != nil {
			s.log.Warn("suspension not applied",
				logx.String("task", sp.TaskID), logx.Err(err))
			continue
		}
		s.CancelTask(sp.TaskID)
		s.log.Info("task suspended",
			logx.String("task", sp.TaskID), logx.Int("days", sp.Days))
	}
	s.log.Info("execution plan generated",
		logx.Int("days", s.cfg.PlanDays), logx.Int("firings", len(firings)),
		logx.Int("suspensions", len(suspensions)))
	s.publish(eventbus.Event{Type: "plan.generated", Time: s.now(), Data: firings})
}

func formatClockSpec(c rule.Clock) string {
	return fmt.Sprintf("%d %d * * *", c.Minute, c.Hour)
}
