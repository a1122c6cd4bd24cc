// Package app wires the daemon together: config, logging, storage, the
// conflict resolver, the planner and the orchestrator, plus hot reload of
// both the config file and the task definitions.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"chime/internal/cache"
	"chime/internal/config"
	"chime/internal/conflict"
	"chime/internal/eventbus"
	"chime/internal/notify"
	"chime/internal/orchestrator"
	"chime/internal/plan"
	"chime/internal/rule"
	"chime/internal/storage"
	"chime/internal/task"
	"chime/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service

	bus    eventbus.Bus
	store  storage.Store
	cache  *cache.Memory
	tasks  *task.MemStore
	assocs *task.MemAssociations
	rows   *rowSource
	sink   *liveTargets
	res    *conflict.Resolver
	orch   *orchestrator.Service

	loc *time.Location
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	storeCfg, err := storageConfig(cfg.Storage)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	whTimeout, err := config.ParseDurationOrDefault("webhook.timeout", cfg.Webhook.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	sink := newLiveTargets(cfg.Webhook.Targets)
	sink.webhook = notify.NewWebhook(notify.WebhookConfig{
		Timeout:    whTimeout,
		RatePerSec: cfg.Webhook.RatePerSec,
	}, log.With(logx.String("comp", "webhook")), sink)

	tasks := task.NewMemStore()
	assocs := task.NewMemAssociations()
	rows := &rowSource{dir: cfg.SheetsDir}
	mem := cache.NewMemory(time.Minute)

	eval := rule.NewEvaluator(log.With(logx.String("comp", "rules")))
	res := conflict.New(log.With(logx.String("comp", "conflict")), tasks, assocs, eval,
		conflict.WithCache(mem, time.Minute))

	planner := plan.New(plannerConfig(cfg.Planner),
		log.With(logx.String("comp", "planner")), eval, rows, res)

	bus := eventbus.New()

	orchCfg, err := orchestratorConfig(cfg)
	if err != nil {
		return nil, err
	}
	orch, err := orchestrator.New(orchCfg, log.With(logx.String("comp", "orchestrator")), bus,
		orchestrator.Deps{
			Tasks:     tasks,
			Assocs:    assocs,
			Rows:      rows,
			Sink:      sink.webhook,
			Store:     store,
			Evaluator: eval,
			Resolver:  res,
			Planner:   planner,
		})
	if err != nil {
		return nil, err
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   store,
		cache:   mem,
		tasks:   tasks,
		assocs:  assocs,
		rows:    rows,
		sink:    sink,
		res:     res,
		orch:    orch,
		loc:     loc,
	}, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	cfg := a.cfgm.Get()
	if cfg.TasksFile != "" {
		if err := a.loadTasks(a.sup.Context(), cfg.TasksFile); err != nil {
			return err
		}
	}

	if err := a.orch.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("config.watch", a.cfgm.Watch)

	events, unsubEvents := a.bus.Subscribe(64)
	a.sup.Go0("events", func(c context.Context) {
		defer unsubEvents()
		watchEvents(c, a.log.With(logx.String("comp", "events")), events)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the latest config matters.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto apply
					}
				}
			apply:
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})

	a.log.Info("started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	var first error
	if a.orch != nil {
		if err := a.orch.Stop(ctx); err != nil && first == nil {
			first = err
		}
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && first == nil {
			first = err
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && first == nil {
			first = err
		}
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return first
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		return
	}
	a.log.Info("config changed",
		append([]logx.Field{logx.String("sections", strings.Join(sections, ","))}, attrs...)...)

	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	a.sink.setTargets(newCfg.Webhook.Targets)
	a.rows.setDir(newCfg.SheetsDir)

	if newCfg.TasksFile != "" {
		if err := a.loadTasks(ctx, newCfg.TasksFile); err != nil {
			a.log.Warn("task definitions not reloaded", logx.Err(err))
		}
	}

	orchCfg, err := orchestratorConfig(newCfg)
	if err != nil {
		a.log.Warn("scheduler config rejected", logx.Err(err))
		return
	}
	if err := a.orch.Apply(ctx, orchCfg); err != nil {
		a.log.Error("scheduler config not applied", logx.Err(err))
	}
}

// loadTasks replaces the in-memory task and association sets from the
// definitions file, then tells the orchestrator to rebuild its registry.
func (a *App) loadTasks(ctx context.Context, path string) error {
	tasks, assocs, err := task.LoadFile(path, a.loc)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	a.tasks.Replace(tasks)
	a.assocs.Replace(assocs)
	a.res.Invalidate()
	a.log.Info("task definitions loaded",
		logx.Int("tasks", len(tasks)), logx.Int("associations", len(assocs)))
	if err := a.orch.Reload(ctx); err != nil && err != orchestrator.ErrNotStarted {
		return err
	}
	return nil
}

func validate(cfg *config.Config) error {
	if cfg.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must be >= 0")
	}
	if _, err := config.ParseDurationField("scheduler.retry_interval", cfg.Scheduler.RetryInterval); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("scheduler.task_timeout", cfg.Scheduler.TaskTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("webhook.timeout", cfg.Webhook.Timeout); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if t := strings.TrimSpace(cfg.Scheduler.DailyLoadTime); t != "" {
		if _, err := rule.ParseClock(t); err != nil {
			return fmt.Errorf("scheduler.daily_load_time: %w", err)
		}
	}
	if cfg.Scheduler.OpsTarget != "" {
		if _, ok := cfg.Webhook.Targets[cfg.Scheduler.OpsTarget]; !ok {
			return fmt.Errorf("scheduler.ops_target %q has no webhook target", cfg.Scheduler.OpsTarget)
		}
	}
	return nil
}

func orchestratorConfig(cfg *config.Config) (orchestrator.Config, error) {
	retry, err := config.ParseDurationOrDefault("scheduler.retry_interval", cfg.Scheduler.RetryInterval, 30*time.Second)
	if err != nil {
		return orchestrator.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("scheduler.task_timeout", cfg.Scheduler.TaskTimeout, 30*time.Second)
	if err != nil {
		return orchestrator.Config{}, err
	}
	return orchestrator.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
		Settings: task.Settings{
			MaxRetries:    cfg.Scheduler.MaxRetries,
			RetryInterval: retry,
			TaskTimeout:   timeout,
			DailyLoadTime: cfg.Scheduler.DailyLoadTime,
		},
		PlanDays:  cfg.Scheduler.PlanDays,
		OpsTarget: cfg.Scheduler.OpsTarget,
	}, nil
}

func plannerConfig(pc *config.PlannerConfig) plan.Config {
	if pc == nil {
		return plan.Config{}
	}
	return plan.Config{
		BatchSize:            pc.BatchSize,
		MaxConcurrentBatches: pc.MaxConcurrentBatches,
		MemSoftLimitMB:       pc.MemSoftLimitMB,
	}
}

func storageConfig(sc *config.StorageConfig) (storage.Config, error) {
	if sc == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: busy}, nil
}

// liveTargets adapts the config's webhook targets to notify.Targets and
// allows hot swapping them on reload.
type liveTargets struct {
	mu      sync.RWMutex
	targets notify.StaticTargets
	webhook *notify.Webhook
}

func newLiveTargets(tc map[string]config.TargetConfig) *liveTargets {
	lt := &liveTargets{}
	lt.setTargets(tc)
	return lt
}

func (l *liveTargets) setTargets(tc map[string]config.TargetConfig) {
	st := make(notify.StaticTargets, len(tc))
	for id, t := range tc {
		st[id] = notify.Target{ID: id, URL: t.URL, Secret: t.Secret}
	}
	l.mu.Lock()
	l.targets = st
	l.mu.Unlock()
}

func (l *liveTargets) Lookup(id string) (notify.Target, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.targets.Lookup(id)
}

// rowSource serves worksheet rows from the configured sheets directory.
// The directory can change on config reload.
type rowSource struct {
	mu  sync.RWMutex
	dir string
}

func (r *rowSource) setDir(dir string) {
	r.mu.Lock()
	r.dir = dir
	r.mu.Unlock()
}

func (r *rowSource) Rows(ctx context.Context, fileRef string) ([]task.Row, error) {
	r.mu.RLock()
	dir := r.dir
	r.mu.RUnlock()
	if dir == "" {
		return nil, fmt.Errorf("no sheets directory configured")
	}
	return task.NewDirRows(dir).Rows(ctx, fileRef)
}
