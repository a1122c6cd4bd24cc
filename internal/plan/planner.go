// Package plan forward-projects (task, rule) pairs across a date range into
// concrete firing records. Generation runs in bounded concurrent batches to
// cap peak memory; conflict resolution is a single-threaded post-pass per
// day, so batch completion order never affects the result.
package plan

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"chime/internal/conflict"
	"chime/internal/rule"
	"chime/internal/task"
	"chime/pkg/logx"
)

type Config struct {
	BatchSize            int
	MaxConcurrentBatches int
	MemSoftLimitMB       int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxConcurrentBatches <= 0 {
		c.MaxConcurrentBatches = 4
	}
	if c.MemSoftLimitMB <= 0 {
		c.MemSoftLimitMB = 512
	}
	return c
}

type Planner struct {
	cfg  Config
	log  logx.Logger
	eval *rule.Evaluator
	rows task.RowSource
	res  *conflict.Resolver

	now func() time.Time
}

type Option func(*Planner)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(p *Planner) { p.now = now }
}

func New(cfg Config, log logx.Logger, eval *rule.Evaluator, rows task.RowSource, res *conflict.Resolver, opts ...Option) *Planner {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Planner{cfg: cfg.withDefaults(), log: log, eval: eval, rows: rows, res: res, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Generate projects the active tasks across [from, to] (civil days,
// inclusive) and returns the conflict-resolved firing list plus the
// suspensions the resolution produced. One task's failure is logged and
// skipped; it never aborts the batch.
func (p *Planner) Generate(ctx context.Context, from, to time.Time, tasks []task.Task) ([]task.Firing, []conflict.Suspension, error) {
	from = rule.Midnight(from)
	to = rule.Midnight(to)
	if to.Before(from) {
		return nil, nil, fmt.Errorf("plan: range end %s before start %s", rule.ISODate(to), rule.ISODate(from))
	}

	var (
		out         []task.Firing
		suspensions []conflict.Suspension
	)
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		firings := p.generateDay(ctx, day, tasks)

		// Deterministic resolution input: slot order, then task order.
		sort.Slice(firings, func(i, j int) bool {
			if firings[i].Slot() != firings[j].Slot() {
				return firings[i].Slot() < firings[j].Slot()
			}
			return firings[i].TaskID < firings[j].TaskID
		})

		if p.res != nil {
			resolved, sus := p.res.ResolveDay(ctx, firings)
			firings = resolved
			suspensions = append(suspensions, sus...)
		}
		out = append(out, firings...)
	}
	p.log.Info("plan generated",
		logx.String("from", rule.ISODate(from)), logx.String("to", rule.ISODate(to)),
		logx.Int("tasks", len(tasks)), logx.Int("firings", len(out)))
	return out, suspensions, nil
}

// generateDay fans task batches out over a bounded worker set and merges
// their firings. The bound caps concurrent per-batch allocations, not
// correctness: results are merged and re-sorted by the caller.
func (p *Planner) generateDay(ctx context.Context, day time.Time, tasks []task.Task) []task.Firing {
	var (
		mu  sync.Mutex
		out []task.Firing
		wg  sync.WaitGroup
	)
	sem := make(chan struct{}, p.cfg.MaxConcurrentBatches)

	for start := 0; start < len(tasks); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(tasks) {
			end = len(tasks)
		}
		batch := tasks[start:end]

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			var local []task.Firing
			for i := range batch {
				local = append(local, p.generateTask(ctx, day, batch[i])...)
			}
			mu.Lock()
			out = append(out, local...)
			mu.Unlock()
			p.checkMemory()
		}()
	}
	wg.Wait()
	return out
}

// generateTask is isolated per task: a panic or error in one projection
// logs and yields nothing.
func (p *Planner) generateTask(ctx context.Context, day time.Time, t task.Task) (out []task.Firing) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Warn("task projection panicked, skipping",
				logx.String("task", t.ID), logx.Any("panic", rec))
			out = nil
		}
	}()

	if t.Type == task.TypeWorksheet {
		return p.generateWorksheet(ctx, day, t)
	}

	for _, c := range p.eval.TimesOn(&t.Rule, day) {
		out = append(out, task.Firing{
			TaskID:   t.ID,
			Date:     day,
			Time:     c,
			Message:  t.Message,
			Priority: t.Priority,
		})
	}
	return out
}

func (p *Planner) generateWorksheet(ctx context.Context, day time.Time, t task.Task) []task.Firing {
	// Worksheet tasks supply no execution times; the rule only gates the day.
	if !p.eval.AppliesOn(&t.Rule, day) {
		return nil
	}
	if p.rows == nil {
		p.log.Warn("worksheet task without row source", logx.String("task", t.ID))
		return nil
	}
	rows, err := p.rows.Rows(ctx, t.FileRef)
	if err != nil {
		p.log.Warn("worksheet rows unavailable, skipping task",
			logx.String("task", t.ID), logx.String("file", t.FileRef), logx.Err(err))
		return nil
	}

	now := p.now()
	today := rule.Midnight(now).Equal(rule.Midnight(day))

	var out []task.Firing
	for _, row := range rows {
		c, err := rule.ParseClock(row.Time)
		if err != nil {
			p.log.Warn("dropping worksheet row with malformed time",
				logx.String("task", t.ID), logx.String("time", row.Time))
			continue
		}
		// Rows already in the past for "today" never become firings.
		if today && !c.At(day).After(now) {
			continue
		}
		out = append(out, task.Firing{
			TaskID:   t.ID,
			Date:     day,
			Time:     c,
			Message:  row.Message,
			Priority: t.Priority,
		})
	}
	return out
}

// checkMemory forces a collection pass when the heap crosses the soft
// limit. Forward plans for hundreds of daily reminders are allocation-heavy;
// this keeps the peak bounded between batches.
func (p *Planner) checkMemory() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	limit := uint64(p.cfg.MemSoftLimitMB) * 1024 * 1024
	if ms.HeapAlloc > limit {
		p.log.Debug("heap above soft limit, forcing GC",
			logx.Uint64("heap_bytes", ms.HeapAlloc), logx.Int("limit_mb", p.cfg.MemSoftLimitMB))
		runtime.GC()
	}
}
