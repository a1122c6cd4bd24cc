package app

import (
	"context"

	"chime/internal/eventbus"
	"chime/internal/task"
	"chime/pkg/logx"
)

// watchEvents surfaces bus signals in the daemon log. Terminal failures
// log at warn; everything else is operator-level info or debug.
func watchEvents(ctx context.Context, log logx.Logger, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			logEvent(log, e)
		}
	}
}

func logEvent(log logx.Logger, e eventbus.Event) {
	switch e.Type {
	case "task.failed":
		log.Warn("task delivery failed", eventFields(e)...)
	case "task.fired":
		log.Info("task fired", eventFields(e)...)
	case "task.suppressed":
		log.Info("task suppressed", eventFields(e)...)
	case "plan.generated":
		firings, _ := e.Data.([]task.Firing)
		log.Info("execution plan published", logx.Int("firings", len(firings)))
	default:
		log.Debug(e.Type, eventFields(e)...)
	}
}

func eventFields(e eventbus.Event) []logx.Field {
	fs := []logx.Field{logx.Time("at", e.Time)}
	if rec, ok := e.Data.(task.ExecutionRecord); ok {
		fs = append(fs, logx.String("task", rec.TaskID),
			logx.String("outcome", string(rec.Outcome)))
		if rec.RetryCount > 0 {
			fs = append(fs, logx.Int("retries", rec.RetryCount))
		}
		if rec.Error != "" {
			fs = append(fs, logx.String("detail", rec.Error))
		}
	}
	return fs
}
