package config

import (
	"reflect"
	"sort"
	"strings"

	logx "chime/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Webhook secrets are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.Int("scheduler.max_retries", newCfg.Scheduler.MaxRetries),
			logx.String("scheduler.daily_load_time", newCfg.Scheduler.DailyLoadTime),
		)
	}

	if !reflect.DeepEqual(oldCfg.Planner, newCfg.Planner) {
		changed = append(changed, "planner")
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs,
				logx.String("storage.driver", newCfg.Storage.Driver),
				logx.String("storage.path", newCfg.Storage.Path))
		}
	}

	// Webhook (never log secrets)
	if oldCfg.Webhook.Timeout != newCfg.Webhook.Timeout ||
		oldCfg.Webhook.RatePerSec != newCfg.Webhook.RatePerSec ||
		!sameTargets(oldCfg.Webhook.Targets, newCfg.Webhook.Targets) {
		changed = append(changed, "webhook")
		attrs = append(attrs,
			logx.Int("webhook.rate_per_sec", newCfg.Webhook.RatePerSec),
			logx.Int("webhook.target_count", len(newCfg.Webhook.Targets)))
	}

	if strings.TrimSpace(oldCfg.TasksFile) != strings.TrimSpace(newCfg.TasksFile) ||
		strings.TrimSpace(oldCfg.SheetsDir) != strings.TrimSpace(newCfg.SheetsDir) {
		changed = append(changed, "tasks")
		attrs = append(attrs, logx.String("tasks.file", newCfg.TasksFile))
	}

	sort.Strings(changed)
	return changed, attrs
}

func sameTargets(a, b map[string]TargetConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		if bv, ok := b[k]; !ok || av != bv {
			return false
		}
	}
	return true
}
