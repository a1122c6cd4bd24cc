package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls the orchestrator: the civil calendar everything
	// runs in, retry policy and the daily reload slot.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Planner controls forward projection of the execution plan.
	Planner *PlannerConfig `json:"planner,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Webhook WebhookConfig  `json:"webhook"`

	// TasksFile holds the task and association definitions. It is re-read
	// on the daily load and on config reload.
	TasksFile string `json:"tasks_file"`
	// SheetsDir holds worksheet row files, one JSON file per file_ref.
	SheetsDir string `json:"sheets_dir,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the orchestrator service.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone is an IANA name (e.g. "Asia/Jakarta"). Empty means local.
	Timezone string `json:"timezone,omitempty"`

	MaxRetries int `json:"max_retries,omitempty"`
	// RetryInterval is the fixed delay between delivery attempts.
	RetryInterval string `json:"retry_interval,omitempty"`
	// TaskTimeout bounds a single delivery attempt.
	TaskTimeout string `json:"task_timeout,omitempty"`

	// DailyLoadTime is "HH:MM"; tasks are re-read from TasksFile then.
	DailyLoadTime string `json:"daily_load_time,omitempty"`

	// PlanDays is the forward window of the nightly execution plan.
	PlanDays int `json:"plan_days,omitempty"`

	// OpsTarget names the webhook target that receives operator
	// notifications (terminal failures). Empty disables them.
	OpsTarget string `json:"ops_target,omitempty"`
}

// PlannerConfig bounds batched plan generation.
type PlannerConfig struct {
	BatchSize            int `json:"batch_size,omitempty"`
	MaxConcurrentBatches int `json:"max_concurrent_batches,omitempty"`
	MemSoftLimitMB       int `json:"mem_soft_limit_mb,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./chime_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// WebhookConfig controls outbound delivery.
type WebhookConfig struct {
	// Timeout is a Go duration string bounding one HTTP request.
	Timeout    string                  `json:"timeout,omitempty"`
	RatePerSec int                     `json:"rate_per_sec,omitempty"`
	Targets    map[string]TargetConfig `json:"targets"`
}

type TargetConfig struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"` // HMAC signing key (do not log)
}
