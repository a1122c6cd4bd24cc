package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"chime/internal/task"
	"chime/pkg/logx"
)

// Store is the persistence API used by the scheduling core.
//
// Execution records are append-only; dedup keys make rescheduling idempotent
// across restarts (a slot that already fired is never sent again).
type Store interface {
	AppendRecord(ctx context.Context, r task.ExecutionRecord) error
	ListRecords(ctx context.Context, taskID string, limit int) ([]task.ExecutionRecord, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
