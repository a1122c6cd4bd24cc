package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"chime/internal/task"
	"chime/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "chime.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st == nil {
		t.Fatal("Open returned nil store for file driver")
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", " None "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q): expected nil store", driver)
		}
	}

	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFileStoreRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := task.ExecutionRecord{
			ID:            "r" + string(rune('0'+i)),
			TaskID:        "standup",
			ScheduledTime: base.Add(time.Duration(i) * time.Hour),
			Outcome:       task.OutcomeSuccess,
			ExecutedAt:    base.Add(time.Duration(i)*time.Hour + time.Second),
		}
		if err := st.AppendRecord(ctx, rec); err != nil {
			t.Fatalf("AppendRecord: %v", err)
		}
	}
	if err := st.AppendRecord(ctx, task.ExecutionRecord{
		ID: "other", TaskID: "review", ScheduledTime: base,
		Outcome: task.OutcomeFailed, RetryCount: 2, Error: "timeout",
		ExecutedAt: base,
	}); err != nil {
		t.Fatalf("AppendRecord: %v", err)
	}

	all, err := st.ListRecords(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("got %d records, want 6", len(all))
	}

	got, err := st.ListRecords(ctx, "standup", 2)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	// Newest records are kept when trimming to the limit.
	if got[1].ID != "r4" || got[0].ID != "r3" {
		t.Fatalf("got ids %q,%q, want r3,r4", got[0].ID, got[1].ID)
	}
	if !got[1].ScheduledTime.Equal(base.Add(4 * time.Hour)) {
		t.Fatalf("scheduled time not round-tripped: %v", got[1].ScheduledTime)
	}

	failed, err := st.ListRecords(ctx, "review", 0)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(failed) != 1 || failed[0].Outcome != task.OutcomeFailed || failed[0].RetryCount != 2 || failed[0].Error != "timeout" {
		t.Fatalf("failed record not round-tripped: %+v", failed)
	}
}

func TestFileStoreDedupSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	st := openTestStore(t, dir)

	until := time.Now().Add(time.Hour)
	if err := st.PutDedup(ctx, "fire:standup:2026-03-02T09:00", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := st.PutDedup(ctx, "stale", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := st.PutDedup(ctx, "  ", until); err != nil {
		t.Fatalf("PutDedup blank key: %v", err)
	}

	got, ok, err := st.GetDedup(ctx, "fire:standup:2026-03-02T09:00")
	if err != nil || !ok {
		t.Fatalf("GetDedup: ok=%v err=%v", ok, err)
	}
	if got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("got %v, want %v", got, until)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The journal replays on reopen; expired keys are pruned.
	st = openTestStore(t, dir)
	defer st.Close()

	if _, ok, _ := st.GetDedup(ctx, "fire:standup:2026-03-02T09:00"); !ok {
		t.Fatal("dedup key lost across reopen")
	}
	if _, ok, _ := st.GetDedup(ctx, "stale"); ok {
		t.Fatal("expired dedup key survived reopen")
	}
	if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
		t.Fatal("unexpected hit for missing key")
	}
}
