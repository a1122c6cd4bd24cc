package task

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is a map-backed Store. It is the reference implementation of the
// task read-model boundary, used by the daemon when no external task service
// is wired, and by tests.
type MemStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewMemStore() *MemStore {
	return &MemStore{tasks: map[string]Task{}}
}

func (s *MemStore) FindByID(_ context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (s *MemStore) FindActive(_ context.Context) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.Status == StatusActive {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) Save(_ context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return nil
}

// Replace swaps the whole task set, preserving run-tracking fields of
// tasks that survive the reload.
func (s *MemStore) Replace(tasks []Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		if prev, ok := s.tasks[t.ID]; ok {
			t.LastRunAt = prev.LastRunAt
			t.NextRunAt = prev.NextRunAt
			t.ExecutionCount = prev.ExecutionCount
			t.SuccessCount = prev.SuccessCount
			t.FailureCount = prev.FailureCount
			t.LastError = prev.LastError
		}
		next[t.ID] = t
	}
	s.tasks = next
}

func (s *MemStore) Suspend(_ context.Context, id string, days int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = StatusPaused
	s.tasks[id] = t
	_ = days // resume bookkeeping is owned by the task-management side
	return nil
}

// MemAssociations is a map-backed AssociationStore.
type MemAssociations struct {
	mu     sync.RWMutex
	assocs map[string]Association
}

func NewMemAssociations() *MemAssociations {
	return &MemAssociations{assocs: map[string]Association{}}
}

func (s *MemAssociations) ListActive(_ context.Context, taskID string) ([]Association, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Association
	for _, a := range s.assocs {
		if a.Status != AssocActive {
			continue
		}
		if _, ok := a.Other(taskID); ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemAssociations) ListAll(_ context.Context) ([]Association, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Association, 0, len(s.assocs))
	for _, a := range s.assocs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Replace swaps the whole association set.
func (s *MemAssociations) Replace(assocs []Association) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]Association, len(assocs))
	for _, a := range assocs {
		next[a.ID] = a
	}
	s.assocs = next
}

func (s *MemAssociations) Save(_ context.Context, a Association) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assocs[a.ID] = a
	return nil
}

// MemRows is a map-backed RowSource keyed by file reference, used by tests
// and as a stand-in until a spreadsheet service is wired.
type MemRows struct {
	mu   sync.RWMutex
	rows map[string][]Row
}

func NewMemRows() *MemRows {
	return &MemRows{rows: map[string][]Row{}}
}

func (s *MemRows) Put(fileRef string, rows []Row) {
	s.mu.Lock()
	s.rows[fileRef] = rows
	s.mu.Unlock()
}

func (s *MemRows) Rows(_ context.Context, fileRef string) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows[fileRef], nil
}

// Touch records a run on the task's tracking fields.
func Touch(t *Task, outcome Outcome, at time.Time, lastErr string) {
	t.ExecutionCount++
	switch outcome {
	case OutcomeSuccess:
		t.SuccessCount++
		t.LastError = ""
	case OutcomeFailed:
		t.FailureCount++
		t.LastError = lastErr
	}
	ts := at
	t.LastRunAt = &ts
}
