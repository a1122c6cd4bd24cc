package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"chime/internal/rule"
)

// fileDoc is the on-disk shape of a task definitions file. Rules stay raw
// until rule.Decode runs so legacy field names are translated exactly once,
// at this boundary.
type fileDoc struct {
	Tasks        []fileTask        `json:"tasks"`
	Associations []fileAssociation `json:"associations,omitempty"`
}

type fileTask struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Status   string          `json:"status,omitempty"`
	Priority string          `json:"priority,omitempty"`
	Target   string          `json:"target"`
	Message  string          `json:"message,omitempty"`
	FileRef  string          `json:"file_ref,omitempty"`
	Rule     json.RawMessage `json:"rule"`
}

type fileAssociation struct {
	ID           string `json:"id"`
	PrimaryID    string `json:"primary_id"`
	AssociatedID string `json:"associated_id"`
	Relationship string `json:"relationship"`
	Strategy     string `json:"strategy,omitempty"`
	DelayMinutes int    `json:"delay_minutes,omitempty"`
	SuspendDays  int    `json:"suspend_days,omitempty"`
	StartDate    string `json:"start_date,omitempty"` // ISO "2006-01-02"
	EndDate      string `json:"end_date,omitempty"`
	Status       string `json:"status,omitempty"`
}

// LoadFile reads task and association definitions. A task with a bad rule
// fails the whole load; a half-loaded definitions file is worse than the
// previous complete one.
func LoadFile(path string, loc *time.Location) ([]Task, []Association, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var doc fileDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	tasks := make([]Task, 0, len(doc.Tasks))
	seen := make(map[string]bool, len(doc.Tasks))
	for i, ft := range doc.Tasks {
		if ft.ID == "" {
			return nil, nil, fmt.Errorf("task %d: missing id", i)
		}
		if seen[ft.ID] {
			return nil, nil, fmt.Errorf("task %q: duplicate id", ft.ID)
		}
		seen[ft.ID] = true
		r, err := rule.Decode(ft.Rule, loc)
		if err != nil {
			return nil, nil, fmt.Errorf("task %q: %w", ft.ID, err)
		}
		t := Task{
			ID:       ft.ID,
			Name:     ft.Name,
			Type:     Type(ft.Type),
			Status:   Status(ft.Status),
			Priority: Priority(ft.Priority),
			Rule:     r,
			Target:   ft.Target,
			Message:  ft.Message,
			FileRef:  ft.FileRef,
		}
		if t.Type == "" {
			t.Type = TypeSimple
		}
		if t.Status == "" {
			t.Status = StatusActive
		}
		if t.Priority == "" {
			t.Priority = PriorityNormal
		}
		switch t.Type {
		case TypeSimple, TypeWorksheet:
		default:
			return nil, nil, fmt.Errorf("task %q: unknown type %q", ft.ID, ft.Type)
		}
		if t.Type == TypeWorksheet && t.FileRef == "" {
			return nil, nil, fmt.Errorf("task %q: worksheet without file_ref", ft.ID)
		}
		tasks = append(tasks, t)
	}

	assocs := make([]Association, 0, len(doc.Associations))
	for i, fa := range doc.Associations {
		a := Association{
			ID:           fa.ID,
			PrimaryID:    fa.PrimaryID,
			AssociatedID: fa.AssociatedID,
			Relationship: Relationship(fa.Relationship),
			Status:       AssociationStatus(fa.Status),
			Rule: PriorityRule{
				Strategy:     Strategy(fa.Strategy),
				DelayMinutes: fa.DelayMinutes,
				SuspendDays:  fa.SuspendDays,
			},
		}
		if a.ID == "" {
			return nil, nil, fmt.Errorf("association %d: missing id", i)
		}
		if a.PrimaryID == "" || a.AssociatedID == "" || a.PrimaryID == a.AssociatedID {
			return nil, nil, fmt.Errorf("association %q: bad task pair", a.ID)
		}
		if !seen[a.PrimaryID] || !seen[a.AssociatedID] {
			return nil, nil, fmt.Errorf("association %q: unknown task", a.ID)
		}
		switch a.Relationship {
		case RelPriorityBased, RelMutualExclusive, RelDependency:
		default:
			return nil, nil, fmt.Errorf("association %q: unknown relationship %q", a.ID, fa.Relationship)
		}
		if a.Status == "" {
			a.Status = AssocActive
		}
		if fa.StartDate != "" {
			d, err := rule.ParseISODate(fa.StartDate, loc)
			if err != nil {
				return nil, nil, fmt.Errorf("association %q: %w", a.ID, err)
			}
			a.StartDate = d
		}
		if fa.EndDate != "" {
			d, err := rule.ParseISODate(fa.EndDate, loc)
			if err != nil {
				return nil, nil, fmt.Errorf("association %q: %w", a.ID, err)
			}
			a.EndDate = d
		}
		assocs = append(assocs, a)
	}
	return tasks, assocs, nil
}
