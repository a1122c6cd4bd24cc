package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirRows serves worksheet rows from JSON files under one directory: the
// rows for file_ref "morning" live in "<dir>/morning.json" as an array of
// {"time": "HH:MM", "message": "..."} objects.
type DirRows struct {
	dir string
}

func NewDirRows(dir string) DirRows {
	return DirRows{dir: dir}
}

func (d DirRows) Rows(_ context.Context, fileRef string) ([]Row, error) {
	if fileRef == "" || strings.ContainsAny(fileRef, `/\`) || strings.Contains(fileRef, "..") {
		return nil, fmt.Errorf("bad file ref %q", fileRef)
	}
	b, err := os.ReadFile(filepath.Join(d.dir, fileRef+".json"))
	if err != nil {
		return nil, err
	}
	var rows []Row
	if err := json.Unmarshal(b, &rows); err != nil {
		return nil, fmt.Errorf("parse rows %q: %w", fileRef, err)
	}
	return rows, nil
}
