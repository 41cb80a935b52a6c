// Package warehouse appends staged Parquet objects to the destination analytics table.
package warehouse

import (
	"context"
	"fmt"
	"strings"
)

// Loader appends one staged object to a fixed destination table.
type Loader interface {
	// Load appends the Parquet object at sourceURI (gs://bucket/key) and waits for completion.
	Load(ctx context.Context, sourceURI string) error
	// RowCount reports the destination's total row count after the load.
	RowCount(ctx context.Context) (uint64, error)
	Close() error
}

// TableRef names a destination table. Project is empty for warehouses without one.
type TableRef struct {
	Project string
	Dataset string
	Table   string
}

func (t TableRef) String() string {
	if t.Project == "" {
		return t.Dataset + "." + t.Table
	}
	return t.Project + "." + t.Dataset + "." + t.Table
}

// ParseTable accepts "dataset.table" or "project.dataset.table".
func ParseTable(id string) (TableRef, error) {
	parts := strings.Split(strings.TrimSpace(id), ".")
	for _, p := range parts {
		if p == "" {
			return TableRef{}, fmt.Errorf("invalid table id %q", id)
		}
	}
	switch len(parts) {
	case 2:
		return TableRef{Dataset: parts[0], Table: parts[1]}, nil
	case 3:
		return TableRef{Project: parts[0], Dataset: parts[1], Table: parts[2]}, nil
	}
	return TableRef{}, fmt.Errorf("invalid table id %q: want [project.]dataset.table", id)
}
