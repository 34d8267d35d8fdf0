// Package sheet adapts row-oriented tabular stores (the original Google
// Sheets layout, Postgres, SQLite, memory) behind one key-row-cell contract.
//
// Rows are addressed by an opaque Handle; numeric row positions never leave
// this package. Every row carries a version stamp that UpdateCells uses for
// compare-and-swap, which is the only cross-process consistency primitive
// the ledger relies on.
package sheet

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("sheet: row not found")
	ErrDuplicateKey    = errors.New("sheet: duplicate row key")
	ErrVersionConflict = errors.New("sheet: row version conflict")
	ErrKeyColumn       = errors.New("sheet: key column is immutable")
	ErrColumnRange     = errors.New("sheet: column out of range")
	// ErrUnavailable wraps transport and auth failures from a backend.
	ErrUnavailable = errors.New("sheet: store unavailable")
)

// Schema describes one table: its name, header row and the column whose
// value identifies a row.
type Schema struct {
	Name      string
	Columns   []string
	KeyColumn int
}

// Width is the number of cells in every row of the table.
func (s Schema) Width() int { return len(s.Columns) }

func (s Schema) pad(values []string) ([]string, error) {
	if len(values) > len(s.Columns) {
		return nil, fmt.Errorf("%w: %d values for %d columns in %s", ErrColumnRange, len(values), len(s.Columns), s.Name)
	}
	cells := make([]string, len(s.Columns))
	copy(cells, values)
	return cells, nil
}

func (s Schema) checkColumn(column int) error {
	if column < 0 || column >= len(s.Columns) {
		return fmt.Errorf("%w: column %d in %s", ErrColumnRange, column, s.Name)
	}
	if column == s.KeyColumn {
		return ErrKeyColumn
	}
	return nil
}

// Handle is an opaque reference to a stored row.
type Handle struct {
	id int64
}

// IsZero reports whether h refers to no row.
func (h Handle) IsZero() bool { return h.id == 0 }

// Row is a snapshot of one row.
type Row struct {
	Handle  Handle
	Version int64
	Cells   []string
}

// Cell returns the value at column, or "" past the end of the row.
func (r Row) Cell(column int) string {
	if column < 0 || column >= len(r.Cells) {
		return ""
	}
	return r.Cells[column]
}

// Table is the key-row-cell contract every backend implements.
type Table interface {
	Schema() Schema
	// FindRow returns the row whose key column equals key, or ErrNotFound.
	FindRow(ctx context.Context, key string) (Row, error)
	// AppendRow stores a new row. A non-empty key that already exists yields
	// ErrDuplicateKey; empty keys are never unique.
	AppendRow(ctx context.Context, values []string) (Row, error)
	// UpdateCell writes one cell unconditionally.
	UpdateCell(ctx context.Context, h Handle, column int, value string) error
	// UpdateCells writes several cells if the row is still at expectedVersion
	// and returns the new version; otherwise ErrVersionConflict.
	UpdateCells(ctx context.Context, h Handle, expectedVersion int64, cells map[int]string) (int64, error)
	// Scan visits rows in insertion order until fn returns an error.
	Scan(ctx context.Context, fn func(Row) error) error
}

// unavailable wraps a backend failure so callers can errors.Is it.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
