package sheet

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Table used for tests and single-node development.
type Memory struct {
	mu     sync.RWMutex
	schema Schema
	rows   []*memRow
	byKey  map[string]*memRow
	byID   map[int64]*memRow
	nextID int64
}

type memRow struct {
	id      int64
	version int64
	cells   []string
}

func (r *memRow) snapshot() Row {
	cells := make([]string, len(r.cells))
	copy(cells, r.cells)
	return Row{Handle: Handle{id: r.id}, Version: r.version, Cells: cells}
}

// NewMemory returns an empty table with the given schema.
func NewMemory(schema Schema) *Memory {
	return &Memory{
		schema: schema,
		byKey:  make(map[string]*memRow),
		byID:   make(map[int64]*memRow),
	}
}

var _ Table = (*Memory)(nil)

func (m *Memory) Schema() Schema { return m.schema }

func (m *Memory) FindRow(ctx context.Context, key string) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byKey[key]
	if !ok || key == "" {
		return Row{}, ErrNotFound
	}
	return r.snapshot(), nil
}

func (m *Memory) AppendRow(ctx context.Context, values []string) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	cells, err := m.schema.pad(values)
	if err != nil {
		return Row{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cells[m.schema.KeyColumn]
	if key != "" {
		if _, exists := m.byKey[key]; exists {
			return Row{}, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
		}
	}
	m.nextID++
	r := &memRow{id: m.nextID, version: 1, cells: cells}
	m.rows = append(m.rows, r)
	m.byID[r.id] = r
	if key != "" {
		m.byKey[key] = r
	}
	return r.snapshot(), nil
}

func (m *Memory) UpdateCell(ctx context.Context, h Handle, column int, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.schema.checkColumn(column); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[h.id]
	if !ok {
		return ErrNotFound
	}
	r.cells[column] = value
	r.version++
	return nil
}

func (m *Memory) UpdateCells(ctx context.Context, h Handle, expectedVersion int64, cells map[int]string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	for column := range cells {
		if err := m.schema.checkColumn(column); err != nil {
			return 0, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[h.id]
	if !ok {
		return 0, ErrNotFound
	}
	if r.version != expectedVersion {
		return 0, ErrVersionConflict
	}
	for column, value := range cells {
		r.cells[column] = value
	}
	r.version++
	return r.version, nil
}

func (m *Memory) Scan(ctx context.Context, fn func(Row) error) error {
	m.mu.RLock()
	rows := make([]Row, 0, len(m.rows))
	for _, r := range m.rows {
		rows = append(rows, r.snapshot())
	}
	m.mu.RUnlock()
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored rows.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}
