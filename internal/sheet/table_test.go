package sheet

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchema = Schema{
	Name:      "Users",
	Columns:   []string{"key", "name", "usage", "quota"},
	KeyColumn: 0,
}

func backends(t *testing.T) map[string]Table {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "sheet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return map[string]Table{
		"memory": NewMemory(testSchema),
		"sqlite": NewSQLite(db, testSchema),
	}
}

func TestTable_AppendAndFind(t *testing.T) {
	for name, table := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			row, err := table.AppendRow(ctx, []string{"U1", "new", "0"})
			require.NoError(t, err)
			assert.False(t, row.Handle.IsZero())
			assert.Equal(t, int64(1), row.Version)
			assert.Equal(t, []string{"U1", "new", "0", ""}, row.Cells)

			found, err := table.FindRow(ctx, "U1")
			require.NoError(t, err)
			assert.Equal(t, row.Handle, found.Handle)
			assert.Equal(t, "new", found.Cell(1))
			assert.Equal(t, "", found.Cell(9))

			_, err = table.FindRow(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestTable_DuplicateKey(t *testing.T) {
	for name, table := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := table.AppendRow(ctx, []string{"U1"})
			require.NoError(t, err)
			_, err = table.AppendRow(ctx, []string{"U1"})
			assert.ErrorIs(t, err, ErrDuplicateKey)

			// Empty keys are never unique.
			_, err = table.AppendRow(ctx, []string{"", "a"})
			require.NoError(t, err)
			_, err = table.AppendRow(ctx, []string{"", "b"})
			require.NoError(t, err)
		})
	}
}

func TestTable_TooManyValues(t *testing.T) {
	for name, table := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := table.AppendRow(context.Background(), []string{"a", "b", "c", "d", "e"})
			assert.ErrorIs(t, err, ErrColumnRange)
		})
	}
}

func TestTable_UpdateCell(t *testing.T) {
	for name, table := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			row, err := table.AppendRow(ctx, []string{"U1", "new", "0", "10"})
			require.NoError(t, err)

			require.NoError(t, table.UpdateCell(ctx, row.Handle, 1, "Somchai"))
			assert.ErrorIs(t, table.UpdateCell(ctx, row.Handle, 0, "U2"), ErrKeyColumn)
			assert.ErrorIs(t, table.UpdateCell(ctx, row.Handle, 7, "x"), ErrColumnRange)

			found, err := table.FindRow(ctx, "U1")
			require.NoError(t, err)
			assert.Equal(t, "Somchai", found.Cell(1))
			assert.Equal(t, int64(2), found.Version)
		})
	}
}

func TestTable_UpdateCellsCompareAndSwap(t *testing.T) {
	for name, table := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			row, err := table.AppendRow(ctx, []string{"U1", "new", "0", "10"})
			require.NoError(t, err)

			v, err := table.UpdateCells(ctx, row.Handle, row.Version, map[int]string{2: "1"})
			require.NoError(t, err)
			assert.Equal(t, row.Version+1, v)

			// Stale version loses.
			_, err = table.UpdateCells(ctx, row.Handle, row.Version, map[int]string{2: "5"})
			assert.ErrorIs(t, err, ErrVersionConflict)

			found, err := table.FindRow(ctx, "U1")
			require.NoError(t, err)
			assert.Equal(t, "1", found.Cell(2))
			assert.Equal(t, v, found.Version)
		})
	}
}

func TestTable_ScanInInsertionOrder(t *testing.T) {
	for name, table := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, k := range []string{"c", "a", "b"} {
				_, err := table.AppendRow(ctx, []string{k})
				require.NoError(t, err)
			}
			var keys []string
			require.NoError(t, table.Scan(ctx, func(r Row) error {
				keys = append(keys, r.Cell(0))
				return nil
			}))
			assert.Equal(t, []string{"c", "a", "b"}, keys)

			stop := errors.New("stop")
			var seen int
			err := table.Scan(ctx, func(Row) error {
				seen++
				return stop
			})
			assert.ErrorIs(t, err, stop)
			assert.Equal(t, 1, seen)
		})
	}
}

func TestMemory_ConcurrentCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	table := NewMemory(testSchema)
	row, err := table.AppendRow(ctx, []string{"U1", "", "0"})
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := table.UpdateCells(ctx, row.Handle, row.Version, map[int]string{2: "1"}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, table.Len())
}

func TestMemory_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemory(testSchema).FindRow(ctx, "U1")
	assert.ErrorIs(t, err, context.Canceled)
}
