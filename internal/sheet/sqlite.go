package sheet

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS sheet_rows (
		row_id     INTEGER PRIMARY KEY AUTOINCREMENT,
		sheet      TEXT    NOT NULL,
		row_key    TEXT    NOT NULL DEFAULT '',
		cells      TEXT    NOT NULL,
		version    INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sheet_rows_sheet_key ON sheet_rows (sheet, row_key) WHERE row_key <> ''`,
}

// OpenSQLite opens (creating if needed) a SQLite database for sheet tables.
//
// The database runs in WAL mode with a single connection: SQLite allows one
// writer at a time and the ledger already serialises per account.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, stmt := range append(pragmas, sqliteMigrations...) {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}
	return db, nil
}

// SQLite is a Table over the sheet_rows relation created by OpenSQLite.
// Cells are stored as a JSON array.
type SQLite struct {
	db     *sql.DB
	schema Schema
}

func NewSQLite(db *sql.DB, schema Schema) *SQLite {
	return &SQLite{db: db, schema: schema}
}

var _ Table = (*SQLite)(nil)

func (s *SQLite) Schema() Schema { return s.schema }

func (s *SQLite) FindRow(ctx context.Context, key string) (Row, error) {
	if key == "" {
		return Row{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT row_id, cells, version FROM sheet_rows WHERE sheet = ? AND row_key = ?
	`, s.schema.Name, key)
	return s.scanRow("find row", row)
}

func (s *SQLite) AppendRow(ctx context.Context, values []string) (Row, error) {
	cells, err := s.schema.pad(values)
	if err != nil {
		return Row{}, err
	}
	encoded, err := json.Marshal(cells)
	if err != nil {
		return Row{}, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sheet_rows (sheet, row_key, cells) VALUES (?, ?, ?)
	`, s.schema.Name, cells[s.schema.KeyColumn], string(encoded))
	if err != nil {
		return Row{}, s.classify("append row", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Row{}, s.classify("append row", err)
	}
	return Row{Handle: Handle{id: id}, Version: 1, Cells: cells}, nil
}

func (s *SQLite) UpdateCell(ctx context.Context, h Handle, column int, value string) error {
	if err := s.schema.checkColumn(column); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sheet_rows
		SET cells = json_set(cells, '$[' || ? || ']', ?), version = version + 1,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE sheet = ? AND row_id = ?
	`, column, value, s.schema.Name, h.id)
	if err != nil {
		return s.classify("update cell", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) UpdateCells(ctx context.Context, h Handle, expectedVersion int64, cells map[int]string) (int64, error) {
	for column := range cells {
		if err := s.schema.checkColumn(column); err != nil {
			return 0, err
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.classify("begin", err)
	}
	defer tx.Rollback()

	current, err := s.scanRow("load row", tx.QueryRowContext(ctx, `
		SELECT row_id, cells, version FROM sheet_rows WHERE sheet = ? AND row_id = ?
	`, s.schema.Name, h.id))
	if err != nil {
		return 0, err
	}
	if current.Version != expectedVersion {
		return 0, ErrVersionConflict
	}
	next, err := s.schema.pad(current.Cells)
	if err != nil {
		return 0, err
	}
	for column, value := range cells {
		next[column] = value
	}
	encoded, err := json.Marshal(next)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE sheet_rows
		SET cells = ?, version = version + 1, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE sheet = ? AND row_id = ? AND version = ?
	`, string(encoded), s.schema.Name, h.id, expectedVersion)
	if err != nil {
		return 0, s.classify("update cells", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrVersionConflict
	}
	if err := tx.Commit(); err != nil {
		return 0, s.classify("commit", err)
	}
	return expectedVersion + 1, nil
}

func (s *SQLite) Scan(ctx context.Context, fn func(Row) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_id, cells, version FROM sheet_rows WHERE sheet = ? ORDER BY row_id
	`, s.schema.Name)
	if err != nil {
		return s.classify("scan", err)
	}
	defer rows.Close()
	var batch []Row
	for rows.Next() {
		r, err := s.scanRow("scan row", rows)
		if err != nil {
			return err
		}
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		return s.classify("scan", err)
	}
	// Callbacks run after the cursor is drained: the pool has one connection.
	rows.Close()
	for _, r := range batch {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLite) scanRow(op string, sc scanner) (Row, error) {
	var r Row
	var encoded string
	if err := sc.Scan(&r.Handle.id, &encoded, &r.Version); err != nil {
		return Row{}, s.classify(op, err)
	}
	if err := json.Unmarshal([]byte(encoded), &r.Cells); err != nil {
		return Row{}, fmt.Errorf("%s: decode cells: %w", s.schema.Name, err)
	}
	return r, nil
}

func (s *SQLite) classify(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, s.schema.Name)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return unavailable(s.schema.Name+": "+op, err)
}
