package sheet

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS sheet_rows (
		sheet      TEXT        NOT NULL,
		row_id     BIGSERIAL   PRIMARY KEY,
		row_key    TEXT        NOT NULL DEFAULT '',
		cells      TEXT[]      NOT NULL,
		version    BIGINT      NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS sheet_rows_sheet_key ON sheet_rows (sheet, row_key) WHERE row_key <> ''`,
	`CREATE INDEX IF NOT EXISTS sheet_rows_sheet_id ON sheet_rows (sheet, row_id)`,
}

// MigratePostgres creates the shared sheet_rows table. Safe to run repeatedly.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range postgresMigrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sheet_rows: %w", err)
		}
	}
	return nil
}

// Postgres stores every logical table in one sheet_rows relation, one
// TEXT[] per row, so the spreadsheet layout survives the move to a
// transactional store unchanged.
type Postgres struct {
	pool   *pgxpool.Pool
	schema Schema
}

func NewPostgres(pool *pgxpool.Pool, schema Schema) *Postgres {
	return &Postgres{pool: pool, schema: schema}
}

var _ Table = (*Postgres)(nil)

func (p *Postgres) Schema() Schema { return p.schema }

func (p *Postgres) FindRow(ctx context.Context, key string) (Row, error) {
	if key == "" {
		return Row{}, ErrNotFound
	}
	var r Row
	err := p.pool.QueryRow(ctx, `
		SELECT row_id, cells, version FROM sheet_rows WHERE sheet = $1 AND row_key = $2
	`, p.schema.Name, key).Scan(&r.Handle.id, &r.Cells, &r.Version)
	if err != nil {
		return Row{}, p.classify("find row", err)
	}
	return r, nil
}

func (p *Postgres) AppendRow(ctx context.Context, values []string) (Row, error) {
	cells, err := p.schema.pad(values)
	if err != nil {
		return Row{}, err
	}
	r := Row{Cells: cells}
	err = p.pool.QueryRow(ctx, `
		INSERT INTO sheet_rows (sheet, row_key, cells)
		VALUES ($1, $2, $3)
		RETURNING row_id, version
	`, p.schema.Name, cells[p.schema.KeyColumn], cells).Scan(&r.Handle.id, &r.Version)
	if err != nil {
		return Row{}, p.classify("append row", err)
	}
	return r, nil
}

func (p *Postgres) UpdateCell(ctx context.Context, h Handle, column int, value string) error {
	if err := p.schema.checkColumn(column); err != nil {
		return err
	}
	// Postgres arrays are 1-indexed.
	tag, err := p.pool.Exec(ctx, `
		UPDATE sheet_rows SET cells[$3] = $4, version = version + 1, updated_at = now()
		WHERE sheet = $1 AND row_id = $2
	`, p.schema.Name, h.id, column+1, value)
	if err != nil {
		return p.classify("update cell", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateCells locks the row (SELECT FOR UPDATE), checks the version and
// rewrites the cell array in one transaction.
func (p *Postgres) UpdateCells(ctx context.Context, h Handle, expectedVersion int64, cells map[int]string) (int64, error) {
	for column := range cells {
		if err := p.schema.checkColumn(column); err != nil {
			return 0, err
		}
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, p.classify("begin", err)
	}
	defer tx.Rollback(ctx)

	var current []string
	var version int64
	err = tx.QueryRow(ctx, `
		SELECT cells, version FROM sheet_rows WHERE sheet = $1 AND row_id = $2 FOR UPDATE
	`, p.schema.Name, h.id).Scan(&current, &version)
	if err != nil {
		return 0, p.classify("lock row", err)
	}
	if version != expectedVersion {
		return 0, ErrVersionConflict
	}
	next, err := p.schema.pad(current)
	if err != nil {
		return 0, err
	}
	for column, value := range cells {
		next[column] = value
	}
	err = tx.QueryRow(ctx, `
		UPDATE sheet_rows SET cells = $3, version = version + 1, updated_at = now()
		WHERE sheet = $1 AND row_id = $2
		RETURNING version
	`, p.schema.Name, h.id, next).Scan(&version)
	if err != nil {
		return 0, p.classify("update cells", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, p.classify("commit", err)
	}
	return version, nil
}

func (p *Postgres) Scan(ctx context.Context, fn func(Row) error) error {
	rows, err := p.pool.Query(ctx, `
		SELECT row_id, cells, version FROM sheet_rows WHERE sheet = $1 ORDER BY row_id
	`, p.schema.Name)
	if err != nil {
		return p.classify("scan", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Handle.id, &r.Cells, &r.Version); err != nil {
			return p.classify("scan row", err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return p.classify("scan", err)
	}
	return nil
}

func (p *Postgres) classify(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, p.schema.Name)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return unavailable(p.schema.Name+": "+op, err)
}
