package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duangjit/backend/internal/sheet"
)

// Store bundles the four repositories over one backend.
type Store struct {
	Accounts  *AccountRepo
	Events    *EventRepo
	Slips     *SlipRepo
	Referrals *ReferralRepo

	// Pool is set for the postgres backend; background jobs share it.
	Pool  *pgxpool.Pool
	ping  func(ctx context.Context) error
	close func()
}

func newStore(open func(schema sheet.Schema) sheet.Table) *Store {
	return &Store{
		Accounts:  NewAccountRepo(open(UsersSchema)),
		Events:    NewEventRepo(open(LogsSchema)),
		Slips:     NewSlipRepo(open(SlipsSchema)),
		Referrals: NewReferralRepo(open(ReferralsSchema)),
	}
}

// OpenMemory keeps everything in process. Data is lost on exit.
func OpenMemory() *Store {
	return newStore(func(schema sheet.Schema) sheet.Table { return sheet.NewMemory(schema) })
}

func OpenSQLite(path string) (*Store, error) {
	db, err := sheet.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	s := newStore(func(schema sheet.Schema) sheet.Table { return sheet.NewSQLite(db, schema) })
	s.ping = db.PingContext
	s.close = func() { closeDB(db) }
	return s, nil
}

// OpenPostgres connects, checks the connection and applies the table
// migrations.
func OpenPostgres(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := sheet.MigratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	s := newStore(func(schema sheet.Schema) sheet.Table { return sheet.NewPostgres(pool, schema) })
	s.Pool = pool
	s.ping = pool.Ping
	s.close = pool.Close
	return s, nil
}

// Ping checks the backend. The memory backend is always up.
func (s *Store) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

func (s *Store) Close() {
	if s.close != nil {
		s.close()
	}
}

func closeDB(db *sql.DB) { _ = db.Close() }
