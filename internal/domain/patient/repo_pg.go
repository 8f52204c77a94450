package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps each named collection as one JSONB document. Save is a
// single UPDATE, which Postgres applies atomically. Update locks the row for
// the length of a transaction, so creates from separate server processes are
// serialised too.
type PostgresStore struct {
	db   pgDB
	name string
}

func NewPostgresStore(pool *pgxpool.Pool, name string) *PostgresStore {
	return &PostgresStore{db: pool, name: name}
}

func (s *PostgresStore) Driver() string { return "postgres" }

func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS patient_collections (
			name       TEXT PRIMARY KEY,
			data       JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return s.fail("init", fmt.Errorf("create table: %w", err))
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO patient_collections (name, data) VALUES ($1, '{}'::jsonb)
		ON CONFLICT (name) DO NOTHING`, s.name)
	if err != nil {
		return s.fail("init", fmt.Errorf("seed collection %q: %w", s.name, err))
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (Collection, error) {
	return s.load(ctx, s.db, `SELECT data FROM patient_collections WHERE name = $1`)
}

func (s *PostgresStore) Save(ctx context.Context, c Collection) error {
	return s.save(ctx, s.db, c)
}

func (s *PostgresStore) Update(ctx context.Context, fn func(Collection) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return s.fail("update", fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c, err := s.load(ctx, tx, `SELECT data FROM patient_collections WHERE name = $1 FOR UPDATE`)
	if err != nil {
		return err
	}
	if err := fn(c); err != nil {
		return err
	}
	if err := s.save(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return s.fail("update", fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *PostgresStore) load(ctx context.Context, q querier, sql string) (Collection, error) {
	var data []byte
	err := q.QueryRow(ctx, sql, s.name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.fail("load", fmt.Errorf("collection %q not initialised", s.name))
	}
	if err != nil {
		return nil, s.fail("load", err)
	}
	return decodeCollection(s.Driver(), data)
}

func (s *PostgresStore) save(ctx context.Context, q querier, c Collection) error {
	data, err := encodeCollection(c)
	if err != nil {
		return s.fail("save", err)
	}

	tag, err := q.Exec(ctx, `
		UPDATE patient_collections SET data = $2, updated_at = NOW()
		WHERE name = $1`, s.name, data)
	if err != nil {
		return s.fail("save", err)
	}
	if tag.RowsAffected() == 0 {
		return s.fail("save", fmt.Errorf("collection %q not initialised", s.name))
	}
	return nil
}

func (s *PostgresStore) fail(op string, err error) error {
	return &StorageError{Op: op, Driver: s.Driver(), Err: err}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// pgDB is the part of *pgxpool.Pool the store uses.
type pgDB interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}
