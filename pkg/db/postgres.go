package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver, registered via database/sql
)

// row mirrors the generic key-value-per-table schema this adapter expects:
//
//	CREATE TABLE <table> (
//	    id    TEXT PRIMARY KEY,
//	    owner TEXT NOT NULL DEFAULT '',
//	    value BYTEA NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//
// Every durable snapshot (sessions, refresh families, revoked jtis, audit
// events) uses this same shape with its own table name, keeping schema
// migration (explicitly out of scope, spec §1) trivial to hand off to a
// collaborator.
type row struct {
	ID    string `db:"id"`
	Owner string `db:"owner"`
	Value []byte `db:"value"`
}

// PostgresStore is the Store implementation backing long-term snapshots.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens (and pings) a Postgres connection using the given
// DSN, via jmoiron/sqlx over github.com/lib/pq.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	conn, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}
	return &PostgresStore{db: conn}, nil
}

// NewPostgresStoreWithDB wraps an already-open *sqlx.DB, for tests/pooled
// setups managed by the caller.
func NewPostgresStoreWithDB(conn *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: conn}
}

// Upsert implements Store using Postgres's INSERT ... ON CONFLICT.
func (p *PostgresStore) Upsert(ctx context.Context, table, id, owner string, value []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, owner, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET owner = EXCLUDED.owner, value = EXCLUDED.value, updated_at = now()
	`, pqIdent(table))
	_, err := p.db.ExecContext(ctx, query, id, owner, value)
	return err
}

// Get implements Store.
func (p *PostgresStore) Get(ctx context.Context, table, id string) ([]byte, error) {
	query := fmt.Sprintf(`SELECT id, owner, value FROM %s WHERE id = $1`, pqIdent(table))
	var r row
	err := p.db.GetContext(ctx, &r, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.Value, nil
}

// Delete implements Store.
func (p *PostgresStore) Delete(ctx context.Context, table, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, pqIdent(table))
	_, err := p.db.ExecContext(ctx, query, id)
	return err
}

// DeleteBatch implements Store with one DELETE ... WHERE id = ANY($1).
func (p *PostgresStore) DeleteBatch(ctx context.Context, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, pqIdent(table))
	_, err := p.db.ExecContext(ctx, query, pqStringArray(ids))
	return err
}

// ScanByOwner implements Store.
func (p *PostgresStore) ScanByOwner(ctx context.Context, table, owner string) (Iterator, error) {
	query := fmt.Sprintf(`SELECT id, owner, value FROM %s WHERE owner = $1`, pqIdent(table))
	rows, err := p.db.QueryxContext(ctx, query, owner)
	if err != nil {
		return nil, err
	}
	return &pgIterator{rows: rows}, nil
}

// Close implements Store.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

type pgIterator struct {
	rows *sqlx.Rows
	cur  row
	err  error
}

func (it *pgIterator) Next(_ context.Context) bool {
	if !it.rows.Next() {
		it.err = it.rows.Err()
		return false
	}
	if err := it.rows.StructScan(&it.cur); err != nil {
		it.err = err
		return false
	}
	return true
}

func (it *pgIterator) ID() string    { return it.cur.ID }
func (it *pgIterator) Value() []byte { return it.cur.Value }
func (it *pgIterator) Err() error    { return it.err }

// pqIdent defensively quotes a table identifier. Table names in this
// adapter are always compile-time constants supplied by this module, never
// user input, but quoting costs nothing and avoids relying on that
// invariant holding forever.
func pqIdent(table string) string {
	return `"` + table + `"`
}

func pqStringArray(ids []string) string {
	out := "{"
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += `"` + id + `"`
	}
	return out + "}"
}
