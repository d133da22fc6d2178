package storage

import (
	"context"
	"database/sql"
	"log"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SQLite stores keys in a single table of a SQLite database.
type SQLite struct {
	Store
	db *sql.DB
}

type sqliteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path. A database that cannot
// be written is still returned, reporting Available() == false.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	// A single connection serializes writers; SQLite locks the whole file anyway.
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			update_timestamp INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		)
	`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating kv table")
	}

	store := probe(ctx, &sqliteBackend{db: db})
	if !store.Available() {
		log.Printf("[storage] %s failed the availability probe, persistence disabled", path)
	}
	return &SQLite{Store: store, db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (b *sqliteBackend) get(ctx context.Context, key string) (string, error) {
	var value string
	err := b.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "reading key %s", key)
	}
	return value, nil
}

func (b *sqliteBackend) set(ctx context.Context, key, value string) error {
	_, err := b.db.ExecContext(ctx, `
		REPLACE INTO kv (key, value, update_timestamp)
		VALUES (?, ?, strftime('%s','now'))
	`, key, value)
	return errors.Wrapf(err, "writing key %s", key)
}

func (b *sqliteBackend) remove(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return errors.Wrapf(err, "removing key %s", key)
}
