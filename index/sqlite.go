package index

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" database/sql driver

	"github.com/pacsd/pacsd/apierror"
)

// sqliteBackend is the default Backend (spec.md §4.2), a single-file
// embedded relational database opened through database/sql, the same
// pattern the retrieval pack shows for go-sqlite3-backed caches (e.g. the
// podman/c-image blobinfocache sqlite cache): one *sql.DB, BEGIN EXCLUSIVE
// semantics via the connection string so writers never race to upgrade a
// read lock to a write lock.
type sqliteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating if absent) the index database file at path.
func OpenSQLite(path string) (Backend, error) {
	dsn := path + "?_foreign_keys=1&_journal_mode=WAL&_txlock=exclusive"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apierror.Wrap(apierror.Database, err, "cannot open index database %s", path)
	}
	db.SetMaxOpenConns(1) // a single writer; spec.md §5 serializes the Index with one process-wide lock anyway
	if err := db.Ping(); err != nil {
		return nil, apierror.Wrap(apierror.Database, err, "cannot open index database %s", path)
	}
	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) Begin(ctx context.Context) (Tx, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.Wrap(apierror.Database, err, "cannot begin transaction")
	}
	return &sqlTx{tx: tx}, nil
}

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Exec(query string, args ...interface{}) (Result, error) {
	return t.tx.Exec(query, args...)
}

func (t *sqlTx) Query(query string, args ...interface{}) (Rows, error) {
	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	return &sqlRows{rows: rows}, nil
}

func (t *sqlTx) QueryRow(query string, args ...interface{}) Row {
	return t.tx.QueryRow(query, args...)
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

type sqlRows struct {
	rows *sql.Rows
}

func (r *sqlRows) Next() bool                   { return r.rows.Next() }
func (r *sqlRows) Scan(dest ...interface{}) error { return r.rows.Scan(dest...) }
func (r *sqlRows) Close() error                 { return r.rows.Close() }
func (r *sqlRows) Err() error                   { return r.rows.Err() }
