// Package index implements the Index (spec.md §4.2): the transactional
// metadata catalog for the Patient→Study→Series→Instance resource tree, its
// attachments, metadata, identifier indexes, per-patient recycling order,
// global properties, and the append-only change log.
//
// The Index itself never talks SQL directly; it is built against the
// Backend interface below, the "stable ABI" a plugin-supplied database
// back-end must speak (spec.md §4.2/§4.4). The default Backend is
// sqliteBackend (sqlite.go, opened by OpenSQLite), built on
// github.com/mattn/go-sqlite3 - the embedded
// single-file relational database named in spec.md §1's Non-goals
// ("the default store is a single-file embedded relational database
// accessed through a narrow statement interface").
package index

import "context"

// Backend is the narrow statement interface the Index requires. It is
// deliberately shaped like database/sql (Exec/Query/QueryRow plus
// Begin/Commit/Rollback) so the default implementation is a thin adapter
// over *sql.DB, and so a plugin back-end can implement it by wrapping
// whatever storage engine it likes behind the same five methods.
type Backend interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is one database transaction. Every externally visible Index mutation
// runs inside exactly one Tx (spec.md §4.2 "every externally visible
// mutation runs inside one transaction").
type Tx interface {
	Exec(query string, args ...interface{}) (Result, error)
	Query(query string, args ...interface{}) (Rows, error)
	QueryRow(query string, args ...interface{}) Row
	Commit() error
	Rollback() error
}

// Result mirrors database/sql.Result, narrowed to what the Index needs.
type Result interface {
	LastInsertId() (int64, error)
	RowsAffected() (int64, error)
}

// Row mirrors database/sql.Row.
type Row interface {
	Scan(dest ...interface{}) error
}

// Rows mirrors database/sql.Rows.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}
