package index

import (
	"context"
	"strconv"

	"github.com/pacsd/pacsd/apierror"
)

// CompiledDatabaseVersion is the schema version this binary expects.
// DatabaseVersion (spec.md §4.2 "Upgrade") is recorded in GlobalProperties
// under globalPropertyDatabaseVersion.
const CompiledDatabaseVersion = 1

const globalPropertyDatabaseVersion = 0 // reserved core key, < 1024 per spec.md §3 Global Properties

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS resources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		level INTEGER NOT NULL,
		public_id TEXT NOT NULL UNIQUE,
		parent_id INTEGER,
		protected INTEGER NOT NULL DEFAULT 0,
		recycling_order INTEGER NOT NULL DEFAULT 0,
		main_tags TEXT NOT NULL DEFAULT '{}',
		FOREIGN KEY(parent_id) REFERENCES resources(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_resources_parent ON resources(parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_resources_level ON resources(level)`,
	`CREATE INDEX IF NOT EXISTS idx_resources_recycling ON resources(level, recycling_order, id)`,

	`CREATE TABLE IF NOT EXISTS attachments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		resource_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		uuid TEXT NOT NULL,
		uncompressed_size INTEGER NOT NULL,
		uncompressed_md5 TEXT NOT NULL DEFAULT '',
		compressed_size INTEGER NOT NULL,
		compressed_md5 TEXT NOT NULL DEFAULT '',
		compression_scheme TEXT NOT NULL DEFAULT 'none',
		FOREIGN KEY(resource_id) REFERENCES resources(id),
		UNIQUE(resource_id, kind)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attachments_resource ON attachments(resource_id)`,

	`CREATE TABLE IF NOT EXISTS metadata (
		resource_id INTEGER NOT NULL,
		key INTEGER NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY(resource_id, key),
		FOREIGN KEY(resource_id) REFERENCES resources(id)
	)`,

	`CREATE TABLE IF NOT EXISTS identifiers (
		resource_id INTEGER NOT NULL,
		level INTEGER NOT NULL,
		tag TEXT NOT NULL,
		value TEXT NOT NULL,
		FOREIGN KEY(resource_id) REFERENCES resources(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_identifiers_tag_value ON identifiers(tag, value)`,

	`CREATE TABLE IF NOT EXISTS changes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		resource_type INTEGER NOT NULL,
		public_id TEXT NOT NULL,
		timestamp TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS global_properties (
		key INTEGER PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS storage_usage (
		id INTEGER PRIMARY KEY CHECK (id = 0),
		total_compressed_size INTEGER NOT NULL DEFAULT 0,
		patient_count INTEGER NOT NULL DEFAULT 0
	)`,
}

// migrations run in order, each bumping the recorded DatabaseVersion by one.
// None are needed yet at CompiledDatabaseVersion 1; the slice exists so a
// future schema change has a home, matching the teacher's own practice of
// keeping an (empty, at inception) upgrade path ready in fs.VMD-style
// versioned metadata.
var migrations = []func(ctx context.Context, tx Tx) error{}

// EnsureSchema creates the schema if absent and seeds storage_usage/
// DatabaseVersion on a brand-new database.
func EnsureSchema(ctx context.Context, b Backend) error {
	tx, err := b.Begin(ctx)
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return apierror.Wrap(apierror.Database, err, "failed to apply schema statement")
		}
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO storage_usage(id, total_compressed_size, patient_count) VALUES (0, 0, 0)`); err != nil {
		tx.Rollback()
		return apierror.Wrap(apierror.Database, err, "failed to seed storage usage row")
	}
	var exists int
	row := tx.QueryRow(`SELECT COUNT(*) FROM global_properties WHERE key = ?`, globalPropertyDatabaseVersion)
	if err := row.Scan(&exists); err != nil {
		tx.Rollback()
		return apierror.Wrap(apierror.Database, err, "failed to probe DatabaseVersion")
	}
	if exists == 0 {
		if _, err := tx.Exec(`INSERT INTO global_properties(key, value) VALUES (?, ?)`,
			globalPropertyDatabaseVersion, strconv.Itoa(CompiledDatabaseVersion)); err != nil {
			tx.Rollback()
			return apierror.Wrap(apierror.Database, err, "failed to record DatabaseVersion")
		}
	}
	return tx.Commit()
}

// CheckAndUpgrade implements spec.md §4.2 "Upgrade": a recorded version
// greater than compiled is fatal; a lower version runs the migration
// sequence only if allowed is true (the --upgrade CLI flag).
func CheckAndUpgrade(ctx context.Context, b Backend, allowed bool) error {
	tx, err := b.Begin(ctx)
	if err != nil {
		return err
	}
	var raw string
	row := tx.QueryRow(`SELECT value FROM global_properties WHERE key = ?`, globalPropertyDatabaseVersion)
	if err := row.Scan(&raw); err != nil {
		tx.Rollback()
		return apierror.Wrap(apierror.Database, err, "missing DatabaseVersion")
	}
	tx.Rollback() // read-only probe; the real migration below opens its own transaction(s)

	recorded := mustAtoi(raw)
	if recorded > CompiledDatabaseVersion {
		return apierror.New(apierror.IncompatibleDatabaseVersion,
			"database version %d is newer than this binary's compiled version %d", recorded, CompiledDatabaseVersion)
	}
	if recorded == CompiledDatabaseVersion {
		return nil // upgrade on an up-to-date database is a no-op (spec.md §8)
	}
	if !allowed {
		return apierror.New(apierror.IncompatibleDatabaseVersion,
			"database version %d is older than compiled version %d; rerun with --upgrade", recorded, CompiledDatabaseVersion)
	}
	for i := recorded; i < CompiledDatabaseVersion; i++ {
		mtx, err := b.Begin(ctx)
		if err != nil {
			return err
		}
		if int(i) < len(migrations) {
			if err := migrations[i](ctx, mtx); err != nil {
				mtx.Rollback()
				return apierror.Wrap(apierror.Database, err, "migration %d failed", i)
			}
		}
		if _, err := mtx.Exec(`UPDATE global_properties SET value = ? WHERE key = ?`, strconv.Itoa(i+1), globalPropertyDatabaseVersion); err != nil {
			mtx.Rollback()
			return apierror.Wrap(apierror.Database, err, "failed to record upgraded DatabaseVersion")
		}
		if err := mtx.Commit(); err != nil {
			return err
		}
	}
	return CheckAndUpgrade(ctx, b, false) // re-check, per spec.md §4.2
}



func mustAtoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
