package models

import (
	"database/sql"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// storeTables lists every table in the schema, in dependency order.
// loadCache and resyncCache copy each of these from disk into the
// in-memory projection.
var storeTables = []string{"entity_rows", "change_log", "users", "sync_state"}

// migrateDB runs all migrations on a single database
func migrateDB(db *sql.DB) error {
	// Create sequences for auto-incrementing IDs in DuckDB
	sequences := []string{
		DDLCreateChangeLogSeq,
		"CREATE SEQUENCE IF NOT EXISTS users_id_seq START 1",
	}

	for _, seqSQL := range sequences {
		if _, err := db.Exec(seqSQL); err != nil {
			logger.LogErr(err, "failed to create sequence", "sql", seqSQL)
			// Continue even if sequence exists
		}
	}

	// entity_rows is the materialized local store. All tracked tables
	// share it, keyed by (table_name, row_key). parent, sort_order and
	// kind are populated for tree rows only.
	entityRowsTableSQL := `
	CREATE TABLE IF NOT EXISTS entity_rows (
		table_name VARCHAR(64) NOT NULL,
		row_key VARCHAR(128) NOT NULL,
		parent VARCHAR(128),
		sort_order DOUBLE,
		kind VARCHAR(32),
		doc BLOB,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (table_name, row_key)
	)`

	if _, err := db.Exec(entityRowsTableSQL); err != nil {
		return serr.Wrap(err, "failed to create entity_rows table")
	}

	if _, err := db.Exec(DDLCreateChangeLogTable); err != nil {
		return serr.Wrap(err, "failed to create change_log table")
	}

	// Create users table (hub mode; harmless in a workspace)
	userTableSQL := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY DEFAULT nextval('users_id_seq'),
		guid VARCHAR(40) UNIQUE NOT NULL,
		username VARCHAR(64) UNIQUE NOT NULL,
		password_hash VARCHAR(128) NOT NULL,
		is_active BOOLEAN DEFAULT true,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		last_login_at TIMESTAMP
	)`

	if _, err := db.Exec(userTableSQL); err != nil {
		return serr.Wrap(err, "failed to create users table")
	}

	// Single-row table holding this workspace's durable client identity
	// and the highest hub sequence already applied locally
	syncStateTableSQL := `
	CREATE TABLE IF NOT EXISTS sync_state (
		id INTEGER PRIMARY KEY,
		client_id VARCHAR(40) NOT NULL,
		last_remote_seq BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	if _, err := db.Exec(syncStateTableSQL); err != nil {
		return serr.Wrap(err, "failed to create sync_state table")
	}

	// Create indexes for better query performance
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_entity_rows_parent ON entity_rows(table_name, parent)",
		"CREATE INDEX IF NOT EXISTS idx_change_log_state ON change_log(sync_state, sequence)",
		"CREATE INDEX IF NOT EXISTS idx_change_log_row ON change_log(table_name, row_key)",
		"CREATE INDEX IF NOT EXISTS idx_users_username ON users(username)",
	}

	for _, indexSQL := range indexes {
		if _, err := db.Exec(indexSQL); err != nil {
			logger.LogErr(err, "failed to create index", "sql", indexSQL)
			// Continue with other indexes even if one fails
		}
	}

	logger.Info("Database migration completed")
	return nil
}
