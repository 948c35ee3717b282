package store

import (
	"context"
	"fmt"
	"strings"

	"field-sync-service/internal/database"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		guid VARCHAR(64) NOT NULL PRIMARY KEY,
		name VARCHAR(255) NOT NULL DEFAULT '',
		use_relay BOOLEAN NOT NULL DEFAULT 0,
		login VARCHAR(255) NOT NULL DEFAULT '',
		password VARCHAR(255) NOT NULL DEFAULT '',
		relay_key VARCHAR(255) NOT NULL DEFAULT '',
		token VARCHAR(512) NOT NULL DEFAULT '',
		options TEXT,
		license VARCHAR(512) NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS catalog_items (
		type VARCHAR(64) NOT NULL,
		database_id VARCHAR(64) NOT NULL,
		guid VARCHAR(64) NOT NULL,
		timestamp BIGINT NOT NULL,
		fields {{blob}},
		PRIMARY KEY (type, database_id, guid)
	)`,
	`CREATE INDEX idx_catalog_items_cleanup ON catalog_items (database_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS documents (
		guid VARCHAR(64) NOT NULL PRIMARY KEY,
		account_id VARCHAR(64) NOT NULL,
		kind VARCHAR(16) NOT NULL,
		payload {{blob}},
		is_sent BOOLEAN NOT NULL DEFAULT 0,
		is_processed BOOLEAN NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_lines (
		order_guid VARCHAR(64) NOT NULL,
		line_no INTEGER NOT NULL,
		goods_guid VARCHAR(64) NOT NULL,
		quantity DOUBLE NOT NULL,
		price DOUBLE NOT NULL,
		line_sum DOUBLE NOT NULL,
		PRIMARY KEY (order_guid, line_no)
	)`,
	`CREATE TABLE IF NOT EXISTS send_results (
		document_guid VARCHAR(64) NOT NULL,
		kind VARCHAR(16) NOT NULL,
		status VARCHAR(64) NOT NULL DEFAULT '',
		warning TEXT,
		transport VARCHAR(16) NOT NULL,
		sent_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_history (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		account_guid VARCHAR(64) NOT NULL,
		started_at BIGINT NOT NULL,
		completed_at BIGINT NULL,
		direction VARCHAR(16) NOT NULL,
		transport VARCHAR(16) NOT NULL,
		total_rows BIGINT NOT NULL DEFAULT 0,
		status VARCHAR(16) NOT NULL,
		error_message TEXT NULL
	)`,
}

// Migrate creates the tables the sync core relies on. It is idempotent.
func (s *SQLStore) Migrate(ctx context.Context) error {
	blob := "TEXT"
	if s.db.Dialect == database.MySQL {
		blob = "MEDIUMTEXT"
	}

	for _, stmt := range schema {
		stmt = strings.ReplaceAll(stmt, "{{blob}}", blob)
		if strings.HasPrefix(stmt, "CREATE INDEX") {
			if err := s.createIndex(ctx, stmt); err != nil {
				return err
			}
			continue
		}
		if _, err := s.db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// createIndex tolerates an existing index; MySQL has no CREATE INDEX IF NOT EXISTS.
func (s *SQLStore) createIndex(ctx context.Context, stmt string) error {
	if s.db.Dialect == database.SQLite {
		stmt = strings.Replace(stmt, "CREATE INDEX", "CREATE INDEX IF NOT EXISTS", 1)
	}
	_, err := s.db.DB.ExecContext(ctx, stmt)
	if err != nil && s.db.Dialect == database.MySQL && strings.Contains(err.Error(), "Duplicate key name") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}
