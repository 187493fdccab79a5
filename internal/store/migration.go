package store

import (
	"context"
	"database/sql"
	"fmt"
)

const currentSchemaVersion = 2

// migrations are applied in order; each runs once inside its own transaction.
var migrations = []struct {
	version    int
	statements []string
}{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS operations (
				id TEXT PRIMARY KEY,
				seq BIGINT NOT NULL,
				priority INTEGER NOT NULL,
				status TEXT NOT NULL,
				created_at BIGINT NOT NULL,
				data TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS dead_letters (
				operation_id TEXT PRIMARY KEY,
				dead_lettered_at BIGINT NOT NULL,
				data TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS history (
				id TEXT PRIMARY KEY,
				started_at BIGINT NOT NULL,
				data TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS resolutions (
				conflict_id TEXT PRIMARY KEY,
				resolved_at BIGINT NOT NULL,
				data TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS manual_conflicts (
				id TEXT PRIMARY KEY,
				detected_at BIGINT NOT NULL,
				data TEXT NOT NULL
			)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_operations_drain ON operations(status, priority, created_at, seq)`,
			`CREATE INDEX IF NOT EXISTS idx_history_started ON history(started_at)`,
			`CREATE INDEX IF NOT EXISTS idx_resolutions_resolved ON resolutions(resolved_at)`,
		},
	},
}

// RunMigrations applies any pending schema migrations.
func (s *SQLStore) RunMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS offsync_schema_version (
		version INTEGER PRIMARY KEY
	)`); err != nil {
		return fmt.Errorf("create schema version table: %w", err)
	}

	version, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			return s.exec(ctx, tx, "INSERT INTO offsync_schema_version (version) VALUES (?)", m.version)
		})
		if err != nil {
			return fmt.Errorf("migration to v%d failed: %w", m.version, err)
		}
	}
	return nil
}

// getSchemaVersion returns the applied schema version, 0 for a fresh database.
func (s *SQLStore) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM offsync_schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// SchemaVersion reports the applied schema version.
func (s *SQLStore) SchemaVersion(ctx context.Context) (int, error) {
	return s.getSchemaVersion(ctx)
}
