package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type migration struct {
	version    int
	name       string
	statements []string
}

// Схема общая для SQLite и Postgres: только TEXT/INTEGER, время строкой
var migrations = []migration{
	{
		version: 1,
		name:    "inventory",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS devices (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS device_groups (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS group_members (
				group_id TEXT NOT NULL REFERENCES device_groups(id) ON DELETE CASCADE,
				device_id TEXT NOT NULL,
				PRIMARY KEY (group_id, device_id)
			)`,
			`CREATE TABLE IF NOT EXISTS software (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				version TEXT NOT NULL DEFAULT '',
				package TEXT NOT NULL DEFAULT '',
				install_command TEXT NOT NULL DEFAULT ''
			)`,
		},
	},
	{
		version: 2,
		name:    "deployments",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS deployments (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				status TEXT NOT NULL,
				payload_json TEXT NOT NULL,
				created_at TEXT NOT NULL,
				started_at TEXT,
				ended_at TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS work_units (
				deployment_id TEXT NOT NULL REFERENCES deployments(id),
				device_id TEXT NOT NULL,
				position INTEGER NOT NULL,
				status TEXT NOT NULL,
				progress INTEGER NOT NULL DEFAULT 0,
				error TEXT NOT NULL DEFAULT '',
				started_at TEXT,
				completed_at TEXT,
				PRIMARY KEY (deployment_id, device_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_deployments_created ON deployments(created_at)`,
		},
	},
	{
		version: 3,
		name:    "deployment_events",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS deployment_events (
				id TEXT PRIMARY KEY,
				deployment_id TEXT NOT NULL,
				device_id TEXT NOT NULL,
				from_status TEXT NOT NULL,
				to_status TEXT NOT NULL,
				error TEXT NOT NULL DEFAULT '',
				ts TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_deployment_events_dep ON deployment_events(deployment_id, ts)`,
		},
	},
}

// Migrate накатывает недостающие миграции, каждую в своей транзакции
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := validateMigrations(); err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := s.loadAppliedVersions(ctx)
	if err != nil {
		return err
	}
	for version := range applied {
		if !knownVersion(version) {
			return fmt.Errorf("unknown schema migration version %d", version)
		}
	}
	for _, m := range migrations {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadAppliedVersions(ctx context.Context) (map[int]struct{}, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[int]struct{})
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	for _, stmt := range m.statements {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, trimmed); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %d: %w", m.version, err)
		}
	}
	appliedAt := formatTime(time.Now())
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
		m.version, m.name, appliedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

func knownVersion(version int) bool {
	for _, m := range migrations {
		if m.version == version {
			return true
		}
	}
	return false
}

func validateMigrations() error {
	if len(migrations) == 0 {
		return errors.New("no migrations defined")
	}
	prev := 0
	for _, m := range migrations {
		if m.version <= prev {
			return fmt.Errorf("migration version %d is out of order", m.version)
		}
		if strings.TrimSpace(m.name) == "" {
			return fmt.Errorf("migration %d missing name", m.version)
		}
		prev = m.version
	}
	return nil
}
