package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// ErrSchemaTooNew is returned when the database was migrated by a newer build.
var ErrSchemaTooNew = errors.New("database schema is newer than this build")

// Migration is one schema step, loaded from migrations/NNNN_description.sql.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// MigrationStatus reports applied and pending migrations.
type MigrationStatus struct {
	CurrentVersion   int             `json:"current_version"`
	AvailableVersion int             `json:"available_version"`
	Applied          []MigrationInfo `json:"applied"`
	Pending          []MigrationInfo `json:"pending"`
}

// MigrationInfo describes a single migration.
type MigrationInfo struct {
	Version     int    `json:"version"`
	Description string `json:"description"`
	AppliedAt   string `json:"applied_at,omitempty"`
}

var migrations = mustLoadMigrations(migrationFiles)

func mustLoadMigrations(fsys fs.FS) []Migration {
	list, err := loadMigrations(fsys)
	if err != nil {
		panic(err)
	}
	return list
}

func loadMigrations(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	list := make([]Migration, 0, len(names))
	seen := map[int]string{}
	for _, name := range names {
		stem := strings.TrimSuffix(path.Base(name), ".sql")
		num, desc, ok := strings.Cut(stem, "_")
		version, err := strconv.Atoi(num)
		if !ok || err != nil || version <= 0 || desc == "" {
			return nil, fmt.Errorf("migration %s: expected NNNN_description.sql", name)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration %s: version %d already used by %s", name, version, prev)
		}
		seen[version] = name

		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		list = append(list, Migration{
			Version:     version,
			Description: strings.ReplaceAll(desc, "_", " "),
			SQL:         string(data),
		})
	}
	slices.SortFunc(list, func(a, b Migration) int { return a.Version - b.Version })
	return list, nil
}

func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}

const migrationsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  description TEXT NOT NULL DEFAULT '',
  applied_at TEXT NOT NULL
);
`

type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

func migrationsTableExists(q queryer) (bool, error) {
	var n int
	err := q.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&n)
	return n > 0, err
}

// currentVersion returns the highest applied version, 0 for an unmigrated database.
func currentVersion(q queryer) (int, error) {
	exists, err := migrationsTableExists(q)
	if err != nil || !exists {
		return 0, err
	}
	var version int
	if err := q.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func appliedMigrations(q queryer) ([]MigrationInfo, error) {
	exists, err := migrationsTableExists(q)
	if err != nil || !exists {
		return nil, err
	}
	rows, err := q.Query("SELECT version, description, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MigrationInfo
	for rows.Next() {
		var info MigrationInfo
		if err := rows.Scan(&info.Version, &info.Description, &info.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// runMigrations applies every pending migration, one transaction each.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(migrationsTableSQL); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	current, err := currentVersion(db)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}
	if current > latestVersion() {
		return fmt.Errorf("%w: version %d, this build knows %d", ErrSchemaTooNew, current, latestVersion())
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Description, formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	return nil
}

// MigrationPlan reports the migration state without writing to db.
func MigrationPlan(db *sql.DB) (*MigrationStatus, error) {
	applied, err := appliedMigrations(db)
	if err != nil {
		return nil, err
	}
	status := &MigrationStatus{
		AvailableVersion: latestVersion(),
		Applied:          applied,
	}
	done := map[int]bool{}
	for _, m := range applied {
		done[m.Version] = true
		status.CurrentVersion = max(status.CurrentVersion, m.Version)
	}
	for _, m := range migrations {
		if !done[m.Version] && m.Version > status.CurrentVersion {
			status.Pending = append(status.Pending, MigrationInfo{Version: m.Version, Description: m.Description})
		}
	}
	return status, nil
}
