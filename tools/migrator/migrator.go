package migrator

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// advisoryLockKey serializes concurrent migrators on postgres
const advisoryLockKey = 7345122019

// RunMigrationsDir applies all pending migrations found in a directory.
func RunMigrationsDir(db *sql.DB, dir string) error {
	return RunMigrations(db, os.DirFS(dir))
}

// RunMigrations applies all pending migrations from fsys.
func RunMigrations(db *sql.DB, fsys fs.FS) error {
	ctx := context.Background()
	driver := detectDriver(db)

	if err := createSchemaTable(db); err != nil {
		return fmt.Errorf("failed to create schema table: %w", err)
	}

	// The advisory lock is session scoped, so lock and unlock must share a connection
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to reserve connection: %w", err)
	}
	defer conn.Close()

	if err := acquireLock(ctx, conn, driver); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer releaseLock(ctx, conn, driver)

	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := getAppliedMigrations(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	appliedSet := make(map[int]bool, len(applied))
	maxApplied := 0
	for _, v := range applied {
		appliedSet[v] = true
		if v > maxApplied {
			maxApplied = v
		}
	}

	var pending []Migration
	for _, m := range migrations {
		if !appliedSet[m.Version] {
			pending = append(pending, m)
		}
	}

	// History can't go backwards: a pending migration below the highest
	// applied version means the set on disk diverged from the database
	for _, m := range pending {
		if m.Version < maxApplied {
			return fmt.Errorf("cannot apply migration %d: version %d is already applied (migrations must be applied in order)", m.Version, maxApplied)
		}
	}

	for _, m := range pending {
		for _, dep := range m.Dependencies {
			if !appliedSet[dep] {
				return fmt.Errorf("migration %d depends on version %d which has not been applied", m.Version, dep)
			}
		}

		if err := applyMigration(ctx, conn, driver, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}

		appliedSet[m.Version] = true
	}

	return nil
}

// GetCurrentVersion returns the highest applied migration version.
// Returns 0 if no migrations have been applied.
func GetCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, err
	}

	return version, nil
}

// GetAppliedMigrations returns all applied migration versions, sorted.
func GetAppliedMigrations(db *sql.DB) ([]int, error) {
	conn, err := db.Conn(context.Background())
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return getAppliedMigrations(context.Background(), conn)
}

func getAppliedMigrations(ctx context.Context, conn *sql.Conn) ([]int, error) {
	rows, err := conn.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		if isMissingTable(err) {
			return []int{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	versions := []int{}
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}

	return versions, rows.Err()
}

func isMissingTable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "doesn't exist") ||
		strings.Contains(msg, "does not exist")
}

// createSchemaTable creates the schema_migrations table if it doesn't exist.
func createSchemaTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// applyMigration executes a single migration and records it in schema_migrations.
func applyMigration(ctx context.Context, conn *sql.Conn, driver string, m Migration) error {
	record := "INSERT INTO schema_migrations (version) VALUES (" + placeholder(driver, 1) + ")"

	if m.NoTransaction {
		if _, err := conn.ExecContext(ctx, m.UpSQL); err != nil {
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
		if _, err := conn.ExecContext(ctx, record, m.Version); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to execute SQL: %w", err)
	}

	if _, err := tx.ExecContext(ctx, record, m.Version); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// placeholder returns the appropriate SQL placeholder for the given driver.
func placeholder(driver string, n int) string {
	if driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// acquireLock takes a database-specific migration lock on conn.
func acquireLock(ctx context.Context, conn *sql.Conn, driver string) error {
	if driver != "postgres" {
		// SQLite uses automatic file-level locking
		return nil
	}
	_, err := conn.ExecContext(ctx, fmt.Sprintf("SELECT pg_advisory_lock(%d)", advisoryLockKey))
	return err
}

// releaseLock releases the lock taken by acquireLock.
func releaseLock(ctx context.Context, conn *sql.Conn, driver string) error {
	if driver != "postgres" {
		return nil
	}
	_, err := conn.ExecContext(ctx, fmt.Sprintf("SELECT pg_advisory_unlock(%d)", advisoryLockKey))
	return err
}

// detectDriver guesses the driver behind db.
// sql.DB doesn't expose the driver name, so probe with dialect-specific queries.
func detectDriver(db *sql.DB) string {
	var result string
	if err := db.QueryRow("SELECT sqlite_version()").Scan(&result); err == nil {
		return "sqlite3"
	}

	if err := db.QueryRow("SELECT version()").Scan(&result); err == nil &&
		strings.Contains(strings.ToLower(result), "postgresql") {
		return "postgres"
	}

	return "sqlite3"
}
