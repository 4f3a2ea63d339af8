package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	conn.SetMaxOpenConns(1) // SQLite works best with single connection
	conn.SetMaxIdleConns(1)

	db := &DB{conn: conn}

	// Run migrations
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate runs database migrations
func (db *DB) migrate() error {
	migrations := []string{
		// Live conversation states, one per user
		`CREATE TABLE IF NOT EXISTS conversation_states (
			user_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		)`,

		// Per-user usage counters
		`CREATE TABLE IF NOT EXISTS user_usage (
			user_id TEXT PRIMARY KEY,
			requests_today INTEGER NOT NULL DEFAULT 0,
			requests_total INTEGER NOT NULL DEFAULT 0,
			tokens_total INTEGER NOT NULL DEFAULT 0,
			bonus_requests INTEGER NOT NULL DEFAULT 0,
			custom_daily_limit INTEGER,
			is_banned INTEGER NOT NULL DEFAULT 0,
			cost_total_usd REAL NOT NULL DEFAULT 0,
			usage_day TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		// Solved tasks
		`CREATE TABLE IF NOT EXISTS completed_tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			task_id TEXT NOT NULL UNIQUE,
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			subject TEXT,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			model TEXT NOT NULL DEFAULT '',
			had_image INTEGER NOT NULL DEFAULT 0,
			had_voice INTEGER NOT NULL DEFAULT 0,
			response_time_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,

		// Indexes for better performance
		`CREATE INDEX IF NOT EXISTS idx_conversation_states_expires_at ON conversation_states(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_completed_tasks_user_created ON completed_tasks(user_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_completed_tasks_created_at ON completed_tasks(created_at)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, migration)
		}
	}

	return nil
}

// WithinTx runs fn in one transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (db *DB) WithinTx(ctx context.Context, fn func(tx CompletionTx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&sqliteTx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DBStats represents database statistics
type DBStats struct {
	ActiveStates   int64
	CompletedTasks int64
	Users          int64
	DBSizeBytes    int64
}

// GetStats returns database statistics
func (db *DB) GetStats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{}

	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM conversation_states", &stats.ActiveStates},
		{"SELECT COUNT(*) FROM completed_tasks", &stats.CompletedTasks},
		{"SELECT COUNT(*) FROM user_usage", &stats.Users},
	}
	for _, c := range counts {
		if err := db.conn.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to count rows: %w", err)
		}
	}

	// Get database size (page_count * page_size)
	var pageCount, pageSize int64
	if err := db.conn.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return nil, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := db.conn.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, fmt.Errorf("failed to get page size: %w", err)
	}
	stats.DBSizeBytes = pageCount * pageSize

	return stats, nil
}

// Vacuum optimizes the database file
func (db *DB) Vacuum(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}
