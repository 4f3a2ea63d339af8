// Package postgres stores usage records and completed tasks in PostgreSQL.
// Conversation states stay in SQLite.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"eduhelper/db"
	"eduhelper/retry"
)

// serialization_failure and deadlock_detected
var retryableCodes = map[pq.ErrorCode]bool{"40001": true, "40P01": true}

// Store is the PostgreSQL repository.
type Store struct {
	conn   *sql.DB
	policy retry.Policy
}

// Open connects to dsn and creates the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{
		conn: conn,
		policy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   20 * time.Millisecond,
			Retryable:   isSerializationFailure,
		},
	}
	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && retryableCodes[pqErr.Code]
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS user_usage (
			user_id TEXT PRIMARY KEY,
			requests_today INT NOT NULL DEFAULT 0,
			requests_total INT NOT NULL DEFAULT 0,
			tokens_total BIGINT NOT NULL DEFAULT 0,
			bonus_requests INT NOT NULL DEFAULT 0,
			custom_daily_limit INT,
			is_banned BOOLEAN NOT NULL DEFAULT FALSE,
			cost_total_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			usage_day TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS completed_tasks (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			task_id TEXT NOT NULL UNIQUE,
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			subject TEXT,
			prompt_tokens INT NOT NULL DEFAULT 0,
			completion_tokens INT NOT NULL DEFAULT 0,
			total_tokens INT NOT NULL DEFAULT 0,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			model TEXT NOT NULL DEFAULT '',
			had_image BOOLEAN NOT NULL DEFAULT FALSE,
			had_voice BOOLEAN NOT NULL DEFAULT FALSE,
			response_time_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_completed_tasks_user_created ON completed_tasks(user_id, created_at DESC);`,
	}
	for _, m := range migrations {
		if _, err := s.conn.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

const usageColumns = `user_id, requests_today, requests_total, tokens_total, bonus_requests,
	custom_daily_limit, is_banned, cost_total_usd, usage_day, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUsage(row rowScanner) (*db.UsageRecord, error) {
	var rec db.UsageRecord
	var custom sql.NullInt64
	if err := row.Scan(&rec.UserID, &rec.RequestsToday, &rec.RequestsTotal, &rec.TokensTotal, &rec.BonusRequests,
		&custom, &rec.IsBanned, &rec.CostTotalUSD, &rec.UsageDay, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if custom.Valid {
		limit := int(custom.Int64)
		rec.CustomDailyLimit = &limit
	}
	return &rec, nil
}

// GetUsage returns the usage record of a user, or a fresh unsaved one.
func (s *Store) GetUsage(ctx context.Context, userID string) (*db.UsageRecord, error) {
	rec, err := scanUsage(s.conn.QueryRowContext(ctx,
		`SELECT `+usageColumns+` FROM user_usage WHERE user_id = $1;`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return db.NewUsageRecord(userID, time.Now().UTC()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return rec, nil
}

// UpdateUsage applies fn to the locked usage row in a serializable
// transaction. Serialization failures are retried; fn may run more than
// once and must not have side effects outside rec.
func (s *Store) UpdateUsage(ctx context.Context, userID string, fn func(rec *db.UsageRecord) error) (*db.UsageRecord, error) {
	return retry.DoValue(ctx, s.policy, func(ctx context.Context, _ int) (*db.UsageRecord, error) {
		return s.updateUsageOnce(ctx, userID, fn)
	})
}

func (s *Store) updateUsageOnce(ctx context.Context, userID string, fn func(rec *db.UsageRecord) error) (*db.UsageRecord, error) {
	tx, err := s.conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_usage (user_id, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (user_id) DO NOTHING;
	`, userID, now); err != nil {
		return nil, fmt.Errorf("failed to create usage row: %w", err)
	}

	rec, err := scanUsage(tx.QueryRowContext(ctx,
		`SELECT `+usageColumns+` FROM user_usage WHERE user_id = $1 FOR UPDATE;`, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock usage row: %w", err)
	}

	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.UpdatedAt = now

	var custom sql.NullInt64
	if rec.CustomDailyLimit != nil {
		custom = sql.NullInt64{Int64: int64(*rec.CustomDailyLimit), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE user_usage
		SET requests_today = $1, requests_total = $2, tokens_total = $3, bonus_requests = $4,
			custom_daily_limit = $5, is_banned = $6, cost_total_usd = $7, usage_day = $8, updated_at = $9
		WHERE user_id = $10;
	`, rec.RequestsToday, rec.RequestsTotal, rec.TokensTotal, rec.BonusRequests,
		custom, rec.IsBanned, rec.CostTotalUSD, rec.UsageDay, rec.UpdatedAt, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to save usage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

// WithinTx runs fn in one transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(tx db.CompletionTx) error) error {
	tx, err := s.conn.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) CreateCompletedTask(ctx context.Context, task *db.CompletedTask) (int64, error) {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	var subject sql.NullString
	if task.Subject != nil {
		subject = sql.NullString{String: *task.Subject, Valid: true}
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO completed_tasks (user_id, task_id, question, answer, subject, prompt_tokens, completion_tokens,
			total_tokens, cost_usd, model, had_image, had_voice, response_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id;
	`, task.UserID, task.TaskID, task.Question, task.Answer, subject, task.PromptTokens, task.CompletionTokens,
		task.TotalTokens, task.CostUSD, task.Model, task.HadImage, task.HadVoice, task.ResponseTimeMs, task.CreatedAt.UTC(),
	).Scan(&task.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to create completed task: %w", err)
	}
	return task.ID, nil
}

func (t *pgTx) IncrementUsage(ctx context.Context, userID string, delta db.UsageDelta) error {
	at := delta.At.UTC()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_usage (user_id, requests_today, requests_total, tokens_total, cost_total_usd, usage_day, created_at, updated_at)
		VALUES ($1, 1, 1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			requests_today = CASE WHEN user_usage.usage_day = EXCLUDED.usage_day
				THEN user_usage.requests_today + 1 ELSE 1 END,
			requests_total = user_usage.requests_total + 1,
			tokens_total = user_usage.tokens_total + EXCLUDED.tokens_total,
			cost_total_usd = user_usage.cost_total_usd + EXCLUDED.cost_total_usd,
			usage_day = EXCLUDED.usage_day,
			updated_at = EXCLUDED.updated_at;
	`, userID, delta.Tokens, delta.CostUSD, delta.Day, at)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	return nil
}

const taskColumns = `id, user_id, task_id, question, answer, subject, prompt_tokens, completion_tokens,
	total_tokens, cost_usd, model, had_image, had_voice, response_time_ms, created_at`

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*db.CompletedTask, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*db.CompletedTask
	for rows.Next() {
		var task db.CompletedTask
		var subject sql.NullString
		if err := rows.Scan(&task.ID, &task.UserID, &task.TaskID, &task.Question, &task.Answer, &subject,
			&task.PromptTokens, &task.CompletionTokens, &task.TotalTokens, &task.CostUSD, &task.Model,
			&task.HadImage, &task.HadVoice, &task.ResponseTimeMs, &task.CreatedAt); err != nil {
			return nil, err
		}
		if subject.Valid {
			task.Subject = &subject.String
		}
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

// ListTasks retrieves a user's completed tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, userID string, limit, offset int) ([]*db.CompletedTask, error) {
	tasks, err := s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM completed_tasks
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3;
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed tasks: %w", err)
	}
	return tasks, nil
}

// SearchTasks finds a user's completed tasks containing query.
func (s *Store) SearchTasks(ctx context.Context, userID, query string, limit int) ([]*db.CompletedTask, error) {
	tasks, err := s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM completed_tasks
		WHERE user_id = $1
		  AND (question ILIKE '%' || $2::text || '%' OR answer ILIKE '%' || $2::text || '%' OR subject ILIKE '%' || $2::text || '%')
		ORDER BY created_at DESC, id DESC
		LIMIT $3;
	`, userID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search completed tasks: %w", err)
	}
	return tasks, nil
}

// GetServiceStats returns service-wide statistics; "today" starts at since.
func (s *Store) GetServiceStats(ctx context.Context, since time.Time, topSubjects int) (*db.ServiceStats, error) {
	stats := &db.ServiceStats{PopularSubjects: []db.SubjectCount{}}

	err := s.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE created_at >= $1),
			COALESCE(SUM(cost_usd) FILTER (WHERE created_at >= $1), 0),
			COUNT(*),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(AVG(response_time_ms), 0)
		FROM completed_tasks;
	`, since.UTC()).Scan(&stats.RequestsToday, &stats.CostTodayUSD, &stats.TasksTotal,
		&stats.TokensTotal, &stats.CostTotalUSD, &stats.AvgResponseMs)
	if err != nil {
		return nil, fmt.Errorf("failed to get task stats: %w", err)
	}

	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_usage;`).Scan(&stats.Users); err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT subject, COUNT(*) AS cnt
		FROM completed_tasks
		WHERE subject IS NOT NULL AND subject <> ''
		GROUP BY subject
		ORDER BY cnt DESC, subject ASC
		LIMIT $1;
	`, topSubjects)
	if err != nil {
		return nil, fmt.Errorf("failed to get popular subjects: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sc db.SubjectCount
		if err := rows.Scan(&sc.Subject, &sc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan subject stats: %w", err)
		}
		stats.PopularSubjects = append(stats.PopularSubjects, sc)
	}
	return stats, rows.Err()
}
