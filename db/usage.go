package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const usageColumns = `user_id, requests_today, requests_total, tokens_total, bonus_requests,
	custom_daily_limit, is_banned, cost_total_usd, usage_day, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUsage(row rowScanner) (*UsageRecord, error) {
	var rec UsageRecord
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

// NewUsageRecord returns the record of a user never seen before.
func NewUsageRecord(userID string, now time.Time) *UsageRecord {
	return &UsageRecord{UserID: userID, CreatedAt: now, UpdatedAt: now}
}

// GetUsage returns the usage record of a user, or a fresh unsaved one
func (db *DB) GetUsage(ctx context.Context, userID string) (*UsageRecord, error) {
	rec, err := scanUsage(db.conn.QueryRowContext(ctx,
		"SELECT "+usageColumns+" FROM user_usage WHERE user_id = ?", userID))
	if errors.Is(err, sql.ErrNoRows) {
		return NewUsageRecord(userID, time.Now().UTC()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return rec, nil
}

// UpdateUsage applies fn to the user's usage record inside a transaction
// and stores the result. An error from fn aborts the update and is
// returned unchanged.
func (db *DB) UpdateUsage(ctx context.Context, userID string, fn func(rec *UsageRecord) error) (*UsageRecord, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	rec, err := scanUsage(tx.QueryRowContext(ctx,
		"SELECT "+usageColumns+" FROM user_usage WHERE user_id = ?", userID))
	if errors.Is(err, sql.ErrNoRows) {
		rec = NewUsageRecord(userID, now)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.UserID = userID
	rec.UpdatedAt = now

	var custom sql.NullInt64
	if rec.CustomDailyLimit != nil {
		custom = sql.NullInt64{Int64: int64(*rec.CustomDailyLimit), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_usage (`+usageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			requests_today = excluded.requests_today,
			requests_total = excluded.requests_total,
			tokens_total = excluded.tokens_total,
			bonus_requests = excluded.bonus_requests,
			custom_daily_limit = excluded.custom_daily_limit,
			is_banned = excluded.is_banned,
			cost_total_usd = excluded.cost_total_usd,
			usage_day = excluded.usage_day,
			updated_at = excluded.updated_at`,
		rec.UserID, rec.RequestsToday, rec.RequestsTotal, rec.TokensTotal, rec.BonusRequests,
		custom, rec.IsBanned, rec.CostTotalUSD, rec.UsageDay, rec.CreatedAt.UTC(), rec.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save usage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit usage: %w", err)
	}
	return rec, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

// IncrementUsage counts one completed request for the user
func (t *sqliteTx) IncrementUsage(ctx context.Context, userID string, delta UsageDelta) error {
	at := delta.At.UTC()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_usage (user_id, requests_today, requests_total, tokens_total, cost_total_usd, usage_day, created_at, updated_at)
		VALUES (?, 1, 1, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			requests_today = CASE WHEN user_usage.usage_day = excluded.usage_day
				THEN user_usage.requests_today + 1 ELSE 1 END,
			requests_total = user_usage.requests_total + 1,
			tokens_total = user_usage.tokens_total + excluded.tokens_total,
			cost_total_usd = user_usage.cost_total_usd + excluded.cost_total_usd,
			usage_day = excluded.usage_day,
			updated_at = excluded.updated_at`,
		userID, delta.Tokens, delta.CostUSD, delta.Day, at, at,
	)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	return nil
}
