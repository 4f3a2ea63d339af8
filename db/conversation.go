package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"eduhelper/state"
)

// Load retrieves the conversation state of a user
func (db *DB) Load(ctx context.Context, userID string) (*state.Conversation, error) {
	var data string
	err := db.conn.QueryRowContext(ctx,
		"SELECT data FROM conversation_states WHERE user_id = ?",
		userID,
	).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation state: %w", err)
	}

	var c state.Conversation
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("failed to decode conversation state: %w", err)
	}
	return &c, nil
}

// Save creates or replaces the conversation state of a user
func (db *DB) Save(ctx context.Context, c *state.Conversation) error {
	if c == nil || c.UserID == "" {
		return errors.New("conversation state requires a user id")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode conversation state: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO conversation_states (user_id, task_id, stage, data, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			task_id = excluded.task_id,
			stage = excluded.stage,
			data = excluded.data,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		c.UserID, c.TaskID, string(c.Stage), string(data), c.UpdatedAt.UTC(), c.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save conversation state: %w", err)
	}
	return nil
}

// Delete removes the conversation state of a user
func (db *DB) Delete(ctx context.Context, userID string) error {
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM conversation_states WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("failed to delete conversation state: %w", err)
	}
	return nil
}

// Expired lists conversation states that expired at or before now
func (db *DB) Expired(ctx context.Context, now time.Time) ([]*state.Conversation, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT data FROM conversation_states WHERE expires_at <= ? ORDER BY expires_at",
		now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired conversation states: %w", err)
	}
	defer rows.Close()

	var out []*state.Conversation
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan conversation state: %w", err)
		}
		var c state.Conversation
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("failed to decode conversation state: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
