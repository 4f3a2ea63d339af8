package db

import (
	"context"
	"fmt"
	"strings"
)

// likePattern escapes LIKE wildcards in a user query.
func likePattern(query string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.TrimSpace(query)) + "%"
}

// SearchTasks finds a user's completed tasks whose question or answer
// contains query, newest first
func (db *DB) SearchTasks(ctx context.Context, userID, query string, limit int) ([]*CompletedTask, error) {
	if strings.TrimSpace(query) == "" {
		return db.ListTasks(ctx, userID, limit, 0)
	}
	pattern := likePattern(query)
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM completed_tasks
		WHERE user_id = ?
		  AND (question LIKE ? ESCAPE '\' OR answer LIKE ? ESCAPE '\' OR subject LIKE ? ESCAPE '\')
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		userID, pattern, pattern, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search completed tasks: %w", err)
	}
	return collectTasks(rows)
}

// ListTasksBySubject retrieves completed tasks of one subject across users
func (db *DB) ListTasksBySubject(ctx context.Context, subject string, limit int) ([]*CompletedTask, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM completed_tasks WHERE subject = ? ORDER BY created_at DESC LIMIT ?",
		subject, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by subject: %w", err)
	}
	return collectTasks(rows)
}
