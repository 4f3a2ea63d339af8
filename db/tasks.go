package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const taskColumns = `id, user_id, task_id, question, answer, subject, prompt_tokens, completion_tokens,
	total_tokens, cost_usd, model, had_image, had_voice, response_time_ms, created_at`

// CreateCompletedTask stores a solved task and returns its ID
func (t *sqliteTx) CreateCompletedTask(ctx context.Context, task *CompletedTask) (int64, error) {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	var subject sql.NullString
	if task.Subject != nil {
		subject = sql.NullString{String: *task.Subject, Valid: true}
	}

	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO completed_tasks (user_id, task_id, question, answer, subject, prompt_tokens, completion_tokens,
			total_tokens, cost_usd, model, had_image, had_voice, response_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.UserID, task.TaskID, task.Question, task.Answer, subject, task.PromptTokens, task.CompletionTokens,
		task.TotalTokens, task.CostUSD, task.Model, task.HadImage, task.HadVoice, task.ResponseTimeMs, task.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create completed task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get completed task ID: %w", err)
	}
	task.ID = id
	return id, nil
}

func scanTask(row rowScanner) (*CompletedTask, error) {
	var task CompletedTask
	var subject sql.NullString
	if err := row.Scan(&task.ID, &task.UserID, &task.TaskID, &task.Question, &task.Answer, &subject,
		&task.PromptTokens, &task.CompletionTokens, &task.TotalTokens, &task.CostUSD, &task.Model,
		&task.HadImage, &task.HadVoice, &task.ResponseTimeMs, &task.CreatedAt); err != nil {
		return nil, err
	}
	if subject.Valid {
		task.Subject = &subject.String
	}
	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]*CompletedTask, error) {
	defer rows.Close()
	var tasks []*CompletedTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan completed task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ListTasks retrieves a user's completed tasks, newest first
func (db *DB) ListTasks(ctx context.Context, userID string, limit, offset int) ([]*CompletedTask, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM completed_tasks WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed tasks: %w", err)
	}
	return collectTasks(rows)
}
