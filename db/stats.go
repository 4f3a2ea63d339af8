package db

import (
	"context"
	"fmt"
	"time"
)

// DailyUsageStats represents daily usage statistics
type DailyUsageStats struct {
	Date        string  `json:"date"` // Format: "2006-01-02"
	Tasks       int64   `json:"tasks"`
	TotalTokens int64   `json:"total_tokens"`
	CostUSD     float64 `json:"cost_usd"`
}

// ModelUsageStats represents usage statistics for a specific model
type ModelUsageStats struct {
	Model       string  `json:"model"`
	Tasks       int64   `json:"tasks"`
	TotalTokens int64   `json:"total_tokens"`
	CostUSD     float64 `json:"cost_usd"`
}

// GetServiceStats returns service-wide statistics; "today" starts at since
func (db *DB) GetServiceStats(ctx context.Context, since time.Time, topSubjects int) (*ServiceStats, error) {
	stats := &ServiceStats{}

	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(cost_usd), 0)
		FROM completed_tasks
		WHERE created_at >= ?`, since.UTC(),
	).Scan(&stats.RequestsToday, &stats.CostTodayUSD)
	if err != nil {
		return nil, fmt.Errorf("failed to get today stats: %w", err)
	}

	err = db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0), COALESCE(AVG(response_time_ms), 0)
		FROM completed_tasks`,
	).Scan(&stats.TasksTotal, &stats.TokensTotal, &stats.CostTotalUSD, &stats.AvgResponseMs)
	if err != nil {
		return nil, fmt.Errorf("failed to get total stats: %w", err)
	}

	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM user_usage").Scan(&stats.Users); err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT subject, COUNT(*) AS cnt
		FROM completed_tasks
		WHERE subject IS NOT NULL AND subject != ''
		GROUP BY subject
		ORDER BY cnt DESC, subject ASC
		LIMIT ?`, topSubjects,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get popular subjects: %w", err)
	}
	defer rows.Close()

	stats.PopularSubjects = []SubjectCount{}
	for rows.Next() {
		var sc SubjectCount
		if err := rows.Scan(&sc.Subject, &sc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan subject stats: %w", err)
		}
		stats.PopularSubjects = append(stats.PopularSubjects, sc)
	}

	return stats, rows.Err()
}

// GetDailyStats returns per-day totals between startDate and endDate
func (db *DB) GetDailyStats(ctx context.Context, startDate, endDate time.Time) ([]*DailyUsageStats, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT
			substr(created_at, 1, 10) as date,
			COUNT(*) as tasks,
			COALESCE(SUM(total_tokens), 0) as total_tokens,
			COALESCE(SUM(cost_usd), 0) as cost
		FROM completed_tasks
		WHERE created_at >= ? AND created_at <= ?
		GROUP BY date
		ORDER BY date ASC
	`, startDate.UTC(), endDate.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to get daily stats: %w", err)
	}
	defer rows.Close()

	var daily []*DailyUsageStats
	for rows.Next() {
		var d DailyUsageStats
		if err := rows.Scan(&d.Date, &d.Tasks, &d.TotalTokens, &d.CostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan daily stats: %w", err)
		}
		daily = append(daily, &d)
	}
	return daily, rows.Err()
}

// GetTopModels returns the top N models by token usage
func (db *DB) GetTopModels(ctx context.Context, limit int) ([]*ModelUsageStats, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT
			model,
			COUNT(*) as tasks,
			COALESCE(SUM(total_tokens), 0) as total_tokens,
			COALESCE(SUM(cost_usd), 0) as cost
		FROM completed_tasks
		GROUP BY model
		ORDER BY total_tokens DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get top models: %w", err)
	}
	defer rows.Close()

	var models []*ModelUsageStats
	for rows.Next() {
		var m ModelUsageStats
		if err := rows.Scan(&m.Model, &m.Tasks, &m.TotalTokens, &m.CostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan model stats: %w", err)
		}
		models = append(models, &m)
	}
	return models, rows.Err()
}
