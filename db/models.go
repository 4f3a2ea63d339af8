package db

import (
	"context"
	"time"
)

// UsageRecord is a user's request accounting.
type UsageRecord struct {
	UserID        string `json:"user_id"`
	RequestsToday int    `json:"requests_today"`
	RequestsTotal int    `json:"requests_total"`
	TokensTotal   int64  `json:"tokens_total"`
	BonusRequests int    `json:"bonus_requests"`
	// CustomDailyLimit overrides the configured default when set
	CustomDailyLimit *int    `json:"custom_daily_limit,omitempty"`
	IsBanned         bool    `json:"is_banned"`
	CostTotalUSD     float64 `json:"cost_total_usd"`
	// UsageDay is the calendar day RequestsToday counts, "2006-01-02"
	UsageDay  string    `json:"usage_day"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CompletedTask is a solved task. Rows are never updated.
type CompletedTask struct {
	ID               int64     `json:"id"`
	UserID           string    `json:"user_id"`
	TaskID           string    `json:"task_id"`
	Question         string    `json:"question"`
	Answer           string    `json:"answer"`
	Subject          *string   `json:"subject,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	Model            string    `json:"model"`
	HadImage         bool      `json:"had_image"`
	HadVoice         bool      `json:"had_voice"`
	ResponseTimeMs   int64     `json:"response_time_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// UsageDelta is what one completed task adds to a user's usage.
type UsageDelta struct {
	Day     string
	Tokens  int64
	CostUSD float64
	At      time.Time
}

// CompletionTx is the transactional view used to record a completion.
type CompletionTx interface {
	CreateCompletedTask(ctx context.Context, task *CompletedTask) (int64, error)
	IncrementUsage(ctx context.Context, userID string, delta UsageDelta) error
}

// SubjectCount is one row of the popular subjects report.
type SubjectCount struct {
	Subject string `json:"subject"`
	Count   int64  `json:"count"`
}

// ServiceStats summarizes service activity.
type ServiceStats struct {
	RequestsToday   int64          `json:"requests_today"`
	CostTodayUSD    float64        `json:"cost_today_usd"`
	TasksTotal      int64          `json:"tasks_total"`
	TokensTotal     int64          `json:"tokens_total"`
	CostTotalUSD    float64        `json:"cost_total_usd"`
	AvgResponseMs   float64        `json:"avg_response_ms"`
	Users           int64          `json:"users"`
	PopularSubjects []SubjectCount `json:"popular_subjects"`
}
