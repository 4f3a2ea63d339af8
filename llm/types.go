package llm

import (
	"context"
	"time"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message
type Message struct {
	Role        string       `json:"role"` // "user" or "assistant" or "system"
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents an image attached to a message
type Attachment struct {
	Type     string `json:"type"`      // "image"
	MimeType string `json:"mime_type"` // "image/jpeg", "image/png", etc.
	Data     []byte `json:"data"`
	Filename string `json:"filename,omitempty"`
}

// Completion is a finished model reply with its token accounting.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	Model            string
	Latency          time.Duration
}

// TotalTokens returns prompt plus completion tokens.
func (c *Completion) TotalTokens() int {
	return c.PromptTokens + c.CompletionTokens
}

// Provider performs a single completion attempt against an LLM backend.
// Failures are reported as *Error so callers can classify them.
type Provider interface {
	// Complete sends messages and returns the complete response
	Complete(ctx context.Context, messages []Message) (*Completion, error)

	// Name returns the provider name
	Name() string

	// ValidateConfig validates the provider configuration
	ValidateConfig() error
}

// Logger is the logging surface the client needs.
type Logger interface {
	Debug(format string, v ...interface{})
	Warn(format string, v ...interface{})
}

// Config represents provider configuration
type Config struct {
	ProviderName string // Display name for the provider
	APIKey       string
	BaseURL      string
	Model        string
	Timeout      int // seconds
	MaxTokens    int
	Temperature  float64

	// SiteURL and SiteName are sent as OpenRouter attribution headers.
	SiteURL  string
	SiteName string
}
