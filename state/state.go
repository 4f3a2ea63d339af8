// Package state holds the per-user conversation state of an in-progress task.
package state

import (
	"context"
	"errors"
	"slices"
	"time"
)

// ErrNotFound is returned by Load when the user has no stored state.
var ErrNotFound = errors.New("conversation state not found")

// Stage is the position of a task in the dialogue.
type Stage string

const (
	StageAwaitingQuestion    Stage = "awaiting_question"
	StageInterview           Stage = "interview"
	StageAwaitingPlanConfirm Stage = "awaiting_plan_confirm"
	StageProcessing          Stage = "processing"
)

// Stages lists every stage in dialogue order.
var Stages = []Stage{StageAwaitingQuestion, StageInterview, StageAwaitingPlanConfirm, StageProcessing}

// AttachmentKind tells how the question was submitted.
type AttachmentKind string

const (
	AttachmentNone  AttachmentKind = "none"
	AttachmentImage AttachmentKind = "image"
	AttachmentVoice AttachmentKind = "voice"
)

// QA is one answered clarifying question.
type QA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Image is the prepared photo kept for all model calls of a task.
type Image struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Conversation is the state of one user's active task.
type Conversation struct {
	UserID          string         `json:"user_id"`
	TaskID          string         `json:"task_id"`
	Stage           Stage          `json:"stage"`
	Question        string         `json:"question"`
	Attachment      AttachmentKind `json:"attachment"`
	Image           *Image         `json:"image,omitempty"`
	Answers         []QA           `json:"answers,omitempty"`
	PendingQuestion string         `json:"pending_question,omitempty"`
	Rounds          int            `json:"rounds"`
	Edits           []string       `json:"edits,omitempty"`
	Plan            []string       `json:"plan,omitempty"`
	// Admission is the limiter source this task was admitted from.
	Admission        string    `json:"admission"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Expired reports whether the state's idle TTL has run out.
func (c *Conversation) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Touch marks the state as updated at now and pushes its expiry out by ttl.
func (c *Conversation) Touch(now time.Time, ttl time.Duration) {
	c.UpdatedAt = now
	c.ExpiresAt = now.Add(ttl)
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.Image != nil {
		img := *c.Image
		img.Data = slices.Clone(c.Image.Data)
		out.Image = &img
	}
	out.Answers = slices.Clone(c.Answers)
	out.Edits = slices.Clone(c.Edits)
	out.Plan = slices.Clone(c.Plan)
	return &out
}

// Store persists conversation states, at most one per user.
type Store interface {
	// Load returns ErrNotFound when the user has no state. Expired states
	// are returned as stored; callers decide what expiry means.
	Load(ctx context.Context, userID string) (*Conversation, error)
	Save(ctx context.Context, c *Conversation) error
	Delete(ctx context.Context, userID string) error
	// Expired lists states whose ExpiresAt is at or before now.
	Expired(ctx context.Context, now time.Time) ([]*Conversation, error)
}
