package orchestrator

import (
	"context"
	"time"
)

// EventKind tags an inbound user interaction.
type EventKind string

const (
	EventText    EventKind = "text"
	EventImage   EventKind = "image"
	EventVoice   EventKind = "voice"
	EventSkip    EventKind = "skip"
	EventConfirm EventKind = "confirm"
	EventEdit    EventKind = "edit"
	EventCancel  EventKind = "cancel"
)

var allEventKinds = []EventKind{EventText, EventImage, EventVoice, EventSkip, EventConfirm, EventEdit, EventCancel}

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool {
	for _, known := range allEventKinds {
		if k == known {
			return true
		}
	}
	return false
}

// content reports whether the event carries a question.
func (k EventKind) content() bool {
	return k == EventText || k == EventImage || k == EventVoice
}

// Event is one user interaction delivered by a channel.
type Event struct {
	UserID string
	Kind   EventKind
	// Text is the message, photo caption or plan correction.
	Text string
	// Data holds image or audio bytes.
	Data     []byte
	MimeType string
	// SkipInterview asks to go straight to the plan.
	SkipInterview bool
	ReceivedAt    time.Time
}

// Choice is an interactive control attached to a reply. Selecting it
// produces an event of kind Action; Value becomes the event text.
type Choice struct {
	Label  string    `json:"label"`
	Action EventKind `json:"action"`
	Value  string    `json:"value,omitempty"`
}

// Reply is one outbound message.
type Reply struct {
	UserID  string   `json:"user_id"`
	Text    string   `json:"text"`
	Choices []Choice `json:"choices,omitempty"`
}

// Outbox delivers replies to the user's channel, in order.
type Outbox interface {
	Send(ctx context.Context, r Reply) error
}

// OutboxFunc adapts a function to Outbox.
type OutboxFunc func(ctx context.Context, r Reply) error

// Send implements Outbox.
func (f OutboxFunc) Send(ctx context.Context, r Reply) error { return f(ctx, r) }

var (
	choiceSkip    = Choice{Label: "Skip questions", Action: EventSkip}
	choiceCancel  = Choice{Label: "Cancel", Action: EventCancel}
	choiceConfirm = Choice{Label: "Confirm", Action: EventConfirm}
	choiceEdit    = Choice{Label: "Edit plan", Action: EventEdit}
	choiceRetry   = Choice{Label: "Retry", Action: EventConfirm}
)

func optionChoices(options []string) []Choice {
	choices := make([]Choice, 0, len(options)+2)
	for _, opt := range options {
		choices = append(choices, Choice{Label: opt, Action: EventText, Value: opt})
	}
	return append(choices, choiceSkip, choiceCancel)
}
