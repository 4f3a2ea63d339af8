package orchestrator

import "errors"

var (
	// ErrTranscriptionFailed wraps a voice message that could not be turned into text.
	ErrTranscriptionFailed = errors.New("transcription failed")
	// ErrConversationExpired is returned by Current for a state past its TTL.
	ErrConversationExpired = errors.New("conversation expired")
	// ErrInvalidTransition marks an event with no meaning in the current stage.
	ErrInvalidTransition = errors.New("invalid transition")
	ErrMissingUser       = errors.New("event has no user id")

	// errCancelled aborts a step whose result must be discarded.
	errCancelled = errors.New("cancelled by user")
	// errEmptyReply is a model reply with nothing usable in it.
	errEmptyReply = errors.New("model returned an unusable reply")
)
