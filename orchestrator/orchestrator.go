// Package orchestrator drives the per-user task dialogue: interview, plan
// confirmation and solution.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"eduhelper/db"
	"eduhelper/formatter"
	"eduhelper/limiter"
	"eduhelper/llm"
	"eduhelper/moderation"
	"eduhelper/state"
	"eduhelper/utils"
)

// LLM completes a prompt, optionally with an image.
type LLM interface {
	Complete(ctx context.Context, messages []llm.Message, image *llm.Attachment) (*llm.Completion, error)
}

// Admitter is the usage limiter.
type Admitter interface {
	TryAdmit(ctx context.Context, userID string) (limiter.Admission, error)
	Check(ctx context.Context, userID string, held limiter.Admission) error
	Release(ctx context.Context, userID string, adm limiter.Admission) error
	Day(t time.Time) string
}

// Transcriber turns a voice message into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Repository records completions atomically.
type Repository interface {
	WithinTx(ctx context.Context, fn func(tx db.CompletionTx) error) error
}

// ImagePreparer validates and downsizes uploaded photos.
type ImagePreparer interface {
	Prepare(data []byte, mimeType string) (*llm.Attachment, error)
}

// Settings are the engine tunables.
type Settings struct {
	// InterviewMaxRounds bounds clarifying questions; 0 disables the interview.
	InterviewMaxRounds int
	ConversationTTL    time.Duration
	MaxMessageLength   int
	MaxQuestionLength  int
	// SelfSufficientMaxLength is the longest question the arithmetic
	// heuristic applies to.
	SelfSufficientMaxLength int
	InputPricePerToken      float64
	OutputPricePerToken     float64
}

// DefaultSettings returns the stock engine settings.
func DefaultSettings() Settings {
	return Settings{
		InterviewMaxRounds:      3,
		ConversationTTL:         10 * time.Minute,
		MaxMessageLength:        formatter.DefaultMaxLength,
		MaxQuestionLength:       4000,
		SelfSufficientMaxLength: 120,
	}
}

// Deps are the orchestrator's collaborators. Transcriber, Images and
// Notifier are optional.
type Deps struct {
	LLM         LLM
	Limiter     Admitter
	Moderation  moderation.Gate
	States      state.Store
	Repository  Repository
	Transcriber Transcriber
	Images      ImagePreparer
	// Notifier receives replies not caused by an event, such as expiry notices.
	Notifier Outbox
	Logger   *utils.Logger
	// Model names the model recorded with completed tasks when the
	// provider does not report one.
	Model string
	Now   func() time.Time
	NewID func() string
}

// Orchestrator is safe for concurrent use. Events of one user never run
// concurrently.
type Orchestrator struct {
	deps     Deps
	settings Settings
	gate     *keyGate
	logger   *utils.Logger
	now      func() time.Time
	newID    func() string
}

// New creates an orchestrator.
func New(deps Deps, settings Settings) (*Orchestrator, error) {
	switch {
	case deps.LLM == nil:
		return nil, errors.New("orchestrator: LLM is required")
	case deps.Limiter == nil:
		return nil, errors.New("orchestrator: limiter is required")
	case deps.Moderation == nil:
		return nil, errors.New("orchestrator: moderation gate is required")
	case deps.States == nil:
		return nil, errors.New("orchestrator: state store is required")
	case deps.Repository == nil:
		return nil, errors.New("orchestrator: repository is required")
	}

	def := DefaultSettings()
	if settings.InterviewMaxRounds < 0 {
		settings.InterviewMaxRounds = 0
	}
	if settings.ConversationTTL <= 0 {
		settings.ConversationTTL = def.ConversationTTL
	}
	if settings.MaxMessageLength <= 0 {
		settings.MaxMessageLength = def.MaxMessageLength
	}
	if settings.MaxQuestionLength <= 0 {
		settings.MaxQuestionLength = def.MaxQuestionLength
	}
	if settings.SelfSufficientMaxLength <= 0 {
		settings.SelfSufficientMaxLength = def.SelfSufficientMaxLength
	}

	o := &Orchestrator{
		deps:     deps,
		settings: settings,
		gate:     newKeyGate(),
		logger:   deps.Logger,
		now:      deps.Now,
		newID:    deps.NewID,
	}
	if o.logger == nil {
		o.logger = utils.NewNopLogger()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	return o, nil
}

// turn is the context of one event being handled. State writes go through
// persist, which is not cancelled with the caller.
type turn struct {
	ctx     context.Context
	persist context.Context
	ev      Event
	conv    *state.Conversation
	out     Outbox
	log     *utils.Logger
	now     time.Time
}

func (t *turn) reply(text string, choices ...Choice) error {
	return t.out.Send(t.ctx, Reply{UserID: t.ev.UserID, Text: text, Choices: choices})
}

// Handle processes one event, sending every resulting reply to out.
// Failures the user can act on are reported as replies and yield nil.
// Internal failures are logged, reported with a generic message and
// returned.
func (o *Orchestrator) Handle(ctx context.Context, ev Event, out Outbox) (err error) {
	if ev.UserID == "" {
		return ErrMissingUser
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = o.now()
	}
	t := &turn{
		ctx:     ctx,
		persist: context.WithoutCancel(ctx),
		ev:      ev,
		out:     out,
		log:     o.logger.With("user_id", ev.UserID, "event", string(ev.Kind)),
	}

	release, ok := o.gate.TryAcquire(ev.UserID)
	if !ok {
		switch o.gate.Contend(ev.UserID, ev.Kind == EventCancel) {
		case contendLatched:
			t.log.Info("Cancel latched for in-flight step")
			return t.reply(msgCancelLatched)
		case contendBusy:
			return t.reply(msgBusy)
		}
		// The holder is finishing or sweeping; wait for it
		rel, err := o.gate.Acquire(ctx, ev.UserID)
		if err != nil {
			return err
		}
		release = rel
	}
	defer release()

	defer func() {
		if r := recover(); r != nil {
			t.log.Error("Panic handling event: %v\nStack trace:\n%s", r, string(debug.Stack()))
			err = fmt.Errorf("panic handling event: %v", r)
			_ = t.reply(msgGeneric)
		}
	}()
	defer o.applyLatchedCancel(t)

	t.now = o.now()
	err = o.dispatch(t)
	switch {
	case err == nil, errors.Is(err, errCancelled):
		return nil
	case ctx.Err() != nil:
		t.log.Warn("Event abandoned: %v", err)
		return err
	default:
		t.log.Error("Failed to handle event: %v", err)
		if serr := t.reply(msgGeneric); serr != nil {
			return errors.Join(err, serr)
		}
		return err
	}
}

func (o *Orchestrator) dispatch(t *turn) error {
	conv, err := o.deps.States.Load(t.ctx, t.ev.UserID)
	switch {
	case errors.Is(err, state.ErrNotFound):
		conv = nil
	case err != nil:
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	if conv != nil && conv.Expired(t.now) {
		if err := o.expire(t.persist, conv); err != nil {
			return err
		}
		t.log.Info("Conversation %s expired in stage %s", conv.TaskID, conv.Stage)
		if err := t.reply(msgExpired); err != nil {
			return err
		}
		if !t.ev.Kind.content() {
			return nil
		}
		conv = nil
	}

	stage := state.StageAwaitingQuestion
	if conv != nil {
		stage = conv.Stage
		t.conv = conv
		t.log = t.log.With("task_id", conv.TaskID, "stage", string(conv.Stage))
	}

	h, ok := transitions[stage][t.ev.Kind]
	if !ok {
		h = (*Orchestrator).invalid
	}
	return h(o, t)
}

// Current returns the user's active conversation.
func (o *Orchestrator) Current(ctx context.Context, userID string) (*state.Conversation, error) {
	conv, err := o.deps.States.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if conv.Expired(o.now()) {
		return nil, ErrConversationExpired
	}
	return conv, nil
}

// expire drops a lapsed conversation and refunds its admission.
func (o *Orchestrator) expire(ctx context.Context, conv *state.Conversation) error {
	if err := o.deps.States.Delete(ctx, conv.UserID); err != nil {
		return fmt.Errorf("failed to delete expired conversation: %w", err)
	}
	return o.release(ctx, conv)
}

func (o *Orchestrator) release(ctx context.Context, conv *state.Conversation) error {
	adm := limiter.Admission{Source: limiter.Source(conv.Admission)}
	if err := o.deps.Limiter.Release(ctx, conv.UserID, adm); err != nil {
		return fmt.Errorf("failed to release admission of task %s: %w", conv.TaskID, err)
	}
	return nil
}

func (o *Orchestrator) save(t *turn, conv *state.Conversation) error {
	conv.Touch(o.now(), o.settings.ConversationTTL)
	if err := o.deps.States.Save(t.persist, conv); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// applyLatchedCancel runs a cancel that arrived while the turn was in flight.
func (o *Orchestrator) applyLatchedCancel(t *turn) {
	if !o.gate.TakeCancel(t.ev.UserID) {
		return
	}
	conv, err := o.deps.States.Load(t.persist, t.ev.UserID)
	if errors.Is(err, state.ErrNotFound) {
		_ = t.reply(msgCancelTooLate)
		return
	}
	if err != nil {
		t.log.Error("Failed to load conversation for latched cancel: %v", err)
		_ = t.reply(msgGeneric)
		return
	}
	if err := o.discard(t, conv); err != nil {
		t.log.Error("Failed to apply latched cancel: %v", err)
		_ = t.reply(msgGeneric)
		return
	}
	t.log.Info("Task %s cancelled after in-flight step", conv.TaskID)
	_ = t.reply(msgCancelled)
}

// discard deletes conv and refunds its admission.
func (o *Orchestrator) discard(t *turn, conv *state.Conversation) error {
	if err := o.deps.States.Delete(t.persist, conv.UserID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return o.release(t.persist, conv)
}

// cancelled reports whether a cancel was latched while the turn waited.
func (o *Orchestrator) cancelled(t *turn) bool {
	return o.gate.CancelPending(t.ev.UserID)
}

// complete calls the model and accumulates token usage on conv.
func (o *Orchestrator) complete(t *turn, conv *state.Conversation, messages []llm.Message) (*llm.Completion, error) {
	c, err := o.deps.LLM.Complete(t.ctx, messages, imageOf(conv))
	if err != nil {
		return nil, err
	}
	conv.PromptTokens += c.PromptTokens
	conv.CompletionTokens += c.CompletionTokens
	return c, nil
}

func (o *Orchestrator) cost(conv *state.Conversation) float64 {
	return float64(conv.PromptTokens)*o.settings.InputPricePerToken +
		float64(conv.CompletionTokens)*o.settings.OutputPricePerToken
}
