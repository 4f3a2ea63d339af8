package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"eduhelper/db"
	"eduhelper/formatter"
	"eduhelper/limiter"
	"eduhelper/state"
)

// startTask begins a new task from a text, photo or voice question. An
// existing task is superseded only after the new input passes the limiter
// and moderation.
func (o *Orchestrator) startTask(t *turn) error {
	if ok, err := o.checkQuota(t); !ok {
		return err
	}

	text := strings.TrimSpace(t.ev.Text)
	kind := state.AttachmentNone
	switch t.ev.Kind {
	case EventVoice:
		kind = state.AttachmentVoice
		transcript, err := o.transcribe(t)
		if err != nil {
			t.log.Warn("%v", err)
			return t.reply(msgTranscription)
		}
		text = "[Voice message]: " + transcript
	case EventImage:
		kind = state.AttachmentImage
		if text == "" {
			text = defaultImagePrompt
		}
	}

	if text == "" {
		return t.reply(msgEmptyQuestion)
	}
	if ok, err := o.acceptText(t, text); !ok {
		return err
	}

	var img *state.Image
	if kind == state.AttachmentImage {
		var err error
		if img, err = o.prepareImage(t); err != nil {
			t.log.Warn("Rejected image: %v", err)
			return t.reply(msgBadImage)
		}
	}

	if t.conv != nil {
		if err := o.discard(t, t.conv); err != nil {
			return err
		}
		t.log.Info("Task %s superseded by a new question", t.conv.TaskID)
		t.conv = nil
	}

	adm, err := o.deps.Limiter.TryAdmit(t.ctx, t.ev.UserID)
	if err != nil {
		return o.deny(t, err)
	}

	conv := &state.Conversation{
		UserID:     t.ev.UserID,
		TaskID:     o.newID(),
		Stage:      state.StageAwaitingQuestion,
		Question:   text,
		Attachment: kind,
		Image:      img,
		Admission:  string(adm.Source),
		CreatedAt:  o.now(),
	}
	// Saved before the first model call so cancel and expiry can find it
	if err := o.save(t, conv); err != nil {
		return errors.Join(err, o.release(t.persist, conv))
	}
	t.conv = conv
	t.log = t.log.With("task_id", conv.TaskID)
	t.log.Info("Task started: attachment=%s admission=%s", kind, adm.Source)

	if o.settings.InterviewMaxRounds == 0 || t.ev.SkipInterview ||
		selfSufficient(text, o.settings.SelfSufficientMaxLength) {
		return o.proposePlan(t, conv, true)
	}

	c, err := o.complete(t, conv, interviewMessages(conv))
	if o.cancelled(t) {
		return errCancelled
	}
	if err != nil {
		return o.abandonNew(t, conv, err)
	}
	if hasMarker(c.Text, markerSkipInterview) {
		return o.proposePlan(t, conv, true)
	}
	return o.askQuestion(t, conv, c.Text, true)
}

// answerInterview records the answer to the pending clarifying question
// and either asks the next one or moves on to the plan.
func (o *Orchestrator) answerInterview(t *turn) error {
	if ok, err := o.checkQuota(t); !ok {
		return err
	}
	answer := strings.TrimSpace(t.ev.Text)
	if answer == "" {
		return t.reply(msgEmptyAnswer, choiceSkip, choiceCancel)
	}
	if ok, err := o.acceptText(t, answer); !ok {
		return err
	}

	conv := t.conv
	conv.Answers = append(conv.Answers, state.QA{Question: conv.PendingQuestion, Answer: answer})
	conv.PendingQuestion = ""
	if conv.Rounds >= o.settings.InterviewMaxRounds {
		return o.proposePlan(t, conv, false)
	}

	c, err := o.complete(t, conv, followUpMessages(conv))
	if o.cancelled(t) {
		return errCancelled
	}
	if err != nil {
		return o.transientFailure(t, err, msgAnswerRetry)
	}
	if hasMarker(c.Text, markerReady) || hasMarker(c.Text, markerSkipInterview) {
		return o.proposePlan(t, conv, false)
	}
	return o.askQuestion(t, conv, c.Text, false)
}

func (o *Orchestrator) skipInterview(t *turn) error {
	if ok, err := o.checkQuota(t); !ok {
		return err
	}
	t.conv.PendingQuestion = ""
	return o.proposePlan(t, t.conv, false)
}

func (o *Orchestrator) editPlan(t *turn) error {
	if ok, err := o.checkQuota(t); !ok {
		return err
	}
	edit := strings.TrimSpace(t.ev.Text)
	if edit == "" {
		return t.reply(msgEditPrompt, choiceCancel)
	}
	if ok, err := o.acceptText(t, edit); !ok {
		return err
	}
	t.conv.Edits = append(t.conv.Edits, edit)
	return o.proposePlan(t, t.conv, false)
}

// confirmPlan solves the task. The completion record and usage update are
// written in one transaction before the answer is delivered.
func (o *Orchestrator) confirmPlan(t *turn) error {
	if ok, err := o.checkQuota(t); !ok {
		return err
	}
	conv := t.conv
	conv.Stage = state.StageProcessing
	if err := o.save(t, conv); err != nil {
		return err
	}

	started := o.now()
	c, err := o.complete(t, conv, solveMessages(conv))
	if o.cancelled(t) {
		return errCancelled
	}
	var (
		subject *string
		answer  string
	)
	if err == nil {
		if subject, answer = extractSubject(c.Text); answer == "" {
			err = errEmptyReply
		}
	}
	if err != nil {
		t.log.Warn("Solution failed, plan kept: %v", err)
		conv.Stage = state.StageAwaitingPlanConfirm
		if serr := o.save(t, conv); serr != nil {
			return serr
		}
		return t.reply(msgSolveFailed, choiceRetry, choiceCancel)
	}

	finished := o.now()
	model := c.Model
	if model == "" {
		model = o.deps.Model
	}
	total := conv.PromptTokens + conv.CompletionTokens
	task := &db.CompletedTask{
		UserID:           conv.UserID,
		TaskID:           conv.TaskID,
		Question:         conv.Question,
		Answer:           answer,
		Subject:          subject,
		PromptTokens:     conv.PromptTokens,
		CompletionTokens: conv.CompletionTokens,
		TotalTokens:      total,
		CostUSD:          o.cost(conv),
		Model:            model,
		HadImage:         conv.Attachment == state.AttachmentImage,
		HadVoice:         conv.Attachment == state.AttachmentVoice,
		ResponseTimeMs:   finished.Sub(started).Milliseconds(),
	}
	delta := db.UsageDelta{
		Day:     o.deps.Limiter.Day(finished),
		Tokens:  int64(total),
		CostUSD: task.CostUSD,
		At:      finished,
	}
	err = o.deps.Repository.WithinTx(t.persist, func(tx db.CompletionTx) error {
		if _, err := tx.CreateCompletedTask(t.persist, task); err != nil {
			return err
		}
		return tx.IncrementUsage(t.persist, conv.UserID, delta)
	})
	if err != nil {
		conv.Stage = state.StageAwaitingPlanConfirm
		if serr := o.save(t, conv); serr != nil {
			err = errors.Join(err, serr)
		}
		return fmt.Errorf("failed to record completed task: %w", err)
	}

	if err := o.deps.States.Delete(t.persist, conv.UserID); err != nil {
		t.log.Error("Failed to clear conversation after completion: %v", err)
	}
	t.log.Info("Task completed: tokens=%d cost=%.6f", total, task.CostUSD)
	return o.deliver(t, answer)
}

func (o *Orchestrator) cancel(t *turn) error {
	if err := o.discard(t, t.conv); err != nil {
		return err
	}
	t.log.Info("Task cancelled")
	return t.reply(msgCancelled)
}

// nothingToCancel also covers a task saved before its first model call
// whose run was interrupted.
func (o *Orchestrator) nothingToCancel(t *turn) error {
	if t.conv != nil {
		return o.cancel(t)
	}
	return t.reply(msgNothingToCancel)
}

// invalid answers an event that means nothing in the current stage.
func (o *Orchestrator) invalid(t *turn) error {
	stage := state.StageAwaitingQuestion
	if t.conv != nil {
		stage = t.conv.Stage
	}
	t.log.Debug("%v", fmt.Errorf("%w: %s in stage %s", ErrInvalidTransition, t.ev.Kind, stage))

	switch stage {
	case state.StageInterview:
		return t.reply(msgInterviewInvalid, choiceSkip, choiceCancel)
	case state.StageAwaitingPlanConfirm:
		return t.reply(msgPlanInvalid, choiceConfirm, choiceEdit, choiceCancel)
	default:
		return t.reply(msgWelcome)
	}
}

// recoverInterrupted puts a task left in Processing back to plan confirmation.
func (o *Orchestrator) recoverInterrupted(t *turn) error {
	conv := t.conv
	conv.Stage = state.StageAwaitingPlanConfirm
	if err := o.save(t, conv); err != nil {
		return err
	}
	t.log.Warn("Recovered task interrupted while processing")
	if err := t.reply(msgProcessingResumed); err != nil {
		return err
	}
	return o.deliver(t, planText(conv.Plan), choiceConfirm, choiceEdit, choiceCancel)
}

// proposePlan generates a plan and waits for confirmation. fresh marks
// the first model call of a task, whose failure discards the task.
func (o *Orchestrator) proposePlan(t *turn, conv *state.Conversation, fresh bool) error {
	c, err := o.complete(t, conv, planMessages(conv))
	if o.cancelled(t) {
		return errCancelled
	}
	var plan []string
	if err == nil {
		if plan = parsePlan(c.Text); len(plan) == 0 {
			err = errEmptyReply
		}
	}
	if err != nil {
		if fresh {
			return o.abandonNew(t, conv, err)
		}
		return o.transientFailure(t, err, msgLLMUnavailable)
	}

	conv.Plan = plan
	conv.Stage = state.StageAwaitingPlanConfirm
	conv.PendingQuestion = ""
	if err := o.save(t, conv); err != nil {
		return err
	}
	t.log.Info("Plan proposed: steps=%d edits=%d", len(plan), len(conv.Edits))
	return o.deliver(t, planText(plan), choiceConfirm, choiceEdit, choiceCancel)
}

// askQuestion presents a clarifying question from the model's reply.
func (o *Orchestrator) askQuestion(t *turn, conv *state.Conversation, reply string, fresh bool) error {
	question, options := extractOptions(reply)
	if question == "" {
		return o.proposePlan(t, conv, fresh)
	}
	conv.Stage = state.StageInterview
	conv.PendingQuestion = question
	conv.Rounds++
	if err := o.save(t, conv); err != nil {
		return err
	}
	return t.reply(question, optionChoices(options)...)
}

// abandonNew discards a task whose first model call failed.
func (o *Orchestrator) abandonNew(t *turn, conv *state.Conversation, cause error) error {
	t.log.Warn("First model call failed, task discarded: %v", cause)
	if err := o.discard(t, conv); err != nil {
		return err
	}
	return t.reply(msgLLMUnavailable)
}

// transientFailure reports a failed model call; the stored state is untouched.
func (o *Orchestrator) transientFailure(t *turn, cause error, msg string) error {
	t.log.Warn("Model call failed, state kept: %v", cause)
	return t.reply(msg)
}

// deliver sends text in channel-sized chunks, attaching choices to the last.
func (o *Orchestrator) deliver(t *turn, text string, choices ...Choice) error {
	var (
		prev string
		have bool
	)
	for chunk := range formatter.Chunks(text, o.settings.MaxMessageLength) {
		if have {
			if err := t.reply(prev); err != nil {
				return err
			}
		}
		prev, have = chunk, true
	}
	if !have {
		return nil
	}
	return t.reply(prev, choices...)
}

func (o *Orchestrator) checkQuota(t *turn) (bool, error) {
	var held limiter.Admission
	if t.conv != nil {
		held.Source = limiter.Source(t.conv.Admission)
	}
	if err := o.deps.Limiter.Check(t.ctx, t.ev.UserID, held); err != nil {
		return false, o.deny(t, err)
	}
	return true, nil
}

// deny reports a limiter refusal. Other errors are returned unchanged.
func (o *Orchestrator) deny(t *turn, err error) error {
	var qe *limiter.QuotaError
	switch {
	case errors.As(err, &qe):
		t.log.Info("Request denied: %v", err)
		return t.reply(msgQuota(qe.Limit))
	case errors.Is(err, limiter.ErrBanned):
		t.log.Info("Request denied: %v", err)
		return t.reply(msgBanned)
	default:
		return err
	}
}

// acceptText applies the length cap and moderation to user text.
func (o *Orchestrator) acceptText(t *turn, text string) (bool, error) {
	if n := utf8.RuneCountInString(text); n > o.settings.MaxQuestionLength {
		return false, t.reply(msgTooLong(o.settings.MaxQuestionLength, n))
	}
	v, err := o.deps.Moderation.Check(t.ctx, text)
	if err != nil {
		return false, fmt.Errorf("failed to moderate text: %w", err)
	}
	if !v.Allowed {
		t.log.Info("Moderation blocked text: reason=%s", v.Reason)
		return false, t.reply(msgBlocked(v.Reason))
	}
	return true, nil
}

func (o *Orchestrator) transcribe(t *turn) (string, error) {
	if o.deps.Transcriber == nil {
		return "", fmt.Errorf("%w: no transcriber configured", ErrTranscriptionFailed)
	}
	if len(t.ev.Data) == 0 {
		return "", fmt.Errorf("%w: empty audio", ErrTranscriptionFailed)
	}
	text, err := o.deps.Transcriber.Transcribe(t.ctx, t.ev.Data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}
	if text = strings.TrimSpace(text); text == "" {
		return "", fmt.Errorf("%w: empty transcript", ErrTranscriptionFailed)
	}
	return text, nil
}

func (o *Orchestrator) prepareImage(t *turn) (*state.Image, error) {
	if len(t.ev.Data) == 0 {
		return nil, errors.New("image event without data")
	}
	if o.deps.Images == nil {
		return &state.Image{MimeType: t.ev.MimeType, Data: t.ev.Data}, nil
	}
	att, err := o.deps.Images.Prepare(t.ev.Data, t.ev.MimeType)
	if err != nil {
		return nil, err
	}
	return &state.Image{MimeType: att.MimeType, Data: att.Data}, nil
}
