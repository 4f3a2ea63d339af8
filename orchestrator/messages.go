package orchestrator

import (
	"fmt"

	"eduhelper/moderation"
)

// User-facing texts.
const (
	defaultImagePrompt = "Help me solve the task in the photo."

	msgWelcome           = "Send me your task as text, a photo or a voice message."
	msgEmptyQuestion     = "Please describe the task you need help with."
	msgBusy              = "I'm still working on your previous message. Please wait a moment."
	msgCancelLatched     = "Got it, the current task will be cancelled as soon as the running step finishes."
	msgCancelled         = "Task cancelled. Send a new question whenever you're ready."
	msgCancelTooLate     = "The task had already finished, there was nothing left to cancel."
	msgNothingToCancel   = "There is no active task to cancel."
	msgExpired           = "Your previous task expired after a period of inactivity. Send it again to start over."
	msgTranscription     = "I couldn't recognize the voice message. Please try again or type the question."
	msgBadImage          = "I couldn't read that image. Please send a JPEG or PNG photo up to 10 MB."
	msgLLMUnavailable    = "The service is temporarily unavailable. Please try again in a minute."
	msgAnswerRetry       = "The service is temporarily unavailable, so I couldn't get an answer. Please send your reply again."
	msgSolveFailed       = "I couldn't finish the solution. Your plan is saved, you can retry or cancel."
	msgEditPrompt        = "Write what should be changed in the plan."
	msgEmptyAnswer       = "Please answer the question, or skip it."
	msgBanned            = "Your access to the assistant has been suspended."
	msgGeneric           = "Something went wrong. Please try again."
	msgInterviewInvalid  = "Please answer the question above, skip it, or cancel the task."
	msgPlanInvalid       = "Please confirm the plan, send a correction, or cancel the task."
	msgProcessingResumed = "Solving was interrupted. Here is your plan again."
	msgPlanFooter        = "Confirm the plan to get the solution, or write what to change."
)

func msgTooLong(limit, got int) string {
	return fmt.Sprintf("Please shorten the question to %d characters. Current length: %d.", limit, got)
}

func msgQuota(limit int) string {
	return fmt.Sprintf("You have used all %d requests for today. The limit resets at midnight.", limit)
}

func msgBlocked(reason string) string {
	switch reason {
	case moderation.ReasonJailbreak:
		return "I can only help with study tasks. Please rephrase your message."
	case moderation.ReasonProfanity:
		return "Please rephrase your message without offensive language."
	default:
		return "I can't help with this message. Please rephrase it."
	}
}

func planText(plan []string) string {
	return "Here is the plan:\n\n" + formatPlan(plan) + "\n\n" + msgPlanFooter
}
