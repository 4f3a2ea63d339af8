package orchestrator

import (
	"fmt"
	"strings"

	"eduhelper/llm"
	"eduhelper/state"
)

const interviewPrompt = `You are a patient tutor helping a student with an academic task.
Before solving anything, decide whether you need one clarifying question
(grade level, expected method, missing data, the exact part to solve).

If the task is already clear and complete, reply with exactly [SKIP_INTERVIEW].
Otherwise ask ONE short clarifying question. When the answer is likely one of a
few choices, end with a line [OPTIONS: choice one | choice two | choice three].
Do not solve the task.`

const followUpPrompt = `You are a patient tutor clarifying a student's task before solving it.
You are given the task and the questions answered so far.

If you now have enough information, reply with exactly [READY].
Otherwise ask ONE more short clarifying question, optionally ending with
[OPTIONS: choice one | choice two]. Do not repeat earlier questions and do not solve the task.`

const planPrompt = `You are a tutor preparing a solution plan for a student's task.
Write a plan of 3 to 5 numbered steps, one line each, describing how the task will
be solved. Take every clarification and correction into account.
Do not carry out the steps and do not give the final answer.`

const solvePrompt = `You are a tutor solving a student's task following the agreed plan.
Solve it step by step with clear explanations, use Markdown, and put formulas in
$...$ or $$...$$. Respond in the language of the task.
End your reply with a separate line [SUBJECT: name of the school subject].`

// taskContext renders everything known about the task for the model.
func taskContext(c *state.Conversation, withPlan bool) string {
	var b strings.Builder
	b.WriteString("Task:\n")
	b.WriteString(c.Question)
	if c.Attachment == state.AttachmentImage {
		b.WriteString("\n(The task is shown in the attached photo.)")
	}

	if len(c.Answers) > 0 {
		b.WriteString("\n\nClarifications:")
		for _, qa := range c.Answers {
			fmt.Fprintf(&b, "\nQ: %s\nA: %s", qa.Question, qa.Answer)
		}
	}

	if len(c.Edits) > 0 {
		b.WriteString("\n\nCorrections requested by the student:")
		for _, e := range c.Edits {
			b.WriteString("\n- ")
			b.WriteString(e)
		}
	}

	if len(c.Plan) > 0 {
		if withPlan {
			b.WriteString("\n\nAgreed plan:\n")
		} else {
			b.WriteString("\n\nPrevious plan:\n")
		}
		b.WriteString(formatPlan(c.Plan))
	}
	return b.String()
}

func formatPlan(plan []string) string {
	var b strings.Builder
	for i, step := range plan {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, step)
	}
	return b.String()
}

func promptMessages(system, user string) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	}
}

func interviewMessages(c *state.Conversation) []llm.Message {
	return promptMessages(interviewPrompt, taskContext(c, false))
}

func followUpMessages(c *state.Conversation) []llm.Message {
	return promptMessages(followUpPrompt, taskContext(c, false))
}

func planMessages(c *state.Conversation) []llm.Message {
	return promptMessages(planPrompt, taskContext(c, false))
}

func solveMessages(c *state.Conversation) []llm.Message {
	return promptMessages(solvePrompt, taskContext(c, true))
}

func imageOf(c *state.Conversation) *llm.Attachment {
	if c.Image == nil {
		return nil
	}
	return &llm.Attachment{Type: "image", MimeType: c.Image.MimeType, Data: c.Image.Data}
}
