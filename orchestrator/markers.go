package orchestrator

import (
	"regexp"
	"strings"
)

// Control markers the prompts ask the model to emit.
const (
	markerReady         = "[READY]"
	markerSkipInterview = "[SKIP_INTERVIEW]"
	maxPlanSteps        = 5
	maxOptions          = 6
)

var (
	optionsRe    = regexp.MustCompile(`\n?\[(?:OPTIONS|ВАРИАНТЫ):\s*([^\]]*)\]`)
	subjectRe    = regexp.MustCompile(`\n?\[SUBJECT:\s*([^\]]*)\]`)
	planStepRe   = regexp.MustCompile(`^\s*(?:\d+\s*[.):]\s*|[-*•]\s+)(.+)$`)
	arithmeticRe = regexp.MustCompile(`\d+\s*[-+*/^=×÷]\s*\d+`)
)

func hasMarker(text, marker string) bool {
	return strings.Contains(strings.ToUpper(text), marker)
}

func stripMarkers(text string) string {
	for _, m := range []string{markerReady, markerSkipInterview} {
		text = strings.ReplaceAll(text, m, "")
	}
	return strings.TrimSpace(text)
}

// extractOptions splits an "[OPTIONS: a | b]" marker off a clarifying question.
func extractOptions(text string) (string, []string) {
	m := optionsRe.FindStringSubmatch(text)
	if m == nil {
		return stripMarkers(text), nil
	}
	var options []string
	for _, opt := range strings.Split(m[1], "|") {
		if opt = strings.TrimSpace(opt); opt != "" && len(options) < maxOptions {
			options = append(options, opt)
		}
	}
	return stripMarkers(optionsRe.ReplaceAllString(text, "")), options
}

// extractSubject returns the first "[SUBJECT: x]" value and the text with
// every subject tag removed.
func extractSubject(text string) (*string, string) {
	var subject *string
	if m := subjectRe.FindStringSubmatch(text); m != nil {
		if s := strings.TrimSpace(m[1]); s != "" {
			subject = &s
		}
	}
	return subject, strings.TrimSpace(subjectRe.ReplaceAllString(text, ""))
}

// parsePlan extracts numbered or bulleted steps. Replies without list
// markup fall back to their non-empty lines.
func parsePlan(text string) []string {
	lines := strings.Split(stripMarkers(text), "\n")
	var steps []string
	for _, line := range lines {
		if m := planStepRe.FindStringSubmatch(line); m != nil {
			steps = append(steps, strings.TrimSpace(m[1]))
		}
	}
	if len(steps) == 0 {
		for _, line := range lines {
			if line = strings.TrimSpace(line); line != "" {
				steps = append(steps, line)
			}
		}
	}
	if len(steps) > maxPlanSteps {
		steps = steps[:maxPlanSteps]
	}
	return steps
}

// selfSufficient is the local heuristic for questions that need no
// interview: short text holding an explicit arithmetic expression.
func selfSufficient(text string, maxLen int) bool {
	return len([]rune(text)) <= maxLen && arithmeticRe.MatchString(text)
}
