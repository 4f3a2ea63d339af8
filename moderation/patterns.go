package moderation

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// Pattern is one entry of the pattern table.
type Pattern struct {
	Name   string
	Reason string
	Regex  *regexp.Regexp
	// Except, when set, is matched against the last capture group of a
	// match; a hit clears that match.
	Except *regexp.Regexp
	// Higher priority patterns are checked first
	Priority int
}

func (p Pattern) matches(text string) bool {
	if p.Except == nil {
		return p.Regex.MatchString(text)
	}
	for _, m := range p.Regex.FindAllStringSubmatchIndex(text, -1) {
		start, end := m[len(m)-2], m[len(m)-1]
		if start < 0 || !p.Except.MatchString(text[start:end]) {
			return true
		}
	}
	return false
}

// wordStart stands in for \b, which is ASCII-only in RE2.
const wordStart = `(?:^|[^\p{L}\p{N}_])`

func jailbreak(name, expr string) Pattern {
	return Pattern{Name: name, Reason: ReasonJailbreak, Regex: regexp.MustCompile(`(?i)` + expr), Priority: 100}
}

func profanity(name, expr string) Pattern {
	return Pattern{Name: name, Reason: ReasonProfanity, Regex: regexp.MustCompile(`(?i)` + wordStart + expr), Priority: 50}
}

// DefaultPatterns returns the built-in jailbreak and profanity table.
func DefaultPatterns() []Pattern {
	youAreNow := jailbreak("you are now", `you\s+are\s+now\s+([^\n]*)`)
	youAreNow.Except = regexp.MustCompile(`(?i)^an?\s+(?:educational|helpful)`)
	tyTeper := jailbreak("ты теперь", `ты\s+теперь\s+([^\n]*)`)
	tyTeper.Except = regexp.MustCompile(`(?i)^помощник`)

	return []Pattern{
		jailbreak("forget instructions ru", `забудь\s+(?:все\s+)?инструкции`),
		jailbreak("ignore prompt", `ignore\s+(?:all\s+)?(?:previous\s+)?prompt`),
		jailbreak("ignore instructions", `ignore\s+(?:all\s+)?(?:previous\s+)?instructions`),
		tyTeper,
		jailbreak("pretend ru", `притворись\s+что\s+ты`),
		jailbreak("act as if", `act\s+as\s+if\s+you`),
		jailbreak("pretend", `pretend\s+(?:that\s+)?you\s+are`),
		youAreNow,
		jailbreak("new role ru", `новая\s+роль`),
		jailbreak("new role", `new\s+role`),
		jailbreak("override instructions", `override\s+(?:your\s+)?instructions`),
		jailbreak("override instructions ru", `переопредели\s+инструкции`),
		jailbreak("system prompt", `system\s*prompt`),
		jailbreak("system prompt ru", `системный\s*промпт`),
		jailbreak("developer mode", `developer\s+mode`),
		jailbreak("developer mode ru", `режим\s+разработчика`),
		jailbreak("dan mode", `dan\s+mode`),
		jailbreak("jailbreak", `jailbreak`),
		jailbreak("jailbreak ru", `джейлбрейк`),

		// Russian roots must start with a Cyrillic letter so that English
		// words such as "black" pass.
		profanity("ru x", `х[уy][йеёия]`),
		profanity("ru p", `п[иi][зz][дd]`),
		profanity("ru b", `бл[яa]`),
		profanity("ru e", `е[бb](?:[аaуyиi]|[лl][оoаaиi])`),
		profanity("ru s", `с[уy][кk][аa]`),
		profanity("ru m", `м[уy][дd][аaоoиi]`),
		profanity("ru g", `г[аa][нn][дd][оo][нn]`),
		profanity("en f", `f+u+c+k+`),
		profanity("en s", `s+h+i+t+`),
		profanity("en a", `a+s+s+h+o+l+e+`),
		profanity("en b", `b+i+t+c+h+`),
		profanity("en d", `d+i+c+k+(?:s|head)?(?:$|[^\p{L}])`),
		profanity("en c", `c+u+n+t+(?:s)?(?:$|[^\p{L}])`),
	}
}

// PatternGate blocks text matching a prioritized regex table.
type PatternGate struct {
	patterns []Pattern
}

// NewPatternGate builds a gate from the default table plus extra patterns.
func NewPatternGate(extra ...Pattern) *PatternGate {
	patterns := append(DefaultPatterns(), extra...)
	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].Priority > patterns[j].Priority
	})
	return &PatternGate{patterns: patterns}
}

// Check implements Gate.
func (g *PatternGate) Check(_ context.Context, text string) (Verdict, error) {
	if strings.TrimSpace(text) == "" {
		return Allow(), nil
	}
	for _, p := range g.patterns {
		if p.matches(text) {
			return Block(p.Reason), nil
		}
	}
	return Allow(), nil
}
