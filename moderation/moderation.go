// Package moderation decides whether user-supplied text may be forwarded to
// the model.
package moderation

import (
	"context"
	"fmt"
)

// Block reasons
const (
	ReasonJailbreak = "jailbreak_attempt"
	ReasonProfanity = "profanity"
	ReasonFlagged   = "provider_flagged"
)

// Verdict is the outcome of a moderation check.
type Verdict struct {
	Allowed bool
	Reason  string
}

// Allow is the verdict for acceptable text.
func Allow() Verdict { return Verdict{Allowed: true} }

// Block returns a rejecting verdict.
func Block(reason string) Verdict { return Verdict{Reason: reason} }

// Gate checks text. An error means the check itself could not be made.
type Gate interface {
	Check(ctx context.Context, text string) (Verdict, error)
}

// Chain runs gates in order; the first block wins.
type Chain []Gate

// Check implements Gate.
func (c Chain) Check(ctx context.Context, text string) (Verdict, error) {
	for i, g := range c {
		v, err := g.Check(ctx, text)
		if err != nil {
			return Verdict{}, fmt.Errorf("moderation gate %d: %w", i, err)
		}
		if !v.Allowed {
			return v, nil
		}
	}
	return Allow(), nil
}
