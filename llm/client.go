package llm

import (
	"context"
	"time"

	"eduhelper/retry"
)

// RetryOptions configures the client's retry policy.
type RetryOptions struct {
	Attempts      int
	BaseDelay     time.Duration
	MaxRetryAfter time.Duration
}

// Client wraps a Provider with the retry policy. It is safe for
// concurrent use when the provider is.
type Client struct {
	provider Provider
	policy   retry.Policy
	logger   Logger
}

// NewClient creates a client. logger may be nil.
func NewClient(provider Provider, opts RetryOptions, logger Logger) *Client {
	c := &Client{provider: provider, logger: logger}
	c.policy = retry.Policy{
		MaxAttempts:   opts.Attempts,
		BaseDelay:     opts.BaseDelay,
		MaxRetryAfter: opts.MaxRetryAfter,
		Retryable:     Retryable,
		RetryAfter:    RetryAfter,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			if c.logger != nil {
				c.logger.Warn("%s attempt %d failed, retrying in %s: %v", provider.Name(), attempt, delay, err)
			}
		},
	}
	return c
}

// WithSleep replaces the wait between attempts. Used by tests.
func (c *Client) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Client {
	c.policy.Sleep = sleep
	return c
}

// Complete sends messages, attaching image to the final user message, and
// retries transient failures. Exhaustion yields a *retry.ExhaustedError whose
// chain includes the last *Error.
func (c *Client) Complete(ctx context.Context, messages []Message, image *Attachment) (*Completion, error) {
	msgs := withImage(messages, image)
	completion, err := retry.DoValue(ctx, c.policy, func(ctx context.Context, attempt int) (*Completion, error) {
		return c.provider.Complete(ctx, msgs)
	})
	if err != nil {
		return nil, err
	}
	if c.logger != nil {
		c.logger.Debug("%s completion: model=%s prompt_tokens=%d completion_tokens=%d latency=%s",
			c.provider.Name(), completion.Model, completion.PromptTokens, completion.CompletionTokens, completion.Latency)
	}
	return completion, nil
}

func withImage(messages []Message, image *Attachment) []Message {
	if image == nil {
		return messages
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role != RoleUser {
			continue
		}
		atts := make([]Attachment, 0, len(out[i].Attachments)+1)
		atts = append(atts, out[i].Attachments...)
		out[i].Attachments = append(atts, *image)
		return out
	}
	return append(out, Message{Role: RoleUser, Attachments: []Attachment{*image}})
}
