package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// ErrorKind classifies provider failures.
type ErrorKind int

const (
	KindProviderError ErrorKind = iota
	KindRateLimited
	KindTimeout
	KindConnectionFailed
	KindServerError
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindConnectionFailed:
		return "connection_failed"
	case KindServerError:
		return "server_error"
	default:
		return "provider_error"
	}
}

// Sentinels for errors.Is against an *Error of the same kind.
var (
	ErrRateLimited      = &Error{Kind: KindRateLimited}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrConnectionFailed = &Error{Kind: KindConnectionFailed}
	ErrServerError      = &Error{Kind: KindServerError}
	ErrProviderError    = &Error{Kind: KindProviderError}
)

// Error is a classified provider failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	// RetryAfter is the provider wait hint, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether an attempt that failed with err may be repeated.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind != KindProviderError
}

// RetryAfter returns the wait hint carried by a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimited {
		return e.RetryAfter, true
	}
	return 0, false
}

// classify turns a go-openai / transport error into an *Error. Context
// cancellation is returned unchanged.
func classify(err error, hint *responseHint) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == 0 && hint != nil {
		status = hint.status
	}

	if status != 0 {
		switch {
		case status == http.StatusTooManyRequests:
			e := &Error{Kind: KindRateLimited, StatusCode: status, Err: err}
			if hint != nil {
				e.RetryAfter = hint.retryAfter
			}
			return e
		case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
			return &Error{Kind: KindTimeout, StatusCode: status, Err: err}
		case status >= 500:
			return &Error{Kind: KindServerError, StatusCode: status, Err: err}
		case status >= 400:
			return &Error{Kind: KindProviderError, StatusCode: status, Err: err}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindTimeout, Err: err}
		}
		return &Error{Kind: KindConnectionFailed, Err: err}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &Error{Kind: KindConnectionFailed, Err: err}
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return &Error{Kind: KindProviderError, StatusCode: status, Err: fmt.Errorf("malformed response: %w", err)}
	}
	return &Error{Kind: KindProviderError, StatusCode: status, Err: err}
}
