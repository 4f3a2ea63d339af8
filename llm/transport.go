package llm

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type hintKey struct{}

// responseHint records what the status and Retry-After header of the last
// response were, since go-openai drops the headers from its error values.
type responseHint struct {
	status     int
	retryAfter time.Duration
}

func withHint(ctx context.Context) (context.Context, *responseHint) {
	h := &responseHint{}
	return context.WithValue(ctx, hintKey{}, h), h
}

// hintTransport fills the responseHint found in the request context and
// adds the attribution headers.
type hintTransport struct {
	base    http.RoundTripper
	headers map[string]string
	now     func() time.Time
}

func (t *hintTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) > 0 {
		req = req.Clone(req.Context())
		for k, v := range t.headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if h, ok := req.Context().Value(hintKey{}).(*responseHint); ok {
		h.status = resp.StatusCode
		h.retryAfter = 0
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), t.now()); ok {
			h.retryAfter = d
		}
	}
	return resp, nil
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
