package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eduhelper/retry"
)

// mockRoundTripper serves scripted responses in order.
type mockRoundTripper struct {
	mu        sync.Mutex
	responses []func(req *http.Request) (*http.Response, error)
	requests  []*http.Request
	bodies    []string
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, _ := io.ReadAll(req.Body)
	m.requests = append(m.requests, req)
	m.bodies = append(m.bodies, string(body))
	i := len(m.requests) - 1
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	return m.responses[i](req)
}

func (m *mockRoundTripper) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func jsonResponse(status int, body string, headers map[string]string) func(*http.Request) (*http.Response, error) {
	return func(req *http.Request) (*http.Response, error) {
		h := http.Header{"Content-Type": []string{"application/json"}}
		for k, v := range headers {
			h.Set(k, v)
		}
		return &http.Response{
			StatusCode: status,
			Header:     h,
			Body:       io.NopCloser(strings.NewReader(body)),
			Request:    req,
		}, nil
	}
}

func transportError(msg string) func(*http.Request) (*http.Response, error) {
	return func(*http.Request) (*http.Response, error) {
		return nil, errors.New(msg)
	}
}

const okBody = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"model": "test-model",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "4"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
}`

const apiErrorBody = `{"error": {"message": "boom", "type": "server_error"}}`

func newTestClient(t *testing.T, rt *mockRoundTripper, attempts int) (*Client, *[]time.Duration) {
	t.Helper()
	provider, err := NewOpenAIProvider(Config{
		ProviderName: "test",
		APIKey:       "sk-test",
		BaseURL:      "http://llm.invalid/v1",
		Model:        "test-model",
		SiteURL:      "https://example.org",
		SiteName:     "EduHelper",
	}, rt)
	require.NoError(t, err)

	var delays []time.Duration
	c := NewClient(provider, RetryOptions{Attempts: attempts, BaseDelay: time.Second}, nil).
		WithSleep(func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		})
	return c, &delays
}

func userMessages(text string) []Message {
	return []Message{{Role: RoleSystem, Content: "solve"}, {Role: RoleUser, Content: text}}
}

func TestCompleteParsesUsage(t *testing.T) {
	rt := &mockRoundTripper{responses: []func(*http.Request) (*http.Response, error){jsonResponse(200, okBody, nil)}}
	c, _ := newTestClient(t, rt, 3)

	got, err := c.Complete(context.Background(), userMessages("2+2"), nil)
	require.NoError(t, err)
	assert.Equal(t, "4", got.Text)
	assert.Equal(t, 12, got.PromptTokens)
	assert.Equal(t, 3, got.CompletionTokens)
	assert.Equal(t, 15, got.TotalTokens())
	assert.Equal(t, "test-model", got.Model)

	require.Len(t, rt.requests, 1)
	assert.Equal(t, "https://example.org", rt.requests[0].Header.Get("HTTP-Referer"))
	assert.Equal(t, "EduHelper", rt.requests[0].Header.Get("X-Title"))
}

func TestConnectionFailuresRetryUntilSuccess(t *testing.T) {
	rt := &mockRoundTripper{responses: []func(*http.Request) (*http.Response, error){
		transportError("connection refused"),
		transportError("connection refused"),
		jsonResponse(200, okBody, nil),
	}}
	c, delays := newTestClient(t, rt, 3)

	got, err := c.Complete(context.Background(), userMessages("2+2"), nil)
	require.NoError(t, err)
	assert.Equal(t, "4", got.Text)
	assert.Equal(t, 3, rt.calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
}

func TestPersistentFailureMakesExactlyNAttempts(t *testing.T) {
	rt := &mockRoundTripper{responses: []func(*http.Request) (*http.Response, error){transportError("connection reset")}}
	c, _ := newTestClient(t, rt, 4)

	_, err := c.Complete(context.Background(), userMessages("hi"), nil)
	require.Error(t, err)
	assert.Equal(t, 4, rt.calls())
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestRateLimitUsesRetryAfter(t *testing.T) {
	rt := &mockRoundTripper{responses: []func(*http.Request) (*http.Response, error){
		jsonResponse(429, `{"error": {"message": "slow down"}}`, map[string]string{"Retry-After": "7"}),
		jsonResponse(200, okBody, nil),
	}}
	c, delays := newTestClient(t, rt, 3)

	_, err := c.Complete(context.Background(), userMessages("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, rt.calls())
	assert.Equal(t, []time.Duration{7 * time.Second}, *delays)
}

func TestRateLimitConsumesAttemptBudget(t *testing.T) {
	rt := &mockRoundTripper{responses: []func(*http.Request) (*http.Response, error){
		jsonResponse(429, `{"error": {"message": "slow down"}}`, map[string]string{"Retry-After": "120"}),
	}}
	c, delays := newTestClient(t, rt, 2)

	_, err := c.Complete(context.Background(), userMessages("hi"), nil)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 2, rt.calls())
	assert.Equal(t, []time.Duration{retry.DefaultMaxRetryAfter}, *delays)
}

func TestServerErrorsAreRetried(t *testing.T) {
	rt := &mockRoundTripper{responses: []func(*http.Request) (*http.Response, error){
		jsonResponse(502, apiErrorBody, nil),
		jsonResponse(200, okBody, nil),
	}}
	c, _ := newTestClient(t, rt, 3)

	_, err := c.Complete(context.Background(), userMessages("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, rt.calls())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	rt := &mockRoundTripper{responses: []func(*http.Request) (*http.Response, error){
		jsonResponse(400, `{"error": {"message": "bad request"}}`, nil),
	}}
	c, _ := newTestClient(t, rt, 5)

	_, err := c.Complete(context.Background(), userMessages("hi"), nil)
	require.Error(t, err)
	assert.Equal(t, 1, rt.calls())

	var llmErr *Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, KindProviderError, llmErr.Kind)
	assert.Equal(t, 400, llmErr.StatusCode)
}

func TestEmptyChoicesIsProviderError(t *testing.T) {
	rt := &mockRoundTripper{responses: []func(*http.Request) (*http.Response, error){
		jsonResponse(200, `{"id": "x", "choices": [], "usage": {}}`, nil),
	}}
	c, _ := newTestClient(t, rt, 3)

	_, err := c.Complete(context.Background(), userMessages("hi"), nil)
	assert.ErrorIs(t, err, ErrProviderError)
	assert.Equal(t, 1, rt.calls())
}

func TestImageIsEmbeddedInFinalUserMessage(t *testing.T) {
	rt := &mockRoundTripper{responses: []func(*http.Request) (*http.Response, error){jsonResponse(200, okBody, nil)}}
	c, _ := newTestClient(t, rt, 1)

	image := &Attachment{Type: "image", MimeType: "image/jpeg", Data: []byte{0xff, 0xd8, 0xff}}
	msgs := []Message{
		{Role: RoleSystem, Content: "interview"},
		{Role: RoleUser, Content: "solve the task in the photo"},
		{Role: RoleAssistant, Content: "which part?"},
		{Role: RoleUser, Content: "part b"},
	}
	_, err := c.Complete(context.Background(), msgs, image)
	require.NoError(t, err)

	var sent struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(rt.bodies[0]), &sent))
	require.Len(t, sent.Messages, 4)

	var parts []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	require.NoError(t, json.Unmarshal(sent.Messages[3].Content, &parts))
	require.Len(t, parts, 2)
	assert.Equal(t, "part b", parts[0].Text)
	assert.True(t, strings.HasPrefix(parts[1].ImageURL.URL, "data:image/jpeg;base64,"))

	// earlier messages stay plain strings and the caller's slice is untouched
	var plain string
	require.NoError(t, json.Unmarshal(sent.Messages[1].Content, &plain))
	assert.Empty(t, msgs[3].Attachments)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"", 0, false},
		{"3", 3 * time.Second, true},
		{"1.5", 1500 * time.Millisecond, true},
		{"-1", 0, false},
		{"Sun, 01 Mar 2026 12:00:10 GMT", 10 * time.Second, true},
		{"Sun, 01 Mar 2026 11:00:00 GMT", 0, true},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseRetryAfter(tt.in, now)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestValidateConfig(t *testing.T) {
	p, err := NewOpenAIProvider(Config{Model: "m"}, nil)
	require.NoError(t, err)
	assert.Error(t, p.ValidateConfig())

	p, err = NewOpenAIProvider(Config{APIKey: "k", Model: "m"}, nil)
	require.NoError(t, err)
	assert.NoError(t, p.ValidateConfig())
	assert.Equal(t, "OpenAI Compatible", p.Name())
}
