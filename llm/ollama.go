package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// OllamaProvider implements Provider against a local Ollama server. It is
// meant for development without an OpenRouter key.
type OllamaProvider struct {
	config Config
	client *http.Client
	now    func() time.Time
}

// NewOllamaProvider creates a new Ollama provider. A nil transport uses a
// transport with dial and header timeouts suited to slow local models.
func NewOllamaProvider(config Config, transport http.RoundTripper) (*OllamaProvider, error) {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout == 0 {
		config.Timeout = 300
	}
	if config.ProviderName == "" {
		config.ProviderName = "Ollama"
	}
	if transport == nil {
		transport = &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 120 * time.Second,
		}
	}

	p := &OllamaProvider{config: config, now: time.Now}
	p.client = &http.Client{
		Transport: &hintTransport{base: transport, now: func() time.Time { return p.now() }},
		Timeout:   time.Duration(config.Timeout) * time.Second,
	}
	return p, nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// Images are base64 encoded; encoding/json does that for []byte.
	Images [][]byte `json:"images,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

type ollamaError struct {
	Error string `json:"error"`
}

// Complete performs one non-streaming chat attempt.
func (p *OllamaProvider) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	reqBody := ollamaChatRequest{
		Model:    p.config.Model,
		Messages: make([]ollamaMessage, 0, len(messages)),
		Options:  &ollamaOptions{Temperature: p.config.Temperature, NumPredict: p.config.MaxTokens},
	}
	for _, msg := range messages {
		m := ollamaMessage{Role: msg.Role, Content: msg.Content}
		for _, att := range msg.Attachments {
			if att.Type == "image" {
				m.Images = append(m.Images, att.Data)
			}
		}
		reqBody.Messages = append(reqBody.Messages, m)
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, hint := withHint(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := p.now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to send request: %w", err), hint)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(body))
		var apiErr ollamaError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return nil, classify(fmt.Errorf("ollama error (status %d): %s", resp.StatusCode, msg), hint)
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, classify(fmt.Errorf("failed to decode response: %w", err), hint)
	}
	if strings.TrimSpace(chatResp.Message.Content) == "" {
		return nil, &Error{Kind: KindProviderError, Err: errors.New("response has empty content")}
	}

	model := chatResp.Model
	if model == "" {
		model = p.config.Model
	}
	return &Completion{
		Text:             chatResp.Message.Content,
		PromptTokens:     chatResp.PromptEvalCount,
		CompletionTokens: chatResp.EvalCount,
		Model:            model,
		Latency:          p.now().Sub(started),
	}, nil
}

// Name returns the provider name
func (p *OllamaProvider) Name() string {
	return p.config.ProviderName
}

// ValidateConfig validates the configuration
func (p *OllamaProvider) ValidateConfig() error {
	if p.config.BaseURL == "" {
		return errors.New("base URL is required")
	}
	if p.config.Model == "" {
		return errors.New("model is required")
	}
	return nil
}
