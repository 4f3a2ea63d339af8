package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements the Provider interface for OpenAI-compatible
// chat completion APIs such as OpenRouter.
type OpenAIProvider struct {
	client *openai.Client
	config Config
	now    func() time.Time
}

// NewOpenAIProvider creates a new OpenAI provider. A nil transport uses
// http.DefaultTransport.
func NewOpenAIProvider(config Config, transport http.RoundTripper) (*OpenAIProvider, error) {
	// Allow empty API key - validation happens at runtime
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if transport == nil {
		transport = http.DefaultTransport
	}

	headers := map[string]string{}
	if config.SiteURL != "" {
		headers["HTTP-Referer"] = config.SiteURL
	}
	if config.SiteName != "" {
		headers["X-Title"] = config.SiteName
	}

	p := &OpenAIProvider{now: time.Now}
	httpClient := &http.Client{
		Transport: &hintTransport{base: transport, headers: headers, now: func() time.Time { return p.now() }},
	}
	if config.Timeout > 0 {
		httpClient.Timeout = time.Duration(config.Timeout) * time.Second
	}
	clientConfig.HTTPClient = httpClient

	// Set defaults only if not provided
	if config.MaxTokens == 0 {
		config.MaxTokens = 4096
	}
	if config.Temperature == 0 {
		config.Temperature = 0.7
	}
	// If no provider name is set, use a default
	if config.ProviderName == "" {
		config.ProviderName = "OpenAI Compatible"
	}

	p.client = openai.NewClientWithConfig(clientConfig)
	p.config = config
	return p, nil
}

// convertMessage converts our Message type to OpenAI format, handling attachments
func (p *OpenAIProvider) convertMessage(msg Message) openai.ChatCompletionMessage {
	// If no attachments, return simple text message
	if len(msg.Attachments) == 0 {
		return openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	// Build multimodal message with attachments
	multiContent := []openai.ChatMessagePart{
		{
			Type: openai.ChatMessagePartTypeText,
			Text: msg.Content,
		},
	}

	for _, att := range msg.Attachments {
		if att.Type != "image" {
			continue
		}
		dataURL := fmt.Sprintf("data:%s;base64,%s", att.MimeType, base64.StdEncoding.EncodeToString(att.Data))
		multiContent = append(multiContent, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    dataURL,
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}

	return openai.ChatCompletionMessage{
		Role:         msg.Role,
		MultiContent: multiContent,
	}
}

// Complete performs one chat completion attempt.
func (p *OpenAIProvider) Complete(ctx context.Context, messages []Message) (*Completion, error) {
	openaiMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		openaiMessages = append(openaiMessages, p.convertMessage(msg))
	}

	req := openai.ChatCompletionRequest{
		Model:       p.config.Model,
		Messages:    openaiMessages,
		MaxTokens:   p.config.MaxTokens,
		Temperature: float32(p.config.Temperature),
	}

	ctx, hint := withHint(ctx)
	started := p.now()
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to create chat completion: %w", err), hint)
	}

	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindProviderError, Err: errors.New("response has no choices")}
	}
	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return nil, &Error{Kind: KindProviderError, Err: errors.New("response has empty content")}
	}

	model := resp.Model
	if model == "" {
		model = p.config.Model
	}
	return &Completion{
		Text:             text,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Model:            model,
		Latency:          p.now().Sub(started),
	}, nil
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return p.config.ProviderName
}

// Model returns the configured model
func (p *OpenAIProvider) Model() string {
	return p.config.Model
}

// ValidateConfig validates the configuration
func (p *OpenAIProvider) ValidateConfig() error {
	if p.config.APIKey == "" {
		return errors.New("API key is required")
	}
	if p.config.Model == "" {
		return errors.New("model is required")
	}
	return nil
}
