package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// WhisperConfig configures the speech-to-text adapter.
type WhisperConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
}

// WhisperTranscriber turns voice messages into text through the OpenAI
// audio transcription endpoint.
type WhisperTranscriber struct {
	client   *openai.Client
	model    string
	language string
}

// NewWhisperTranscriber creates a transcriber. A nil transport uses
// http.DefaultTransport.
func NewWhisperTranscriber(config WhisperConfig, transport http.RoundTripper) *WhisperTranscriber {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if transport != nil {
		clientConfig.HTTPClient = &http.Client{Transport: transport}
	}
	model := config.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &WhisperTranscriber{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    model,
		language: config.Language,
	}
}

// Transcribe returns the recognized text of an OGG/Opus voice message.
func (w *WhisperTranscriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("empty audio")
	}
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: "voice.ogg",
		Reader:   bytes.NewReader(audio),
		Language: w.language,
	})
	if err != nil {
		return "", fmt.Errorf("failed to transcribe audio: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
