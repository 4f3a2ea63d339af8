package moderation

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"eduhelper/utils"
)

// ProviderConfig configures the remote moderation endpoint.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// FailOpen lets text through when the endpoint cannot be reached.
	FailOpen bool
}

// ProviderGate asks an OpenAI-compatible moderation endpoint.
type ProviderGate struct {
	client   *openai.Client
	model    string
	failOpen bool
	logger   *utils.Logger
}

// NewProviderGate creates the gate. A nil transport uses http.DefaultTransport.
func NewProviderGate(config ProviderConfig, transport http.RoundTripper, logger *utils.Logger) *ProviderGate {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if transport != nil {
		clientConfig.HTTPClient = &http.Client{Transport: transport}
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &ProviderGate{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    config.Model,
		failOpen: config.FailOpen,
		logger:   logger,
	}
}

// Check implements Gate.
func (g *ProviderGate) Check(ctx context.Context, text string) (Verdict, error) {
	resp, err := g.client.Moderations(ctx, openai.ModerationRequest{Input: text, Model: g.model})
	if err != nil {
		if g.failOpen {
			g.logger.Warn("Moderation endpoint unavailable, letting text through: %v", err)
			return Allow(), nil
		}
		return Verdict{}, fmt.Errorf("failed to call moderation endpoint: %w", err)
	}
	for _, r := range resp.Results {
		if r.Flagged {
			return Block(ReasonFlagged + ":" + flaggedCategory(r.Categories)), nil
		}
	}
	return Allow(), nil
}

func flaggedCategory(c openai.ResultCategories) string {
	switch {
	case c.SexualMinors:
		return "sexual_minors"
	case c.Sexual:
		return "sexual"
	case c.HateThreatening, c.Hate:
		return "hate"
	case c.SelfHarm:
		return "self_harm"
	case c.ViolenceGraphic, c.Violence:
		return "violence"
	default:
		return "other"
	}
}
