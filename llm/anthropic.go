package llm

import (
	"context"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/voxtura/chorus/errors"
	"github.com/voxtura/chorus/session"
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicClient creates a new AnthropicClient. It requires the
// ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropicClient(ctx context.Context, modelName string) (*AnthropicClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)

	return &AnthropicClient{
		client: &client,
		model:  modelName,
	}, nil
}

// Chat sends the trailing history window plus the new prompt to Anthropic and
// returns the generated text.
func (a *AnthropicClient) Chat(ctx context.Context, messages []session.Message, opts Options) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(opts.maxTokens()),
		Messages:  convertMessagesToAnthropic(window(messages)),
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", &TransportError{Kind: "api", Err: errors.Wrapf(err, "anthropic request failed")}
	}

	text := anthropicResponseText(resp)
	if text == "" {
		return "", &TransportError{Kind: "api", Err: errors.New("anthropic response contained no text content")}
	}
	return text, nil
}

func convertMessagesToAnthropic(messages []session.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		default:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}
	return out
}

func anthropicResponseText(resp *anthropic.Message) string {
	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text
		}
	}
	return ""
}
