package llm

import (
	"context"
	"os"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/voxtura/chorus/errors"
	"github.com/voxtura/chorus/session"
)

// OpenAIClient is a client for the OpenAI Chat Completion API and any
// OpenAI-compatible endpoint (the Copilot fallback points here with a custom
// base URL).
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a new OpenAIClient. It requires the OPENAI_API_KEY
// environment variable to be set and honors OPENAI_BASE_URL for compatible
// endpoints.
func NewOpenAIClient(ctx context.Context, modelName string) (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	c := openai.NewClient(options...)
	// The SDK returns a value; keep a pointer so the zero Client is unusable.
	return &OpenAIClient{client: &c, model: modelName}, nil
}

// newOpenAIClientAt builds a client against an explicit base URL. Tests use
// it to point the SDK at an httptest server.
func newOpenAIClientAt(baseURL, apiKey, modelName string) *OpenAIClient {
	c := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
	)
	return &OpenAIClient{client: &c, model: modelName}
}

// Chat posts the trailing history window plus the new prompt as a single chat
// completion and extracts choices[0].message.content.
func (o *OpenAIClient) Chat(ctx context.Context, messages []session.Message, opts Options) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertMessagesToOpenAI(window(messages)),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", &TransportError{Kind: "api", Err: errors.Wrapf(err, "openai request failed")}
	}
	if len(resp.Choices) == 0 {
		return "", &TransportError{Kind: "api", Err: errors.New("openai response contained no choices")}
	}
	return resp.Choices[0].Message.Content, nil
}

func convertMessagesToOpenAI(messages []session.Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}
