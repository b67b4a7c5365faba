package llm

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/voxtura/chorus/errors"
	"github.com/voxtura/chorus/session"
)

// BedrockClient invokes Anthropic models hosted on AWS Bedrock.
type BedrockClient struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockClient creates a new BedrockClient. It requires AWS credentials
// to be configured in the environment.
func NewBedrockClient(ctx context.Context, modelID string) (*BedrockClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}

	return &BedrockClient{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      float64          `json:"temperature,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockMessage struct {
	Role    string                `json:"role"`
	Content []bedrockContentBlock `json:"content"`
}

type bedrockContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type bedrockResponse struct {
	Content []bedrockContentBlock `json:"content"`
}

// Chat sends the trailing history window to Bedrock using the Anthropic
// message schema and returns the first text block of the response.
func (b *BedrockClient) Chat(ctx context.Context, messages []session.Message, opts Options) (string, error) {
	req := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        opts.maxTokens(),
		Temperature:      opts.Temperature,
	}
	for _, msg := range window(messages) {
		role := "user"
		if msg.Role == "assistant" {
			role = "assistant"
		}
		req.Messages = append(req.Messages, bedrockMessage{
			Role:    role,
			Content: []bedrockContentBlock{{Type: "text", Text: msg.Content}},
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrapf(err, "failed to serialize Bedrock request")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", &TransportError{Kind: "api", Err: errors.Wrapf(err, "bedrock invocation failed")}
	}

	var parsed bedrockResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return "", &TransportError{Kind: "api", Err: errors.Wrapf(err, "bedrock response is not valid JSON")}
	}
	for _, block := range parsed.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", &TransportError{Kind: "api", Err: errors.New("bedrock response contained no text block")}
}
