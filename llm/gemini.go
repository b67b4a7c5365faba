package llm

import (
	"context"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/voxtura/chorus/errors"
	"github.com/voxtura/chorus/session"
	"google.golang.org/api/option"
)

// GeminiClient is a client for the Google Gemini API.
type GeminiClient struct {
	model *genai.GenerativeModel
}

// NewGeminiClient creates a new GeminiClient. It requires the GEMINI_API_KEY
// environment variable to be set.
func NewGeminiClient(ctx context.Context, modelName string) (*GeminiClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	return &GeminiClient{
		model: client.GenerativeModel(modelName),
	}, nil
}

// Chat sends the trailing history window to Gemini, using the last message as
// the new turn and the rest as chat history.
func (g *GeminiClient) Chat(ctx context.Context, messages []session.Message, opts Options) (string, error) {
	windowed := window(messages)
	if len(windowed) == 0 {
		return "", &TransportError{Kind: "api", Err: errors.New("no messages to send")}
	}

	history := convertMessagesToGemini(windowed)
	last := history[len(history)-1]

	maxTokens := int32(opts.maxTokens())
	g.model.MaxOutputTokens = &maxTokens
	if opts.Temperature > 0 {
		temp := float32(opts.Temperature)
		g.model.Temperature = &temp
	}

	chat := g.model.StartChat()
	chat.History = history[:len(history)-1]
	resp, err := chat.SendMessage(ctx, last.Parts...)
	if err != nil {
		return "", &TransportError{Kind: "api", Err: errors.Wrapf(err, "gemini request failed")}
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", &TransportError{Kind: "api", Err: errors.New("gemini response contained no candidates")}
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			return string(text), nil
		}
	}
	return "", &TransportError{Kind: "api", Err: errors.New("gemini response contained no text part")}
}

func convertMessagesToGemini(messages []session.Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	return contents
}
