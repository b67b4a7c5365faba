package llm

import (
	"context"
	"fmt"

	"github.com/voxtura/chorus/session"
)

// Client is the interface for one request/response exchange with a model
// backend. Implementations hide channel mechanics (SDK HTTPS call, local
// binary invocation) from the dispatcher.
type Client interface {
	Chat(ctx context.Context, messages []session.Message, opts Options) (string, error)
}

// Options carries per-request generation parameters. Zero values select the
// backend defaults below.
type Options struct {
	MaxTokens   int
	Temperature float64
}

const (
	defaultMaxTokens = 1024

	// historyWindow is how many trailing history messages API transports
	// include alongside the new prompt.
	historyWindow = 10
)

func (o Options) maxTokens() int {
	if o.MaxTokens > 0 {
		return o.MaxTokens
	}
	return defaultMaxTokens
}

// TransportError reports a failure of the underlying channel: an HTTP error,
// a response body that is not valid JSON or lacks the expected field, a
// missing binary, or a non-zero exit. It is never retried automatically.
type TransportError struct {
	Kind string // "api" or "local-exec"
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// window trims history to the trailing historyWindow messages.
func window(messages []session.Message) []session.Message {
	if len(messages) <= historyWindow {
		return messages
	}
	return messages[len(messages)-historyWindow:]
}

// MockClient is a placeholder backend for tests and dry runs. It parrots the
// last user message.
type MockClient struct{}

func (m *MockClient) Chat(ctx context.Context, messages []session.Message, opts Options) (string, error) {
	if len(messages) == 0 {
		return "", &TransportError{Kind: "api", Err: fmt.Errorf("no messages to send")}
	}
	last := messages[len(messages)-1]
	return fmt.Sprintf("mock response to: %s", last.Content), nil
}
