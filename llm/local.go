package llm

import (
	"context"
	"os/exec"
	"strings"

	"github.com/voxtura/chorus/errors"
	"github.com/voxtura/chorus/session"
)

// LocalClient runs a local model binary with the prompt as its argument and
// captures trimmed stdout as the response. It is the last link of every
// fallback chain.
type LocalClient struct {
	command string
	args    []string
}

// NewLocalClient creates a LocalClient after probing that the binary exists
// on PATH.
func NewLocalClient(command string, args ...string) (*LocalClient, error) {
	if command == "" {
		return nil, errors.New("local model command not configured")
	}
	if _, err := exec.LookPath(command); err != nil {
		return nil, &TransportError{Kind: "local-exec", Err: errors.Wrapf(err, "binary '%s' not found", command)}
	}
	return &LocalClient{command: command, args: args}, nil
}

// Chat invokes the binary with the last message's content appended to the
// configured arguments. History is not forwarded; local models are stateless
// per invocation.
func (l *LocalClient) Chat(ctx context.Context, messages []session.Message, opts Options) (string, error) {
	if len(messages) == 0 {
		return "", &TransportError{Kind: "local-exec", Err: errors.New("no messages to send")}
	}
	prompt := messages[len(messages)-1].Content

	args := append(append([]string(nil), l.args...), prompt)
	cmd := exec.CommandContext(ctx, l.command, args...)

	output, err := cmd.Output()
	if err != nil {
		return "", &TransportError{Kind: "local-exec", Err: errors.Wrapf(err, "'%s' exited with an error", l.command)}
	}
	return strings.TrimSpace(string(output)), nil
}
