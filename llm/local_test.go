package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/voxtura/chorus/session"
)

func TestLocalClientRunsBinary(t *testing.T) {
	client, err := NewLocalClient("echo", "-n")
	if err != nil {
		t.Fatalf("echo should be on PATH: %v", err)
	}

	history := []session.Message{
		userTurn("old prompt"),
		userTurn("current prompt"),
	}
	got, err := client.Chat(context.Background(), history, Options{})
	if err != nil {
		t.Fatalf("chat failed: %v", err)
	}
	// Only the newest turn is passed; local models are stateless.
	if got != "current prompt" {
		t.Errorf("unexpected output: %q", got)
	}
}

func TestLocalClientTrimsOutput(t *testing.T) {
	client, err := NewLocalClient("echo")
	if err != nil {
		t.Fatal(err)
	}
	got, err := client.Chat(context.Background(), []session.Message{userTurn("hi")}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got != "hi" {
		t.Errorf("trailing newline not trimmed: %q", got)
	}
}

func TestLocalClientMissingBinary(t *testing.T) {
	_, err := NewLocalClient("chorus-test-no-such-binary")
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if transportErr.Kind != "local-exec" {
		t.Errorf("kind = %q, want local-exec", transportErr.Kind)
	}
}

func TestLocalClientNonZeroExit(t *testing.T) {
	client, err := NewLocalClient("false")
	if err != nil {
		t.Fatal(err)
	}
	_, err = client.Chat(context.Background(), []session.Message{userTurn("hi")}, Options{})
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestLocalClientEmptyHistory(t *testing.T) {
	client, err := NewLocalClient("echo")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.Chat(context.Background(), nil, Options{}); err == nil {
		t.Fatal("expected an error with no messages")
	}
}
