package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Message is one turn of a conversation. History is append-only: messages are
// never mutated after insertion.
type Message struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Agent     string    `json:"agent,omitempty"` // provider that produced an assistant turn
}

type Session struct {
	Name     string    `json:"name"`
	Messages []Message `json:"messages"`
	path     string
}

// New creates a new session.
func New(name string) (*Session, error) {
	path, err := getSessionPath(name)
	if err != nil {
		return nil, err
	}
	return &Session{
		Name:     name,
		Messages: []Message{},
		path:     path,
	}, nil
}

// Load loads an existing session from disk.
func Load(name string) (*Session, error) {
	path, err := getSessionPath(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read session file %s: %w", path, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("could not parse session file %s: %w", path, err)
	}
	s.path = path
	return &s, nil
}

// Save writes the current session state to disk.
func (s *Session) Save() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}
	return os.WriteFile(s.path, data, 0644)
}

// AddUser appends a user turn stamped with the current time.
func (s *Session) AddUser(content string) {
	s.Messages = append(s.Messages, Message{
		Role:      "user",
		Content:   content,
		Timestamp: time.Now(),
	})
}

// AddAssistant appends an assistant turn tagged with the provider that
// produced it.
func (s *Session) AddAssistant(content, agent string) {
	s.Messages = append(s.Messages, Message{
		Role:      "assistant",
		Content:   content,
		Timestamp: time.Now(),
		Agent:     agent,
	})
}

// Window returns the most recent n messages, or all of them if fewer exist.
func (s *Session) Window(n int) []Message {
	if len(s.Messages) <= n {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

func getSessionPath(name string) (string, error) {
	sessionDir := filepath.Join(".chorus", "sessions")
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return "", fmt.Errorf("could not create session directory: %w", err)
	}
	return filepath.Join(sessionDir, fmt.Sprintf("%s.json", name)), nil
}
