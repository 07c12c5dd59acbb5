package chat

import (
	"context"
	"fmt"
	"strings"
)

// Role is the author of a chat message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the chat history sent to a backend
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SessionConfig is fixed when a session is constructed.
// Build a new session to change it.
type SessionConfig struct {
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Options are the sampling options of a chat request
type Options struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// Request is the wire body posted to the chat endpoint
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  Options   `json:"options"`
}

// ReplyStream yields the text deltas of one reply, in order.
// Recv returns io.EOF once the reply is complete.
type ReplyStream interface {
	Recv() (string, error)
	Close() error
}

// Backend produces replies for a chat history
type Backend interface {
	Stream(ctx context.Context, history []Message) (ReplyStream, error)
	Complete(ctx context.Context, history []Message) (string, error)
	Name() string
}

// Mode selects which backend answers a turn
type Mode int

const (
	ModeBaseline Mode = iota
	ModeAdvanced
)

func (m Mode) String() string {
	switch m {
	case ModeBaseline:
		return "baseline"
	case ModeAdvanced:
		return "advanced"
	}
	return "unknown"
}

// ParseMode parses "baseline" or "advanced"
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "baseline", "base":
		return ModeBaseline, nil
	case "advanced":
		return ModeAdvanced, nil
	}
	return ModeBaseline, fmt.Errorf("unknown mode %q", s)
}

// Backends maps each mode to the backend that serves it
type Backends map[Mode]Backend

// Select returns the backend for mode, falling back to the baseline backend
func (b Backends) Select(mode Mode) (Backend, error) {
	if backend, ok := b[mode]; ok && backend != nil {
		return backend, nil
	}
	if backend, ok := b[ModeBaseline]; ok && backend != nil {
		return backend, nil
	}
	return nil, fmt.Errorf("no backend configured for %s mode", mode)
}
