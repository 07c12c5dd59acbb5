package chat

import "context"

// Session is a Backend that talks to an Ollama-style chat endpoint
type Session struct {
	client *Client
	config SessionConfig
	name   string
}

// NewSession binds a client to a fixed session configuration
func NewSession(client *Client, cfg SessionConfig, name string) *Session {
	if name == "" {
		name = "ollama"
	}
	return &Session{client: client, config: cfg, name: name}
}

// Name identifies the backend in logs and metrics
func (s *Session) Name() string {
	return s.name
}

// Config returns the session configuration
func (s *Session) Config() SessionConfig {
	return s.config
}

func (s *Session) request(history []Message, stream bool) *Request {
	return &Request{
		Model:    s.config.Model,
		Messages: history,
		Stream:   stream,
		Options: Options{
			Temperature: s.config.Temperature,
			TopP:        s.config.TopP,
			NumPredict:  s.config.MaxTokens,
		},
	}
}

// Stream opens a streaming reply for history
func (s *Session) Stream(ctx context.Context, history []Message) (ReplyStream, error) {
	stream, err := s.client.Open(ctx, s.request(history, true))
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Complete requests the whole reply at once
func (s *Session) Complete(ctx context.Context, history []Message) (string, error) {
	frame, err := s.client.Fetch(ctx, s.request(history, false))
	if err != nil {
		return "", err
	}

	text, ok := ExtractText(frame, s.client.extractors)
	if !ok {
		return "", ErrNoContent
	}
	return text, nil
}
