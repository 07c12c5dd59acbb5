package chat

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAISession is a Backend for any OpenAI-compatible chat completions endpoint
type OpenAISession struct {
	client *openai.Client
	config SessionConfig
}

// NewOpenAISession creates a backend. An empty baseURL means api.openai.com.
func NewOpenAISession(apiKey, baseURL string, cfg SessionConfig, httpClient *http.Client) *OpenAISession {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	if httpClient != nil {
		clientConfig.HTTPClient = httpClient
	}

	return &OpenAISession{
		client: openai.NewClientWithConfig(clientConfig),
		config: cfg,
	}
}

// Name identifies the backend in logs and metrics
func (s *OpenAISession) Name() string {
	return "openai"
}

func (s *OpenAISession) request(history []Message, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	return openai.ChatCompletionRequest{
		Model:       s.config.Model,
		Messages:    messages,
		Temperature: float32(s.config.Temperature),
		TopP:        float32(s.config.TopP),
		MaxTokens:   s.config.MaxTokens,
		Stream:      stream,
	}
}

// Stream opens a streaming reply for history
func (s *OpenAISession) Stream(ctx context.Context, history []Message) (ReplyStream, error) {
	stream, err := s.client.CreateChatCompletionStream(ctx, s.request(history, true))
	if err != nil {
		return nil, openAIError("open", err)
	}
	return &openAIStream{stream: stream}, nil
}

// Complete requests the whole reply at once
func (s *OpenAISession) Complete(ctx context.Context, history []Message) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, s.request(history, false))
	if err != nil {
		return "", openAIError("open", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoContent
	}
	return resp.Choices[0].Message.Content, nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", openAIError("read", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if text := resp.Choices[0].Delta.Content; text != "" {
			return text, nil
		}
	}
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}

// openAIError classifies a go-openai failure as a TransportError
func openAIError(op string, err error) error {
	te := &TransportError{Op: op, Err: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		te.StatusCode = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		te.StatusCode = reqErr.HTTPStatusCode
	}
	return te
}
