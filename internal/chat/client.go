package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-chat/internal/observability"
	"github.com/lexiqai/voice-chat/internal/resilience"
)

// maxErrorBody caps how much of a failed response is kept for the error message
const maxErrorBody = 512

// ClientConfig holds the chat endpoint settings
type ClientConfig struct {
	URL     string
	Timeout time.Duration // Bounds a whole request, including reading the reply
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client. Its Timeout is left as given.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithCircuitBreaker guards request setup with cb
func WithCircuitBreaker(cb *resilience.CircuitBreaker) ClientOption {
	return func(c *Client) {
		c.breaker = cb
	}
}

// WithRetryConfig sets how opening a request is retried
func WithRetryConfig(rc *resilience.RetryConfig) ClientOption {
	return func(c *Client) {
		c.retry = rc
	}
}

// WithLogger sets the client logger
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithExtractors replaces the frame extractors
func WithExtractors(extractors []Extractor) ClientOption {
	return func(c *Client) {
		c.extractors = extractors
	}
}

// Client posts chat requests and decodes newline-delimited JSON replies
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	retry      *resilience.RetryConfig
	logger     zerolog.Logger
	extractors []Extractor
}

// NewClient creates a chat client
func NewClient(cfg ClientConfig, opts ...ClientOption) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("chat URL is required")
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid chat URL %q: %w", cfg.URL, err)
	}

	c := &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retry:      resilience.DefaultRetryConfig(),
		logger:     observability.GetLogger().With().Str("component", "chat").Logger(),
		extractors: DefaultExtractors,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL returns the chat endpoint
func (c *Client) URL() string {
	return c.config.URL
}

// Open posts req and returns a stream over the reply body. Setting up the
// request is retried; once the body is handed out nothing is retried.
func (c *Client) Open(ctx context.Context, req *Request) (*Stream, error) {
	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}

	return &Stream{
		ctx:        ctx,
		body:       resp.Body,
		reader:     bufio.NewReader(resp.Body),
		extractors: c.extractors,
		logger:     c.logger,
	}, nil
}

// Fetch posts req and decodes the whole reply as one frame
func (c *Client) Fetch(ctx context.Context, req *Request) (*Frame, error) {
	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "read", StatusCode: resp.StatusCode, Err: err}
	}

	frame, ok := ParseFrame(body)
	if !ok {
		return nil, fmt.Errorf("%w: undecodable body", ErrNoContent)
	}
	if frame.Error != "" {
		return nil, &TransportError{Op: "read", StatusCode: resp.StatusCode, Err: errors.New(frame.Error)}
	}
	return frame, nil
}

// Ping checks the endpoint answers at all, for readiness probes
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, c.config.URL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return &TransportError{Op: "ping", StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	return nil
}

func (c *Client) post(ctx context.Context, req *Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	var resp *http.Response
	attempt := func(ctx context.Context) error {
		r, err := c.do(ctx, body)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	if c.breaker == nil {
		err = resilience.Retry(ctx, attempt, c.retry, isRetryable)
	} else {
		err = c.breaker.CallContext(ctx, func(ctx context.Context) error {
			return resilience.Retry(ctx, attempt, c.retry, isRetryable)
		})
		observability.UpdateCircuitBreakerState(c.breaker.Name(), int(c.breaker.GetState()))
		if err != nil && ctx.Err() == nil {
			observability.IncrementCircuitBreakerFailures(c.breaker.Name())
		}
	}

	if err != nil {
		var retryable *resilience.RetryableError
		if errors.As(err, &retryable) {
			err = retryable.Err
		}
		if IsTransportError(err) {
			return nil, err
		}
		return nil, &TransportError{Op: "open", Err: err}
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson, text/event-stream, application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "open", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		err := &TransportError{
			Op:         "open",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(snippet)),
		}
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return nil, resilience.NewRetryableError(err)
		}
		return nil, err
	}
	return resp, nil
}

// isRetryable retries 5xx and 429 responses and transient network failures
func isRetryable(err error) bool {
	if resilience.IsRetryable(err) {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) && te.StatusCode != 0 {
		return false
	}
	return resilience.IsRetryableNetworkError(err)
}

// Stream reads one reply frame by frame. It is single pass and not safe
// for concurrent use.
type Stream struct {
	ctx        context.Context
	body       io.ReadCloser
	reader     *bufio.Reader
	extractors []Extractor
	logger     zerolog.Logger

	err       error // Terminal result, io.EOF on completion
	closeOnce sync.Once
}

// Recv returns the next non-empty delta. It returns io.EOF after a done
// frame or when the transport closes, and a *TransportError on failure.
func (s *Stream) Recv() (string, error) {
	for {
		if s.err != nil {
			s.Close()
			return "", s.err
		}

		line, readErr := s.reader.ReadBytes('\n')
		if readErr != nil {
			s.err = s.readError(readErr)
		}

		payload := framePayload(line)
		if len(payload) == 0 {
			continue
		}

		frame, ok := decodePayload(payload)
		if !ok {
			observability.RecordParseSkip()
			s.logger.Debug().Int("bytes", len(payload)).Msg("Skipping undecodable frame")
			continue
		}
		if frame.Error != "" {
			s.err = &TransportError{Op: "stream", Err: errors.New(frame.Error)}
			continue
		}
		if frame.Done && s.err == nil {
			s.err = io.EOF
		}

		if text, ok := ExtractText(frame, s.extractors); ok && text != "" {
			return text, nil
		}
	}
}

func (s *Stream) readError(err error) error {
	if err == io.EOF {
		return io.EOF
	}
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return &TransportError{Op: "read", Err: ctxErr}
	}
	return &TransportError{Op: "read", Err: err}
}

// Close releases the response body. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}
