// Package session adapts a mic client WebSocket to a conversation pipeline.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-chat/internal/audio"
	"github.com/lexiqai/voice-chat/internal/chat"
	"github.com/lexiqai/voice-chat/internal/config"
	"github.com/lexiqai/voice-chat/internal/observability"
	"github.com/lexiqai/voice-chat/internal/pipeline"
)

const (
	writeTimeout = 10 * time.Second
	maxBuffered  = 20 // Chunks the framer holds before dropping the oldest
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The mic client is served from anywhere during development
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// PipelineFactory builds the pipeline owned by one mic session
type PipelineFactory func(sessionID string, logger zerolog.Logger, metrics *observability.Metrics) *pipeline.Pipeline

// MicSession holds the state of a single mic connection
type MicSession struct {
	conn     *websocket.Conn
	id       string
	config   *config.Config
	pipeline *pipeline.Pipeline
	framer   *audio.ChunkFramer
	metrics  *observability.Metrics
	logger   zerolog.Logger

	// feedMu keeps segmentation and queueing of turns in the same order.
	// Nothing blocks while it is held.
	feedMu    sync.Mutex
	mode      chat.Mode
	lastAudio time.Time

	turnsMu sync.Mutex
	turns   []<-chan pipeline.UiUpdate // Update channels of started turns, oldest first
	wake    chan struct{}

	control chan ServerMessage
	cancel  context.CancelFunc
}

// HandleMicWS is the entry point for mic WebSocket connections
func HandleMicWS(cfg *config.Config, factory PipelineFactory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client
			logger := observability.GetLogger()
			logger.Warn().Err(err).Msg("Failed to upgrade mic connection")
			return
		}
		defer conn.Close()

		session, err := NewMicSession(conn, cfg, factory)
		if err != nil {
			logger := observability.GetLogger()
			logger.Error().Err(err).Msg("Failed to create mic session")
			return
		}
		session.Run(r.Context())
	}
}

// NewMicSession creates a session for an upgraded connection
func NewMicSession(conn *websocket.Conn, cfg *config.Config, factory PipelineFactory) (*MicSession, error) {
	framer, err := audio.NewChunkFramer(cfg.ChunkBytes(), maxBuffered)
	if err != nil {
		return nil, fmt.Errorf("invalid chunk size: %w", err)
	}

	id := observability.NewCorrelationID()
	logger := observability.WithCorrelationID(id).With().Str("component", "session").Logger()
	metrics := observability.NewSessionMetrics()

	return &MicSession{
		conn:     conn,
		id:       id,
		config:   cfg,
		pipeline: factory(id, logger, metrics),
		framer:   framer,
		metrics:  metrics,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		control:  make(chan ServerMessage, 16),
	}, nil
}

// ID returns the session id
func (s *MicSession) ID() string {
	return s.id
}

// Run serves the connection until the client leaves or ctx ends
func (s *MicSession) Run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	// Unblock the reader when the session is cancelled from elsewhere
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	s.metrics.RecordSessionStart()
	defer s.metrics.RecordSessionEnd()
	defer s.pipeline.Close()

	s.logger.Info().Str("remote", s.conn.RemoteAddr().String()).Msg("Mic session started")
	s.sendControl(ServerMessage{Type: MessageSession, SessionID: s.id, Mode: s.currentMode().String()})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.processOutgoing(ctx)
	}()
	go func() {
		defer wg.Done()
		s.processTicks(ctx)
	}()

	s.processIncoming(ctx)
	s.cancel()
	wg.Wait()

	s.logger.Info().Msg("Mic session ended")
}

// processIncoming reads client frames until the connection closes
func (s *MicSession) processIncoming(ctx context.Context) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.handleAudio(ctx, data)
		case websocket.TextMessage:
			if stop := s.handleMessage(ctx, data); stop {
				return
			}
		}
	}
}

// handleMessage processes one JSON frame. It reports whether the client asked to stop.
func (s *MicSession) handleMessage(ctx context.Context, data []byte) bool {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to parse client message")
		s.sendError("malformed message")
		return false
	}

	switch msg.Type {
	case MessageAudio:
		var payload AudioPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.sendError("malformed audio payload")
			return false
		}
		pcm, err := decodeAudio(payload)
		if err != nil {
			s.metrics.RecordChunk("invalid")
			s.sendError(err.Error())
			return false
		}
		s.handleAudio(ctx, pcm)

	case MessageConfig:
		var payload ConfigPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.sendError("malformed config payload")
			return false
		}
		mode, err := chat.ParseMode(payload.Mode)
		if err != nil {
			s.sendError(err.Error())
			return false
		}
		s.feedMu.Lock()
		s.mode = mode
		s.feedMu.Unlock()
		s.logger.Info().Str("mode", mode.String()).Msg("Reply mode changed")
		s.sendControl(ServerMessage{Type: MessageConfig, Mode: mode.String()})

	case MessageControl:
		var payload ControlPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			s.sendError("malformed control payload")
			return false
		}
		switch payload.Action {
		case "reset":
			s.Reset()
		case "ping":
			s.sendControl(ServerMessage{Type: MessagePong})
		case "stop":
			return true
		default:
			s.sendError(fmt.Sprintf("unknown control action %q", payload.Action))
		}

	default:
		s.sendError(fmt.Sprintf("unknown message type %q", msg.Type))
	}
	return false
}

// decodeAudio turns a base64 payload into PCM16LE
func decodeAudio(payload AudioPayload) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 audio: %w", err)
	}

	switch payload.Encoding {
	case "", "s16le", "pcm16":
		return raw, nil
	case "f32le", "float32":
		samples, err := audio.DecodeFloat32LE(raw)
		if err != nil {
			return nil, err
		}
		return audio.Float32ToPCM16(samples), nil
	}
	return nil, fmt.Errorf("unsupported audio encoding %q", payload.Encoding)
}

// handleAudio frames incoming bytes into fixed chunks and feeds each one
func (s *MicSession) handleAudio(ctx context.Context, data []byte) {
	if len(data) == 0 {
		return
	}

	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	s.lastAudio = time.Now()
	before := s.framer.Dropped()
	s.framer.Write(data)
	if dropped := s.framer.Dropped() - before; dropped > 0 {
		s.logger.Warn().Int("dropped_bytes", dropped).Msg("Audio backlog, dropping oldest audio")
	}
	for {
		chunk, ok := s.framer.Next()
		if !ok {
			return
		}
		s.feedLocked(ctx, chunk)
	}
}

// processTicks issues liveness ticks so endpointing fires after the mic goes quiet
func (s *MicSession) processTicks(ctx context.Context) {
	interval := s.config.ChunkDuration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.feedMu.Lock()
			if time.Since(s.lastAudio) >= interval {
				// Trailing partial chunk goes in before the timeout check
				if rest := s.framer.Flush(); len(rest) > 0 {
					s.feedLocked(ctx, rest)
				}
				s.feedLocked(ctx, nil)
			}
			s.feedMu.Unlock()

		case <-ctx.Done():
			return
		}
	}
}

// feedLocked must be called with feedMu held. Only chunks that complete
// an utterance queue anything for the writer.
func (s *MicSession) feedLocked(ctx context.Context, chunk []byte) {
	updates, ok := s.pipeline.Feed(ctx, chunk, s.mode)
	if !ok {
		return
	}

	s.turnsMu.Lock()
	s.turns = append(s.turns, updates)
	pending := len(s.turns)
	s.turnsMu.Unlock()

	s.logger.Debug().Int("pending_turns", pending).Msg("Turn queued")
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *MicSession) nextTurn() <-chan pipeline.UiUpdate {
	s.turnsMu.Lock()
	defer s.turnsMu.Unlock()

	if len(s.turns) == 0 {
		return nil
	}
	next := s.turns[0]
	s.turns[0] = nil
	s.turns = s.turns[1:]
	return next
}

// processOutgoing is the only writer to the connection. It drains update
// channels one at a time so turns never interleave on the wire.
func (s *MicSession) processOutgoing(ctx context.Context) {
	var current <-chan pipeline.UiUpdate

	for {
		if current == nil {
			if current = s.nextTurn(); current != nil {
				continue
			}
			select {
			case <-s.wake:
			case msg := <-s.control:
				s.write(msg)
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case u, ok := <-current:
			if !ok {
				current = nil
				continue
			}
			if s.pipeline.Fresh(u) {
				s.write(updateMessage(u))
			}
		case msg := <-s.control:
			s.write(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (s *MicSession) write(msg ServerMessage) {
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to write to mic client")
		s.metrics.RecordError("write_failed", "session")
		s.cancel()
	}
}

func (s *MicSession) sendControl(msg ServerMessage) {
	select {
	case s.control <- msg:
	default:
		s.logger.Warn().Str("type", msg.Type).Msg("Control queue full, dropping message")
	}
}

func (s *MicSession) sendError(text string) {
	s.sendControl(ServerMessage{Type: MessageError, Error: text})
}

func (s *MicSession) currentMode() chat.Mode {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	return s.mode
}

// Reset clears buffered audio, speech and history. Calling it repeatedly is harmless.
func (s *MicSession) Reset() {
	s.feedMu.Lock()
	s.framer.Reset()
	s.pipeline.Reset()
	s.feedMu.Unlock()

	s.sendControl(ServerMessage{Type: MessageReset, Epoch: s.pipeline.Epoch()})
}
