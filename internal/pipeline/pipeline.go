// Package pipeline wires segmentation, transcription and reply streaming
// together for one conversation.
package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-chat/internal/chat"
	"github.com/lexiqai/voice-chat/internal/observability"
	"github.com/lexiqai/voice-chat/internal/segmenter"
	"github.com/lexiqai/voice-chat/internal/transcript"
	"github.com/lexiqai/voice-chat/internal/transcription"
)

// Option configures a Pipeline
type Option func(*Pipeline)

// WithLogger sets the pipeline logger
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithSystemPrompt prepends a system message to every request
func WithSystemPrompt(prompt string) Option {
	return func(p *Pipeline) {
		p.systemPrompt = prompt
	}
}

// WithHistoryLimit caps how many completed turns are sent as context. Zero sends none.
func WithHistoryLimit(turns int) Option {
	return func(p *Pipeline) {
		p.historyLimit = turns
	}
}

// WithMetrics records session metrics on m
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithTranscriptStore saves completed turns under sessionID
func WithTranscriptStore(store transcript.Store, sessionID string) Option {
	return func(p *Pipeline) {
		p.store = store
		p.sessionID = sessionID
	}
}

// WithBlockingReplies asks backends for the whole reply in one request
// instead of streaming it. Each turn then publishes a single final update.
func WithBlockingReplies() Option {
	return func(p *Pipeline) {
		p.blocking = true
	}
}

// Pipeline turns mic chunks into streamed chat replies. At most one reply
// streams at a time; later turns queue behind it in utterance order.
type Pipeline struct {
	segmenter    *segmenter.Segmenter
	transcriber  transcription.Transcriber
	backends     chat.Backends
	logger       zerolog.Logger
	metrics      *observability.Metrics
	store        transcript.Store
	sessionID    string
	systemPrompt string
	historyLimit int
	blocking     bool

	segMu sync.Mutex

	mu       sync.Mutex
	epoch    uint64
	epochCtx context.Context
	cancel   context.CancelFunc
	tail     chan struct{} // Closed when the most recently queued turn is finished
	history  []chat.Message
}

// New creates a pipeline around a segmenter owned by this conversation
func New(seg *segmenter.Segmenter, transcriber transcription.Transcriber, backends chat.Backends, opts ...Option) *Pipeline {
	p := &Pipeline{
		segmenter:    seg,
		transcriber:  transcriber,
		backends:     backends,
		logger:       observability.GetLogger().With().Str("component", "pipeline").Logger(),
		metrics:      observability.NewSessionMetrics(),
		store:        transcript.NopStore{},
		historyLimit: 20,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.epochCtx, p.cancel = context.WithCancel(context.Background())
	return p
}

// OnChunk feeds one mic chunk, or a liveness tick when chunk is empty.
// Segmentation happens before OnChunk returns. The returned channel carries
// the updates of the turn this chunk completed, if any, and is always closed.
// Failures are logged and end the turn; they are never returned.
func (p *Pipeline) OnChunk(ctx context.Context, chunk []byte, mode chat.Mode) <-chan UiUpdate {
	if updates, ok := p.Feed(ctx, chunk, mode); ok {
		return updates
	}
	return closedUpdates
}

// Feed is OnChunk for callers that queue update channels: it reports
// whether the chunk started a turn and returns nil otherwise.
func (p *Pipeline) Feed(ctx context.Context, chunk []byte, mode chat.Mode) (<-chan UiUpdate, bool) {
	p.segMu.Lock()
	utt, err := p.segmenter.Process(chunk)
	p.segMu.Unlock()

	switch {
	case err != nil:
		p.metrics.RecordChunk("invalid")
		p.logger.Debug().Err(err).Int("bytes", len(chunk)).Msg("Dropping audio chunk")
	case len(chunk) == 0:
		p.metrics.RecordChunk("tick")
	default:
		p.metrics.RecordChunk("audio")
	}

	if utt == nil {
		return nil, false
	}
	p.metrics.RecordUtterance(utt.Duration())

	out := make(chan UiUpdate)

	p.mu.Lock()
	epoch := p.epoch
	epochCtx := p.epochCtx
	prev := p.tail
	done := make(chan struct{})
	p.tail = done
	p.mu.Unlock()

	go p.runTurn(ctx, epochCtx, epoch, utt, mode, prev, done, out)
	return out, true
}

// Tick checks the pause timeout without new audio
func (p *Pipeline) Tick(ctx context.Context, mode chat.Mode) <-chan UiUpdate {
	return p.OnChunk(ctx, nil, mode)
}

func (p *Pipeline) runTurn(
	ctx context.Context,
	epochCtx context.Context,
	epoch uint64,
	utt *segmenter.Utterance,
	mode chat.Mode,
	prev <-chan struct{},
	done chan<- struct{},
	out chan<- UiUpdate,
) {
	defer close(done)
	defer close(out)

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(epochCtx, cancel)
	defer stop()

	// Transcription may overlap the previous reply; streaming may not
	text, err := p.transcriber.Transcribe(turnCtx, utt.PCM, utt.SampleRate)

	if prev != nil {
		select {
		case <-prev:
		case <-turnCtx.Done():
			return
		}
	}

	if err != nil {
		p.metrics.RecordError("transcription_failed", "transcription")
		p.logger.Warn().Err(err).Dur("audio", utt.Duration()).Msg("Transcription failed")
		return
	}
	if text == "" {
		p.logger.Debug().Dur("audio", utt.Duration()).Msg("Empty transcription, no turn created")
		return
	}

	backend, err := p.backends.Select(mode)
	if err != nil {
		p.metrics.RecordError("no_backend", "pipeline")
		p.logger.Error().Err(err).Msg("Cannot answer turn")
		return
	}

	messages, ok := p.requestMessages(epoch, text)
	if !ok {
		return
	}

	turn := &ChatTurn{
		ID:      uuid.New().String(),
		Prompt:  text,
		Backend: backend.Name(),
	}
	logger := p.logger.With().Str("turn_id", turn.ID).Str("backend", turn.Backend).Logger()
	logger.Info().Str("prompt", text).Msg("Starting reply")

	send := func(u UiUpdate) bool {
		if !p.current(epoch) {
			return false
		}
		select {
		case out <- u:
			return true
		case <-turnCtx.Done():
			return false
		}
	}

	p.metrics.RecordReplyStart()
	start := time.Now()
	status := p.streamReply(turnCtx, backend, messages, turn, epoch, send, logger)
	p.metrics.RecordReplyEnd(turn.Backend, status)

	if status == "cancelled" || status == "stale" {
		logger.Debug().Str("status", status).Msg("Reply abandoned")
		return
	}

	turn.Complete = true
	if !send(turn.update(epoch)) {
		return
	}

	logger.Info().
		Str("status", status).
		Int("reply_chars", len(turn.Reply)).
		Dur("duration", time.Since(start)).
		Msg("Reply complete")
	p.finishTurn(turnCtx, epoch, turn)
}

// streamReply reads deltas into turn and publishes them. It returns the
// outcome for metrics.
func (p *Pipeline) streamReply(
	ctx context.Context,
	backend chat.Backend,
	messages []chat.Message,
	turn *ChatTurn,
	epoch uint64,
	send func(UiUpdate) bool,
	logger zerolog.Logger,
) string {
	if p.blocking {
		reply, err := backend.Complete(ctx, messages)
		if err != nil {
			return p.streamFailed(ctx, epoch, turn, err, logger)
		}
		if !p.current(epoch) {
			return "stale"
		}
		turn.Reply = reply
		return "complete"
	}

	stream, err := backend.Stream(ctx, messages)
	if err != nil {
		return p.streamFailed(ctx, epoch, turn, err, logger)
	}
	defer stream.Close()

	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return "complete"
		}
		if err != nil {
			return p.streamFailed(ctx, epoch, turn, err, logger)
		}
		if delta == "" {
			continue
		}

		turn.Reply += delta
		if !send(turn.update(epoch)) {
			if !p.current(epoch) {
				return "stale"
			}
			return "cancelled"
		}
		p.metrics.RecordDelta()
	}
}

func (p *Pipeline) streamFailed(ctx context.Context, epoch uint64, turn *ChatTurn, err error, logger zerolog.Logger) string {
	if !p.current(epoch) {
		return "stale"
	}
	if ctx.Err() != nil {
		return "cancelled"
	}

	turn.Err = err
	p.metrics.RecordError("transport", "chat")
	logger.Warn().Err(err).Int("reply_chars", len(turn.Reply)).Msg("Reply stream failed")
	return "transport_error"
}

// requestMessages builds the request history for a new prompt. It reports
// false if the pipeline was reset since the turn was queued.
func (p *Pipeline) requestMessages(epoch uint64, prompt string) ([]chat.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.epoch != epoch {
		return nil, false
	}

	messages := make([]chat.Message, 0, len(p.history)+2)
	if p.systemPrompt != "" {
		messages = append(messages, chat.Message{Role: chat.RoleSystem, Content: p.systemPrompt})
	}
	messages = append(messages, p.history...)
	messages = append(messages, chat.Message{Role: chat.RoleUser, Content: prompt})
	return messages, true
}

// finishTurn records a completed turn in history and the transcript store
func (p *Pipeline) finishTurn(ctx context.Context, epoch uint64, turn *ChatTurn) {
	p.mu.Lock()
	if p.epoch != epoch {
		p.mu.Unlock()
		return
	}
	if turn.Err == nil && p.historyLimit > 0 {
		p.history = append(p.history,
			chat.Message{Role: chat.RoleUser, Content: turn.Prompt},
			chat.Message{Role: chat.RoleAssistant, Content: turn.Reply},
		)
		if limit := p.historyLimit * 2; len(p.history) > limit {
			p.history = append([]chat.Message(nil), p.history[len(p.history)-limit:]...)
		}
	}
	p.mu.Unlock()

	entry := transcript.Entry{
		TurnID:    turn.ID,
		Prompt:    turn.Prompt,
		Reply:     turn.Reply,
		Backend:   turn.Backend,
		CreatedAt: time.Now().UTC(),
	}
	if turn.Err != nil {
		entry.Error = turn.Err.Error()
	}
	if err := p.store.Append(ctx, p.sessionID, entry); err != nil {
		p.logger.Warn().Err(err).Str("turn_id", turn.ID).Msg("Failed to save transcript entry")
	}
}

func (p *Pipeline) current(epoch uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch == epoch
}

// Fresh reports whether u belongs to the current epoch. Sinks that may
// race with Reset use it to drop stale updates.
func (p *Pipeline) Fresh(u UiUpdate) bool {
	return p.current(u.Epoch)
}

// Reset drops buffered speech and chat history and abandons in-flight
// replies. Updates produced before the reset become stale. Calling it
// repeatedly leaves the same cleared state.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.epoch++
	p.cancel()
	p.epochCtx, p.cancel = context.WithCancel(context.Background())
	p.history = nil
	epoch := p.epoch
	p.mu.Unlock()

	p.segMu.Lock()
	p.segmenter.Reset()
	p.segMu.Unlock()

	p.metrics.RecordReset()
	p.logger.Info().Uint64("epoch", epoch).Msg("Pipeline reset")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.Clear(ctx, p.sessionID); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to clear transcript")
	}
}

// Close abandons in-flight replies. The pipeline must not be used afterwards.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.epoch++
	p.cancel()
	p.mu.Unlock()
}

// Epoch returns the reset counter
func (p *Pipeline) Epoch() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

// History returns a copy of the chat history sent as context
func (p *Pipeline) History() []chat.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]chat.Message(nil), p.history...)
}

// SegmenterState returns a snapshot of the segmenter
func (p *Pipeline) SegmenterState() segmenter.State {
	p.segMu.Lock()
	defer p.segMu.Unlock()
	return p.segmenter.State()
}
