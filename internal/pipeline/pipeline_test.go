package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/voice-chat/internal/audio"
	"github.com/lexiqai/voice-chat/internal/chat"
	"github.com/lexiqai/voice-chat/internal/segmenter"
	"github.com/lexiqai/voice-chat/internal/transcript"
	"github.com/lexiqai/voice-chat/internal/transcription"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// scriptedStream returns deltas, then err (or io.EOF). If gate is set, Recv
// blocks before delta gateAt until gate is closed or the context ends.
type scriptedStream struct {
	ctx    context.Context
	deltas []string
	err    error
	gate   <-chan struct{}
	gateAt int

	i      int
	closed bool
}

func (s *scriptedStream) Recv() (string, error) {
	if s.gate != nil && s.i == s.gateAt {
		select {
		case <-s.gate:
		case <-s.ctx.Done():
			return "", &chat.TransportError{Op: "read", Err: s.ctx.Err()}
		}
	}
	if s.i < len(s.deltas) {
		d := s.deltas[s.i]
		s.i++
		return d, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

// fakeBackend records every request and answers with open
type fakeBackend struct {
	name string
	open     func(ctx context.Context, history []chat.Message) (chat.ReplyStream, error)
	complete func(ctx context.Context, history []chat.Message) (string, error)

	mu    sync.Mutex
	calls [][]chat.Message
}

func replying(name string, deltas ...string) *fakeBackend {
	return &fakeBackend{
		name: name,
		open: func(ctx context.Context, history []chat.Message) (chat.ReplyStream, error) {
			return &scriptedStream{ctx: ctx, deltas: deltas}, nil
		},
	}
}

func (b *fakeBackend) Stream(ctx context.Context, history []chat.Message) (chat.ReplyStream, error) {
	b.mu.Lock()
	b.calls = append(b.calls, history)
	b.mu.Unlock()
	return b.open(ctx, history)
}

func (b *fakeBackend) Complete(ctx context.Context, history []chat.Message) (string, error) {
	b.mu.Lock()
	b.calls = append(b.calls, history)
	b.mu.Unlock()
	if b.complete == nil {
		return "", errors.New("not used")
	}
	return b.complete(ctx, history)
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Calls() [][]chat.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]chat.Message(nil), b.calls...)
}

func fixedText(text string) transcription.Transcriber {
	return transcription.Func(func(ctx context.Context, pcm []byte, rate int) (string, error) {
		return text, nil
	})
}

// sequentialText returns texts in order, one per call
func sequentialText(texts ...string) transcription.Transcriber {
	var mu sync.Mutex
	i := 0
	return transcription.Func(func(ctx context.Context, pcm []byte, rate int) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		text := texts[i%len(texts)]
		i++
		return text, nil
	})
}

type harness struct {
	t        *testing.T
	pipeline *Pipeline
	clock    *fakeClock
}

func newHarness(t *testing.T, transcriber transcription.Transcriber, backends chat.Backends, opts ...Option) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	seg := segmenter.New(audio.NewEnergyDetector(nil), segmenter.Config{
		SampleRate:     16000,
		PauseThreshold: time.Second,
	}, segmenter.WithClock(clock.Now))

	p := New(seg, transcriber, backends, opts...)
	t.Cleanup(p.Close)
	return &harness{t: t, pipeline: p, clock: clock}
}

func speechChunk() []byte {
	return speechChunkOf(8000)
}

func speechChunkOf(level int16) []byte {
	samples := make([]int16, 8000)
	for i := range samples {
		samples[i] = level
	}
	return audio.SamplesToBytes(samples)
}

// textByLevel transcribes an utterance by the level of its first sample
func textByLevel(texts map[int16]string) transcription.Transcriber {
	return transcription.Func(func(ctx context.Context, pcm []byte, rate int) (string, error) {
		samples, err := audio.BytesToSamples(pcm)
		if err != nil || len(samples) == 0 {
			return "", err
		}
		return texts[samples[0]], nil
	})
}

// utter feeds one speech chunk, then a tick after the pause threshold
func (h *harness) utter(mode chat.Mode) <-chan UiUpdate {
	h.t.Helper()
	return h.utterChunk(speechChunk(), mode)
}

func (h *harness) utterChunk(chunk []byte, mode chat.Mode) <-chan UiUpdate {
	h.t.Helper()
	if updates := collect(h.t, h.pipeline.OnChunk(context.Background(), chunk, mode)); len(updates) != 0 {
		h.t.Fatalf("Expected no updates while speaking, got %d", len(updates))
	}
	h.clock.Advance(time.Second)
	return h.pipeline.Tick(context.Background(), mode)
}

// collect reads ch until it is closed
func collect(t *testing.T, ch <-chan UiUpdate) []UiUpdate {
	t.Helper()
	var updates []UiUpdate
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return updates
			}
			updates = append(updates, u)
		case <-timeout:
			t.Fatal("timed out waiting for updates")
			return nil
		}
	}
}

func TestPipeline_NoUtteranceNoUpdates(t *testing.T) {
	backend := replying("small", "x")
	h := newHarness(t, fixedText("hello"), chat.Backends{chat.ModeBaseline: backend})

	updates := collect(t, h.pipeline.OnChunk(context.Background(), speechChunk(), chat.ModeBaseline))
	if len(updates) != 0 {
		t.Errorf("Expected no updates, got %d", len(updates))
	}
	if !h.pipeline.SegmenterState().Active {
		t.Error("Expected segmenter to be accumulating speech")
	}
	if len(backend.Calls()) != 0 {
		t.Error("Expected no backend call")
	}
}

func TestPipeline_FeedReportsTurns(t *testing.T) {
	h := newHarness(t, fixedText("hello"), chat.Backends{chat.ModeBaseline: replying("small", "hi")})

	if updates, ok := h.pipeline.Feed(context.Background(), speechChunk(), chat.ModeBaseline); ok || updates != nil {
		t.Fatalf("Expected no turn while speaking, got %v", ok)
	}
	if _, ok := h.pipeline.Feed(context.Background(), nil, chat.ModeBaseline); ok {
		t.Fatal("Expected no turn for a tick inside the pause")
	}

	h.clock.Advance(time.Second)
	updates, ok := h.pipeline.Feed(context.Background(), nil, chat.ModeBaseline)
	if !ok {
		t.Fatal("Expected tick after the pause to start a turn")
	}
	if got := collect(t, updates); len(got) != 2 || got[1].Reply != "hi" {
		t.Errorf("Unexpected updates: %+v", got)
	}

	// OnChunk hands out an already closed channel when nothing started
	if got := collect(t, h.pipeline.Tick(context.Background(), chat.ModeBaseline)); len(got) != 0 {
		t.Errorf("Expected no updates, got %+v", got)
	}
}

func TestPipeline_StreamsCumulativeUpdates(t *testing.T) {
	backend := replying("small", "Hel", "", "lo")
	h := newHarness(t, fixedText("how are you"), chat.Backends{chat.ModeBaseline: backend})

	updates := collect(t, h.utter(chat.ModeBaseline))
	if len(updates) != 3 {
		t.Fatalf("Expected 3 updates, got %d: %+v", len(updates), updates)
	}

	want := []struct {
		reply string
		final bool
	}{
		{"Hel", false},
		{"Hello", false},
		{"Hello", true},
	}
	for i, w := range want {
		u := updates[i]
		if u.Reply != w.reply || u.IsFinal != w.final || u.Prompt != "how are you" {
			t.Errorf("Update %d: expected (%q, final=%v), got %+v", i, w.reply, w.final, u)
		}
		if u.TurnID == "" || u.TurnID != updates[0].TurnID {
			t.Errorf("Update %d: expected a stable turn id", i)
		}
	}

	history := h.pipeline.History()
	if len(history) != 2 || history[0].Content != "how are you" || history[1].Content != "Hello" {
		t.Errorf("Unexpected history: %+v", history)
	}
}

func TestPipeline_EmptyTranscription(t *testing.T) {
	backend := replying("small", "x")
	h := newHarness(t, fixedText(""), chat.Backends{chat.ModeBaseline: backend})

	updates := collect(t, h.utter(chat.ModeBaseline))
	if len(updates) != 0 {
		t.Errorf("Expected no updates, got %d", len(updates))
	}
	if state := h.pipeline.SegmenterState(); state.Active || state.Buffered != 0 {
		t.Errorf("Expected segmenter to be cleared, got %+v", state)
	}
	if len(backend.Calls()) != 0 {
		t.Error("Expected no chat turn for empty transcription")
	}
}

func TestPipeline_TranscriptionError(t *testing.T) {
	failing := transcription.Func(func(ctx context.Context, pcm []byte, rate int) (string, error) {
		return "", errors.New("deepgram unavailable")
	})
	backend := replying("small", "x")
	h := newHarness(t, failing, chat.Backends{chat.ModeBaseline: backend})

	if updates := collect(t, h.utter(chat.ModeBaseline)); len(updates) != 0 {
		t.Errorf("Expected no updates, got %d", len(updates))
	}
}

func TestPipeline_TransportErrorMidStream(t *testing.T) {
	transportErr := &chat.TransportError{Op: "read", Err: io.ErrUnexpectedEOF}
	backend := &fakeBackend{
		name: "small",
		open: func(ctx context.Context, history []chat.Message) (chat.ReplyStream, error) {
			return &scriptedStream{ctx: ctx, deltas: []string{"a", "b"}, err: transportErr}, nil
		},
	}
	h := newHarness(t, fixedText("question"), chat.Backends{chat.ModeBaseline: backend})

	updates := collect(t, h.utter(chat.ModeBaseline))
	if len(updates) != 3 {
		t.Fatalf("Expected 2 delta updates and 1 final, got %d", len(updates))
	}
	final := updates[2]
	if !final.IsFinal || final.Reply != "ab" {
		t.Errorf("Expected final update with partial reply, got %+v", final)
	}
	if !chat.IsTransportError(final.Err) {
		t.Errorf("Expected TransportError on final update, got %v", final.Err)
	}
	if updates[0].IsFinal || updates[1].IsFinal {
		t.Error("Expected only the last update to be final")
	}
	if len(h.pipeline.History()) != 0 {
		t.Error("Expected failed turn to stay out of history")
	}
}

func TestPipeline_TransportErrorOnOpen(t *testing.T) {
	backend := &fakeBackend{
		name: "small",
		open: func(ctx context.Context, history []chat.Message) (chat.ReplyStream, error) {
			return nil, &chat.TransportError{Op: "open", StatusCode: 502}
		},
	}
	h := newHarness(t, fixedText("question"), chat.Backends{chat.ModeBaseline: backend})

	updates := collect(t, h.utter(chat.ModeBaseline))
	if len(updates) != 1 {
		t.Fatalf("Expected a single final update, got %d", len(updates))
	}
	if !updates[0].IsFinal || updates[0].Reply != "" || updates[0].Err == nil {
		t.Errorf("Unexpected final update: %+v", updates[0])
	}
}

func TestPipeline_BlockingReplies(t *testing.T) {
	backend := &fakeBackend{
		name: "small",
		open: func(ctx context.Context, history []chat.Message) (chat.ReplyStream, error) {
			return nil, errors.New("streaming disabled")
		},
		complete: func(ctx context.Context, history []chat.Message) (string, error) {
			return "whole answer", nil
		},
	}
	h := newHarness(t, fixedText("question"), chat.Backends{chat.ModeBaseline: backend}, WithBlockingReplies())

	updates := collect(t, h.utter(chat.ModeBaseline))
	if len(updates) != 1 {
		t.Fatalf("Expected a single final update, got %d", len(updates))
	}
	if !updates[0].IsFinal || updates[0].Reply != "whole answer" || updates[0].Err != nil {
		t.Errorf("Unexpected final update: %+v", updates[0])
	}
	if history := h.pipeline.History(); len(history) != 2 || history[1].Content != "whole answer" {
		t.Errorf("Expected the reply in history, got %+v", history)
	}

	backend.complete = func(ctx context.Context, history []chat.Message) (string, error) {
		return "", &chat.TransportError{Op: "read", StatusCode: 500}
	}
	updates = collect(t, h.utter(chat.ModeBaseline))
	if len(updates) != 1 || updates[0].Err == nil || updates[0].Reply != "" {
		t.Errorf("Expected a failed final update, got %+v", updates)
	}
}

func TestPipeline_TurnsDoNotInterleave(t *testing.T) {
	gate := make(chan struct{})
	var opened int
	var openMu sync.Mutex
	backend := &fakeBackend{
		name: "small",
		open: func(ctx context.Context, history []chat.Message) (chat.ReplyStream, error) {
			openMu.Lock()
			defer openMu.Unlock()
			opened++
			if opened == 1 {
				return &scriptedStream{ctx: ctx, deltas: []string{"1a", "1b"}, gate: gate, gateAt: 1}, nil
			}
			return &scriptedStream{ctx: ctx, deltas: []string{"2a", "2b"}}, nil
		},
	}
	h := newHarness(t, textByLevel(map[int16]string{8000: "first", 9000: "second"}), chat.Backends{chat.ModeBaseline: backend})

	var mu sync.Mutex
	var log []UiUpdate
	record := func(ch <-chan UiUpdate, wg *sync.WaitGroup) {
		defer wg.Done()
		for u := range ch {
			mu.Lock()
			log = append(log, u)
			mu.Unlock()
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go record(h.utterChunk(speechChunkOf(8000), chat.ModeBaseline), &wg)
	go record(h.utterChunk(speechChunkOf(9000), chat.ModeBaseline), &wg)

	// The second turn must not start while the first is held open
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	held := append([]UiUpdate(nil), log...)
	mu.Unlock()
	for _, u := range held {
		if u.Prompt != "first" {
			t.Fatalf("Second turn published while first was streaming: %+v", u)
		}
	}

	close(gate)
	wg.Wait()

	if len(log) != 6 {
		t.Fatalf("Expected 6 updates, got %d", len(log))
	}
	for i, u := range log {
		wantPrompt := "first"
		if i >= 3 {
			wantPrompt = "second"
		}
		if u.Prompt != wantPrompt {
			t.Errorf("Update %d: expected prompt %q, got %q", i, wantPrompt, u.Prompt)
		}
	}
	if !log[2].IsFinal {
		t.Error("Expected first turn to be final before second turn starts")
	}

	calls := backend.Calls()
	if len(calls) != 2 || len(calls[1]) != 3 {
		t.Errorf("Expected second request to carry the first turn as history, got %+v", calls)
	}
}

func TestPipeline_ResetCancelsInFlight(t *testing.T) {
	streamCtx := make(chan context.Context, 1)
	backend := &fakeBackend{
		name: "small",
		open: func(ctx context.Context, history []chat.Message) (chat.ReplyStream, error) {
			streamCtx <- ctx
			return &scriptedStream{ctx: ctx, deltas: []string{"partial", "never"}, gate: make(chan struct{}), gateAt: 1}, nil
		},
	}
	store := transcript.NewMemoryStore()
	h := newHarness(t, fixedText("question"), chat.Backends{chat.ModeBaseline: backend},
		WithTranscriptStore(store, "session-1"))

	ch := h.utter(chat.ModeBaseline)
	first := <-ch
	if first.Reply != "partial" {
		t.Fatalf("Expected first delta, got %+v", first)
	}

	h.pipeline.Reset()

	rest := collect(t, ch)
	if len(rest) != 0 {
		t.Errorf("Expected no updates after reset, got %+v", rest)
	}

	select {
	case <-(<-streamCtx).Done():
	case <-time.After(time.Second):
		t.Fatal("Expected in-flight stream to be cancelled")
	}

	if h.pipeline.Fresh(first) {
		t.Error("Expected pre-reset update to be stale")
	}
	if h.pipeline.Epoch() != 1 {
		t.Errorf("Expected epoch 1, got %d", h.pipeline.Epoch())
	}
	if entries, _ := store.List(context.Background(), "session-1"); len(entries) != 0 {
		t.Errorf("Expected no transcript entries, got %d", len(entries))
	}

	// The pipeline keeps working after a reset
	backend.open = func(ctx context.Context, history []chat.Message) (chat.ReplyStream, error) {
		return &scriptedStream{ctx: ctx, deltas: []string{"fresh"}}, nil
	}
	updates := collect(t, h.utter(chat.ModeBaseline))
	if len(updates) != 2 || updates[1].Reply != "fresh" || !h.pipeline.Fresh(updates[1]) {
		t.Errorf("Unexpected updates after reset: %+v", updates)
	}
}

func TestPipeline_ResetIdempotent(t *testing.T) {
	h := newHarness(t, fixedText("hi"), chat.Backends{chat.ModeBaseline: replying("small", "hello")})

	collect(t, h.utter(chat.ModeBaseline))
	h.pipeline.OnChunk(context.Background(), speechChunk(), chat.ModeBaseline)

	h.pipeline.Reset()
	state1, history1 := h.pipeline.SegmenterState(), h.pipeline.History()
	h.pipeline.Reset()
	state2, history2 := h.pipeline.SegmenterState(), h.pipeline.History()

	if state1 != state2 || state1.Active || state1.Buffered != 0 {
		t.Errorf("Expected identical cleared segmenter state, got %+v and %+v", state1, state2)
	}
	if len(history1) != 0 || len(history2) != 0 {
		t.Error("Expected empty history after reset")
	}
}

func TestPipeline_HistoryLimitAndSystemPrompt(t *testing.T) {
	backend := replying("small", "ok")
	h := newHarness(t, sequentialText("one", "two", "three"), chat.Backends{chat.ModeBaseline: backend},
		WithSystemPrompt("be brief"), WithHistoryLimit(1))

	for i := 0; i < 3; i++ {
		collect(t, h.utter(chat.ModeBaseline))
	}

	calls := backend.Calls()
	if len(calls) != 3 {
		t.Fatalf("Expected 3 requests, got %d", len(calls))
	}

	last := calls[2]
	want := []chat.Message{
		{Role: chat.RoleSystem, Content: "be brief"},
		{Role: chat.RoleUser, Content: "two"},
		{Role: chat.RoleAssistant, Content: "ok"},
		{Role: chat.RoleUser, Content: "three"},
	}
	if len(last) != len(want) {
		t.Fatalf("Expected %d messages, got %+v", len(want), last)
	}
	for i := range want {
		if last[i] != want[i] {
			t.Errorf("Message %d: expected %+v, got %+v", i, want[i], last[i])
		}
	}
}

func TestPipeline_ModeSelectsBackend(t *testing.T) {
	small := replying("small", "s")
	large := replying("large", "l")
	h := newHarness(t, fixedText("hi"), chat.Backends{chat.ModeBaseline: small, chat.ModeAdvanced: large})

	updates := collect(t, h.utter(chat.ModeAdvanced))
	if len(updates) == 0 || updates[len(updates)-1].Reply != "l" {
		t.Errorf("Expected advanced backend reply, got %+v", updates)
	}
	if len(small.Calls()) != 0 || len(large.Calls()) != 1 {
		t.Error("Expected only the advanced backend to be called")
	}
}

func TestPipeline_InvalidChunkDropped(t *testing.T) {
	h := newHarness(t, fixedText("hi"), chat.Backends{chat.ModeBaseline: replying("small", "x")})

	updates := collect(t, h.pipeline.OnChunk(context.Background(), []byte{1, 2, 3}, chat.ModeBaseline))
	if len(updates) != 0 {
		t.Errorf("Expected no updates, got %d", len(updates))
	}
	if h.pipeline.SegmenterState().Active {
		t.Error("Expected malformed chunk to leave segmenter untouched")
	}
}

func TestPipeline_SavesTranscript(t *testing.T) {
	store := transcript.NewMemoryStore()
	h := newHarness(t, fixedText("hi"), chat.Backends{chat.ModeBaseline: replying("small", "hello")},
		WithTranscriptStore(store, "s"))

	collect(t, h.utter(chat.ModeBaseline))

	entries, _ := store.List(context.Background(), "s")
	if len(entries) != 1 || entries[0].Prompt != "hi" || entries[0].Reply != "hello" || entries[0].Backend != "small" {
		t.Errorf("Unexpected transcript: %+v", entries)
	}

	h.pipeline.Reset()
	if entries, _ := store.List(context.Background(), "s"); len(entries) != 0 {
		t.Error("Expected reset to clear the transcript")
	}
}

func TestDrain(t *testing.T) {
	ch := make(chan UiUpdate, 2)
	ch <- UiUpdate{Reply: "a"}
	ch <- UiUpdate{Reply: "ab", IsFinal: true}
	close(ch)

	var got []string
	Drain(ch, SinkFunc(func(u UiUpdate) {
		got = append(got, u.Reply)
	}))
	if len(got) != 2 || got[1] != "ab" {
		t.Errorf("Unexpected drained updates: %v", got)
	}
}
