package segmenter

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/lexiqai/voice-chat/internal/audio"
)

// fakeClock is advanced by hand
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

// chunk returns 0.5s of constant PCM16 audio at 16kHz
func chunk(value int16) []byte {
	samples := make([]int16, 8000)
	for i := range samples {
		samples[i] = value
	}
	return audio.SamplesToBytes(samples)
}

func speechChunk() []byte  { return chunk(8000) }
func silenceChunk() []byte { return chunk(0) }

func newTestSegmenter(clock *fakeClock) *Segmenter {
	return New(audio.NewEnergyDetector(nil), Config{
		SampleRate:     16000,
		PauseThreshold: time.Second,
	}, WithClock(clock.Now))
}

func TestSegmenter_SilenceNeverEmits(t *testing.T) {
	clock := newClock()
	seg := newTestSegmenter(clock)

	for i := 0; i < 20; i++ {
		utt, err := seg.Process(silenceChunk())
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if utt != nil {
			t.Fatalf("Expected no utterance for silence, got one at chunk %d", i)
		}
		if seg.State().Active {
			t.Fatal("Expected segmenter to stay inactive")
		}
		clock.Advance(500 * time.Millisecond)
	}
}

func TestSegmenter_PauseScenario(t *testing.T) {
	clock := newClock()
	seg := newTestSegmenter(clock)

	first, second := speechChunk(), speechChunk()
	second[0] = 0x41 // distinguishable from first

	steps := []struct {
		chunk    []byte
		wantEmit bool
	}{
		{first, false},
		{second, false},
		{silenceChunk(), false}, // 0.5s since last speech
		{silenceChunk(), true},  // 1.0s since last speech
		{silenceChunk(), false},
	}

	var emitted []*Utterance
	for i, step := range steps {
		utt, err := seg.Process(step.chunk)
		if err != nil {
			t.Fatalf("step %d: Process failed: %v", i, err)
		}
		if (utt != nil) != step.wantEmit {
			t.Fatalf("step %d: expected emit=%v, got %v", i, step.wantEmit, utt != nil)
		}
		if utt != nil {
			emitted = append(emitted, utt)
		}
		clock.Advance(500 * time.Millisecond)
	}

	if len(emitted) != 1 {
		t.Fatalf("Expected exactly 1 utterance, got %d", len(emitted))
	}
	utt := emitted[0]
	if !bytes.Equal(utt.PCM, append(append([]byte{}, first...), second...)) {
		t.Error("Expected utterance to be the concatenation of the speech chunks")
	}
	if utt.Duration() != time.Second {
		t.Errorf("Expected 1s utterance, got %v", utt.Duration())
	}

	state := seg.State()
	if state.Active || state.Buffered != 0 {
		t.Errorf("Expected cleared state after finalize, got %+v", state)
	}
}

func TestSegmenter_EmptyChunkIsLivenessTick(t *testing.T) {
	clock := newClock()
	seg := newTestSegmenter(clock)

	if _, err := seg.Process(speechChunk()); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	clock.Advance(500 * time.Millisecond)
	if utt, _ := seg.Process(nil); utt != nil {
		t.Fatal("Expected no utterance before the pause threshold")
	}

	clock.Advance(600 * time.Millisecond)
	utt, err := seg.Process(nil)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if utt == nil {
		t.Fatal("Expected tick to finalize the utterance")
	}
	if len(utt.PCM) != 16000 {
		t.Errorf("Expected 16000 bytes, got %d", len(utt.PCM))
	}
}

func TestSegmenter_CheckTimeout(t *testing.T) {
	clock := newClock()
	seg := newTestSegmenter(clock)

	if seg.CheckTimeout(clock.Now()) != nil {
		t.Fatal("Expected nil when inactive")
	}

	seg.Process(speechChunk())
	if seg.CheckTimeout(clock.Now().Add(999*time.Millisecond)) != nil {
		t.Fatal("Expected nil before the threshold")
	}
	if seg.CheckTimeout(clock.Now().Add(time.Second)) == nil {
		t.Fatal("Expected utterance at the threshold")
	}
	if seg.CheckTimeout(clock.Now().Add(5*time.Second)) != nil {
		t.Fatal("Expected utterance to be emitted only once")
	}
}

func TestSegmenter_SpeechRefreshesTimestamp(t *testing.T) {
	clock := newClock()
	seg := newTestSegmenter(clock)

	for i := 0; i < 6; i++ {
		utt, _ := seg.Process(speechChunk())
		if utt != nil {
			t.Fatal("Expected no utterance while speech continues")
		}
		clock.Advance(500 * time.Millisecond)
	}

	state := seg.State()
	if !state.Active || state.Buffered != 6*16000 {
		t.Errorf("Unexpected state: %+v", state)
	}
	if state.Buffered%2 != 0 {
		t.Error("Expected buffer to stay sample-aligned")
	}
}

func TestSegmenter_InvalidFrame(t *testing.T) {
	clock := newClock()
	seg := newTestSegmenter(clock)
	seg.Process(speechChunk())
	before := seg.State()

	_, err := seg.Process([]byte{1, 2, 3})
	if !errors.Is(err, ErrInvalidAudioFrame) {
		t.Fatalf("Expected ErrInvalidAudioFrame, got %v", err)
	}
	if seg.State() != before {
		t.Error("Expected malformed chunk to leave state untouched")
	}
}

func TestSegmenter_DetectorError(t *testing.T) {
	failing := audio.DetectorFunc(func(samples []float32, rate int) ([]audio.SpeechRegion, error) {
		return nil, errors.New("model not loaded")
	})
	seg := New(failing, DefaultConfig())

	if _, err := seg.Process(speechChunk()); err == nil {
		t.Fatal("Expected detector error to be returned")
	}
	if seg.State().Active {
		t.Error("Expected state untouched after detector error")
	}
}

func TestSegmenter_ResetIdempotent(t *testing.T) {
	clock := newClock()
	seg := newTestSegmenter(clock)
	seg.Process(speechChunk())

	seg.Reset()
	once := seg.State()
	seg.Reset()
	twice := seg.State()

	if once != twice {
		t.Errorf("Expected identical state, got %+v and %+v", once, twice)
	}
	if once.Active || once.Buffered != 0 || !once.LastSpeech.IsZero() {
		t.Errorf("Expected cleared state, got %+v", once)
	}

	clock.Advance(5 * time.Second)
	if utt, _ := seg.Process(nil); utt != nil {
		t.Error("Expected no utterance after reset")
	}
}

func TestNew_Defaults(t *testing.T) {
	seg := New(audio.NewEnergyDetector(nil), Config{})
	cfg := seg.Config()
	if cfg.SampleRate != 16000 || cfg.PauseThreshold != time.Second {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
}
