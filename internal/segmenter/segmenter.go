// Package segmenter turns a stream of mic chunks into finalized utterances
// using a speech detector and silence-timeout endpointing.
package segmenter

import (
	"fmt"
	"time"

	"github.com/lexiqai/voice-chat/internal/audio"
)

// ErrInvalidAudioFrame is returned for a chunk that is not sample-aligned
var ErrInvalidAudioFrame = audio.ErrInvalidAudioFrame

// Config holds segmenter configuration
type Config struct {
	SampleRate     int
	PauseThreshold time.Duration // Silence after the last speech that ends an utterance
}

// DefaultConfig returns the default segmenter configuration
func DefaultConfig() Config {
	return Config{
		SampleRate:     audio.DefaultSampleRate,
		PauseThreshold: time.Second,
	}
}

// State is a snapshot of the segmenter
type State struct {
	Active     bool
	Buffered   int // Bytes of speech waiting to be finalized
	LastSpeech time.Time
}

// Utterance is one finalized span of speech
type Utterance struct {
	PCM        []byte
	SampleRate int
}

// Duration returns the audio length of the utterance
func (u *Utterance) Duration() time.Duration {
	return audio.PCMDuration(len(u.PCM), u.SampleRate)
}

// Option configures a Segmenter
type Option func(*Segmenter)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Segmenter) {
		s.now = now
	}
}

// Segmenter accumulates speech-bearing chunks and emits an Utterance once
// the speaker has been silent for longer than the pause threshold.
// It is not safe for concurrent use; callers serialize chunk delivery.
type Segmenter struct {
	detector audio.SpeechDetector
	config   Config
	now      func() time.Time

	active     bool
	buffer     []byte
	lastSpeech time.Time
}

// New creates a segmenter
func New(detector audio.SpeechDetector, cfg Config, opts ...Option) *Segmenter {
	defaults := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaults.SampleRate
	}
	if cfg.PauseThreshold <= 0 {
		cfg.PauseThreshold = defaults.PauseThreshold
	}

	s := &Segmenter{
		detector: detector,
		config:   cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process feeds one chunk. An empty chunk is a liveness tick that only checks
// the pause timeout. A malformed chunk or a detector failure leaves the state untouched.
func (s *Segmenter) Process(chunk []byte) (*Utterance, error) {
	if len(chunk) == 0 {
		return s.CheckTimeout(s.now()), nil
	}

	if err := audio.ValidateFrame(chunk); err != nil {
		return nil, err
	}

	speech, err := audio.HasSpeech(s.detector, chunk, s.config.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("speech detection failed: %w", err)
	}

	now := s.now()
	if speech {
		s.buffer = append(s.buffer, chunk...)
		s.active = true
		s.lastSpeech = now
		return nil, nil
	}

	return s.CheckTimeout(now), nil
}

// CheckTimeout finalizes the pending utterance if now is at least the pause
// threshold past the last speech. It returns nil otherwise.
func (s *Segmenter) CheckTimeout(now time.Time) *Utterance {
	if !s.active {
		return nil
	}
	if now.Sub(s.lastSpeech) < s.config.PauseThreshold {
		return nil
	}

	utterance := &Utterance{
		PCM:        s.buffer,
		SampleRate: s.config.SampleRate,
	}
	s.buffer = nil
	s.active = false
	s.lastSpeech = time.Time{}
	return utterance
}

// Reset drops any buffered speech. Calling it repeatedly is harmless.
func (s *Segmenter) Reset() {
	s.buffer = nil
	s.active = false
	s.lastSpeech = time.Time{}
}

// State returns a snapshot of the segmenter
func (s *Segmenter) State() State {
	return State{
		Active:     s.active,
		Buffered:   len(s.buffer),
		LastSpeech: s.lastSpeech,
	}
}

// Config returns the effective configuration
func (s *Segmenter) Config() Config {
	return s.config
}
