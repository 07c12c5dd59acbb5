package transcription

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-chat/internal/audio"
	"github.com/lexiqai/voice-chat/internal/config"
	"github.com/lexiqai/voice-chat/internal/observability"
	"github.com/lexiqai/voice-chat/internal/resilience"
)

const serviceName = "deepgram"

// uploadFunc sends one WAV file and returns the best alternative
type uploadFunc func(ctx context.Context, wav io.Reader) (*Result, error)

// DeepgramTranscriber implements Transcriber with Deepgram's prerecorded API
type DeepgramTranscriber struct {
	upload         uploadFunc
	circuitBreaker *resilience.CircuitBreaker
	metrics        *observability.Metrics
	logger         zerolog.Logger
}

// NewDeepgramTranscriber creates a Deepgram transcriber from config
func NewDeepgramTranscriber(cfg *config.Config) *DeepgramTranscriber {
	options := &interfaces.PreRecordedTranscriptionOptions{
		Model:     cfg.DeepgramModel,
		Language:  cfg.DeepgramLanguage,
		Punctuate: true,
	}

	client := listenClient.NewREST(cfg.DeepgramAPIKey, &interfaces.ClientOptions{})
	dg := api.New(client)

	upload := func(ctx context.Context, wav io.Reader) (*Result, error) {
		res, err := dg.FromStream(ctx, wav, options)
		if err != nil {
			return nil, err
		}
		if res == nil || res.Results == nil || len(res.Results.Channels) == 0 {
			return &Result{}, nil
		}
		alternatives := res.Results.Channels[0].Alternatives
		if len(alternatives) == 0 {
			return &Result{}, nil
		}

		return &Result{
			Text:       alternatives[0].Transcript,
			Confidence: alternatives[0].Confidence,
		}, nil
	}

	return newDeepgramTranscriber(upload, cfg)
}

func newDeepgramTranscriber(upload uploadFunc, cfg *config.Config) *DeepgramTranscriber {
	circuitBreaker := resilience.NewCircuitBreaker(
		serviceName,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	).Observe(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})

	return &DeepgramTranscriber{
		upload:         upload,
		circuitBreaker: circuitBreaker,
		logger:         observability.GetLogger().With().Str("component", "transcription").Logger(),
	}
}

// WithMetrics records transcription latency and outcome on m
func (d *DeepgramTranscriber) WithMetrics(m *observability.Metrics) *DeepgramTranscriber {
	d.metrics = m
	return d
}

// WithLogger replaces the logger
func (d *DeepgramTranscriber) WithLogger(logger zerolog.Logger) *DeepgramTranscriber {
	d.logger = logger
	return d
}

// Transcribe uploads the utterance as a WAV file and returns the trimmed transcript
func (d *DeepgramTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	wav, err := audio.EncodeWAV(pcm, sampleRate)
	if err != nil {
		return "", fmt.Errorf("failed to encode utterance: %w", err)
	}

	start := time.Now()
	var result *Result
	err = d.circuitBreaker.CallContext(ctx, func(ctx context.Context) error {
		r, err := d.upload(ctx, bytes.NewReader(wav))
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	observability.UpdateCircuitBreakerState(serviceName, int(d.circuitBreaker.GetState()))
	latency := time.Since(start)

	if err != nil && ctx.Err() != nil {
		d.record("cancelled", latency)
		return "", fmt.Errorf("deepgram transcription abandoned: %w", err)
	}
	if err != nil {
		observability.IncrementCircuitBreakerFailures(serviceName)
		d.record("error", latency)
		return "", fmt.Errorf("deepgram transcription failed: %w", err)
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		d.record("empty", latency)
		return "", nil
	}

	d.record("success", latency)
	d.logger.Debug().
		Str("text", text).
		Float64("confidence", result.Confidence).
		Dur("latency", latency).
		Msg("Transcribed utterance")
	return text, nil
}

// Healthy reports whether the circuit breaker lets requests through
func (d *DeepgramTranscriber) Healthy(ctx context.Context) (bool, error) {
	if d.circuitBreaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

func (d *DeepgramTranscriber) record(status string, latency time.Duration) {
	if d.metrics != nil {
		d.metrics.RecordTranscription(status, latency)
	}
}
