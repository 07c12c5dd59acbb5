package transcription

import "context"

// Transcriber converts one utterance of PCM16 mono audio into text.
// An empty result with a nil error means no speech was recognized.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// Func adapts a function to Transcriber
type Func func(ctx context.Context, pcm []byte, sampleRate int) (string, error)

// Transcribe implements Transcriber
func (f Func) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	return f(ctx, pcm, sampleRate)
}

// Result is the outcome of one transcription, kept for logs and metrics
type Result struct {
	Text       string
	Confidence float64
}
