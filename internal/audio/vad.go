package audio

import "fmt"

// SpeechRegion is a span of detected speech, in sample offsets [Start, End)
type SpeechRegion struct {
	Start int
	End   int
}

// SpeechDetector finds speech in a normalized waveform. Implementations may wrap
// a trained model; callers only rely on whether the result is empty.
type SpeechDetector interface {
	Detect(samples []float32, sampleRate int) ([]SpeechRegion, error)
}

// DetectorFunc adapts a function to SpeechDetector
type DetectorFunc func(samples []float32, sampleRate int) ([]SpeechRegion, error)

// Detect implements SpeechDetector
func (f DetectorFunc) Detect(samples []float32, sampleRate int) ([]SpeechRegion, error) {
	return f(samples, sampleRate)
}

// VADConfig holds configuration for energy-based Voice Activity Detection
type VADConfig struct {
	EnergyThreshold  float64 // RMS threshold on [-1,1] samples
	FrameMs          int     // Analysis frame length
	MinSpeechFrames  int     // Shorter speech runs are ignored
	MinSilenceFrames int     // Shorter gaps do not split a region
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold:  0.02,
		FrameMs:          30,
		MinSpeechFrames:  3, // 90ms
		MinSilenceFrames: 4, // 120ms
	}
}

// EnergyDetector is a model-free SpeechDetector that thresholds per-frame RMS energy
type EnergyDetector struct {
	config *VADConfig
}

// NewEnergyDetector creates a new energy detector
func NewEnergyDetector(config *VADConfig) *EnergyDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &EnergyDetector{config: config}
}

// Detect implements SpeechDetector
func (d *EnergyDetector) Detect(samples []float32, sampleRate int) ([]SpeechRegion, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	frameSize := sampleRate * d.config.FrameMs / 1000
	if frameSize <= 0 {
		return nil, fmt.Errorf("frame of %dms is empty at %dHz", d.config.FrameMs, sampleRate)
	}

	var (
		regions        []SpeechRegion
		current        *SpeechRegion
		speechFrames   int
		silenceCounter int
	)

	closeRegion := func() {
		if current != nil && speechFrames >= d.config.MinSpeechFrames {
			regions = append(regions, *current)
		}
		current = nil
		speechFrames = 0
	}

	for start := 0; start < len(samples); start += frameSize {
		end := start + frameSize
		if end > len(samples) {
			end = len(samples)
		}

		if CalculateRMSFloat(samples[start:end]) > d.config.EnergyThreshold {
			silenceCounter = 0
			speechFrames++
			if current == nil {
				current = &SpeechRegion{Start: start}
			}
			current.End = end
			continue
		}

		silenceCounter++
		if current != nil && silenceCounter >= d.config.MinSilenceFrames {
			closeRegion()
		}
	}
	closeRegion()

	return regions, nil
}

// HasSpeech is a convenience wrapper around Detect for PCM16 bytes
func HasSpeech(detector SpeechDetector, pcm []byte, sampleRate int) (bool, error) {
	samples, err := BytesToSamples(pcm)
	if err != nil {
		return false, err
	}
	regions, err := detector.Detect(SamplesToFloat32(samples), sampleRate)
	if err != nil {
		return false, err
	}
	return len(regions) > 0, nil
}

// DetectSilence detects if audio samples represent silence
func DetectSilence(samples []int16, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}
