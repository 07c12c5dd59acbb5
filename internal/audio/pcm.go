package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// SampleWidth is the size in bytes of one PCM16 sample
	SampleWidth = 2

	// DefaultSampleRate is the mic sample rate the pipeline expects
	DefaultSampleRate = 16000

	// DefaultChunkDuration is the slice of audio a mic client sends per call
	DefaultChunkDuration = 500 * time.Millisecond
)

// ErrInvalidAudioFrame is returned for a chunk that does not hold a whole number of samples
var ErrInvalidAudioFrame = errors.New("invalid audio frame")

// ValidateFrame checks that pcm is sample-aligned
func ValidateFrame(pcm []byte) error {
	if len(pcm)%SampleWidth != 0 {
		return fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrInvalidAudioFrame, len(pcm), SampleWidth)
	}
	return nil
}

// BytesToSamples decodes 16-bit signed little-endian PCM
func BytesToSamples(pcm []byte) ([]int16, error) {
	if err := ValidateFrame(pcm); err != nil {
		return nil, err
	}

	samples := make([]int16, len(pcm)/SampleWidth)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*SampleWidth:]))
	}
	return samples, nil
}

// SamplesToBytes encodes samples as 16-bit signed little-endian PCM
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*SampleWidth)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(pcm[i*SampleWidth:], uint16(sample))
	}
	return pcm
}

// SamplesToFloat32 scales PCM16 samples into [-1, 1)
func SamplesToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, sample := range samples {
		out[i] = float32(sample) / 32768.0
	}
	return out
}

// Float32ToPCM16 converts a float waveform in [-1, 1] to PCM16 bytes, clipping out-of-range values.
// Browser microphones deliver this format.
func Float32ToPCM16(waveform []float32) []byte {
	samples := make([]int16, len(waveform))
	for i, v := range waveform {
		scaled := math.Round(float64(v) * 32767.0)
		if scaled > math.MaxInt16 {
			scaled = math.MaxInt16
		} else if scaled < math.MinInt16 {
			scaled = math.MinInt16
		}
		samples[i] = int16(scaled)
	}
	return SamplesToBytes(samples)
}

// DecodeFloat32LE decodes little-endian IEEE-754 float32 samples
func DecodeFloat32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of 4", ErrInvalidAudioFrame, len(data))
	}

	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

// PCMDuration returns the playback duration of a PCM16 mono buffer
func PCMDuration(numBytes, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := numBytes / SampleWidth
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// BytesForDuration returns the PCM16 mono byte count for d, rounded down to a whole sample
func BytesForDuration(d time.Duration, sampleRate int) int {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return samples * SampleWidth
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// CalculateRMSFloat is CalculateRMS for normalized float samples
func CalculateRMSFloat(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
