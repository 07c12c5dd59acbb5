package audio

import (
	"fmt"
	"sync"
)

// ChunkFramer regroups arbitrarily sized transport writes into fixed-size,
// sample-aligned chunks. It is safe for concurrent use.
type ChunkFramer struct {
	chunkSize int
	maxBuffer int

	mu      sync.Mutex
	pending []byte
	dropped int
}

// NewChunkFramer creates a framer emitting chunks of chunkSize bytes. At most
// maxChunks chunks are held; older audio is discarded once that is exceeded.
func NewChunkFramer(chunkSize, maxChunks int) (*ChunkFramer, error) {
	if chunkSize <= 0 || chunkSize%SampleWidth != 0 {
		return nil, fmt.Errorf("chunk size must be a positive multiple of %d, got %d", SampleWidth, chunkSize)
	}
	if maxChunks <= 0 {
		maxChunks = 1
	}
	return &ChunkFramer{
		chunkSize: chunkSize,
		maxBuffer: chunkSize * maxChunks,
		pending:   make([]byte, 0, chunkSize),
	}, nil
}

// Write appends data and returns the number of bytes accepted (always len(data))
func (f *ChunkFramer) Write(data []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pending = append(f.pending, data...)

	// Keep the tail when a slow consumer falls behind; drop whole chunks so
	// the buffer stays sample-aligned.
	if over := len(f.pending) - f.maxBuffer; over > 0 {
		drop := ((over + f.chunkSize - 1) / f.chunkSize) * f.chunkSize
		f.pending = append(f.pending[:0], f.pending[drop:]...)
		f.dropped += drop
	}

	return len(data)
}

// Next removes and returns the next full chunk, if one is buffered
func (f *ChunkFramer) Next() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pending) < f.chunkSize {
		return nil, false
	}

	chunk := make([]byte, f.chunkSize)
	copy(chunk, f.pending)
	f.pending = append(f.pending[:0], f.pending[f.chunkSize:]...)
	return chunk, true
}

// Flush returns whatever whole samples are buffered, even if short of a chunk.
// A dangling odd byte stays buffered.
func (f *ChunkFramer) Flush() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.pending) - len(f.pending)%SampleWidth
	if n == 0 {
		return nil
	}

	out := make([]byte, n)
	copy(out, f.pending)
	f.pending = append(f.pending[:0], f.pending[n:]...)
	return out
}

// Buffered returns the number of bytes waiting
func (f *ChunkFramer) Buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Dropped returns the number of bytes discarded because of overflow
func (f *ChunkFramer) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Reset discards any buffered audio
func (f *ChunkFramer) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = f.pending[:0]
}
