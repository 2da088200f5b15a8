package session

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrBufferFull is returned when the buffer exceeds its maximum size
	ErrBufferFull = errors.New("audio buffer full")
	// ErrBufferClosed is returned by Next once the buffer is closed and drained
	ErrBufferClosed = errors.New("audio buffer closed")
)

// AudioBuffer queues captured audio chunks between the capture callback and
// the transport's audio pump
type AudioBuffer struct {
	chunks    [][]byte
	totalSize int
	maxSize   int
	closed    bool
	notify    chan struct{}
	mu        sync.Mutex
}

// NewAudioBuffer creates a buffer with the specified maximum size in bytes
func NewAudioBuffer(maxSize int) *AudioBuffer {
	return &AudioBuffer{
		chunks:  make([][]byte, 0),
		maxSize: maxSize,
		notify:  make(chan struct{}, 1),
	}
}

// MaxSize returns the maximum buffer size
func (ab *AudioBuffer) MaxSize() int {
	return ab.maxSize
}

// Append adds an audio chunk to the buffer without blocking.
// Returns ErrBufferFull if adding the chunk would exceed maxSize
func (ab *AudioBuffer) Append(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	ab.mu.Lock()
	defer ab.mu.Unlock()

	if ab.closed {
		return ErrBufferClosed
	}

	newSize := ab.totalSize + len(chunk)
	if newSize > ab.maxSize {
		return ErrBufferFull
	}

	// Copy: capture callbacks reuse their buffers
	owned := make([]byte, len(chunk))
	copy(owned, chunk)

	ab.chunks = append(ab.chunks, owned)
	ab.totalSize = newSize

	select {
	case ab.notify <- struct{}{}:
	default:
	}
	return nil
}

// Next removes and returns the oldest chunk, waiting for one if the buffer is empty
func (ab *AudioBuffer) Next(ctx context.Context) ([]byte, error) {
	for {
		ab.mu.Lock()
		if len(ab.chunks) > 0 {
			chunk := ab.chunks[0]
			ab.chunks[0] = nil
			ab.chunks = ab.chunks[1:]
			ab.totalSize -= len(chunk)
			ab.mu.Unlock()
			return chunk, nil
		}
		closed := ab.closed
		ab.mu.Unlock()

		if closed {
			return nil, ErrBufferClosed
		}

		select {
		case <-ab.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close drops buffered audio and wakes any waiting reader
func (ab *AudioBuffer) Close() {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if ab.closed {
		return
	}
	ab.closed = true
	ab.chunks = nil
	ab.totalSize = 0
	close(ab.notify)
}

// Size returns the current total buffered bytes
func (ab *AudioBuffer) Size() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.totalSize
}

// ChunkCount returns the number of chunks in the buffer
func (ab *AudioBuffer) ChunkCount() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return len(ab.chunks)
}
