package audio

import (
	"sync"
)

// PendingBuffer holds audio chunks received from the client before the
// upstream connection is ready to accept them. It is a bounded FIFO: chunks
// offered at capacity are silently dropped, and once drained the buffer is
// permanently bypassed for the rest of the session.
type PendingBuffer struct {
	mu       sync.Mutex
	capacity int
	chunks   [][]byte
	drained  bool
	dropped  uint64
}

// NewPendingBuffer creates a buffer holding at most capacity chunks.
func NewPendingBuffer(capacity int) *PendingBuffer {
	return &PendingBuffer{
		capacity: capacity,
		chunks:   make([][]byte, 0, capacity),
	}
}

// Offer accepts a chunk for buffering. It returns true when the chunk was
// consumed (buffered, or dropped at capacity) and false once the buffer has
// been drained, in which case the caller must forward the chunk directly.
// A false return is only possible after DrainTo has sent the entire backlog,
// so direct forwards can never overtake buffered audio.
func (b *PendingBuffer) Offer(chunk []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.drained {
		return false
	}

	if len(b.chunks) >= b.capacity {
		b.dropped++
		return true
	}

	b.chunks = append(b.chunks, chunk)
	return true
}

// DrainTo forwards all buffered chunks to sink in arrival order and marks the
// buffer permanently drained. Only the first call does anything; the buffer
// lock is held for the duration so no concurrently offered chunk can slip
// past the backlog. A sink error aborts the drain but the buffer stays
// drained: readiness is monotonic.
func (b *PendingBuffer) DrainTo(sink func(chunk []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.drained {
		return nil
	}
	b.drained = true

	for _, chunk := range b.chunks {
		if err := sink(chunk); err != nil {
			b.chunks = nil
			return err
		}
	}

	b.chunks = nil
	return nil
}

// Len returns the number of currently buffered chunks.
func (b *PendingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Dropped returns the number of chunks discarded at capacity.
func (b *PendingBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Drained reports whether the buffer has been drained and bypassed.
func (b *PendingBuffer) Drained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drained
}
