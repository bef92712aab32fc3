package logging

import "sync"

// RingBuffer is a fixed-size circular buffer holding the most recent
// output of a recorder process, serving ctl tail requests without
// touching the on-disk log.
type RingBuffer struct {
	mu   sync.Mutex
	buf  []byte
	head int  // next write position
	full bool // buffer has wrapped at least once
}

// NewRingBuffer creates a ring buffer with the given capacity in bytes.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, size)}
}

// Write appends data, discarding the oldest bytes on overflow.
func (rb *RingBuffer) Write(p []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	// Only the trailing window of an oversized write survives.
	if len(p) >= len(rb.buf) {
		copy(rb.buf, p[len(p)-len(rb.buf):])
		rb.head = 0
		rb.full = true
		return
	}

	n := copy(rb.buf[rb.head:], p)
	if n < len(p) {
		copy(rb.buf, p[n:])
		rb.full = true
	}
	rb.head = (rb.head + len(p)) % len(rb.buf)
	if rb.head == 0 {
		rb.full = true
	}
}

// Read returns up to the last n bytes written.
func (rb *RingBuffer) Read(n int) []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	avail := rb.head
	if rb.full {
		avail = len(rb.buf)
	}
	if n > avail {
		n = avail
	}
	if n <= 0 {
		return nil
	}

	out := make([]byte, n)
	start := rb.head - n
	if start < 0 {
		start += len(rb.buf)
	}
	m := copy(out, rb.buf[start:])
	if m < n {
		copy(out[m:], rb.buf)
	}
	return out
}

// Len returns the number of bytes currently stored.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.full {
		return len(rb.buf)
	}
	return rb.head
}
