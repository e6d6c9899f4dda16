package kfmt

import "io"

// earlyBufSize defines the size of the ring buffer that captures early
// Printf output. It is large enough to hold a generous boot banner and must
// always be a power of 2.
const earlyBufSize = 4096

// ringBuffer is a fixed-size overwriting ring buffer. When the buffer fills
// up, the oldest bytes are dropped so a panic near the end of a long boot
// always retains the most recent diagnostics.
type ringBuffer struct {
	data [earlyBufSize]byte

	// read and write are monotonically increasing byte counters; the
	// buffer index is the counter masked by earlyBufSize-1.
	read, write uint64
}

// Write appends p to the ring buffer, dropping the oldest bytes on overflow.
// It never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.data[rb.write&(earlyBufSize-1)] = b
		rb.write++
		if rb.write-rb.read > earlyBufSize {
			rb.read = rb.write - earlyBufSize
		}
	}

	return len(p), nil
}

// Read copies up to len(p) buffered bytes into p. It returns io.EOF when the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.read == rb.write {
		return 0, io.EOF
	}

	var n int
	for n = 0; n < len(p) && rb.read < rb.write; n++ {
		p[n] = rb.data[rb.read&(earlyBufSize-1)]
		rb.read++
	}

	return n, nil
}
