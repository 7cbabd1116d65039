package stt

import (
	"earshot.dev/audio"
)

// DefaultFlushThreshold is the interleaved sample count at which a buffered
// batch goes out. At 16 kHz stereo this is 128ms of audio per network write.
const DefaultFlushThreshold = 4096

// SendBuffer batches interleaved PCM samples so the socket sees a few large
// writes instead of many small ones. It is owned by a single goroutine and is
// deliberately unsynchronized.
type SendBuffer struct {
	threshold int
	samples   []int16
	send      func([]byte)
}

// NewSendBuffer wires a buffer to a send function. A non-positive threshold
// falls back to the default.
func NewSendBuffer(threshold int, send func([]byte)) *SendBuffer {
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	return &SendBuffer{
		threshold: threshold,
		samples:   make([]int16, 0, threshold*2),
		send:      send,
	}
}

// Push appends a batch of interleaved samples. Once the accumulated count
// reaches the threshold the whole accumulation is flushed in one write;
// nothing is held back.
func (b *SendBuffer) Push(samples []int16) {
	b.samples = append(b.samples, samples...)
	if len(b.samples) >= b.threshold {
		b.Flush()
	}
}

// Flush sends whatever is buffered, threshold or not. Call it at session end
// so the tail of the last utterance is not stranded.
func (b *SendBuffer) Flush() {
	if len(b.samples) == 0 {
		return
	}
	b.send(audio.PCMBytes(b.samples))
	b.samples = b.samples[:0]
}

// Len reports the number of samples currently buffered.
func (b *SendBuffer) Len() int {
	return len(b.samples)
}
