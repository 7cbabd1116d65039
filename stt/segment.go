package stt

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"earshot.dev/audio"
	"earshot.dev/metrics"
)

// DefaultFallbackDelay is how long a pending finalized segment waits for the
// recognizer's own utterance boundary before we declare the utterance done
// ourselves. It mirrors the recognizer's endpointing window.
const DefaultFallbackDelay = 700 * time.Millisecond

// Accumulator turns the recognizer's raw per-channel event stream into clean
// transcript events. Finalized segments are collected until the recognizer
// marks the utterance speech-final; if that marker never comes, a fallback
// timer closes the utterance instead. One Accumulator serves one channel.
type Accumulator struct {
	channel           audio.Channel
	emit              func(TranscriptEvent)
	fallbackDelay     time.Duration
	flushOnEmptyFinal bool
	now               func() time.Time

	mu         sync.Mutex
	parts      []string
	confidence float64
	timer      *time.Timer
	gen        uint64 // bumped on every flush or reset; stale timers compare and bail
}

// AccumulatorOption adjusts an Accumulator at construction time.
type AccumulatorOption func(*Accumulator)

// WithFallbackDelay overrides the utterance fallback window.
func WithFallbackDelay(d time.Duration) AccumulatorOption {
	return func(a *Accumulator) { a.fallbackDelay = d }
}

// WithEmptyFinalFlush controls whether a finalized result with no text closes
// a pending utterance. Some recognizer models emit exactly that shape instead
// of a speech-final marker at the end of an utterance.
func WithEmptyFinalFlush(on bool) AccumulatorOption {
	return func(a *Accumulator) { a.flushOnEmptyFinal = on }
}

// NewAccumulator builds an accumulator for one channel. Every transcript
// event passes through emit, which is called without internal locks held.
func NewAccumulator(channel audio.Channel, emit func(TranscriptEvent), opts ...AccumulatorOption) *Accumulator {
	a := &Accumulator{
		channel:           channel,
		emit:              emit,
		fallbackDelay:     DefaultFallbackDelay,
		flushOnEmptyFinal: true,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Feed consumes one recognizer result. Interim results are forwarded live so
// consumers can render speech as it happens; finalized results accumulate
// until the utterance closes, then go out exactly once as a single final
// event.
func (a *Accumulator) Feed(res Result) {
	a.mu.Lock()

	text := strings.TrimSpace(res.Text)
	if text == "" {
		// Only the speech-final shape closes a pending utterance; an empty
		// partial-final still leaves the fallback window running.
		if res.IsFinal && res.SpeechFinal && a.flushOnEmptyFinal && len(a.parts) > 0 {
			ev := a.flushLocked()
			a.mu.Unlock()
			a.send(ev, true)
			return
		}
		a.mu.Unlock()
		return
	}

	if !res.IsFinal {
		joined := strings.Join(append(append([]string{}, a.parts...), text), " ")
		a.mu.Unlock()
		a.send(TranscriptEvent{
			Text:       joined,
			Channel:    a.channel,
			Confidence: res.Confidence,
			Timestamp:  a.now(),
		}, false)
		return
	}

	a.parts = append(a.parts, text)
	a.confidence = res.Confidence

	if res.SpeechFinal {
		ev := a.flushLocked()
		a.mu.Unlock()
		a.send(ev, true)
		return
	}

	// Partial-final: text is stable but the utterance may continue. Surface
	// the progress as an interim while the fallback window runs.
	a.armTimerLocked()
	joined := strings.Join(a.parts, " ")
	a.mu.Unlock()
	a.send(TranscriptEvent{
		Text:       joined,
		Channel:    a.channel,
		Confidence: res.Confidence,
		Timestamp:  a.now(),
	}, false)
}

// armTimerLocked starts (or restarts) the fallback timer for the pending
// utterance. The generation captured here makes a late-firing timer a no-op
// once a real boundary or a reset has intervened.
func (a *Accumulator) armTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.gen++
	gen := a.gen
	a.timer = time.AfterFunc(a.fallbackDelay, func() {
		a.mu.Lock()
		if gen != a.gen || len(a.parts) == 0 {
			a.mu.Unlock()
			return
		}
		ev := a.flushLocked()
		a.mu.Unlock()
		a.send(ev, true)
	})
}

// flushLocked closes the pending utterance and returns the final event. The
// generation bump here is what cancels any in-flight fallback timer.
func (a *Accumulator) flushLocked() TranscriptEvent {
	ev := TranscriptEvent{
		Text:       strings.Join(a.parts, " "),
		Channel:    a.channel,
		IsFinal:    true,
		Confidence: a.confidence,
		Timestamp:  a.now(),
	}
	a.parts = nil
	a.confidence = 0
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	return ev
}

func (a *Accumulator) send(ev TranscriptEvent, final bool) {
	metrics.TranscriptsEmitted.WithLabelValues(string(a.channel), strconv.FormatBool(final)).Inc()
	a.emit(ev)
}

// Reset discards any pending text without emitting it and cancels the
// fallback timer. Used at session teardown, where a half-captured utterance
// must not surface as a transcript.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.parts = nil
	a.confidence = 0
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// Pending reports whether an utterance is mid-accumulation.
func (a *Accumulator) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.parts) > 0
}
