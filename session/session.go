// Package session runs one audio pipeline per active call: two capture
// channels in, normalized stereo PCM out to the recognizer, transcript events
// back to the consumer.
package session

import (
	"sync"

	"github.com/charmbracelet/log"

	"earshot.dev/audio"
	"earshot.dev/metrics"
	"earshot.dev/stt"
)

// TargetSampleRate is the wire rate the recognizer is configured for. All
// inbound frames are resampled to it regardless of capture rate.
const TargetSampleRate = 16000

// maxPendingFrames bounds how many encoded frames one channel may hold while
// waiting for a partner from the other side. A stalled capture source must
// not grow memory for the life of the call; oldest audio is dropped instead,
// the same policy as a full frame queue.
const maxPendingFrames = 32

// Transcriber is the recognizer-facing surface the session drives. It is
// satisfied by *stt.Client; tests substitute a fake.
type Transcriber interface {
	SendAudio([]byte)
	Results() <-chan stt.Result
	State() stt.ConnState
	Close() error
}

// Session owns the pipeline for one call. All audio processing happens on a
// single goroutine fed by a bounded frame queue, so capture sources never
// block on network I/O and no stage needs locking.
type Session struct {
	id     string
	logger *log.Logger
	client Transcriber

	buffer *stt.SendBuffer
	accums map[audio.Channel]*stt.Accumulator

	// pending holds encoded PCM awaiting its opposite-channel partner.
	// Pairing is strictly by arrival order within each channel.
	pending map[audio.Channel][][]int16

	frames   chan audio.Frame
	events   chan stt.TranscriptEvent
	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

// New builds and starts a session around an already-connected transcriber.
// The accumulator options apply to both channels.
func New(id string, client Transcriber, logger *log.Logger, accOpts ...stt.AccumulatorOption) *Session {
	s := &Session{
		id:      id,
		logger:  logger,
		client:  client,
		pending: make(map[audio.Channel][][]int16),
		frames:  make(chan audio.Frame, 256),
		events:  make(chan stt.TranscriptEvent, 128),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	s.buffer = stt.NewSendBuffer(stt.DefaultFlushThreshold, client.SendAudio)
	s.accums = map[audio.Channel]*stt.Accumulator{
		audio.ChannelLocal:  stt.NewAccumulator(audio.ChannelLocal, s.emit, accOpts...),
		audio.ChannelRemote: stt.NewAccumulator(audio.ChannelRemote, s.emit, accOpts...),
	}

	metrics.ActiveSessions.Inc()
	go s.run()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State reports the transcriber connection state.
func (s *Session) State() stt.ConnState { return s.client.State() }

// Events is the stream of transcript events for this session, interims and
// finals interleaved in emission order. The channel is never closed; select
// against Done.
func (s *Session) Events() <-chan stt.TranscriptEvent { return s.events }

// Done is closed when the session stops.
func (s *Session) Done() <-chan struct{} { return s.done }

// PushFrame hands one captured frame to the pipeline. It never blocks: if the
// processing queue is full the frame is dropped and counted, because stalling
// a live capture source is worse than a gap in the transcript.
func (s *Session) PushFrame(f audio.Frame) {
	select {
	case s.frames <- f:
	case <-s.done:
	default:
		metrics.FramesDropped.Inc()
		s.logger.Debug("frame queue full, dropping", "session", s.id, "channel", f.Channel)
	}
}

func (s *Session) run() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			s.teardown()
			return
		case f := <-s.frames:
			s.handleFrame(f)
		case res := <-s.client.Results():
			acc, ok := s.accums[audio.ChannelFromIndex(res.ChannelIndex)]
			if !ok {
				s.logger.Warn("result for unknown channel", "session", s.id, "index", res.ChannelIndex)
				continue
			}
			acc.Feed(res)
		}
	}
}

func (s *Session) handleFrame(f audio.Frame) {
	if f.SampleRate <= 0 {
		s.logger.Warn("frame with invalid sample rate", "session", s.id, "rate", f.SampleRate)
		return
	}
	metrics.FramesProcessed.WithLabelValues(string(f.Channel)).Inc()

	resampled := audio.Resample(f.Samples, f.SampleRate, TargetSampleRate)
	pcm := audio.EncodePCM(resampled)

	q := append(s.pending[f.Channel], pcm)
	if drop := len(q) - maxPendingFrames; drop > 0 {
		q = q[drop:]
		metrics.UnpairedFramesDropped.Add(float64(drop))
		s.logger.Debug("partner channel stalled, dropping oldest unpaired audio",
			"session", s.id, "channel", f.Channel, "dropped_frames", drop)
	}
	s.pending[f.Channel] = q

	for len(s.pending[audio.ChannelLocal]) > 0 && len(s.pending[audio.ChannelRemote]) > 0 {
		local := s.popPending(audio.ChannelLocal)
		remote := s.popPending(audio.ChannelRemote)

		mixed, dropped := audio.Interleave(local, remote)
		if dropped > 0 {
			metrics.DriftTruncations.Inc()
			s.logger.Warn("capture sources drifted, truncating",
				"session", s.id, "dropped_samples", dropped)
		}
		s.buffer.Push(mixed)
	}
}

func (s *Session) popPending(ch audio.Channel) []int16 {
	q := s.pending[ch]
	head := q[0]
	s.pending[ch] = q[1:]
	return head
}

// emit drops events once the session is stopping; a fallback timer racing the
// teardown must not surface a final for an utterance the stop discarded.
func (s *Session) emit(ev stt.TranscriptEvent) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// teardown runs on the processing goroutine so the send buffer keeps a single
// owner to the very end. Order matters: pending accumulator text is discarded
// first so no timer can fire a ghost final, then the remainder of buffered
// audio goes out, then the socket closes.
func (s *Session) teardown() {
	for _, acc := range s.accums {
		acc.Reset()
	}
	s.buffer.Flush()
	if err := s.client.Close(); err != nil {
		s.logger.Warn("closing transcriber", "session", s.id, "error", err)
	}
	metrics.ActiveSessions.Dec()
	s.logger.Info("session stopped", "session", s.id)
}

// Stop shuts the session down and waits for the pipeline to drain its
// teardown. Safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	<-s.exited
}
