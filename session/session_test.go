package session

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"earshot.dev/audio"
	"earshot.dev/stt"
)

type fakeTranscriber struct {
	mu      sync.Mutex
	sent    [][]byte
	results chan stt.Result
	closes  int
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{results: make(chan stt.Result, 16)}
}

func (f *fakeTranscriber) SendAudio(p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(p))
	copy(buf, p)
	f.sent = append(f.sent, buf)
}

func (f *fakeTranscriber) Results() <-chan stt.Result { return f.results }

func (f *fakeTranscriber) State() stt.ConnState { return stt.Connected }

func (f *fakeTranscriber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTranscriber) sends() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func quietLogger() *log.Logger {
	l := log.New(io.Discard)
	l.SetLevel(log.FatalLevel + 1)
	return l
}

func frame(ch audio.Channel, rate, n int) audio.Frame {
	return audio.Frame{
		Channel:    ch,
		SampleRate: rate,
		Samples:    make([]float32, n),
		CapturedAt: time.Now(),
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestSessionPipelinesPairedAudio(t *testing.T) {
	ft := newFakeTranscriber()
	s := New("s1", ft, quietLogger())
	defer s.Stop()

	// 6144 samples at 48 kHz resample to 2048 at 16 kHz per channel; the
	// interleaved pair is 4096 samples, exactly the flush threshold.
	s.PushFrame(frame(audio.ChannelLocal, 48000, 6144))
	s.PushFrame(frame(audio.ChannelRemote, 48000, 6144))

	waitFor(t, func() bool { return len(ft.sends()) == 1 }, "no flush at threshold")
	if got := len(ft.sends()[0]); got != 8192 {
		t.Errorf("flush carried %d bytes, want 8192", got)
	}
}

func TestSessionHoldsUnpairedFrames(t *testing.T) {
	ft := newFakeTranscriber()
	s := New("s1", ft, quietLogger())
	defer s.Stop()

	// A lone local frame has no remote partner yet; nothing may reach the
	// socket regardless of size.
	s.PushFrame(frame(audio.ChannelLocal, 16000, 8000))
	time.Sleep(50 * time.Millisecond)

	if got := len(ft.sends()); got != 0 {
		t.Errorf("unpaired audio reached the transcriber: %d sends", got)
	}
}

func TestSessionBoundsUnpairedBacklog(t *testing.T) {
	ft := newFakeTranscriber()
	s := New("s1", ft, quietLogger())

	// One side of the call goes silent; the other keeps producing. The
	// backlog must stay capped instead of growing for the life of the call.
	for i := 0; i < 200; i++ {
		s.PushFrame(frame(audio.ChannelLocal, 16000, 10))
	}
	waitFor(t, func() bool { return len(s.frames) == 0 }, "frame queue never drained")
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	if got := len(s.pending[audio.ChannelLocal]); got != maxPendingFrames {
		t.Errorf("pending local frames = %d, want capped at %d", got, maxPendingFrames)
	}
	// Unpaired audio must never reach the socket.
	if got := len(ft.sends()); got != 0 {
		t.Errorf("unpaired audio reached the transcriber: %d sends", got)
	}
}

func TestSessionTruncatesOnDrift(t *testing.T) {
	ft := newFakeTranscriber()
	s := New("s1", ft, quietLogger())

	// 300 samples at 48 kHz becomes 100 at 16 kHz; paired against 90 remote
	// samples the mix truncates to 90 per side.
	s.PushFrame(frame(audio.ChannelLocal, 48000, 300))
	s.PushFrame(frame(audio.ChannelRemote, 16000, 90))
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	sends := ft.sends()
	if len(sends) != 1 {
		t.Fatalf("got %d sends, want 1", len(sends))
	}
	// 90 interleaved pairs, 2 bytes per sample.
	if got := len(sends[0]); got != 360 {
		t.Errorf("flush carried %d bytes, want 360", got)
	}
}

func TestSessionStopFlushesRemainder(t *testing.T) {
	ft := newFakeTranscriber()
	s := New("s1", ft, quietLogger())

	s.PushFrame(frame(audio.ChannelLocal, 16000, 300))
	s.PushFrame(frame(audio.ChannelRemote, 16000, 300))
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	sends := ft.sends()
	if len(sends) != 1 {
		t.Fatalf("got %d sends, want 1", len(sends))
	}
	if got := len(sends[0]); got != 1200 {
		t.Errorf("remainder flush carried %d bytes, want 1200", got)
	}
	if ft.closes != 1 {
		t.Errorf("transcriber closed %d times, want 1", ft.closes)
	}
}

func TestSessionRoutesResultsByChannel(t *testing.T) {
	ft := newFakeTranscriber()
	s := New("s1", ft, quietLogger())
	defer s.Stop()

	ft.results <- stt.Result{Text: "from me", IsFinal: true, SpeechFinal: true, ChannelIndex: 0}
	ft.results <- stt.Result{Text: "from them", IsFinal: true, SpeechFinal: true, ChannelIndex: 1}

	first := <-s.Events()
	second := <-s.Events()
	if first.Channel != audio.ChannelLocal || first.Text != "from me" {
		t.Errorf("first event = %+v", first)
	}
	if second.Channel != audio.ChannelRemote || second.Text != "from them" {
		t.Errorf("second event = %+v", second)
	}
	if !first.IsFinal || !second.IsFinal {
		t.Error("utterance boundaries must produce final events")
	}
}

func TestSessionStopDiscardsPendingUtterance(t *testing.T) {
	ft := newFakeTranscriber()
	s := New("s1", ft, quietLogger(), stt.WithFallbackDelay(30*time.Millisecond))

	// Finalized but not speech-final: text is pending when the session stops.
	ft.results <- stt.Result{Text: "half a thought", IsFinal: true, ChannelIndex: 0}
	time.Sleep(10 * time.Millisecond)
	s.Stop()

	// The fallback window elapses after stop; the pending text must never
	// surface as a final.
	time.Sleep(60 * time.Millisecond)
	for {
		select {
		case ev := <-s.Events():
			if ev.IsFinal {
				t.Errorf("final event after stop: %+v", ev)
			}
		default:
			return
		}
	}
}

func TestSessionStopIsIdempotent(t *testing.T) {
	ft := newFakeTranscriber()
	s := New("s1", ft, quietLogger())

	s.Stop()
	s.Stop()

	if ft.closes != 1 {
		t.Errorf("transcriber closed %d times, want 1", ft.closes)
	}
}
