package gateway

import (
	"context"
	"encoding/binary"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"earshot.dev/session"
	"earshot.dev/stt"
)

type fakeTranscriber struct {
	mu      sync.Mutex
	sent    [][]byte
	results chan stt.Result
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
func (f *fakeTranscriber) State() stt.ConnState       { return stt.Connected }
func (f *fakeTranscriber) Close() error               { return nil }

func (f *fakeTranscriber) sentBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.sent {
		n += len(p)
	}
	return n
}

func quietLogger() *log.Logger {
	l := log.New(io.Discard)
	l.SetLevel(log.FatalLevel + 1)
	return l
}

func dialGateway(t *testing.T, ft *fakeTranscriber) (*websocket.Conn, *Manager) {
	t.Helper()
	m := NewManager(quietLogger())
	h := NewHandler(m, func(ctx context.Context) (session.Transcriber, error) {
		return ft, nil
	}, nil, quietLogger())

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, m
}

func readReply(t *testing.T, conn *websocket.Conn, wantType string) serverMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg serverMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading %s reply: %v", wantType, err)
	}
	if msg.Type != wantType {
		t.Fatalf("reply type = %q (%+v), want %q", msg.Type, msg, wantType)
	}
	return msg
}

func TestGatewaySessionLifecycle(t *testing.T) {
	ft := newFakeTranscriber()
	conn, m := dialGateway(t, ft)

	conn.WriteJSON(map[string]any{"type": "ping"})
	readReply(t, conn, "pong")

	conn.WriteJSON(map[string]any{"type": "start", "sample_rate": 16000})
	started := readReply(t, conn, "session_started")
	if started.SessionID == "" {
		t.Fatal("session_started carried no session id")
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("active = %d, want 1", m.ActiveCount())
	}

	// A transcript from the recognizer flows back to the capture client.
	ft.results <- stt.Result{Text: "hello", IsFinal: true, SpeechFinal: true, ChannelIndex: 1}
	transcript := readReply(t, conn, "transcript")
	if transcript.Event == nil || transcript.Event.Text != "hello" {
		t.Fatalf("transcript event = %+v", transcript.Event)
	}
	if string(transcript.Event.Channel) != "remote" {
		t.Errorf("channel = %q, want remote", transcript.Event.Channel)
	}

	conn.WriteJSON(map[string]any{"type": "get_status"})
	status := readReply(t, conn, "status")
	if status.Status == nil || status.Status.TranscriptsSent != 1 {
		t.Errorf("status = %+v, want 1 transcript sent", status.Status)
	}

	conn.WriteJSON(map[string]any{"type": "stop"})
	readReply(t, conn, "session_stopped")
	if m.ActiveCount() != 0 {
		t.Errorf("active = %d after stop, want 0", m.ActiveCount())
	}
}

func TestGatewayAudioReachesTranscriber(t *testing.T) {
	ft := newFakeTranscriber()
	conn, _ := dialGateway(t, ft)

	conn.WriteJSON(map[string]any{"type": "start", "sample_rate": 16000})
	readReply(t, conn, "session_started")

	samples := make([]float32, 300)
	conn.WriteJSON(map[string]any{"type": "audio", "channel": "local", "samples": samples})
	conn.WriteJSON(map[string]any{"type": "audio", "channel": "remote", "samples": samples})

	// Stop forces the remainder flush; 300 interleaved pairs is 1200 bytes.
	time.Sleep(50 * time.Millisecond)
	conn.WriteJSON(map[string]any{"type": "stop"})
	readReply(t, conn, "session_stopped")

	if got := ft.sentBytes(); got != 1200 {
		t.Errorf("transcriber received %d bytes, want 1200", got)
	}
}

func TestGatewayBinaryAudioFrame(t *testing.T) {
	ft := newFakeTranscriber()
	conn, _ := dialGateway(t, ft)

	conn.WriteJSON(map[string]any{"type": "start", "sample_rate": 16000})
	readReply(t, conn, "session_started")

	// 1 byte channel, 4 bytes rate, then 16-bit PCM.
	mkFrame := func(ch byte, n int) []byte {
		buf := make([]byte, 5+2*n)
		buf[0] = ch
		binary.LittleEndian.PutUint32(buf[1:5], 16000)
		return buf
	}
	conn.WriteMessage(websocket.BinaryMessage, mkFrame(0, 100))
	conn.WriteMessage(websocket.BinaryMessage, mkFrame(1, 100))

	time.Sleep(50 * time.Millisecond)
	conn.WriteJSON(map[string]any{"type": "stop"})
	readReply(t, conn, "session_stopped")

	if got := ft.sentBytes(); got != 400 {
		t.Errorf("transcriber received %d bytes, want 400", got)
	}
}

func TestGatewayRejectsDoubleStart(t *testing.T) {
	ft := newFakeTranscriber()
	conn, _ := dialGateway(t, ft)

	conn.WriteJSON(map[string]any{"type": "start"})
	readReply(t, conn, "session_started")
	conn.WriteJSON(map[string]any{"type": "start"})
	reply := readReply(t, conn, "error")
	if !strings.Contains(reply.Error, "already started") {
		t.Errorf("error = %q", reply.Error)
	}
}

func TestGatewayUnknownMessageType(t *testing.T) {
	ft := newFakeTranscriber()
	conn, _ := dialGateway(t, ft)

	conn.WriteJSON(map[string]any{"type": "warp"})
	reply := readReply(t, conn, "error")
	if !strings.Contains(reply.Error, "unknown message type") {
		t.Errorf("error = %q", reply.Error)
	}
}

func TestGatewayCleansUpOnClientDrop(t *testing.T) {
	ft := newFakeTranscriber()
	conn, m := dialGateway(t, ft)

	conn.WriteJSON(map[string]any{"type": "start"})
	readReply(t, conn, "session_started")
	conn.Close()

	deadline := time.After(2 * time.Second)
	for m.ActiveCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("session not unregistered after client drop")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
