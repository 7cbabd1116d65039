package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"earshot.dev/audio"
	"earshot.dev/metrics"
	"earshot.dev/session"
	"earshot.dev/stt"
)

// TranscriberFactory dials a recognizer connection for a new session.
type TranscriberFactory func(ctx context.Context) (session.Transcriber, error)

// TranscriptStore persists finalized transcripts. Implemented by db.Store;
// nil means transcripts are push-only.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, sessionID string, ev stt.TranscriptEvent) error
}

// clientMessage is the envelope capture clients send. Audio may arrive either
// as this JSON shape or as a binary frame (see handleBinaryAudio).
type clientMessage struct {
	Type       string    `json:"type"`
	Channel    string    `json:"channel,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Samples    []float32 `json:"samples,omitempty"`
}

type serverMessage struct {
	Type      string               `json:"type"`
	SessionID string               `json:"session_id,omitempty"`
	Event     *stt.TranscriptEvent `json:"event,omitempty"`
	Status    *ConnStatus          `json:"status,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// Handler upgrades capture clients on /ws/session and drives one session per
// connection.
type Handler struct {
	logger         *log.Logger
	manager        *Manager
	store          TranscriptStore
	newTranscriber TranscriberFactory
	accOpts        []stt.AccumulatorOption
	upgrader       websocket.Upgrader
}

func NewHandler(manager *Manager, newTranscriber TranscriberFactory, store TranscriptStore, logger *log.Logger, accOpts ...stt.AccumulatorOption) *Handler {
	return &Handler{
		logger:         logger,
		manager:        manager,
		store:          store,
		newTranscriber: newTranscriber,
		accOpts:        accOpts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	metrics.GatewayConnections.Inc()

	c := &captureConn{
		h:    h,
		conn: conn,
		id:   uuid.NewString(),
	}
	c.logger = h.logger.With("session", c.id)
	c.serve()
}

// captureConn is the per-connection state. The read loop owns sess and
// defaultRate; the write mutex serializes replies against transcript pushes.
type captureConn struct {
	h      *Handler
	conn   *websocket.Conn
	id     string
	logger *log.Logger

	writeMu     sync.Mutex
	sess        *session.Session
	defaultRate int
}

func (c *captureConn) serve() {
	defer c.teardown()
	c.logger.Info("capture client connected")

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("capture client dropped", "error", err)
			}
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			c.handleBinaryAudio(data)
		case websocket.TextMessage:
			c.handleText(data)
		}
	}
}

func (c *captureConn) teardown() {
	if c.sess != nil {
		c.sess.Stop()
		c.h.manager.unregister(c.id)
		c.sess = nil
	}
	c.conn.Close()
	c.logger.Info("capture client disconnected")
}

func (c *captureConn) handleText(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply(serverMessage{Type: "error", Error: "malformed message"})
		return
	}
	c.h.manager.recordMessage(c.id)

	switch msg.Type {
	case "start":
		c.handleStart(msg)
	case "audio":
		c.handleJSONAudio(msg)
	case "stop":
		c.handleStop()
	case "ping":
		c.reply(serverMessage{Type: "pong", SessionID: c.id})
	case "get_status":
		if st, ok := c.h.manager.status(c.id); ok {
			c.reply(serverMessage{Type: "status", SessionID: c.id, Status: &st})
		} else {
			c.reply(serverMessage{Type: "error", Error: "no active session"})
		}
	default:
		c.reply(serverMessage{Type: "error", Error: "unknown message type: " + msg.Type})
	}
}

func (c *captureConn) handleStart(msg clientMessage) {
	if c.sess != nil {
		c.reply(serverMessage{Type: "error", SessionID: c.id, Error: "session already started"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tr, err := c.h.newTranscriber(ctx)
	if err != nil {
		c.logger.Error("recognizer unavailable", "error", err)
		c.reply(serverMessage{Type: "error", Error: "recognizer unavailable"})
		return
	}

	c.defaultRate = msg.SampleRate
	if c.defaultRate <= 0 {
		c.defaultRate = session.TargetSampleRate
	}

	c.sess = session.New(c.id, tr, c.logger, c.h.accOpts...)
	c.h.manager.register(c.id, c.sess)
	go c.pushTranscripts(c.sess)

	c.reply(serverMessage{Type: "session_started", SessionID: c.id})
}

func (c *captureConn) handleStop() {
	if c.sess == nil {
		c.reply(serverMessage{Type: "error", Error: "no active session"})
		return
	}
	c.sess.Stop()
	c.h.manager.unregister(c.id)
	c.sess = nil
	c.reply(serverMessage{Type: "session_stopped", SessionID: c.id})
}

func (c *captureConn) handleJSONAudio(msg clientMessage) {
	if c.sess == nil {
		return
	}
	ch := audio.Channel(msg.Channel)
	if ch != audio.ChannelLocal && ch != audio.ChannelRemote {
		c.reply(serverMessage{Type: "error", Error: "unknown channel: " + msg.Channel})
		return
	}
	rate := msg.SampleRate
	if rate <= 0 {
		rate = c.defaultRate
	}
	c.h.manager.recordAudio(c.id)
	c.sess.PushFrame(audio.Frame{
		Channel:    ch,
		SampleRate: rate,
		Samples:    msg.Samples,
		CapturedAt: time.Now(),
	})
}

// handleBinaryAudio decodes the compact frame layout capture clients use for
// bulk audio: 1 byte channel index, 4 bytes little-endian sample rate, then
// little-endian 16-bit PCM.
func (c *captureConn) handleBinaryAudio(data []byte) {
	if c.sess == nil {
		return
	}
	if len(data) < 5 || (len(data)-5)%2 != 0 {
		c.reply(serverMessage{Type: "error", Error: "malformed audio frame"})
		return
	}

	ch := audio.ChannelFromIndex(int(data[0]))
	rate := int(binary.LittleEndian.Uint32(data[1:5]))
	if rate <= 0 {
		rate = c.defaultRate
	}

	pcm := data[5:]
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768
	}

	c.h.manager.recordMessage(c.id)
	c.h.manager.recordAudio(c.id)
	c.sess.PushFrame(audio.Frame{
		Channel:    ch,
		SampleRate: rate,
		Samples:    samples,
		CapturedAt: time.Now(),
	})
}

// pushTranscripts forwards session events to the capture client for the life
// of the session. Finals are also persisted when a store is configured.
func (c *captureConn) pushTranscripts(s *session.Session) {
	for {
		select {
		case <-s.Done():
			return
		case ev := <-s.Events():
			c.h.manager.recordTranscript(c.id)
			c.reply(serverMessage{Type: "transcript", SessionID: c.id, Event: &ev})

			if ev.IsFinal && c.h.store != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := c.h.store.SaveTranscript(ctx, c.id, ev); err != nil {
					c.logger.Warn("persisting transcript", "error", err)
				}
				cancel()
			}
		}
	}
}

func (c *captureConn) reply(msg serverMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Debug("write to capture client failed", "error", err)
	}
}
