package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"earshot.dev/metrics"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultBackoffBase      = 1 * time.Second
	defaultMaxReconnects    = 5
	defaultKeepAliveEvery   = 8 * time.Second
)

// ConnState is the socket lifecycle state of a Client. Transitions are
// validated and serialized; there is never more than one in flight.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// legalTransition encodes the closed set of lifecycle moves. Disconnected is
// reachable from anywhere because Close is always allowed; Failed is terminal
// until the owner explicitly closes and reconnects.
func legalTransition(from, to ConnState) bool {
	if to == Disconnected {
		return true
	}
	switch from {
	case Disconnected:
		return to == Connecting
	case Connecting:
		return to == Connected || to == Failed
	case Connected:
		return to == Reconnecting
	case Reconnecting:
		return to == Connected || to == Failed
	}
	return false
}

// liveMessage is the recognizer's inbound event envelope. Only the fields the
// pipeline consumes are decoded; everything else rides along untouched.
type liveMessage struct {
	Type         string `json:"type"`
	RequestID    string `json:"request_id,omitempty"`
	ChannelIndex []int  `json:"channel_index,omitempty"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Client owns the websocket lifecycle to the streaming recognizer: connect,
// send, receive, reconnect, close. One Client serves exactly one session and
// must not be shared.
type Client struct {
	endpoint string
	apiKey   string
	opts     LiveOptions
	logger   *log.Logger

	dialer           *websocket.Dialer
	handshakeTimeout time.Duration
	backoffBase      time.Duration
	maxReconnects    int
	keepAliveEvery   time.Duration

	mu    sync.Mutex
	state ConnState
	conn  *websocket.Conn
	gen   int // socket generation; loops bound to an old gen are stale

	writeMu sync.Mutex

	results   chan Result
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient builds a client for the given websocket endpoint. The API key is
// carried in the handshake Authorization header, never in the URL.
func NewClient(endpoint, apiKey string, opts LiveOptions, logger *log.Logger) *Client {
	return &Client{
		endpoint:         endpoint,
		apiKey:           apiKey,
		opts:             opts,
		logger:           logger,
		dialer:           websocket.DefaultDialer,
		handshakeTimeout: defaultHandshakeTimeout,
		backoffBase:      defaultBackoffBase,
		maxReconnects:    defaultMaxReconnects,
		keepAliveEvery:   defaultKeepAliveEvery,
		results:          make(chan Result, 64),
		done:             make(chan struct{}),
	}
}

// State reports the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) transition(to ConnState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(to)
}

func (c *Client) transitionLocked(to ConnState) error {
	if !legalTransition(c.state, to) {
		return fmt.Errorf("stt: illegal transition %s -> %s", c.state, to)
	}
	if c.state != to {
		c.logger.Debug("connection state", "from", c.state, "to", to)
	}
	c.state = to
	return nil
}

// Connect opens the socket and performs the handshake. A handshake timeout or
// rejected credentials lands the client in Failed and is reported to the
// caller once; there is no silent retry at this stage.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.done:
		return fmt.Errorf("stt: client is closed")
	default:
	}

	if err := c.transition(Connecting); err != nil {
		return err
	}

	conn, err := c.dial(ctx)
	if err != nil {
		_ = c.transition(Failed)
		return fmt.Errorf("recognizer handshake: %w", err)
	}

	c.adopt(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := c.opts.Endpoint(c.endpoint)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+c.apiKey)

	dialCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial recognizer: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial recognizer: %w", err)
	}
	return conn, nil
}

// adopt installs a freshly dialed socket, marks the client Connected, and
// starts the read and keepalive loops for the new generation.
func (c *Client) adopt(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.gen++
	gen := c.gen
	_ = c.transitionLocked(Connected)
	c.mu.Unlock()

	go c.readLoop(conn, gen)
	go c.keepAlive(conn, gen)
}

func (c *Client) current(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// SendAudio writes one binary frame, whole, in a single network write. While
// the socket is not connected the frame is dropped rather than buffered:
// unbounded queueing against a producer that never stops is worse than losing
// audio during a reconnect window.
func (c *Client) SendAudio(data []byte) {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == Connected
	c.mu.Unlock()

	if !connected || conn == nil {
		metrics.SendsDropped.Inc()
		c.logger.Debug("dropping audio while not connected", "bytes", len(data))
		return
	}

	c.writeMu.Lock()
	err := conn.WriteMessage(websocket.BinaryMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		metrics.SendsDropped.Inc()
		c.logger.Debug("audio send failed", "error", err)
		return
	}
	metrics.AudioBytesSent.Add(float64(len(data)))
}

// Results is the stream of decoded recognizer events, in strict arrival
// order. The channel is never closed; consumers stop via their own lifecycle.
func (c *Client) Results() <-chan Result {
	return c.results
}

func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if !c.current(gen) {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("recognizer closed the stream")
				_ = c.transition(Disconnected)
				return
			}
			c.logger.Warn("recognizer socket lost", "error", err)
			go c.reconnect(gen)
			return
		}
		c.handleMessage(data)
	}
}

// handleMessage decodes one inbound event. A malformed payload drops that
// event only; the stream keeps going.
func (c *Client) handleMessage(data []byte) {
	var msg liveMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		metrics.RecognizerParseErrors.Inc()
		c.logger.Warn("dropping unparseable recognizer event", "error", err)
		return
	}

	switch msg.Type {
	case "Results":
	case "Metadata":
		c.logger.Debug("recognizer metadata", "request_id", msg.RequestID)
		return
	case "SpeechStarted", "UtteranceEnd":
		c.logger.Debug("recognizer event", "type", msg.Type)
		return
	default:
		c.logger.Debug("unhandled recognizer event", "type", msg.Type)
		return
	}

	if len(msg.Channel.Alternatives) == 0 {
		return
	}
	alt := msg.Channel.Alternatives[0]

	idx := 0
	if len(msg.ChannelIndex) > 0 {
		idx = msg.ChannelIndex[0]
	}

	res := Result{
		Text:         alt.Transcript,
		Confidence:   alt.Confidence,
		IsFinal:      msg.IsFinal,
		SpeechFinal:  msg.SpeechFinal,
		ChannelIndex: idx,
	}

	select {
	case c.results <- res:
	case <-c.done:
	}
}

// reconnect runs after an unexpected closure. Attempts are bounded with
// exponential backoff (1s, 2s, 4s, 8s, 16s by default); exhaustion lands in
// Failed, which requires an explicit restart by the session owner.
func (c *Client) reconnect(oldGen int) {
	c.mu.Lock()
	if c.gen != oldGen || c.state != Connected {
		c.mu.Unlock()
		return
	}
	_ = c.transitionLocked(Reconnecting)
	c.mu.Unlock()

	for attempt := 1; attempt <= c.maxReconnects; attempt++ {
		delay := c.backoffBase << (attempt - 1)
		select {
		case <-time.After(delay):
		case <-c.done:
			return
		}

		metrics.ReconnectAttempts.Inc()
		c.logger.Info("reconnecting to recognizer", "attempt", attempt, "max", c.maxReconnects)

		conn, err := c.dial(context.Background())
		if err != nil {
			c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		if c.state != Reconnecting {
			// Close raced us; the new socket is unwanted.
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.gen++
		gen := c.gen
		_ = c.transitionLocked(Connected)
		c.mu.Unlock()

		go c.readLoop(conn, gen)
		go c.keepAlive(conn, gen)
		return
	}

	_ = c.transition(Failed)
	c.logger.Error("recognizer reconnect attempts exhausted", "attempts", c.maxReconnects)
}

// keepAlive keeps the recognizer from timing out an idle stream during long
// silences.
func (c *Client) keepAlive(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(c.keepAliveEvery)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if !c.current(gen) {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteJSON(map[string]string{"type": "KeepAlive"})
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close is the terminal shutdown path: safe from any state, safe to call
// twice. It announces end-of-stream, sends a normal close frame, and tears
// the socket down. The client is spent afterwards; reconnecting means
// building a new one.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.gen++
	already := c.state == Disconnected
	c.state = Disconnected
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })

	if already || conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteJSON(map[string]string{"type": "CloseStream"})
	_ = conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	c.writeMu.Unlock()

	return conn.Close()
}
