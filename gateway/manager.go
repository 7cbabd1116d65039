// Package gateway exposes the websocket surface capture clients connect to
// and tracks their sessions.
package gateway

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"earshot.dev/session"
)

// ConnStatus is a point-in-time snapshot of one capture connection.
type ConnStatus struct {
	SessionID       string    `json:"session_id"`
	ClientState     string    `json:"client_state"`
	ConnectedAt     time.Time `json:"connected_at"`
	Messages        int64     `json:"messages"`
	AudioChunks     int64     `json:"audio_chunks"`
	TranscriptsSent int64     `json:"transcripts_sent"`
}

type entry struct {
	sess        *session.Session
	connectedAt time.Time

	messages    int64
	audioChunks int64
	transcripts int64
}

// Manager tracks live capture connections and their per-session counters. All
// methods are safe for concurrent use.
type Manager struct {
	logger *log.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

func NewManager(logger *log.Logger) *Manager {
	return &Manager{
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

func (m *Manager) register(id string, s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = &entry{sess: s, connectedAt: time.Now()}
	m.logger.Info("session registered", "session", id, "active", len(m.entries))
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	m.logger.Info("session unregistered", "session", id, "active", len(m.entries))
}

func (m *Manager) recordMessage(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.messages++
	}
}

func (m *Manager) recordAudio(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.audioChunks++
	}
}

func (m *Manager) recordTranscript(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.transcripts++
	}
}

// ActiveCount reports how many capture connections are live.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Status snapshots every live connection for the status endpoint.
func (m *Manager) Status() []ConnStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConnStatus, 0, len(m.entries))
	for id, e := range m.entries {
		out = append(out, ConnStatus{
			SessionID:       id,
			ClientState:     e.sess.State().String(),
			ConnectedAt:     e.connectedAt,
			Messages:        e.messages,
			AudioChunks:     e.audioChunks,
			TranscriptsSent: e.transcripts,
		})
	}
	return out
}

// StopAll stops every live session. Used at process shutdown so buffered
// audio is flushed and sockets close cleanly.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*session.Session, 0, len(m.entries))
	for _, e := range m.entries {
		sessions = append(sessions, e.sess)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
}

func (m *Manager) status(id string) (ConnStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ConnStatus{}, false
	}
	return ConnStatus{
		SessionID:       id,
		ClientState:     e.sess.State().String(),
		ConnectedAt:     e.connectedAt,
		Messages:        e.messages,
		AudioChunks:     e.audioChunks,
		TranscriptsSent: e.transcripts,
	}, true
}
