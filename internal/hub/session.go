package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Session is one authenticated long-lived connection. It exists in the
// registry exactly while its transport is open and within the liveness
// timeout.
type Session struct {
	ID          string
	UserID      string
	UserLabel   string
	ConnectedAt time.Time

	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration

	mu            sync.RWMutex
	lastHeartbeat time.Time
	channels      map[string]struct{}
}

func newSession(id, userID, userLabel string, conn *websocket.Conn, writeTimeout time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:            id,
		UserID:        userID,
		UserLabel:     userLabel,
		ConnectedAt:   now,
		conn:          conn,
		writeTimeout:  writeTimeout,
		lastHeartbeat: now,
		channels:      make(map[string]struct{}),
	}
}

// Send delivers one message to the session. Writes are serialized and
// bounded by the write timeout so a blocked peer cannot stall callers
// indefinitely.
func (s *Session) Send(msg OutboundMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send to session %s: %w", s.ID, err)
	}
	return nil
}

// Ping sends a low-level liveness probe on the transport.
func (s *Session) Ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

// CloseWithCode writes a close frame and tears down the transport.
func (s *Session) CloseWithCode(code int, reason string) {
	s.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
	s.writeMu.Unlock()
	s.conn.Close()
}

// TouchHeartbeat refreshes the liveness timestamp. Called on every
// inbound control message and on pong replies.
func (s *Session) TouchHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

// LastHeartbeat returns the last time the session showed liveness.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeat
}

func (s *Session) addChannel(channel string) {
	s.mu.Lock()
	s.channels[channel] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeChannel(channel string) {
	s.mu.Lock()
	delete(s.channels, channel)
	s.mu.Unlock()
}

// Channels returns a copy of the session's subscription set.
func (s *Session) Channels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.channels))
	for name := range s.channels {
		out = append(out, name)
	}
	return out
}
