package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tradepulse/config"
	"tradepulse/internal/metrics"
	"tradepulse/logger"
)

// Hub owns the session registry and channel directory. It accepts
// authenticated connections, routes inbound control messages and fans
// out broadcasts to channel subscribers. External collaborators only
// interact through Broadcast and SendToUser.
type Hub struct {
	cfg       config.HubConfig
	log       *logger.Entry
	verifier  CredentialVerifier
	audit     AuditRecorder
	registry  *Registry
	directory *Directory

	validChannels map[string]struct{}
	channelList   []string

	upgrader websocket.Upgrader

	wg           sync.WaitGroup
	mu           sync.Mutex
	cancel       context.CancelFunc
	shuttingDown bool
}

// New constructs a hub. Collaborators (verifier, audit recorder) are
// injected explicitly; there is no shared global instance.
func New(cfg config.HubConfig, verifier CredentialVerifier, audit AuditRecorder, log *logger.Log) *Hub {
	valid := make(map[string]struct{}, len(cfg.Channels))
	for _, name := range cfg.Channels {
		valid[name] = struct{}{}
	}

	return &Hub{
		cfg:           cfg,
		log:           log.WithComponent("hub"),
		verifier:      verifier,
		audit:         audit,
		registry:      NewRegistry(),
		directory:     NewDirectory(),
		validChannels: valid,
		channelList:   append([]string(nil), cfg.Channels...),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
}

// Start launches the liveness supervisor for the life of the hub.
func (h *Hub) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	supervisor := newSupervisor(h, h.cfg.PingInterval.Value(), h.cfg.LivenessTimeout.Value(), h.log)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		supervisor.Run(runCtx)
	}()
}

// Registry exposes the session registry for read-only inspection.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Directory exposes the channel directory for read-only inspection.
func (h *Hub) Directory() *Directory {
	return h.directory
}

// Channels returns the fixed set of valid channel names.
func (h *Hub) Channels() []string {
	return append([]string(nil), h.channelList...)
}

// HandleUpgrade validates the bearer credential carried on the upgrade
// request, enforces the per-user session cap and registers the session.
// Rejections close the transport with a distinguishing code before any
// session is created.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	claims, err := h.verifier.Verify(token)
	if err != nil {
		h.closeRejected(conn, CloseUnauthorized, "unauthorized")
		h.recordAudit(AuditEvent{Kind: AuditAuthReject, Detail: "missing or invalid credential"})
		return
	}

	h.mu.Lock()
	if h.shuttingDown {
		h.mu.Unlock()
		h.closeRejected(conn, CloseServerShutdown, "server shutting down")
		return
	}
	if h.registry.CountForUser(claims.UserID) >= h.cfg.MaxSessionsPerUser {
		h.mu.Unlock()
		h.closeRejected(conn, CloseTooManySessions, "session limit exceeded")
		h.recordAudit(AuditEvent{UserID: claims.UserID, Kind: AuditAuthReject, Detail: "session limit exceeded"})
		return
	}

	session := newSession(uuid.NewString(), claims.UserID, claims.Email, conn, h.cfg.WriteTimeout.Value())
	h.registry.Add(session)
	h.mu.Unlock()

	h.publishSessionCount()

	conn.SetPongHandler(func(string) error {
		session.TouchHeartbeat()
		return nil
	})

	h.recordAudit(AuditEvent{UserID: session.UserID, SessionID: session.ID, Kind: AuditConnect, Detail: session.UserLabel})
	h.log.WithFields(logger.Fields{
		"session_id": session.ID,
		"user_id":    session.UserID,
	}).Info("session connected")

	welcome := OutboundMessage{
		Type: ResponseConnection,
		Data: map[string]interface{}{
			"session_id": session.ID,
			"channels":   h.channelList,
		},
	}
	if err := session.Send(welcome); err != nil {
		h.log.WithError(err).Warn("failed to send welcome message")
	}

	h.wg.Add(1)
	go h.readLoop(session)
}

// readLoop processes one session's control messages sequentially, so
// no two messages from the same session are handled out of order.
func (h *Hub) readLoop(session *Session) {
	defer h.wg.Done()

	for {
		_, raw, err := session.conn.ReadMessage()
		if err != nil {
			h.Disconnect(session, "transport closed")
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			if sendErr := session.Send(errorMessage("", "invalid message payload")); sendErr != nil {
				h.log.WithError(sendErr).Debug("failed to send error response")
			}
			continue
		}

		session.TouchHeartbeat()
		h.handleMessage(session, msg)
	}
}

func (h *Hub) handleMessage(session *Session, msg InboundMessage) {
	switch msg.Type {
	case MessageSubscribe:
		h.handleSubscribe(session, msg.Channel)

	case MessageUnsubscribe:
		h.handleUnsubscribe(session, msg.Channel)

	case MessagePing:
		if err := session.Send(OutboundMessage{Type: ResponsePong}); err != nil {
			h.log.WithError(err).Debug("failed to send pong")
		}

	case MessageBotCommand:
		// Opaque pass-through: interpretation belongs to the bot
		// runtime, the hub only acknowledges receipt.
		ack := OutboundMessage{Type: ResponseBotCommandAck, Data: msg.Data}
		if err := session.Send(ack); err != nil {
			h.log.WithError(err).Debug("failed to send command ack")
		}

	default:
		detail := fmt.Sprintf("unknown message type %q", msg.Type)
		if err := session.Send(errorMessage(msg.Channel, detail)); err != nil {
			h.log.WithError(err).Debug("failed to send error response")
		}
	}
}

func (h *Hub) handleSubscribe(session *Session, channel string) {
	if _, ok := h.validChannels[channel]; !ok {
		detail := fmt.Sprintf("unknown channel %q", channel)
		if err := session.Send(errorMessage(channel, detail)); err != nil {
			h.log.WithError(err).Debug("failed to send error response")
		}
		return
	}

	h.directory.Subscribe(channel, session.ID)
	session.addChannel(channel)

	if err := session.Send(OutboundMessage{Type: ResponseSubscribed, Channel: channel}); err != nil {
		h.log.WithError(err).Debug("failed to confirm subscription")
	}
}

func (h *Hub) handleUnsubscribe(session *Session, channel string) {
	h.directory.Unsubscribe(channel, session.ID)
	session.removeChannel(channel)

	if err := session.Send(OutboundMessage{Type: ResponseUnsubscribed, Channel: channel}); err != nil {
		h.log.WithError(err).Debug("failed to confirm unsubscription")
	}
}

// Broadcast delivers a payload to every subscriber of a channel in the
// order Broadcast was called. A delivery failure on one session never
// aborts delivery to the rest. Broadcasting to a channel with no
// subscribers is a no-op.
func (h *Hub) Broadcast(channel, msgType string, data interface{}) {
	ids := h.directory.Subscribers(channel)
	if len(ids) == 0 {
		return
	}

	msg := OutboundMessage{Type: msgType, Channel: channel, Data: data}
	size := 0
	if encoded, err := json.Marshal(msg); err == nil {
		size = len(encoded)
	}
	logger.RecordChannelMessage(channel, size)

	for _, id := range ids {
		session, ok := h.registry.Get(id)
		if !ok {
			continue
		}
		logger.IncrementBroadcast(size)
		metrics.IncrementBroadcast(channel)
		if err := session.Send(msg); err != nil {
			metrics.IncrementBroadcastError(channel)
			metrics.EmitDropMetric(nil, metrics.DropMetricBroadcast, "", channel, "", "send")
			h.log.WithError(err).WithFields(logger.Fields{
				"session_id": session.ID,
				"channel":    channel,
			}).Warn("broadcast delivery failed")
		}
	}
}

// SendToUser delivers a payload to every session owned by the user and
// returns the number of sessions addressed (possibly zero).
func (h *Hub) SendToUser(userID, msgType string, data interface{}) int {
	sessions := h.registry.ByUser(userID)
	msg := OutboundMessage{Type: msgType, Data: data}

	for _, session := range sessions {
		if err := session.Send(msg); err != nil {
			h.log.WithError(err).WithFields(logger.Fields{
				"session_id": session.ID,
				"user_id":    userID,
			}).Warn("direct delivery failed")
		}
	}
	return len(sessions)
}

// Disconnect removes the session from every channel and from the
// registry, then records the event. It is idempotent: later calls for
// an already-removed session do nothing.
func (h *Hub) Disconnect(session *Session, reason string) {
	if !h.registry.Remove(session.ID) {
		return
	}

	for _, channel := range session.Channels() {
		h.directory.Unsubscribe(channel, session.ID)
		session.removeChannel(channel)
	}

	session.conn.Close()
	h.publishSessionCount()

	h.recordAudit(AuditEvent{UserID: session.UserID, SessionID: session.ID, Kind: AuditDisconnect, Detail: reason})
	h.log.WithFields(logger.Fields{
		"session_id": session.ID,
		"user_id":    session.UserID,
		"reason":     reason,
	}).Info("session disconnected")
}

// Shutdown closes every open session with a shutdown reason, stops the
// liveness supervisor and waits for the read loops to drain.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.shuttingDown = true
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	for _, session := range h.registry.Snapshot() {
		session.CloseWithCode(CloseServerShutdown, "server shutting down")
		h.Disconnect(session, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown complete")
	case <-ctx.Done():
		h.log.Warn("hub shutdown timed out")
	}
}

func (h *Hub) closeRejected(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteTimeout.Value()))
	conn.Close()
}

// recordAudit is best effort: a failing recorder never affects the hub.
func (h *Hub) recordAudit(event AuditEvent) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Record(context.Background(), event); err != nil {
		h.log.WithError(err).Debug("audit record failed")
	}
}

func (h *Hub) publishSessionCount() {
	count := h.registry.Len()
	logger.SetHubSessions(count)
	metrics.SetHubSessions(count)
}
