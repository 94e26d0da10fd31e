package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"tradepulse/internal/metrics"
	"tradepulse/logger"
)

// LinkState is the connection state of one exchange link.
type LinkState int32

const (
	StateDisconnected LinkState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s LinkState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultHeartbeatInterval = 20 * time.Second
	defaultReconnectDelay    = 5 * time.Second
	defaultMaxReconnects     = 10
	defaultReplayPerSecond   = 5
	defaultWriteTimeout      = 5 * time.Second

	// Backoff doubles per attempt but the exponent is capped, so the
	// delay never exceeds baseDelay * 2^5.
	maxBackoffExponent = 5
)

// Conn is the subset of *websocket.Conn the link depends on.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens one outbound websocket connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// LinkConfig configures one exchange link. Dialer and Clock default to
// the real websocket dialer and wall clock when nil.
type LinkConfig struct {
	Endpoint             string
	Exchange             string
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	ReplayPerSecond      int
	WriteTimeout         time.Duration

	Dialer Dialer
	Clock  Clock
}

// Link maintains one outbound connection to an exchange market-data
// endpoint: connect, heartbeat, abnormal-closure detection and
// exponential-backoff reconnection with subscription replay.
type Link struct {
	cfg    LinkConfig
	log    *logger.Entry
	dialer Dialer
	clock  Clock
	norm   *Normalizer
	ledger *Ledger
	replay *rate.Limiter

	writeMu sync.Mutex

	mu             sync.Mutex
	state          LinkState
	conn           Conn
	epoch          uint64
	attempts       int
	reconnectTimer Timer
	heartbeatStop  chan struct{}
	lastPingAt     time.Time
	lastPongAt     time.Time
	maxSignaled    bool
	listeners      []Listener
}

// NewLink creates a link for the configured endpoint. The link starts
// in the Disconnected state; call Connect to open the stream.
func NewLink(cfg LinkConfig, log *logger.Log) *Link {
	if cfg.Exchange == "" {
		cfg.Exchange = "bybit"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnects
	}
	if cfg.ReplayPerSecond <= 0 {
		cfg.ReplayPerSecond = defaultReplayPerSecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = wsDialer{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = NewClock()
	}

	return &Link{
		cfg:    cfg,
		log:    log.WithComponent("exchange_link").WithFields(logger.Fields{"exchange": cfg.Exchange}),
		dialer: dialer,
		clock:  clock,
		norm:   NewNormalizer(cfg.Exchange),
		ledger: NewLedger(),
		replay: rate.NewLimiter(rate.Limit(cfg.ReplayPerSecond), 1),
		state:  StateDisconnected,
	}
}

// AddListener registers a consumer of normalized and lifecycle events.
func (l *Link) AddListener(listener Listener) {
	if listener == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, listener)
	l.mu.Unlock()
}

// State returns the current connection state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Attempts returns the consecutive reconnect attempt counter.
func (l *Link) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// Ledger exposes the subscription ledger owned by this link.
func (l *Link) Ledger() *Ledger {
	return l.ledger
}

// LastPongAt reports when the endpoint last answered a heartbeat.
func (l *Link) LastPongAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastPongAt
}

// Connect opens the outbound stream. It is a no-op when the link is
// already connected or connecting. A dial failure is returned to the
// caller and the standard reconnect path is engaged.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.state == StateConnected || l.state == StateConnecting {
		l.mu.Unlock()
		return nil
	}
	if l.reconnectTimer != nil {
		l.reconnectTimer.Stop()
		l.reconnectTimer = nil
	}
	l.state = StateConnecting
	l.attempts = 0
	l.maxSignaled = false
	l.mu.Unlock()

	if err := l.dialAndStart(ctx); err != nil {
		l.mu.Lock()
		if l.state == StateConnecting {
			l.state = StateReconnecting
			l.scheduleReconnectLocked()
		}
		l.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect closes the link intentionally. No reconnection is
// scheduled and all timers stop. The ledger is retained so a later
// Connect replays it.
func (l *Link) Disconnect() {
	l.mu.Lock()
	l.state = StateDisconnected
	if l.reconnectTimer != nil {
		l.reconnectTimer.Stop()
		l.reconnectTimer = nil
	}
	l.stopHeartbeatLocked()
	l.epoch++
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	l.log.Info("exchange link disconnected on request")
}

// Subscribe records a (topic, symbol) feed in the ledger and, when
// connected, sends the subscribe frame immediately. When disconnected
// the intent is queued by virtue of being in the ledger.
func (l *Link) Subscribe(topic, symbol string) error {
	return l.subscribe(Subscription{Topic: topic, Symbol: symbol})
}

// Unsubscribe removes a (topic, symbol) feed from the ledger and, when
// connected, sends the unsubscribe frame immediately.
func (l *Link) Unsubscribe(topic, symbol string) error {
	return l.unsubscribe(Subscription{Topic: topic, Symbol: symbol})
}

// SubscribeTicker follows the normalized ticker feed for a symbol.
func (l *Link) SubscribeTicker(symbol string) error {
	return l.subscribe(Subscription{Topic: TopicTicker, Symbol: symbol})
}

// SubscribeTrades follows the public trade feed for a symbol.
func (l *Link) SubscribeTrades(symbol string) error {
	return l.subscribe(Subscription{Topic: TopicTrade, Symbol: symbol})
}

// SubscribeOrderbook follows book updates at the given depth (50 when
// depth is not positive).
func (l *Link) SubscribeOrderbook(symbol string, depth int) error {
	if depth <= 0 {
		depth = 50
	}
	return l.subscribe(Subscription{Topic: TopicOrderbook, Qualifier: fmt.Sprintf("%d", depth), Symbol: symbol})
}

// SubscribeKline follows candles for a symbol at the given interval.
func (l *Link) SubscribeKline(symbol, interval string) error {
	return l.subscribe(Subscription{Topic: TopicKline, Qualifier: interval, Symbol: symbol})
}

// UnsubscribeKline stops following candles for a symbol at the given interval.
func (l *Link) UnsubscribeKline(symbol, interval string) error {
	return l.unsubscribe(Subscription{Topic: TopicKline, Qualifier: interval, Symbol: symbol})
}

func (l *Link) subscribe(sub Subscription) error {
	// Mutate the ledger first so intent survives disconnects.
	added := l.ledger.Add(sub)

	l.mu.Lock()
	conn := l.conn
	connected := l.state == StateConnected
	l.mu.Unlock()

	if !added || !connected || conn == nil {
		return nil
	}

	frame := requestFrame{Op: opSubscribe, Args: []string{sub.Arg()}, ReqID: uuid.NewString()}
	if err := l.sendFrame(conn, frame); err != nil {
		return fmt.Errorf("send subscribe %s: %w", sub.Arg(), err)
	}
	l.log.WithFields(logger.Fields{"topic": sub.Arg()}).Debug("subscribed")
	return nil
}

func (l *Link) unsubscribe(sub Subscription) error {
	removed := l.ledger.Remove(sub)

	l.mu.Lock()
	conn := l.conn
	connected := l.state == StateConnected
	l.mu.Unlock()

	if !removed || !connected || conn == nil {
		return nil
	}

	frame := requestFrame{Op: opUnsubscribe, Args: []string{sub.Arg()}, ReqID: uuid.NewString()}
	if err := l.sendFrame(conn, frame); err != nil {
		return fmt.Errorf("send unsubscribe %s: %w", sub.Arg(), err)
	}
	l.log.WithFields(logger.Fields{"topic": sub.Arg()}).Debug("unsubscribed")
	return nil
}

// dialAndStart opens the transport and, on success, moves the link to
// Connected: resets the attempt counter, starts the read and heartbeat
// loops and replays the ledger.
func (l *Link) dialAndStart(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()

	conn, err := l.dialer.Dial(dialCtx, l.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.cfg.Endpoint, err)
	}

	l.mu.Lock()
	if l.state != StateConnecting {
		// Disconnect raced the dial.
		state := l.state
		l.mu.Unlock()
		conn.Close()
		return fmt.Errorf("connect aborted: link is %s", state)
	}
	l.conn = conn
	l.state = StateConnected
	l.attempts = 0
	l.maxSignaled = false
	l.epoch++
	epoch := l.epoch
	stop := make(chan struct{})
	l.heartbeatStop = stop
	l.mu.Unlock()

	go l.readLoop(conn, epoch)
	go l.heartbeatLoop(conn, stop)

	l.log.WithFields(logger.Fields{"endpoint": l.cfg.Endpoint}).Info("exchange link connected")
	l.emit(func(listener Listener) { listener.OnConnected() })

	l.replayLedger(conn)
	return nil
}

// replayLedger re-sends every recorded subscription in insertion
// order, paced so a large ledger does not overwhelm the endpoint.
func (l *Link) replayLedger(conn Conn) {
	entries := l.ledger.Entries()
	if len(entries) == 0 {
		return
	}

	for _, sub := range entries {
		if err := l.replay.Wait(context.Background()); err != nil {
			return
		}
		frame := requestFrame{Op: opSubscribe, Args: []string{sub.Arg()}, ReqID: uuid.NewString()}
		if err := l.sendFrame(conn, frame); err != nil {
			// The read loop notices the broken transport and drives
			// the reconnect; remaining entries replay next time.
			l.log.WithError(err).WithFields(logger.Fields{"topic": sub.Arg()}).Warn("subscription replay interrupted")
			return
		}
	}

	l.log.WithFields(logger.Fields{"count": len(entries)}).Info("replayed subscriptions")
}

func (l *Link) sendFrame(conn Conn, frame requestFrame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	return conn.WriteJSON(frame)
}

func (l *Link) readLoop(conn Conn, epoch uint64) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			l.handleConnectionLoss(epoch, err)
			return
		}
		logger.IncrementExchangeRead(len(msg))
		l.handleFrame(msg)
	}
}

func (l *Link) heartbeatLoop(conn Conn, stop chan struct{}) {
	ticker := l.clock.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			l.mu.Lock()
			l.lastPingAt = l.clock.Now()
			l.mu.Unlock()
			if err := l.sendFrame(conn, requestFrame{Op: opPing, ReqID: uuid.NewString()}); err != nil {
				l.log.WithError(err).Warn("failed to send heartbeat")
				return
			}
		}
	}
}

// handleFrame classifies one inbound message. Parse failures are
// logged and the message dropped; they never tear down the link.
func (l *Link) handleFrame(raw []byte) {
	var probe struct {
		Op      string `json:"op"`
		Type    string `json:"type"`
		RetMsg  string `json:"ret_msg"`
		Success *bool  `json:"success"`
		Topic   string `json:"topic"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		l.log.WithError(err).Debug("dropping unparsable frame")
		metrics.EmitDropMetric(nil, metrics.DropMetricExchangePayload, l.cfg.Exchange, "", "", "decode")
		return
	}

	switch {
	case probe.Topic != "":
		var frame dataFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			l.log.WithError(err).Debug("dropping malformed data frame")
			metrics.EmitDropMetric(nil, metrics.DropMetricExchangePayload, l.cfg.Exchange, "", "", "decode")
			return
		}
		events, err := l.norm.Normalize(frame.Topic, frame.Data, frame.Ts)
		if err != nil {
			l.log.WithError(err).WithFields(logger.Fields{"topic": frame.Topic}).Debug("dropping unnormalizable payload")
			metrics.EmitDropMetric(nil, metrics.DropMetricExchangePayload, l.cfg.Exchange, "", symbolFromTopic(frame.Topic), "normalize")
			return
		}
		for _, ev := range events {
			l.dispatch(ev)
		}

	case probe.Op == opPong || probe.Type == opPong || probe.RetMsg == opPong:
		l.mu.Lock()
		l.lastPongAt = l.clock.Now()
		l.mu.Unlock()

	case probe.Success != nil:
		if !*probe.Success {
			l.log.WithFields(logger.Fields{"op": probe.Op, "message": probe.RetMsg}).Warn("subscription acknowledgement failure")
		}

	default:
		l.log.Debug("ignoring unrecognized frame")
	}
}

func (l *Link) dispatch(ev Event) {
	metrics.IncrementEvent(string(ev.Kind))
	switch ev.Kind {
	case EventMarketData:
		l.emit(func(listener Listener) { listener.OnMarketData(*ev.MarketData) })
	case EventTrade:
		l.emit(func(listener Listener) { listener.OnTrade(*ev.Trade) })
	case EventOrderbook:
		l.emit(func(listener Listener) { listener.OnOrderbook(*ev.Orderbook) })
	case EventKline:
		l.emit(func(listener Listener) { listener.OnKline(*ev.Kline) })
	}
}

func (l *Link) emit(fn func(Listener)) {
	l.mu.Lock()
	listeners := make([]Listener, len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.Unlock()

	for _, listener := range listeners {
		fn(listener)
	}
}

// handleConnectionLoss routes any abnormal closure or read error into
// the Reconnecting state. Stale epochs (a loop outliving an
// intentional Disconnect) are ignored.
func (l *Link) handleConnectionLoss(epoch uint64, err error) {
	l.mu.Lock()
	if epoch != l.epoch || l.state != StateConnected {
		l.mu.Unlock()
		return
	}
	l.stopHeartbeatLocked()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.state = StateReconnecting
	l.mu.Unlock()

	code, reason := closeDetails(err)
	l.log.WithError(err).WithFields(logger.Fields{"code": code, "reason": reason}).Warn("exchange link lost")
	l.emit(func(listener Listener) { listener.OnDisconnected(code, reason) })
	l.emit(func(listener Listener) { listener.OnError(err) })

	l.mu.Lock()
	l.scheduleReconnectLocked()
	l.mu.Unlock()
}

// scheduleReconnectLocked increments the attempt counter and arms a
// single-shot timer with capped exponential backoff. Once the counter
// exceeds the maximum the link parks in terminal Disconnected and
// signals the owner exactly once; a manual Connect is then required.
func (l *Link) scheduleReconnectLocked() {
	if l.reconnectTimer != nil {
		l.reconnectTimer.Stop()
		l.reconnectTimer = nil
	}

	l.attempts++
	if l.attempts > l.cfg.MaxReconnectAttempts {
		l.state = StateDisconnected
		l.log.WithFields(logger.Fields{"attempts": l.attempts - 1}).Error("max reconnect attempts reached")
		if !l.maxSignaled {
			l.maxSignaled = true
			go l.emit(func(listener Listener) { listener.OnMaxReconnectAttempts() })
		}
		return
	}

	delay := backoffDelay(l.cfg.ReconnectBaseDelay, l.attempts)
	l.log.WithFields(logger.Fields{"attempt": l.attempts, "delay": delay.String()}).Info("scheduling reconnect")
	logger.IncrementLinkReconnect()
	metrics.IncrementLinkReconnect(l.cfg.Exchange)
	l.reconnectTimer = l.clock.AfterFunc(delay, l.reconnectNow)
}

func (l *Link) reconnectNow() {
	l.mu.Lock()
	if l.state != StateReconnecting {
		l.mu.Unlock()
		return
	}
	l.state = StateConnecting
	l.reconnectTimer = nil
	l.mu.Unlock()

	if err := l.dialAndStart(context.Background()); err != nil {
		l.log.WithError(err).Warn("reconnect attempt failed")
		l.mu.Lock()
		if l.state == StateConnecting {
			l.state = StateReconnecting
			l.scheduleReconnectLocked()
		}
		l.mu.Unlock()
	}
}

func (l *Link) stopHeartbeatLocked() {
	if l.heartbeatStop != nil {
		close(l.heartbeatStop)
		l.heartbeatStop = nil
	}
}

// backoffDelay computes baseDelay * 2^min(attempt-1, 5).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	exponent := attempt - 1
	if exponent > maxBackoffExponent {
		exponent = maxBackoffExponent
	}
	if exponent < 0 {
		exponent = 0
	}
	return base * time.Duration(1<<uint(exponent))
}

func closeDetails(err error) (int, string) {
	if closeErr, ok := err.(*websocket.CloseError); ok {
		return closeErr.Code, closeErr.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
