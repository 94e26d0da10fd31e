package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tradepulse/logger"
)

type fakeTimer struct {
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type scheduledCall struct {
	delay time.Duration
	fn    func()
	timer *fakeTimer
}

type fakeTicker struct {
	mu      sync.Mutex
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.ch
}

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTicker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// fakeClock records AfterFunc calls and tickers so tests control when
// reconnect timers and heartbeat ticks fire.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []scheduledCall
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 4, 25, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{}
	c.pending = append(c.pending, scheduledCall{delay: d, fn: f, timer: timer})
	return timer
}

func (c *fakeClock) NewTicker(time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	ticker := &fakeTicker{ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, ticker)
	return ticker
}

// tick delivers one tick on the most recently created ticker, waiting
// briefly for the heartbeat goroutine to create it.
func (c *fakeClock) tick(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.tickers) > 0 {
			ticker := c.tickers[len(c.tickers)-1]
			c.mu.Unlock()
			ticker.ch <- c.Now()
			return
		}
		c.mu.Unlock()
		if !time.Now().Before(deadline) {
			t.Fatal("no ticker to tick")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (c *fakeClock) lastTicker(t *testing.T) *fakeTicker {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tickers) == 0 {
		t.Fatal("no ticker was created")
	}
	return c.tickers[len(c.tickers)-1]
}

// delays returns the backoff delay of every timer armed so far.
func (c *fakeClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, 0, len(c.pending))
	for _, call := range c.pending {
		out = append(out, call.delay)
	}
	return out
}

// fireLast runs the most recently armed timer synchronously.
func (c *fakeClock) fireLast(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		t.Fatal("no pending timer to fire")
	}
	call := c.pending[len(c.pending)-1]
	c.mu.Unlock()
	call.fn()
}

func (c *fakeClock) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.pending {
		if !call.timer.stopped {
			n++
		}
	}
	return n
}

// fakeConn feeds ReadMessage from a channel and records outbound
// frames. Closing the inbound channel simulates an abnormal closure.
type fakeConn struct {
	mu      sync.Mutex
	frames  []requestFrame
	inbound chan []byte
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-c.inbound
	if !ok {
		return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "abnormal closure"}
	}
	return websocket.TextMessage, msg, nil
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	if frame, ok := v.(requestFrame); ok {
		c.frames = append(c.frames, frame)
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error {
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

// dropTransport simulates the endpoint closing the connection.
func (c *fakeConn) dropTransport() {
	c.Close()
}

func (c *fakeConn) push(msg string) {
	c.inbound <- []byte(msg)
}

func (c *fakeConn) sentArgs(op string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, frame := range c.frames {
		if frame.Op == op {
			out = append(out, frame.Args...)
		}
	}
	return out
}

func (c *fakeConn) opCount(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, frame := range c.frames {
		if frame.Op == op {
			n++
		}
	}
	return n
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failures int
	dials    int
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 || d.failures < 0 {
		if d.failures > 0 {
			d.failures--
		}
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) lastConn(t *testing.T) *fakeConn {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		t.Fatal("no connection was dialed")
	}
	return d.conns[len(d.conns)-1]
}

// recordingListener counts lifecycle callbacks and collects events.
type recordingListener struct {
	mu           sync.Mutex
	connected    int
	disconnected int
	maxReached   int
	lastCode     int
	marketData   []MarketData
	trades       []Trade
	errs         []error
}

func (r *recordingListener) OnConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected++
}

func (r *recordingListener) OnDisconnected(code int, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected++
	r.lastCode = code
}

func (r *recordingListener) OnMaxReconnectAttempts() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxReached++
}

func (r *recordingListener) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingListener) OnMarketData(md MarketData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marketData = append(r.marketData, md)
}

func (r *recordingListener) OnTrade(trade Trade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, trade)
}

func (r *recordingListener) OnOrderbook(Orderbook) {}
func (r *recordingListener) OnKline(Kline)         {}

func (r *recordingListener) snapshot() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected, r.disconnected, r.maxReached
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestLink(dialer *fakeDialer, clock *fakeClock, maxAttempts int) *Link {
	return NewLink(LinkConfig{
		Endpoint:             "wss://stream.example.test/v5/public/linear",
		Exchange:             "bybit",
		HeartbeatInterval:    time.Hour,
		ReconnectBaseDelay:   5 * time.Second,
		MaxReconnectAttempts: maxAttempts,
		ReplayPerSecond:      1000,
		Dialer:               dialer,
		Clock:                clock,
	}, logger.GetLogger())
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	base := 5 * time.Second
	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		160 * time.Second,
		160 * time.Second,
	}
	for i, expected := range want {
		if got := backoffDelay(base, i+1); got != expected {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", i+1, got, expected)
		}
	}
}

func TestConnectSendsQueuedSubscriptions(t *testing.T) {
	dialer := &fakeDialer{}
	clock := newFakeClock()
	link := newTestLink(dialer, clock, 10)

	// Intent recorded while disconnected queues in the ledger.
	link.SubscribeTicker("BTCUSDT")
	link.SubscribeTrades("BTCUSDT")
	link.SubscribeOrderbook("ETHUSDT", 0)

	if link.State() != StateDisconnected {
		t.Fatalf("state = %v before Connect, want disconnected", link.State())
	}

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if link.State() != StateConnected {
		t.Fatalf("state = %v, want connected", link.State())
	}

	conn := dialer.lastConn(t)
	got := conn.sentArgs(opSubscribe)
	want := []string{"tickers.BTCUSDT", "publicTrade.BTCUSDT", "orderbook.50.ETHUSDT"}
	if len(got) != len(want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("replayed args = %v, want %v (insertion order)", got, want)
		}
	}

	link.Disconnect()
}

func TestSubscribeWhileConnectedSendsImmediately(t *testing.T) {
	dialer := &fakeDialer{}
	clock := newFakeClock()
	link := newTestLink(dialer, clock, 10)

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	conn := dialer.lastConn(t)

	if err := link.SubscribeKline("BTCUSDT", "5"); err != nil {
		t.Fatalf("SubscribeKline returned error: %v", err)
	}
	if got := conn.sentArgs(opSubscribe); len(got) != 1 || got[0] != "kline.5.BTCUSDT" {
		t.Fatalf("sent %v, want [kline.5.BTCUSDT]", got)
	}

	// A duplicate subscription is a no-op on the wire.
	if err := link.SubscribeKline("BTCUSDT", "5"); err != nil {
		t.Fatalf("duplicate SubscribeKline returned error: %v", err)
	}
	if got := conn.sentArgs(opSubscribe); len(got) != 1 {
		t.Fatalf("duplicate subscribe reached the wire: %v", got)
	}

	if err := link.UnsubscribeKline("BTCUSDT", "5"); err != nil {
		t.Fatalf("UnsubscribeKline returned error: %v", err)
	}
	if got := conn.sentArgs(opUnsubscribe); len(got) != 1 || got[0] != "kline.5.BTCUSDT" {
		t.Fatalf("sent %v, want [kline.5.BTCUSDT]", got)
	}

	link.Disconnect()
}

func TestAbnormalClosureTriggersReconnectAndReplay(t *testing.T) {
	dialer := &fakeDialer{}
	clock := newFakeClock()
	link := newTestLink(dialer, clock, 10)
	listener := &recordingListener{}
	link.AddListener(listener)

	link.SubscribeTicker("BTCUSDT")
	link.SubscribeTrades("ETHUSDT")

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	first := dialer.lastConn(t)

	first.dropTransport()
	waitFor(t, "reconnect timer", func() bool { return len(clock.delays()) == 1 })

	if link.State() != StateReconnecting {
		t.Fatalf("state = %v, want reconnecting", link.State())
	}
	_, disconnected, _ := listener.snapshot()
	if disconnected != 1 {
		t.Fatalf("OnDisconnected fired %d times, want 1", disconnected)
	}
	if listener.lastCode != websocket.CloseAbnormalClosure {
		t.Fatalf("close code = %d, want %d", listener.lastCode, websocket.CloseAbnormalClosure)
	}

	delays := clock.delays()
	if len(delays) != 1 || delays[0] != 5*time.Second {
		t.Fatalf("first reconnect delay = %v, want [5s]", delays)
	}

	clock.fireLast(t)
	waitFor(t, "reconnected state", func() bool { return link.State() == StateConnected })

	second := dialer.lastConn(t)
	if second == first {
		t.Fatal("reconnect should dial a fresh connection")
	}

	got := second.sentArgs(opSubscribe)
	want := []string{"tickers.BTCUSDT", "publicTrade.ETHUSDT"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("replayed %v, want %v", got, want)
	}

	if link.Attempts() != 0 {
		t.Fatalf("attempt counter = %d after successful reconnect, want 0", link.Attempts())
	}

	connected, _, _ := listener.snapshot()
	if connected != 2 {
		t.Fatalf("OnConnected fired %d times, want 2", connected)
	}

	link.Disconnect()
}

func TestBackoffGrowsAcrossFailedRetries(t *testing.T) {
	dialer := &fakeDialer{failures: -1}
	clock := newFakeClock()
	link := newTestLink(dialer, clock, 10)

	if err := link.Connect(context.Background()); err == nil {
		t.Fatal("Connect should surface the dial failure")
	}
	if link.State() != StateReconnecting {
		t.Fatalf("state = %v, want reconnecting", link.State())
	}

	clock.fireLast(t)
	clock.fireLast(t)
	clock.fireLast(t)

	delays := clock.delays()
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("armed %d timers, want %d", len(delays), len(want))
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays = %v, want %v", delays, want)
		}
	}
}

func TestMaxReconnectAttemptsParksLink(t *testing.T) {
	dialer := &fakeDialer{failures: -1}
	clock := newFakeClock()
	link := newTestLink(dialer, clock, 3)
	listener := &recordingListener{}
	link.AddListener(listener)

	if err := link.Connect(context.Background()); err == nil {
		t.Fatal("Connect should surface the dial failure")
	}

	// Three scheduled retries, all failing.
	clock.fireLast(t)
	clock.fireLast(t)
	clock.fireLast(t)

	if link.State() != StateDisconnected {
		t.Fatalf("state = %v after exhausting retries, want disconnected", link.State())
	}
	waitFor(t, "max attempts signal", func() bool {
		_, _, maxReached := listener.snapshot()
		return maxReached == 1
	})

	// Terminal means terminal: no further timers and no dials until a
	// manual Connect.
	if got := clock.pendingCount(); got != 3 {
		t.Fatalf("armed timers = %d, want exactly 3", got)
	}
	if dialer.dials != 4 {
		t.Fatalf("dial count = %d, want 4 (initial + 3 retries)", dialer.dials)
	}

	// A manual Connect starts a fresh episode with a reset counter.
	dialer.failures = 0
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("manual Connect returned error: %v", err)
	}
	if link.State() != StateConnected {
		t.Fatalf("state = %v after manual Connect, want connected", link.State())
	}
	if link.Attempts() != 0 {
		t.Fatalf("attempt counter = %d after manual Connect, want 0", link.Attempts())
	}

	link.Disconnect()
}

func TestIntentionalDisconnectDoesNotReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	clock := newFakeClock()
	link := newTestLink(dialer, clock, 10)
	listener := &recordingListener{}
	link.AddListener(listener)

	link.SubscribeTicker("BTCUSDT")
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	link.Disconnect()
	if link.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", link.State())
	}

	// The read loop observes the closed transport; give it a moment to
	// prove it stays quiet.
	time.Sleep(50 * time.Millisecond)
	if got := clock.pendingCount(); got != 0 {
		t.Fatalf("reconnect timers armed after intentional disconnect: %d", got)
	}
	_, disconnected, _ := listener.snapshot()
	if disconnected != 0 {
		t.Fatalf("OnDisconnected fired %d times after intentional disconnect, want 0", disconnected)
	}

	// The ledger survives for the next Connect.
	if !link.Ledger().Contains(Subscription{Topic: TopicTicker, Symbol: "BTCUSDT"}) {
		t.Fatal("ledger should retain subscriptions across an intentional disconnect")
	}
}

func TestLinkAgainstLiveEndpoint(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan requestFrame, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var frame requestFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			received <- frame
			if frame.Op == opSubscribe {
				conn.WriteJSON(ackFrame{Op: opSubscribe, Success: true, ReqID: frame.ReqID})
			}
		}
	}))
	defer srv.Close()

	link := NewLink(LinkConfig{
		Endpoint:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		HeartbeatInterval: time.Hour,
		ReplayPerSecond:   1000,
	}, logger.GetLogger())

	link.SubscribeTicker("BTCUSDT")
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer link.Disconnect()

	select {
	case frame := <-received:
		if frame.Op != opSubscribe {
			t.Fatalf("op = %q, want %q", frame.Op, opSubscribe)
		}
		if len(frame.Args) != 1 || frame.Args[0] != "tickers.BTCUSDT" {
			t.Fatalf("args = %v, want [tickers.BTCUSDT]", frame.Args)
		}
		if frame.ReqID == "" {
			t.Fatal("subscribe frame should carry a req_id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribe frame")
	}
}

func TestHeartbeatPingsOnTickerCadence(t *testing.T) {
	dialer := &fakeDialer{}
	clock := newFakeClock()
	link := newTestLink(dialer, clock, 10)

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	conn := dialer.lastConn(t)

	clock.tick(t)
	waitFor(t, "first heartbeat", func() bool { return conn.opCount(opPing) == 1 })
	clock.tick(t)
	waitFor(t, "second heartbeat", func() bool { return conn.opCount(opPing) == 2 })

	conn.push(`{"op":"pong","ret_msg":"pong","success":true}`)
	waitFor(t, "pong bookkeeping", func() bool { return !link.LastPongAt().IsZero() })

	ticker := clock.lastTicker(t)
	link.Disconnect()
	waitFor(t, "heartbeat ticker stop", func() bool { return ticker.isStopped() })
	if got := conn.opCount(opPing); got != 2 {
		t.Fatalf("ping count = %d after disconnect, want 2", got)
	}
}

func TestInboundDataFrameReachesListeners(t *testing.T) {
	dialer := &fakeDialer{}
	clock := newFakeClock()
	link := newTestLink(dialer, clock, 10)
	listener := &recordingListener{}
	link.AddListener(listener)

	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	conn := dialer.lastConn(t)

	conn.push(`{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1714000000000,"data":{"symbol":"BTCUSDT","lastPrice":"64000","volume24h":"10"}}`)
	conn.push(`{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":1714000000000,"data":[{"T":1714000000000,"s":"BTCUSDT","S":"Buy","v":"1","p":"64000","i":"t1"}]}`)
	// Garbage never tears down the link.
	conn.push(`not json at all`)
	conn.push(`{"op":"pong","ret_msg":"pong","success":true}`)

	waitFor(t, "market data delivery", func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return len(listener.marketData) == 1 && len(listener.trades) == 1
	})

	if link.State() != StateConnected {
		t.Fatalf("state = %v after malformed frame, want connected", link.State())
	}

	listener.mu.Lock()
	md := listener.marketData[0]
	listener.mu.Unlock()
	if md.Symbol != "BTCUSDT" || md.Price != 64000 {
		t.Fatalf("market data = %+v", md)
	}

	waitFor(t, "pong bookkeeping", func() bool { return !link.LastPongAt().IsZero() })

	link.Disconnect()
}
