package exchange

import (
	"strings"
	"sync"
)

// Topic prefixes used on the exchange stream.
const (
	TopicTicker    = "tickers"
	TopicTrade     = "publicTrade"
	TopicOrderbook = "orderbook"
	TopicKline     = "kline"
)

// Subscription identifies one exchange feed. Qualifier carries the
// topic-specific middle segment: kline interval or orderbook depth.
type Subscription struct {
	Topic     string
	Qualifier string
	Symbol    string
}

// Arg renders the subscription as a wire topic string, e.g.
// "tickers.BTCUSDT", "kline.5.BTCUSDT" or "orderbook.50.BTCUSDT".
func (s Subscription) Arg() string {
	parts := make([]string, 0, 3)
	parts = append(parts, s.Topic)
	if s.Qualifier != "" {
		parts = append(parts, s.Qualifier)
	}
	if s.Symbol != "" {
		parts = append(parts, s.Symbol)
	}
	return strings.Join(parts, ".")
}

// Ledger is the single source of truth for which feeds must stay
// subscribed. It survives reconnects: connection loss never clears it,
// and every successful reconnect replays it in insertion order.
type Ledger struct {
	mu      sync.Mutex
	order   []Subscription
	entries map[Subscription]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{entries: make(map[Subscription]struct{})}
}

// Add records a subscription, preserving insertion order. It reports
// whether the entry was new.
func (l *Ledger) Add(sub Subscription) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[sub]; ok {
		return false
	}
	l.entries[sub] = struct{}{}
	l.order = append(l.order, sub)
	return true
}

// Remove drops a subscription. It reports whether the entry existed.
func (l *Ledger) Remove(sub Subscription) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[sub]; !ok {
		return false
	}
	delete(l.entries, sub)
	for i, existing := range l.order {
		if existing == sub {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether the subscription is recorded.
func (l *Ledger) Contains(sub Subscription) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[sub]
	return ok
}

// Entries returns a copy of all subscriptions in insertion order.
func (l *Ledger) Entries() []Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Subscription, len(l.order))
	copy(out, l.order)
	return out
}

// Args returns the wire topic strings for every entry in insertion order.
func (l *Ledger) Args() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.order))
	for _, sub := range l.order {
		out = append(out, sub.Arg())
	}
	return out
}

// Len returns the number of recorded subscriptions.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}
