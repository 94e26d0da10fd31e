package exchange

import "time"

// EventKind tags the payload carried by an Event.
type EventKind string

const (
	EventMarketData EventKind = "market_data"
	EventTrade      EventKind = "trade"
	EventOrderbook  EventKind = "orderbook"
	EventKline      EventKind = "kline"
)

// MarketData is the normalized ticker update.
type MarketData struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
	Exchange  string    `json:"exchange"`
}

// Trade is one executed public trade.
type Trade struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Side      string    `json:"side"`
	Timestamp time.Time `json:"timestamp"`
	TradeID   string    `json:"tradeId"`
}

// PriceLevel is one side entry of an orderbook.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Orderbook is a normalized book update.
type Orderbook struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// Kline is one normalized candle.
type Kline struct {
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is the tagged union emitted by the normalizer. Exactly one of
// the payload pointers is set, matching Kind.
type Event struct {
	Kind       EventKind
	MarketData *MarketData
	Trade      *Trade
	Orderbook  *Orderbook
	Kline      *Kline
}

// Listener receives normalized market data and link lifecycle events.
// The set of callbacks is fixed; there is no dynamic event registry.
type Listener interface {
	OnMarketData(md MarketData)
	OnTrade(t Trade)
	OnOrderbook(ob Orderbook)
	OnKline(k Kline)
	OnConnected()
	OnDisconnected(code int, reason string)
	OnError(err error)
	OnMaxReconnectAttempts()
}

// NopListener implements Listener with no-ops so consumers can embed it
// and override only the callbacks they care about.
type NopListener struct{}

func (NopListener) OnMarketData(MarketData)    {}
func (NopListener) OnTrade(Trade)              {}
func (NopListener) OnOrderbook(Orderbook)      {}
func (NopListener) OnKline(Kline)              {}
func (NopListener) OnConnected()               {}
func (NopListener) OnDisconnected(int, string) {}
func (NopListener) OnError(error)              {}
func (NopListener) OnMaxReconnectAttempts()    {}
