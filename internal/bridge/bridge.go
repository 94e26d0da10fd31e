package bridge

import (
	"tradepulse/internal/exchange"
	"tradepulse/internal/hub"
	"tradepulse/logger"
)

// Channel names used for relayed traffic.
const (
	channelSignals = "signals"
	channelHealth  = "system-health"
)

// Bridge relays normalized exchange events into hub channels. Market
// data lands on the signals channel, link lifecycle transitions land on
// system-health so connected operators can watch feed stability.
type Bridge struct {
	hub      *hub.Hub
	exchange string
	log      *logger.Entry
}

func New(h *hub.Hub, exchangeName string, log *logger.Log) *Bridge {
	return &Bridge{
		hub:      h,
		exchange: exchangeName,
		log:      log.WithComponent("bridge"),
	}
}

var _ exchange.Listener = (*Bridge)(nil)

func (b *Bridge) OnConnected() {
	b.hub.Broadcast(channelHealth, "exchange_status", map[string]interface{}{
		"exchange": b.exchange,
		"status":   "connected",
	})
}

func (b *Bridge) OnDisconnected(code int, reason string) {
	b.hub.Broadcast(channelHealth, "exchange_status", map[string]interface{}{
		"exchange": b.exchange,
		"status":   "disconnected",
		"code":     code,
		"reason":   reason,
	})
}

func (b *Bridge) OnMaxReconnectAttempts() {
	b.log.Error("exchange link gave up reconnecting")
	b.hub.Broadcast(channelHealth, "exchange_status", map[string]interface{}{
		"exchange": b.exchange,
		"status":   "terminal",
	})
}

func (b *Bridge) OnError(err error) {
	b.log.WithError(err).Warn("exchange link error")
}

func (b *Bridge) OnMarketData(data exchange.MarketData) {
	b.hub.Broadcast(channelSignals, "market_data", data)
}

func (b *Bridge) OnTrade(trade exchange.Trade) {
	b.hub.Broadcast(channelSignals, "trade", trade)
}

func (b *Bridge) OnOrderbook(book exchange.Orderbook) {
	b.hub.Broadcast(channelSignals, "orderbook", book)
}

func (b *Bridge) OnKline(kline exchange.Kline) {
	b.hub.Broadcast(channelSignals, "kline", kline)
}
