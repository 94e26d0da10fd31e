package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Normalizer turns raw exchange payloads into canonical events. It is
// stateless: payload kind is decided by the topic prefix and numeric
// fields that fail to parse default to zero instead of failing the
// whole message.
type Normalizer struct {
	exchange string
}

func NewNormalizer(exchange string) *Normalizer {
	return &Normalizer{exchange: exchange}
}

type tickerEntry struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Volume24h string `json:"volume24h"`
}

type tradeEntry struct {
	Timestamp int64  `json:"T"`
	Symbol    string `json:"s"`
	Side      string `json:"S"`
	Size      string `json:"v"`
	Price     string `json:"p"`
	TradeID   string `json:"i"`
}

type orderbookEntry struct {
	Symbol string      `json:"s"`
	Bids   [][2]string `json:"b"`
	Asks   [][2]string `json:"a"`
}

type klineEntry struct {
	Start    int64  `json:"start"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
}

// Normalize parses one data frame into zero or more canonical events.
// Batch payloads produce one event per record. A payload that cannot be
// parsed at all returns an error; callers log and drop it without
// touching the connection.
func (n *Normalizer) Normalize(topic string, data json.RawMessage, ts int64) ([]Event, error) {
	eventTime := time.Now().UTC()
	if ts > 0 {
		eventTime = time.UnixMilli(ts).UTC()
	}

	switch {
	case strings.HasPrefix(topic, TopicTicker):
		return n.normalizeTicker(topic, data, eventTime)
	case strings.HasPrefix(topic, TopicTrade):
		return n.normalizeTrades(data, eventTime)
	case strings.HasPrefix(topic, TopicOrderbook):
		return n.normalizeOrderbook(topic, data, eventTime)
	case strings.HasPrefix(topic, TopicKline):
		return n.normalizeKlines(topic, data, eventTime)
	default:
		return nil, fmt.Errorf("unrecognized topic %q", topic)
	}
}

func (n *Normalizer) normalizeTicker(topic string, data json.RawMessage, eventTime time.Time) ([]Event, error) {
	// Ticker data arrives as a single object on spot streams and as a
	// batch on derivative streams; accept both shapes.
	var entries []tickerEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		var single tickerEntry
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("parse ticker payload: %w", err)
		}
		entries = []tickerEntry{single}
	}

	events := make([]Event, 0, len(entries))
	for _, entry := range entries {
		symbol := entry.Symbol
		if symbol == "" {
			symbol = symbolFromTopic(topic)
		}
		md := MarketData{
			Symbol:    strings.ToUpper(symbol),
			Price:     parseNumber(entry.LastPrice),
			Volume:    parseNumber(entry.Volume24h),
			Timestamp: eventTime,
			Exchange:  n.exchange,
		}
		events = append(events, Event{Kind: EventMarketData, MarketData: &md})
	}
	return events, nil
}

func (n *Normalizer) normalizeTrades(data json.RawMessage, eventTime time.Time) ([]Event, error) {
	var entries []tradeEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse trade payload: %w", err)
	}

	events := make([]Event, 0, len(entries))
	for _, entry := range entries {
		tradeTime := eventTime
		if entry.Timestamp > 0 {
			tradeTime = time.UnixMilli(entry.Timestamp).UTC()
		}
		trade := Trade{
			Symbol:    strings.ToUpper(entry.Symbol),
			Price:     parseNumber(entry.Price),
			Quantity:  parseNumber(entry.Size),
			Side:      strings.ToLower(entry.Side),
			Timestamp: tradeTime,
			TradeID:   entry.TradeID,
		}
		events = append(events, Event{Kind: EventTrade, Trade: &trade})
	}
	return events, nil
}

func (n *Normalizer) normalizeOrderbook(topic string, data json.RawMessage, eventTime time.Time) ([]Event, error) {
	var entry orderbookEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("parse orderbook payload: %w", err)
	}

	symbol := entry.Symbol
	if symbol == "" {
		symbol = symbolFromTopic(topic)
	}

	ob := Orderbook{
		Symbol:    strings.ToUpper(symbol),
		Bids:      parseLevels(entry.Bids),
		Asks:      parseLevels(entry.Asks),
		Timestamp: eventTime,
	}
	return []Event{{Kind: EventOrderbook, Orderbook: &ob}}, nil
}

func (n *Normalizer) normalizeKlines(topic string, data json.RawMessage, eventTime time.Time) ([]Event, error) {
	var entries []klineEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse kline payload: %w", err)
	}

	symbol := symbolFromTopic(topic)
	events := make([]Event, 0, len(entries))
	for _, entry := range entries {
		klineTime := eventTime
		if entry.Start > 0 {
			klineTime = time.UnixMilli(entry.Start).UTC()
		}
		k := Kline{
			Symbol:    strings.ToUpper(symbol),
			Interval:  entry.Interval,
			Open:      parseNumber(entry.Open),
			High:      parseNumber(entry.High),
			Low:       parseNumber(entry.Low),
			Close:     parseNumber(entry.Close),
			Volume:    parseNumber(entry.Volume),
			Timestamp: klineTime,
		}
		events = append(events, Event{Kind: EventKline, Kline: &k})
	}
	return events, nil
}

func parseLevels(raw [][2]string) []PriceLevel {
	levels := make([]PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		levels = append(levels, PriceLevel{
			Price: parseNumber(lvl[0]),
			Size:  parseNumber(lvl[1]),
		})
	}
	return levels
}

// symbolFromTopic extracts the trailing segment of a topic string, e.g.
// "kline.5.BTCUSDT" -> "BTCUSDT".
func symbolFromTopic(topic string) string {
	idx := strings.LastIndex(topic, ".")
	if idx < 0 || idx == len(topic)-1 {
		return ""
	}
	return topic[idx+1:]
}

func parseNumber(value string) float64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return parsed
}
