package exchange

import "encoding/json"

const (
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opPing        = "ping"
	opPong        = "pong"
)

// requestFrame is the outbound control frame understood by the Bybit v5
// public stream. Each arg is either a bare topic or "topic.symbol".
type requestFrame struct {
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
	ReqID string   `json:"req_id,omitempty"`
}

// ackFrame is the response to a subscribe/unsubscribe/ping request.
type ackFrame struct {
	Op      string `json:"op"`
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
	ReqID   string `json:"req_id"`
}

// dataFrame carries one market data push. Data stays raw until the
// normalizer decides the payload shape from the topic.
type dataFrame struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}
