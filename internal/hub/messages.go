package hub

import "encoding/json"

// Inbound control message types.
const (
	MessageSubscribe   = "subscribe"
	MessageUnsubscribe = "unsubscribe"
	MessagePing        = "ping"
	MessageBotCommand  = "bot_command"
)

// Outbound response types.
const (
	ResponseConnection    = "connection"
	ResponseSubscribed    = "subscribed"
	ResponseUnsubscribed  = "unsubscribed"
	ResponsePong          = "pong"
	ResponseError         = "error"
	ResponseBotCommandAck = "bot_command_ack"
)

// Close codes distinguishing authentication failures from capacity
// violations during the connection upgrade.
const (
	CloseUnauthorized    = 4401
	CloseTooManySessions = 4429
	CloseServerShutdown  = 1001
)

// InboundMessage is one control message received from a session. Data
// stays raw: business interpretation of command payloads belongs to
// external collaborators.
type InboundMessage struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OutboundMessage is one message sent to a session, either a direct
// response or a broadcast payload.
type OutboundMessage struct {
	Type    string      `json:"type"`
	Channel string      `json:"channel,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func errorMessage(channel, detail string) OutboundMessage {
	return OutboundMessage{
		Type:    ResponseError,
		Channel: channel,
		Data:    map[string]string{"message": detail},
	}
}
