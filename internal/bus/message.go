// Package bus implements the Redis-stream-backed message bus: the
// /messagebus/v1 WebSocket endpoint, channel subscription management, and
// the plain/consumer-group reader tasks that fan stream entries back out to
// connected clients.
package bus

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Type names the concrete shape of a Message's body, mirroring the
// original's tagged-union wire messages.
type Type string

const (
	TypeChannelSubscriptionRequest Type = "channel_subscription_request"
	TypeChannelSubscriptionEvent   Type = "channel_subscription_event"
	TypeTraceRequest               Type = "trace_request"
	TypeTraceResponse              Type = "trace_response"
	TypeEvent                      Type = "event"
	TypeGeneralError               Type = "general_error"
)

// SubscriptionOperation is the verb of a ChannelSubscriptionRequest.
type SubscriptionOperation string

const (
	SubAdd    SubscriptionOperation = "add"
	SubSet    SubscriptionOperation = "set"
	SubRemove SubscriptionOperation = "remove"
)

// Message is the envelope every frame on the bus carries, msgpack-encoded on
// the wire. Sender is the field the bus rewrites on ingress to the
// authenticated principal: callers may never set their own sender.
type Message struct {
	ID          string         `msgpack:"id"`
	Type        Type           `msgpack:"type"`
	Sender      string         `msgpack:"sender"`
	Channel     string         `msgpack:"channel"`
	BackChannel string         `msgpack:"back_channel,omitempty"`
	Created     int64          `msgpack:"created"`
	Expires     int64          `msgpack:"expires,omitempty"`
	RefID       string         `msgpack:"ref_id,omitempty"`
	Trace       map[string]int64 `msgpack:"trace,omitempty"`

	// Operation and Channels are populated for ChannelSubscriptionRequest.
	Operation SubscriptionOperation `msgpack:"operation,omitempty"`
	Channels  []string              `msgpack:"channels,omitempty"`

	// Data carries the payload for Event/TraceRequest/TraceResponse messages.
	Data any `msgpack:"data,omitempty"`

	// Error is populated for GeneralError and rejected
	// ChannelSubscriptionEvent responses.
	Error string `msgpack:"error,omitempty"`
}

// Stamp sets Created (and Trace's broker_ws_receive entry, for trace
// messages) to now.
func (m *Message) Stamp(now time.Time) {
	m.Created = now.UnixMilli()
	if m.Type == TypeTraceRequest || m.Type == TypeTraceResponse {
		if m.Trace == nil {
			m.Trace = map[string]int64{}
		}
		m.Trace["broker_ws_receive"] = now.UnixMilli()
	}
}

// Encode msgpack-serializes m for XADD/websocket transport.
func Encode(m *Message) ([]byte, error) {
	return msgpack.Marshal(m)
}

// Decode msgpack-deserializes a Message from the wire.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ErrorMessage builds a GeneralError reply referencing the given request.
func ErrorMessage(refID, channel, errMsg string) *Message {
	return &Message{
		Type:    TypeGeneralError,
		Channel: channel,
		RefID:   refID,
		Error:   errMsg,
	}
}
