// Package stream provides the DingTalk stream-mode transport layer: the
// client abstraction over the persistent bidirectional channel, and the
// per-account connection manager that drives reconnection.
package stream

import "context"

// Topics pushed over the stream channel.
const (
	// TopicRobot carries inbound robot (chat) messages.
	TopicRobot = "/v1.0/im/bot/messages/get"
	// TopicPing is the server-side keepalive probe.
	TopicPing = "ping"
	// TopicDisconnect asks the client to drop and re-dial.
	TopicDisconnect = "disconnect"
)

// Envelope is one transport-level delivery. ID is the stream message
// identifier used to acknowledge exactly this delivery; it is distinct from
// the business message identifier carried inside Data.
type Envelope struct {
	ID    string
	Topic string
	Data  []byte
}

// AckPayload is the acknowledgment body sent back for a handled delivery.
type AckPayload struct {
	Success bool `json:"success"`
}

// AckSuccess acknowledges a delivery as handled.
var AckSuccess = AckPayload{Success: true}

// Client is the subset of the stream transport the gateway consumes.
// Production uses the websocket-backed client in this package; tests inject
// mocks.
type Client interface {
	// Connect dials the stream endpoint and completes the handshake.
	Connect(ctx context.Context) error

	// Run blocks pumping the connection until it drops or ctx is done.
	// A nil return means clean shutdown; an error describes why the
	// connection was lost.
	Run(ctx context.Context) error

	// Events returns the channel of callback envelopes. The channel stays
	// valid across reconnects and is closed by Close.
	Events() <-chan Envelope

	// Ack acknowledges the delivery identified by envelopeID.
	Ack(envelopeID string, payload AckPayload)

	// Close tears the connection down and closes the events channel.
	Close() error
}
