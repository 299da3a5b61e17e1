// Package channel models a connected client session: its identity, the
// capability rules its token carried, and the outbound delivery path
// subscriptions notify on. It has no transport opinion — adapters fill in
// Send.
package channel

import (
	"time"

	"github.com/vsstree/server/internal/domain/access"
)

// Transport names the inbound surface a channel was opened over. Besides
// logging and metrics, it decides how the command processor serializes leaf
// values in a get response: a WebSocket channel gets numeric datatypes
// rendered as decimal strings for bit-exact JSON, other transports get
// native JSON numbers. Subscription notifications carry the stored value
// as it is, whatever the transport.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportHTTP      Transport = "http"
	TransportInternal  Transport = "internal"
)

// Channel is one authenticated client session.
type Channel struct {
	ID          string
	Transport   Transport
	Authorized  bool
	ModifyTree  bool
	TokenExpiry time.Time
	Permissions *access.Checker

	// Send delivers an already-serialized notification payload to this
	// channel's transport. Nil for channels that never subscribe (e.g. a
	// one-shot request/response connection). Implementations must not
	// block the caller for long; see subscription.Registry.
	Send func(payload []byte) error
}

// New returns an unauthorized channel; Authenticate populates the rest.
func New(id string, transport Transport) *Channel {
	return &Channel{ID: id, Transport: transport}
}

// TokenExpired reports whether the channel's token has passed its expiry.
// A zero TokenExpiry means no expiry was carried and is treated as valid.
func (c *Channel) TokenExpired(now time.Time) bool {
	if c.TokenExpiry.IsZero() {
		return false
	}
	return !now.Before(c.TokenExpiry)
}
