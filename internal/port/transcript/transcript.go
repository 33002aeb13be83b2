// Package transcript defines the port for the live meeting transcript
// channel: a persistent, symmetric socket held open for a whole meeting.
package transcript

import (
	"context"
	"encoding/json"
)

// Socket is one open transcript channel. Frames yields inbound frames in
// arrival order and closes when the peer goes away or Close is called. Send
// writes a small JSON command frame. Close is idempotent; the socket never
// reconnects on its own, a reconnect is a new Dial by the owner.
type Socket interface {
	Frames() <-chan json.RawMessage
	Send(ctx context.Context, v any) error
	Close() error
}

// Dialer opens transcript sockets keyed by meeting session id.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Socket, error)
}
