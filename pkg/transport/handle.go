// Package transport abstracts the connection a channel pushes messages to.
// A Handle is an addressable sink for outbound messages whose own
// termination can be observed: channels monitor Done() and read CloseReason
// to distinguish normal closure from crash propagation.
package transport

import "github.com/lumen-dev/lumen/pkg/protocol"

// ReasonNormal marks a clean transport shutdown. Channels monitoring a
// handle that closed with this reason (or an empty one) stop with a
// "closed" shutdown rather than propagating an error.
const ReasonNormal = "normal"

// Handle is the channel-facing side of one client connection.
type Handle interface {
	// Send delivers a logical message to the client.
	Send(msg *protocol.Message) error

	// SocketClose notifies the transport that the identified channel shut
	// down, with a reason ("redirect", a parent's death reason, ...).
	SocketClose(channelID, reason string)

	// Done is closed when the transport terminates.
	Done() <-chan struct{}

	// CloseReason reports why the transport terminated. It is only
	// meaningful after Done() is closed; "" and ReasonNormal both mean a
	// clean shutdown.
	CloseReason() string
}

// CloseNotice records a SocketClose notification, for transports that keep
// them (the pipe does, for tests and embedded supervisors).
type CloseNotice struct {
	ChannelID string
	Reason    string
}
