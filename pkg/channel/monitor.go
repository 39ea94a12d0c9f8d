package channel

// Parent is the lifecycle surface a channel monitors on the channel that
// spawned it. A *Channel satisfies Parent, so live views can parent live
// views.
type Parent interface {
	// ID identifies the parent; it must match the reference captured at
	// join time.
	ID() string

	// Done is closed when the parent terminates.
	Done() <-chan struct{}

	// CloseReason reports the parent's termination reason once Done is
	// closed.
	CloseReason() string
}

// monitorTransport watches the transport handle and feeds its death into
// the mailbox. Liveness signals are ordered behind already-enqueued
// messages; once dequeued they short-circuit the channel.
func (c *Channel) monitorTransport() {
	select {
	case <-c.transport.Done():
		c.enqueue(envelope{kind: envTransportDown, reason: c.transport.CloseReason()})
	case <-c.done:
	}
}

// monitorParent watches the parent channel registered at join.
func (c *Channel) monitorParent() {
	select {
	case <-c.parent.Done():
		c.enqueue(envelope{
			kind:     envParentDown,
			parentID: c.parent.ID(),
			reason:   c.parent.CloseReason(),
		})
	case <-c.done:
	}
}

// enqueue delivers an envelope unless the channel already stopped. The
// stopped check comes first: the mailbox is buffered, so a bare select could
// accept mail for a dead channel.
func (c *Channel) enqueue(env envelope) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.mailbox <- env:
		return nil
	case <-c.done:
		return ErrChannelClosed
	}
}
