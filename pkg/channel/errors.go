package channel

import (
	"errors"
	"fmt"
)

// Sentinel errors for channel lifecycle conditions.
var (
	// ErrChannelClosed is returned when an operation is attempted on a
	// terminated channel.
	ErrChannelClosed = errors.New("channel: closed")

	// ErrRedirected is returned by Join when Mount stopped with a redirect:
	// the client was answered, no channel was started.
	ErrRedirected = errors.New("channel: mount redirected")

	// ErrUnknownView is returned when a verified token names a view that is
	// not registered.
	ErrUnknownView = errors.New("channel: unknown view")

	// ErrUnknownParent is returned when a verified token references a
	// parent channel that cannot be resolved.
	ErrUnknownParent = errors.New("channel: unknown parent")
)

// ContractError reports a view callback returning a result outside its
// legal set. It is a programmer error in application code: the channel
// fails loudly and terminates, it never retries.
type ContractError struct {
	// View is the concrete view type (e.g. "*app.CounterView").
	View string

	// Op is the callback that misbehaved ("mount", "event", "info", "call").
	Op string

	// Result is the malformed value as returned.
	Result any
}

// Error names the offending view and the malformed result.
func (e *ContractError) Error() string {
	return fmt.Sprintf("channel: %s returned illegal %s result %#v (legal: NoReply, Stop, or Reply for calls)",
		e.View, e.Op, e.Result)
}
