package transport

import (
	"errors"
	"sync"

	"github.com/lumen-dev/lumen/pkg/protocol"
)

// ErrPipeClosed is returned by Send after the pipe terminated.
var ErrPipeClosed = errors.New("transport: pipe closed")

// Pipe is an in-memory transport handle. It backs tests and embedded
// (same-process) clients: outbound messages land in a buffered channel and
// close notifications are recorded.
type Pipe struct {
	mu      sync.Mutex
	closed  bool
	reason  string
	notices []CloseNotice

	out  chan *protocol.Message
	done chan struct{}
}

// NewPipe creates a pipe with the given outbox capacity.
func NewPipe(buffer int) *Pipe {
	if buffer <= 0 {
		buffer = 64
	}
	return &Pipe{
		out:  make(chan *protocol.Message, buffer),
		done: make(chan struct{}),
	}
}

// Send places the message in the outbox. A full outbox drops the message
// rather than blocking the owning channel.
func (p *Pipe) Send(msg *protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPipeClosed
	}
	select {
	case p.out <- msg:
		return nil
	default:
		return errors.New("transport: pipe outbox full")
	}
}

// SocketClose records the close notification.
func (p *Pipe) SocketClose(channelID, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, CloseNotice{ChannelID: channelID, Reason: reason})
}

// Done is closed when the pipe is closed.
func (p *Pipe) Done() <-chan struct{} { return p.done }

// CloseReason returns the reason passed to Close.
func (p *Pipe) CloseReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// Close terminates the pipe with a reason. ReasonNormal (or "") means a
// clean shutdown. Closing twice is a no-op.
func (p *Pipe) Close(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.reason = reason
	close(p.done)
}

// Out exposes the outbox for the consuming side.
func (p *Pipe) Out() <-chan *protocol.Message { return p.out }

// CloseNotices returns a copy of the recorded close notifications.
func (p *Pipe) CloseNotices() []CloseNotice {
	p.mu.Lock()
	defer p.mu.Unlock()
	notices := make([]CloseNotice, len(p.notices))
	copy(notices, p.notices)
	return notices
}
