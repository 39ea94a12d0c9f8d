package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lumen-dev/lumen/pkg/channel"
	"github.com/lumen-dev/lumen/pkg/protocol"
	"github.com/lumen-dev/lumen/pkg/transport"
)

// conn is the server side of one WebSocket connection. It pumps inbound
// messages and multiplexes any number of channels (one per topic) onto the
// shared transport. The conn also acts as the parent resolver for its own
// channels, so a view joined from this connection can parent another.
type conn struct {
	handle *transport.WebSocket
	config *channel.Config
	logger *slog.Logger

	mu      sync.Mutex
	byTopic map[string]*channel.Channel
	byID    map[string]*channel.Channel
}

func newConn(handle *transport.WebSocket, config *channel.Config, logger *slog.Logger) *conn {
	c := &conn{
		handle:  handle,
		config:  config,
		logger:  logger,
		byTopic: make(map[string]*channel.Channel),
		byID:    make(map[string]*channel.Channel),
	}
	// Channels on this connection resolve parents among their siblings.
	cfg := *config
	cfg.Parents = c
	c.config = &cfg
	return c
}

// Resolve implements channel.ParentResolver over this connection's
// channels.
func (c *conn) Resolve(id string) (channel.Parent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.byID[id]
	return ch, ok
}

// pump reads inbound messages until the transport dies, then waits for the
// connection's channels to finish their own teardown.
func (c *conn) pump(ctx context.Context) {
	for {
		msg, err := c.handle.Read()
		if err != nil {
			break
		}
		c.route(ctx, msg)
	}
	c.drain()
}

// route dispatches one inbound message: joins create channels, everything
// else goes to the channel owning the topic.
func (c *conn) route(ctx context.Context, msg *protocol.Message) {
	if msg.Event == protocol.EventJoin {
		c.join(ctx, msg)
		return
	}

	c.mu.Lock()
	ch := c.byTopic[msg.Topic]
	c.mu.Unlock()

	if ch == nil {
		c.replyError(msg, "unmatched")
		return
	}
	if err := ch.Deliver(msg); err != nil {
		c.replyError(msg, "closed")
	}
}

func (c *conn) join(ctx context.Context, msg *protocol.Message) {
	c.mu.Lock()
	_, exists := c.byTopic[msg.Topic]
	c.mu.Unlock()
	if exists {
		c.replyError(msg, "already_joined")
		return
	}

	payload, _ := msg.Payload.(map[string]any)
	ch, err := channel.Join(ctx, &channel.JoinRequest{
		Topic:     msg.Topic,
		JoinRef:   msg.JoinRef,
		Ref:       msg.Ref,
		Payload:   payload,
		Transport: c.handle,
	}, c.config)
	if err != nil {
		// Join already answered the client; nothing joined.
		return
	}

	c.mu.Lock()
	c.byTopic[msg.Topic] = ch
	c.byID[ch.ID()] = ch
	c.mu.Unlock()

	go c.reap(ch)
}

// reap removes a channel from the connection's tables once it stops.
func (c *conn) reap(ch *channel.Channel) {
	<-ch.Done()
	c.mu.Lock()
	if c.byTopic[ch.Topic()] == ch {
		delete(c.byTopic, ch.Topic())
	}
	delete(c.byID, ch.ID())
	c.mu.Unlock()
}

// drain waits for the connection's channels to observe transport death.
func (c *conn) drain() {
	deadline := time.After(drainDeadline)
	for {
		c.mu.Lock()
		var remaining *channel.Channel
		for _, ch := range c.byID {
			remaining = ch
			break
		}
		c.mu.Unlock()

		if remaining == nil {
			return
		}
		select {
		case <-remaining.Done():
		case <-deadline:
			c.logger.Warn("channels still running after transport close",
				"channel_id", remaining.ID())
			return
		}
	}
}

func (c *conn) replyError(msg *protocol.Message, reason string) {
	if msg.Ref == "" {
		return
	}
	reply := protocol.NewReply(msg.Topic, msg.JoinRef, msg.Ref, protocol.ErrorReply(reason))
	if err := c.handle.Send(reply); err != nil {
		c.logger.Debug("error reply send failed", "error", err)
	}
}
