// Package channel implements the per-connection control process of a live
// view session. One Channel owns one client's view instance end-to-end: it
// authenticates the join, runs the application's view callbacks, interprets
// their results, computes minimal render diffs, and pushes them to the
// transport — while terminating correctly under redirects, explicit leaves,
// and transport or parent death.
//
// A Channel is a single goroutine draining a mailbox strictly sequentially:
// no two callbacks for the same connection ever run concurrently, and each
// message is fully handled before the next is dequeued.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lumen-dev/lumen/pkg/auth"
	"github.com/lumen-dev/lumen/pkg/diff"
	"github.com/lumen-dev/lumen/pkg/protocol"
	"github.com/lumen-dev/lumen/pkg/transport"
	"github.com/lumen-dev/lumen/pkg/view"
)

// Shutdown reasons for designed (non-error) terminations.
const (
	// ReasonLeft: the client sent an explicit leave.
	ReasonLeft = "left"

	// ReasonClosed: the transport shut down normally.
	ReasonClosed = "closed"

	// ReasonRedirect: a callback stopped the socket with a redirect.
	ReasonRedirect = "redirect"
)

// requestKind tags the origin of a callback invocation; it decides how a
// render is delivered (reply vs. push).
type requestKind int

const (
	kindEvent requestKind = iota
	kindCall
	kindInfo
)

func (k requestKind) String() string {
	switch k {
	case kindEvent:
		return "event"
	case kindCall:
		return "call"
	case kindInfo:
		return "info"
	default:
		return "unknown"
	}
}

type envKind int

const (
	envClient envKind = iota
	envInfo
	envCall
	envTransportDown
	envParentDown
)

// envelope is one mailbox entry.
type envelope struct {
	kind     envKind
	msg      *protocol.Message // envClient
	info     any               // envInfo
	call     *pendingCall      // envCall
	reason   string            // liveness signals
	parentID string            // envParentDown
}

type pendingCall struct {
	msg   any
	from  view.CallRef
	reply chan any
}

// JoinRequest is the inbound join for one topic, together with the
// transport the join (and everything after it) is answered on.
type JoinRequest struct {
	Topic   string
	JoinRef string
	Ref     string

	// Payload is the join payload: {"session": <token>} or empty.
	Payload map[string]any

	// Transport is the connection the channel belongs to.
	Transport transport.Handle
}

// Channel is the connection actor. All state below is owned exclusively by
// the channel's own goroutine; other goroutines interact only through
// Deliver, Info, Call and the lifecycle accessors.
type Channel struct {
	id      string
	topic   string
	joinRef string

	viewName string
	view     view.View
	socket   *view.Socket
	session  view.Params

	// fingerprints is nil exactly until the first render and is replaced
	// with each diff.
	fingerprints *diff.Fingerprints

	transport transport.Handle
	parent    Parent

	mailbox chan envelope
	done    chan struct{}
	stopped atomic.Bool
	// stopReason is written once, before done is closed.
	stopReason string
	err        error

	config *Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Join runs the join/authentication handshake. On success it replies to the
// join ref with the initial diff, starts the channel goroutine, and returns
// the running channel.
//
// Failure paths never start a channel: a missing token answers "nosession",
// a failed verification answers "badsession" (logged at the configured
// level), and a Mount redirect answers with the redirect target and returns
// ErrRedirected. A Mount result outside its legal set is a fatal contract
// violation returned as *ContractError.
func Join(ctx context.Context, req *JoinRequest, config *Config) (*Channel, error) {
	cfg := config.withDefaults()
	logger := cfg.Logger.With("topic", req.Topic)

	replyJoin := func(reply *protocol.Reply) {
		msg := protocol.NewReply(req.Topic, req.JoinRef, req.Ref, reply)
		if err := req.Transport.Send(msg); err != nil {
			logger.Warn("join reply failed", "error", err)
		}
	}
	logJoinFailure := func(msg string, args ...any) {
		if cfg.DisableJoinLog {
			return
		}
		logger.Log(ctx, cfg.JoinLogLevel, msg, args...)
	}

	token, _ := req.Payload["session"].(string)
	if token == "" {
		replyJoin(protocol.ErrorReply(protocol.ReasonNoSession))
		cfg.Metrics.RecordJoin(protocol.ReasonNoSession)
		return nil, auth.ErrNoSession
	}

	verified, err := cfg.Verifier.Verify(ctx, token)
	if err != nil {
		replyJoin(protocol.ErrorReply(protocol.ReasonBadSession))
		logJoinFailure("session verification failed", "error", err)
		cfg.Metrics.RecordJoin(protocol.ReasonBadSession)
		return nil, err
	}

	v, ok := cfg.Views.Resolve(verified.ViewName)
	if !ok {
		replyJoin(protocol.ErrorReply(protocol.ReasonBadSession))
		logJoinFailure("token names unregistered view", "view", verified.ViewName)
		cfg.Metrics.RecordJoin(protocol.ReasonBadSession)
		return nil, fmt.Errorf("%w: %q", ErrUnknownView, verified.ViewName)
	}

	var parent Parent
	if verified.ParentID != "" {
		if cfg.Parents != nil {
			parent, ok = cfg.Parents.Resolve(verified.ParentID)
		} else {
			ok = false
		}
		if !ok {
			replyJoin(protocol.ErrorReply(protocol.ReasonBadSession))
			logJoinFailure("token references unknown parent", "parent", verified.ParentID)
			cfg.Metrics.RecordJoin(protocol.ReasonBadSession)
			return nil, fmt.Errorf("%w: %q", ErrUnknownParent, verified.ParentID)
		}
	}

	c := &Channel{
		id:        uuid.NewString(),
		topic:     req.Topic,
		joinRef:   req.JoinRef,
		viewName:  verified.ViewName,
		view:      v,
		session:   view.Params(verified.Session),
		transport: req.Transport,
		parent:    parent,
		mailbox:   make(chan envelope, cfg.MailboxSize),
		done:      make(chan struct{}),
		config:    cfg,
		tracer:    cfg.Tracer,
	}
	c.logger = logger.With("channel_id", c.id, "view", c.viewName)

	// Monitors are registered before mount so a transport that dies during
	// a slow mount is still observed.
	go c.monitorTransport()
	if c.parent != nil {
		go c.monitorParent()
	}

	socket := view.NewSocket(c.viewName, verified.Identity, verified.ParentID, c.session, true)

	switch res := v.Mount(c.session, socket).(type) {
	case view.NoReply:
		c.socket = res.Socket

	case view.Stop:
		if res.Socket == nil {
			break
		}
		rd := res.Socket.Redirected()
		if rd == nil {
			break // stop without redirect: illegal at mount
		}
		replyJoin(&protocol.Reply{
			Status:   protocol.StatusError,
			Response: c.redirectPayload(rd),
		})
		cfg.Metrics.RecordJoin(ReasonRedirect)
		c.shutdown(ReasonRedirect)
		return nil, ErrRedirected

	default:
	}

	if c.socket == nil {
		cerr := &ContractError{View: fmt.Sprintf("%T", v), Op: "mount", Result: nil}
		c.logger.Error("mount contract violation", "error", cerr)
		cfg.Metrics.RecordContractViolation()
		c.shutdown(cerr.Error())
		return nil, cerr
	}

	patch := c.render()
	replyJoin(protocol.OKReply(map[string]any{"rendered": patch}))
	cfg.Metrics.RecordJoin(protocol.StatusOK)
	cfg.Metrics.ChannelStarted()
	c.logger.Info("channel joined", "identity", verified.Identity)

	go c.loop()
	return c, nil
}

// ID returns the channel's unique id.
func (c *Channel) ID() string { return c.id }

// Topic returns the channel's topic.
func (c *Channel) Topic() string { return c.topic }

// Done is closed when the channel terminates.
func (c *Channel) Done() <-chan struct{} { return c.done }

// CloseReason reports the termination reason once Done is closed.
func (c *Channel) CloseReason() string { return c.stopReason }

// Err returns the fatal error that terminated the channel, if any.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Deliver enqueues a client message for sequential processing.
func (c *Channel) Deliver(msg *protocol.Message) error {
	return c.enqueue(envelope{kind: envClient, msg: msg})
}

// Info enqueues an application-generated message for HandleInfo.
func (c *Channel) Info(msg any) error {
	return c.enqueue(envelope{kind: envInfo, info: msg})
}

// Call sends a synchronous message to HandleCall and waits for its reply.
func (c *Channel) Call(ctx context.Context, msg any) (any, error) {
	pc := &pendingCall{
		msg:   msg,
		from:  view.CallRef{ID: uuid.NewString()},
		reply: make(chan any, 1),
	}

	if err := c.enqueue(envelope{kind: envCall, call: pc}); err != nil {
		return nil, err
	}

	select {
	case v := <-pc.reply:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrChannelClosed
	}
}

// loop drains the mailbox until a terminal transition.
func (c *Channel) loop() {
	for {
		select {
		case env := <-c.mailbox:
			if c.handle(env) {
				return
			}
		case <-c.done:
			return
		}
	}
}

// handle processes one envelope; true means the channel stopped.
func (c *Channel) handle(env envelope) bool {
	switch env.kind {
	case envTransportDown:
		reason := env.reason
		if reason == "" || reason == transport.ReasonNormal {
			reason = ReasonClosed
		}
		c.terminate(reason)
		return true

	case envParentDown:
		if c.parent == nil || env.parentID != c.parent.ID() {
			// Monitors carry the parent captured at join; anything else is
			// a corrupted channel.
			panic(fmt.Sprintf("channel %s: parent monitor fired for %q, joined with %q",
				c.id, env.parentID, c.socket.ParentID()))
		}
		c.transport.SocketClose(c.id, env.reason)
		c.terminate(env.reason)
		return true

	case envClient:
		return c.handleClient(env.msg)

	case envInfo:
		return c.dispatch(kindInfo, "", nil, func() view.Result {
			return c.view.HandleInfo(env.info, c.socket)
		})

	case envCall:
		return c.dispatch(kindCall, "", env.call, func() view.Result {
			return c.view.HandleCall(env.call.msg, env.call.from, c.socket)
		})
	}
	return false
}

// handleClient routes one transport message.
func (c *Channel) handleClient(msg *protocol.Message) bool {
	if msg.Topic != c.topic {
		// Not addressed to this channel's topic: an arbitrary message.
		return c.dispatch(kindInfo, "", nil, func() view.Result {
			return c.view.HandleInfo(msg, c.socket)
		})
	}

	switch msg.Event {
	case protocol.EventLeave:
		c.reply(msg.Ref, protocol.OKReply(nil))
		c.terminate(ReasonLeft)
		return true

	case protocol.EventClient:
		payload, err := protocol.ParseEventPayload(msg.Payload)
		if err != nil {
			c.logger.Warn("malformed event payload", "error", err)
			c.reply(msg.Ref, protocol.ErrorReply("malformed"))
			return false
		}
		value, err := payload.DecodeValue()
		if err != nil {
			c.logger.Warn("event value decode failed", "event", payload.Event, "error", err)
			c.reply(msg.Ref, protocol.ErrorReply("malformed"))
			return false
		}
		return c.dispatch(kindEvent, msg.Ref, nil, func() view.Result {
			return c.view.HandleEvent(payload.Event, value, c.socket)
		})

	default:
		return c.dispatch(kindInfo, "", nil, func() view.Result {
			return c.view.HandleInfo(msg, c.socket)
		})
	}
}

// dispatch invokes one callback and interprets its result. The socket
// snapshot taken before the callback is the baseline for structural change
// detection.
func (c *Channel) dispatch(kind requestKind, ref string, call *pendingCall, invoke func() view.Result) (stop bool) {
	snap := c.socket.Snapshot()
	start := time.Now()

	_, span := c.tracer.Start(context.Background(), "lumen."+kind.String(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("lumen.topic", c.topic),
			attribute.String("lumen.view", c.viewName),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			// A panicking callback kills only this connection.
			c.logger.Error("callback panic",
				"kind", kind.String(),
				"panic", r,
				"stack", string(debug.Stack()))
			span.SetStatus(codes.Error, fmt.Sprintf("panic: %v", r))
			c.terminate(fmt.Sprintf("panic: %v", r))
			stop = true
		}
	}()

	res := invoke()
	c.config.Metrics.RecordEvent(time.Since(start).Seconds())

	stop = c.interpret(kind, ref, call, snap, res)
	if stop && c.err != nil {
		span.SetStatus(codes.Error, c.err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return stop
}

// interpret applies the result decision table: whether to render, and
// whether the render is replied, pushed, or both.
func (c *Channel) interpret(kind requestKind, ref string, call *pendingCall, snap *view.Snapshot, res view.Result) bool {
	switch r := res.(type) {
	case view.NoReply:
		if r.Socket == nil {
			return c.violation(kind, res)
		}
		c.socket = r.Socket
		changed := c.socket.ChangedFrom(snap)

		switch kind {
		case kindEvent:
			if !changed {
				c.reply(ref, protocol.OKReply(nil))
				return false
			}
			patch := c.render()
			c.reply(ref, protocol.OKReply(map[string]any{"diff": patch}))

		case kindCall, kindInfo:
			if !changed {
				return false
			}
			c.pushRender(c.render())
		}
		return false

	case view.Reply:
		if kind != kindCall || r.Socket == nil {
			return c.violation(kind, res)
		}
		c.socket = r.Socket
		changed := c.socket.ChangedFrom(snap)

		call.reply <- r.Value
		if changed {
			// Reply first, then push the render out-of-band.
			c.pushRender(c.render())
		}
		return false

	case view.Stop:
		if r.Socket == nil {
			return c.violation(kind, res)
		}
		c.socket = r.Socket
		reason := r.Reason

		if rd := c.socket.Redirected(); rd != nil {
			c.pushRedirect(rd)
			c.transport.SocketClose(c.id, ReasonRedirect)
			if reason == "" {
				reason = ReasonRedirect
			}
		} else if reason == "" {
			reason = "stop"
		}
		c.terminate(reason)
		return true

	default:
		return c.violation(kind, res)
	}
}

// violation records a fatal contract violation and terminates the channel.
func (c *Channel) violation(kind requestKind, res view.Result) bool {
	cerr := &ContractError{
		View:   fmt.Sprintf("%T", c.view),
		Op:     kind.String(),
		Result: res,
	}
	c.logger.Error("callback contract violation",
		"kind", kind.String(),
		"view", cerr.View,
		"result", fmt.Sprintf("%#v", res))
	c.config.Metrics.RecordContractViolation()
	c.err = cerr
	c.terminate(cerr.Error())
	return true
}

// render runs the render/diff pipeline: one render per inbound message that
// produced a state change. The returned patch is what crosses the wire.
func (c *Channel) render() diff.Patch {
	rendered := c.view.Render(c.socket)
	c.socket.ResetChanged()
	c.socket.SetFingerprint(rendered.Fingerprint())

	patch, fps := c.config.Engine.Diff(rendered, c.fingerprints)
	c.fingerprints = fps

	c.config.Metrics.RecordRender()
	return patch
}

func (c *Channel) reply(ref string, reply *protocol.Reply) {
	if ref == "" {
		return
	}
	msg := protocol.NewReply(c.topic, c.joinRef, ref, reply)
	if err := c.transport.Send(msg); err != nil {
		c.logger.Warn("reply send failed", "ref", ref, "error", err)
	}
}

func (c *Channel) pushRender(patch diff.Patch) {
	msg := &protocol.Message{
		JoinRef: c.joinRef,
		Topic:   c.topic,
		Event:   protocol.EventRender,
		Payload: patch,
	}
	if err := c.transport.Send(msg); err != nil {
		c.logger.Warn("render push failed", "error", err)
	}
}

func (c *Channel) pushRedirect(rd *view.Redirect) {
	msg := &protocol.Message{
		JoinRef: c.joinRef,
		Topic:   c.topic,
		Event:   protocol.EventRedirect,
		Payload: c.redirectPayload(rd),
	}
	if err := c.transport.Send(msg); err != nil {
		c.logger.Warn("redirect push failed", "to", rd.To, "error", err)
	}
}

// redirectPayload builds {to, flash}, signing the flash when a signer is
// configured.
func (c *Channel) redirectPayload(rd *view.Redirect) map[string]any {
	payload := map[string]any{"to": rd.To}
	if len(rd.Flash) == 0 {
		return payload
	}
	if c.config.Flash != nil {
		signed, err := c.config.Flash.SignFlash(rd.Flash)
		if err != nil {
			c.logger.Error("flash signing failed", "error", err)
			return payload
		}
		payload["flash"] = signed
	} else {
		payload["flash"] = rd.Flash
	}
	return payload
}

// terminate commits the channel to a terminal state: the view's Terminate
// callback runs, then Done closes. Idempotent.
func (c *Channel) terminate(reason string) {
	if c.stopped.Swap(true) {
		return
	}
	c.stopReason = reason

	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("terminate callback panic", "panic", r)
			}
		}()
		if c.socket != nil {
			c.view.Terminate(reason, c.socket)
		}
	}()

	close(c.done)
	c.config.Metrics.ChannelStopped()
	c.logger.Info("channel stopped", "reason", reason)
}

// shutdown is terminate for channels that never reached running state (no
// Terminate callback, no active-channel accounting).
func (c *Channel) shutdown(reason string) {
	if c.stopped.Swap(true) {
		return
	}
	c.stopReason = reason
	close(c.done)
}
