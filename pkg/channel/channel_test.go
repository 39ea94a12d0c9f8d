package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lumen-dev/lumen/pkg/auth"
	"github.com/lumen-dev/lumen/pkg/diff"
	"github.com/lumen-dev/lumen/pkg/protocol"
	"github.com/lumen-dev/lumen/pkg/render"
	"github.com/lumen-dev/lumen/pkg/transport"
	"github.com/lumen-dev/lumen/pkg/view"
)

var testSecret = []byte("test-secret-key")

// counterView is the workhorse test view: a single counter assign with
// events covering every result shape.
type counterView struct {
	view.Base

	mu         sync.Mutex
	terminated string
}

func (v *counterView) Mount(params view.Params, s *view.Socket) view.Result {
	return view.NoReply{Socket: s.Assign("count", 0)}
}

func (v *counterView) HandleEvent(event string, value any, s *view.Socket) view.Result {
	switch event {
	case "inc":
		return view.NoReply{Socket: s.Assign("count", s.GetInt("count")+1)}
	case "noop":
		return view.NoReply{Socket: s.Assign("count", s.GetInt("count"))}
	case "bye":
		return view.Stop{Reason: "done", Socket: s}
	case "away":
		s.PutFlash("info", "see you")
		return view.Stop{Socket: s.RedirectTo("/goodbye")}
	case "illegal":
		return view.Reply{Value: "nope", Socket: s}
	case "boom":
		panic("kaboom")
	default:
		return view.NoReply{Socket: s}
	}
}

func (v *counterView) HandleInfo(msg any, s *view.Socket) view.Result {
	if msg == "tick" {
		return view.NoReply{Socket: s.Assign("count", s.GetInt("count")+1)}
	}
	return view.NoReply{Socket: s}
}

func (v *counterView) HandleCall(msg any, from view.CallRef, s *view.Socket) view.Result {
	switch msg {
	case "get":
		return view.Reply{Value: s.GetInt("count"), Socket: s}
	case "bump":
		return view.Reply{Value: "bumped", Socket: s.Assign("count", s.GetInt("count")+1)}
	default:
		return view.NoReply{Socket: s}
	}
}

func (v *counterView) Render(s *view.Socket) *render.Rendered {
	return render.New([]string{"count: ", ""}, strconv.Itoa(s.GetInt("count")))
}

func (v *counterView) Terminate(reason string, s *view.Socket) {
	v.mu.Lock()
	v.terminated = reason
	v.mu.Unlock()
}

func (v *counterView) terminateReason() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.terminated
}

// bouncerView redirects away at mount.
type bouncerView struct {
	view.Base
	terminated bool
}

func (v *bouncerView) Mount(params view.Params, s *view.Socket) view.Result {
	s.PutFlash("error", "not allowed")
	return view.Stop{Socket: s.RedirectTo("/login")}
}

func (v *bouncerView) Render(s *view.Socket) *render.Rendered {
	return render.Text("unreachable")
}

func (v *bouncerView) Terminate(reason string, s *view.Socket) {
	v.terminated = true
}

type testEnv struct {
	verifier *auth.TokenVerifier
	views    *view.Registry
	pipe     *transport.Pipe
	config   *Config
	view     *counterView
	bouncer  *bouncerView
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		verifier: auth.NewTokenVerifier(testSecret),
		views:    view.NewRegistry(),
		pipe:     transport.NewPipe(16),
		view:     &counterView{},
		bouncer:  &bouncerView{},
	}
	env.views.Register("counter", func() view.View { return env.view })
	env.views.Register("bouncer", func() view.View { return env.bouncer })
	env.config = &Config{
		Verifier: env.verifier,
		Views:    env.views,
		Flash:    env.verifier,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return env
}

func (env *testEnv) token(t *testing.T, viewName, parentID string) string {
	t.Helper()
	token, err := env.verifier.Sign(&auth.Verified{
		Identity: "user-1",
		ViewName: viewName,
		ParentID: parentID,
		Session:  map[string]any{"tenant": "acme"},
	})
	require.NoError(t, err)
	return token
}

func (env *testEnv) join(t *testing.T) *Channel {
	t.Helper()
	c, err := Join(context.Background(), &JoinRequest{
		Topic:     "lv:1",
		JoinRef:   "1",
		Ref:       "1",
		Payload:   map[string]any{"session": env.token(t, "counter", "")},
		Transport: env.pipe,
	}, env.config)
	require.NoError(t, err)
	recv(t, env.pipe) // drain the join reply
	return c
}

func recv(t *testing.T, p *transport.Pipe) *protocol.Message {
	t.Helper()
	select {
	case msg := <-p.Out():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func expectNoMessage(t *testing.T, p *transport.Pipe) {
	t.Helper()
	select {
	case msg := <-p.Out():
		t.Fatalf("unexpected outbound message: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitDone(t *testing.T, c *Channel) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel to stop")
	}
}

func event(topic, ref, name string, value any) *protocol.Message {
	return &protocol.Message{
		Topic: topic,
		Ref:   ref,
		Event: protocol.EventClient,
		Payload: map[string]any{
			"event": name,
			"value": value,
		},
	}
}

func reply(t *testing.T, msg *protocol.Message) *protocol.Reply {
	t.Helper()
	require.Equal(t, protocol.EventReply, msg.Event)
	r, ok := msg.Payload.(*protocol.Reply)
	require.True(t, ok, "reply payload is %T", msg.Payload)
	return r
}

func TestJoinWithoutTokenAnswersNoSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := Join(context.Background(), &JoinRequest{
		Topic:     "lv:1",
		JoinRef:   "1",
		Ref:       "1",
		Payload:   map[string]any{},
		Transport: env.pipe,
	}, env.config)
	require.ErrorIs(t, err, auth.ErrNoSession)

	r := reply(t, recv(t, env.pipe))
	require.Equal(t, protocol.StatusError, r.Status)
	require.Equal(t, map[string]any{"reason": protocol.ReasonNoSession}, r.Response)
}

func TestJoinWithBadTokenAnswersBadSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := Join(context.Background(), &JoinRequest{
		Topic:     "lv:1",
		JoinRef:   "1",
		Ref:       "1",
		Payload:   map[string]any{"session": "garbage.token"},
		Transport: env.pipe,
	}, env.config)
	require.ErrorIs(t, err, auth.ErrBadSession)

	r := reply(t, recv(t, env.pipe))
	require.Equal(t, protocol.StatusError, r.Status)
	require.Equal(t, map[string]any{"reason": protocol.ReasonBadSession}, r.Response)
}

func TestJoinWithUnknownViewAnswersBadSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := Join(context.Background(), &JoinRequest{
		Topic:     "lv:1",
		JoinRef:   "1",
		Ref:       "1",
		Payload:   map[string]any{"session": env.token(t, "ghost", "")},
		Transport: env.pipe,
	}, env.config)
	require.ErrorIs(t, err, ErrUnknownView)

	r := reply(t, recv(t, env.pipe))
	require.Equal(t, protocol.StatusError, r.Status)
	require.Equal(t, map[string]any{"reason": protocol.ReasonBadSession}, r.Response)
}

func TestJoinMountsAndRepliesWithInitialRender(t *testing.T) {
	env := newTestEnv(t)

	c, err := Join(context.Background(), &JoinRequest{
		Topic:     "lv:1",
		JoinRef:   "1",
		Ref:       "1",
		Payload:   map[string]any{"session": env.token(t, "counter", "")},
		Transport: env.pipe,
	}, env.config)
	require.NoError(t, err)
	defer c.terminate("test over")

	msg := recv(t, env.pipe)
	require.Equal(t, "1", msg.JoinRef)
	require.Equal(t, "1", msg.Ref)
	r := reply(t, msg)
	require.Equal(t, protocol.StatusOK, r.Status)

	resp, ok := r.Response.(map[string]any)
	require.True(t, ok)
	rendered, ok := resp["rendered"].(diff.Patch)
	require.True(t, ok)

	// First render carries the full tree: statics plus dynamics.
	require.Equal(t, []string{"count: ", ""}, rendered[diff.StaticsKey])
	require.Equal(t, "0", rendered["0"])
}

func TestJoinRedirectAtMountBouncesWithoutStarting(t *testing.T) {
	env := newTestEnv(t)

	_, err := Join(context.Background(), &JoinRequest{
		Topic:     "lv:1",
		JoinRef:   "1",
		Ref:       "1",
		Payload:   map[string]any{"session": env.token(t, "bouncer", "")},
		Transport: env.pipe,
	}, env.config)
	require.ErrorIs(t, err, ErrRedirected)

	r := reply(t, recv(t, env.pipe))
	require.Equal(t, protocol.StatusError, r.Status)

	resp, ok := r.Response.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "/login", resp["to"])

	// Flash travels signed, verifiable with the same key.
	signed, ok := resp["flash"].(string)
	require.True(t, ok)
	flash, err := env.verifier.VerifyFlash(signed)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"error": "not allowed"}, flash)

	// A channel that never ran does not get a Terminate callback.
	require.False(t, env.bouncer.terminated)
}

func TestEventWithChangeRepliesWithDiff(t *testing.T) {
	env := newTestEnv(t)
	c := env.join(t)
	defer c.terminate("test over")

	require.NoError(t, c.Deliver(event("lv:1", "2", "inc", nil)))

	msg := recv(t, env.pipe)
	require.Equal(t, "2", msg.Ref)
	r := reply(t, msg)
	require.Equal(t, protocol.StatusOK, r.Status)

	resp, ok := r.Response.(map[string]any)
	require.True(t, ok)
	patch, ok := resp["diff"].(diff.Patch)
	require.True(t, ok)

	// Same template as the join render: statics are omitted.
	require.NotContains(t, patch, diff.StaticsKey)
	require.Equal(t, "1", patch["0"])

	// Exactly one render per event: the reply is the only outbound message.
	expectNoMessage(t, env.pipe)
}

func TestEventWithoutChangeAcksWithoutRender(t *testing.T) {
	env := newTestEnv(t)
	c := env.join(t)
	defer c.terminate("test over")

	require.NoError(t, c.Deliver(event("lv:1", "2", "noop", nil)))

	r := reply(t, recv(t, env.pipe))
	require.Equal(t, protocol.StatusOK, r.Status)
	require.Nil(t, r.Response)
	expectNoMessage(t, env.pipe)
}

func TestFormEventValueDecodes(t *testing.T) {
	env := newTestEnv(t)
	c := env.join(t)
	defer c.terminate("test over")

	require.NoError(t, c.Deliver(&protocol.Message{
		Topic: "lv:1",
		Ref:   "2",
		Event: protocol.EventClient,
		Payload: map[string]any{
			"event": "noop",
			"type":  protocol.TypeForm,
			"value": "name=ada&tags=a&tags=b",
		},
	}))

	r := reply(t, recv(t, env.pipe))
	require.Equal(t, protocol.StatusOK, r.Status)
}

func TestMalformedEventPayloadIsRejected(t *testing.T) {
	env := newTestEnv(t)
	c := env.join(t)
	defer c.terminate("test over")

	require.NoError(t, c.Deliver(&protocol.Message{
		Topic:   "lv:1",
		Ref:     "2",
		Event:   protocol.EventClient,
		Payload: "not an object",
	}))

	r := reply(t, recv(t, env.pipe))
	require.Equal(t, protocol.StatusError, r.Status)

	// Rejecting a malformed payload does not kill the channel.
	require.NoError(t, c.Deliver(event("lv:1", "3", "inc", nil)))
	r = reply(t, recv(t, env.pipe))
	require.Equal(t, protocol.StatusOK, r.Status)
}

func TestIllegalEventResultTerminatesChannel(t *testing.T) {
	env := newTestEnv(t)
	c := env.join(t)

	require.NoError(t, c.Deliver(event("lv:1", "2", "illegal", nil)))
	waitDone(t, c)

	var cerr *ContractError
	require.ErrorAs(t, c.Err(), &cerr)
	require.Equal(t, "event", cerr.Op)
	require.ErrorIs(t, c.Deliver(event("lv:1", "3", "inc", nil)), ErrChannelClosed)
}

func TestPanickingCallbackTerminatesOnlyThisChannel(t *testing.T) {
	env := newTestEnv(t)
	c := env.join(t)

	require.NoError(t, c.Deliver(event("lv:1", "2", "boom", nil)))
	waitDone(t, c)
	require.Contains(t, c.CloseReason(), "kaboom")
}

func TestStopWithRedirectPushesRedirectAndCloses(t *testing.T) {
	env := newTestEnv(t)
	c := env.join(t)

	require.NoError(t, c.Deliver(event("lv:1", "2", "away", nil)))

	msg := recv(t, env.pipe)
	require.Equal(t, protocol.EventRedirect, msg.Event)
	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "/goodbye", payload["to"])

	signed, ok := payload["flash"].(string)
	require.True(t, ok)
	flash, err := env.verifier.VerifyFlash(signed)
	require.NoError(t, err)
	require.Equal(t, "see you", flash["info"])

	waitDone(t, c)
	require.Equal(t, ReasonRedirect, c.CloseReason())
	require.Equal(t, ReasonRedirect, env.view.terminateReason())

	notices := env.pipe.CloseNotices()
	require.Len(t, notices, 1)
	require.Equal(t, c.ID(), notices[0].ChannelID)
	require.Equal(t, ReasonRedirect, notices[0].Reason)
}

func TestStopWithoutRedirectUsesCallbackReason(t *testing.T) {
	env := newTestEnv(t)
	c := env.join(t)

	require.NoError(t, c.Deliver(event("lv:1", "2", "bye", nil)))
	waitDone(t, c)
	require.Equal(t, "done", c.CloseReason())
	require.Equal(t, "done", env.view.terminateReason())
}

func TestLeaveAcksAndTerminates(t *testing.T) {
	env := newTestEnv(t)
	c := env.join(t)

	require.NoError(t, c.Deliver(&protocol.Message{
		Topic: "lv:1",
		Ref:   "2",
		Event: protocol.EventLeave,
	}))

	r := reply(t, recv(t, env.pipe))
	require.Equal(t, protocol.StatusOK, r.Status)

	waitDone(t, c)
	require.Equal(t, ReasonLeft, c.CloseReason())
	require.Equal(t, ReasonLeft, env.view.terminateReason())
}

func TestTransportCleanCloseStopsWithClosed(t *testing.T) {
	env := newTestEnv(t)
	c := env.join(t)

	env.pipe.Close(transport.ReasonNormal)
	waitDone(t, c)
	require.Equal(t, ReasonClosed, c.CloseReason())
	require.Equal(t, ReasonClosed, env.view.terminateReason())
}

func TestTransportCrashPropagatesReason(t *testing.T) {
	env := newTestEnv(t)
	c := env.join(t)

	env.pipe.Close("connection reset")
	waitDone(t, c)
	require.Equal(t, "connection reset", c.CloseReason())
}

// fakeParent satisfies Parent for liveness tests without a second channel.
type fakeParent struct {
	id     string
	done   chan struct{}
	reason string
}

func (p *fakeParent) ID() string            { return p.id }
func (p *fakeParent) Done() <-chan struct{} { return p.done }
func (p *fakeParent) CloseReason() string   { return p.reason }

type staticParents map[string]Parent

func (s staticParents) Resolve(id string) (Parent, bool) {
	p, ok := s[id]
	return p, ok
}

func TestParentDeathNotifiesTransportAndTerminates(t *testing.T) {
	env := newTestEnv(t)
	parent := &fakeParent{id: "parent-1", done: make(chan struct{})}
	env.config.Parents = staticParents{"parent-1": parent}

	c, err := Join(context.Background(), &JoinRequest{
		Topic:     "lv:child",
		JoinRef:   "1",
		Ref:       "1",
		Payload:   map[string]any{"session": env.token(t, "counter", "parent-1")},
		Transport: env.pipe,
	}, env.config)
	require.NoError(t, err)
	recv(t, env.pipe)

	parent.reason = "parent crashed"
	close(parent.done)

	waitDone(t, c)
	require.Equal(t, "parent crashed", c.CloseReason())

	notices := env.pipe.CloseNotices()
	require.Len(t, notices, 1)
	require.Equal(t, c.ID(), notices[0].ChannelID)
	require.Equal(t, "parent crashed", notices[0].Reason)
}

func TestJoinWithUnresolvableParentFails(t *testing.T) {
	env := newTestEnv(t)
	env.config.Parents = staticParents{}

	_, err := Join(context.Background(), &JoinRequest{
		Topic:     "lv:child",
		JoinRef:   "1",
		Ref:       "1",
		Payload:   map[string]any{"session": env.token(t, "counter", "gone")},
		Transport: env.pipe,
	}, env.config)
	require.ErrorIs(t, err, ErrUnknownParent)

	r := reply(t, recv(t, env.pipe))
	require.Equal(t, protocol.StatusError, r.Status)
}

func TestCallRepliesToCallerThenPushesRender(t *testing.T) {
	env := newTestEnv(t)
	c := env.join(t)
	defer c.terminate("test over")

	v, err := c.Call(context.Background(), "get")
	require.NoError(t, err)
	require.Equal(t, 0, v)
	expectNoMessage(t, env.pipe)

	v, err = c.Call(context.Background(), "bump")
	require.NoError(t, err)
	require.Equal(t, "bumped", v)

	msg := recv(t, env.pipe)
	require.Equal(t, protocol.EventRender, msg.Event)
	patch, ok := msg.Payload.(diff.Patch)
	require.True(t, ok)
	require.Equal(t, "1", patch["0"])
}

func TestCallOnClosedChannelFails(t *testing.T) {
	env := newTestEnv(t)
	c := env.join(t)
	c.terminate("test over")

	_, err := c.Call(context.Background(), "get")
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestInfoWithChangePushesRender(t *testing.T) {
	env := newTestEnv(t)
	c := env.join(t)
	defer c.terminate("test over")

	require.NoError(t, c.Info("tick"))

	msg := recv(t, env.pipe)
	require.Equal(t, protocol.EventRender, msg.Event)
	require.Equal(t, "lv:1", msg.Topic)
	patch, ok := msg.Payload.(diff.Patch)
	require.True(t, ok)
	require.NotContains(t, patch, diff.StaticsKey)
	require.Equal(t, "1", patch["0"])
}

func TestInfoWithoutChangeIsSilent(t *testing.T) {
	env := newTestEnv(t)
	c := env.join(t)
	defer c.terminate("test over")

	require.NoError(t, c.Info("ignored"))
	expectNoMessage(t, env.pipe)
}

func TestMessagesProcessSequentially(t *testing.T) {
	env := newTestEnv(t)
	c := env.join(t)
	defer c.terminate("test over")

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Deliver(event("lv:1", fmt.Sprintf("r%d", i), "inc", nil)))
	}

	for i := 1; i <= 5; i++ {
		r := reply(t, recv(t, env.pipe))
		require.Equal(t, protocol.StatusOK, r.Status)
		resp := r.Response.(map[string]any)
		patch := resp["diff"].(diff.Patch)
		require.Equal(t, strconv.Itoa(i), patch["0"])
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	c := env.join(t)

	c.terminate("first")
	c.terminate("second")
	require.Equal(t, "first", c.CloseReason())
	require.Equal(t, "first", env.view.terminateReason())
}

func TestErrBeforeDoneIsNil(t *testing.T) {
	env := newTestEnv(t)
	c := env.join(t)
	defer c.terminate("test over")

	require.NoError(t, c.Err())
}

func TestRenderPipelineAcrossJoinEventAndClose(t *testing.T) {
	env := newTestEnv(t)

	c, err := Join(context.Background(), &JoinRequest{
		Topic:     "lv:1",
		JoinRef:   "1",
		Ref:       "1",
		Payload:   map[string]any{"session": env.token(t, "counter", "")},
		Transport: env.pipe,
	}, env.config)
	require.NoError(t, err)

	// First render carries the complete tree.
	r := reply(t, recv(t, env.pipe))
	require.Equal(t, protocol.StatusOK, r.Status)
	rendered := r.Response.(map[string]any)["rendered"].(diff.Patch)
	require.Equal(t, []string{"count: ", ""}, rendered[diff.StaticsKey])
	require.Equal(t, "0", rendered["0"])

	// Same template afterwards: each changed event yields exactly one diff
	// ack with statics omitted.
	for i := 1; i <= 2; i++ {
		require.NoError(t, c.Deliver(event("lv:1", strconv.Itoa(i+1), "inc", nil)))
		r = reply(t, recv(t, env.pipe))
		require.Equal(t, protocol.StatusOK, r.Status)
		patch := r.Response.(map[string]any)["diff"].(diff.Patch)
		require.NotContains(t, patch, diff.StaticsKey)
		require.Equal(t, strconv.Itoa(i), patch["0"])
	}
	expectNoMessage(t, env.pipe)

	// Abnormal transport death propagates its reason verbatim.
	env.pipe.Close("econnreset")
	waitDone(t, c)
	require.Equal(t, "econnreset", c.CloseReason())
	require.Equal(t, "econnreset", env.view.terminateReason())
}

func TestContractErrorMessageNamesViewAndOp(t *testing.T) {
	err := &ContractError{View: "*channel.counterView", Op: "event", Result: 42}
	require.Contains(t, err.Error(), "*channel.counterView")
	require.Contains(t, err.Error(), "illegal event result")

	var target *ContractError
	require.True(t, errors.As(err, &target))
}
