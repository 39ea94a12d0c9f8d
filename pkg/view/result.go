package view

// Result is the closed set of shapes a View callback may return. The channel
// interprets results exhaustively; returning anything outside this set (or a
// typed nil) is a fatal contract violation, not a recoverable condition.
type Result interface {
	resultSocket() *Socket
}

// NoReply continues the connection with the (possibly updated) socket.
// If the socket changed structurally, the channel re-renders and pushes a
// diff; otherwise the triggering event is acknowledged without a render.
type NoReply struct {
	Socket *Socket
}

func (r NoReply) resultSocket() *Socket { return r.Socket }

// Reply delivers a value to a synchronous caller. Only legal from
// HandleCall.
type Reply struct {
	Value  any
	Socket *Socket
}

func (r Reply) resultSocket() *Socket { return r.Socket }

// Stop terminates the channel with a reason. A redirected socket makes the
// stop a designed navigation, not an error.
type Stop struct {
	Reason string
	Socket *Socket
}

func (r Stop) resultSocket() *Socket { return r.Socket }
