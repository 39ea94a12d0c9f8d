package view

import (
	"sync"

	"github.com/lumen-dev/lumen/pkg/render"
)

// CallRef identifies the caller of a synchronous HandleCall. It is opaque to
// application code and only useful in diagnostics.
type CallRef struct {
	ID string
}

// View is the capability contract every live view implements. The channel
// invokes these callbacks strictly sequentially for one connection, so
// implementations never need their own locking.
//
// Embed Base to get no-op defaults for the callbacks a view does not use;
// Mount and Render must always be provided.
type View interface {
	// Mount initializes the socket when a connection joins. Legal results
	// are NoReply (run) and Stop with a redirected socket (bounce).
	Mount(params Params, s *Socket) Result

	// HandleEvent processes a client event. Legal results are NoReply and
	// Stop; anything else is a contract violation and kills the channel.
	HandleEvent(event string, value any, s *Socket) Result

	// HandleInfo processes an application message addressed to the channel.
	HandleInfo(msg any, s *Socket) Result

	// HandleCall processes a synchronous call. Reply delivers a value to
	// the caller; NoReply leaves the caller waiting.
	HandleCall(msg any, from CallRef, s *Socket) Result

	// Render produces the view tree for the current socket state.
	Render(s *Socket) *render.Rendered

	// Terminate runs on channel teardown with the shutdown reason.
	Terminate(reason string, s *Socket)

	// CodeChange migrates socket state across view versions.
	CodeChange(oldVersion string, extra any, s *Socket) error
}

// Base provides default implementations for the optional View callbacks.
// Views embed it and override what they need.
type Base struct{}

// HandleEvent ignores the event.
func (Base) HandleEvent(event string, value any, s *Socket) Result {
	return NoReply{Socket: s}
}

// HandleInfo ignores the message.
func (Base) HandleInfo(msg any, s *Socket) Result {
	return NoReply{Socket: s}
}

// HandleCall replies with nil.
func (Base) HandleCall(msg any, from CallRef, s *Socket) Result {
	return Reply{Value: nil, Socket: s}
}

// Terminate is a no-op.
func (Base) Terminate(reason string, s *Socket) {}

// CodeChange is a no-op.
func (Base) CodeChange(oldVersion string, extra any, s *Socket) error { return nil }

// Factory constructs a fresh View instance for one connection.
type Factory func() View

// Registry maps view names (as carried in verified session tokens) to
// factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a view factory under a name, replacing any previous entry.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Resolve instantiates the view registered under name.
func (r *Registry) Resolve(name string) (View, bool) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}

// Names returns the registered view names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
