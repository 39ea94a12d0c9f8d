// Package view defines the application-facing surface of a live view:
// the View callback contract, the Socket holding per-connection view state,
// and the result shapes a callback may return.
package view

import (
	"fmt"
	"reflect"
)

// Params is a string-keyed payload, used for session payloads and decoded
// event values.
type Params map[string]any

// Redirect is the terminal stop marker on a socket: once set, no further
// renders happen for this connection and the client is told to navigate.
type Redirect struct {
	To    string
	Flash map[string]string
}

// Socket is the application-visible view state for one connection. It is
// owned by exactly one channel and must only be touched from that channel's
// callbacks; no locking is needed or provided.
type Socket struct {
	viewName string
	identity string
	parentID string
	session  Params

	connected   bool
	assigns     map[string]any
	changed     map[string]struct{}
	flash       map[string]string
	redirect    *Redirect
	fingerprint uint64
}

// NewSocket builds a socket for a connection. connected distinguishes live
// sockets from static pre-renders.
func NewSocket(viewName, identity, parentID string, session Params, connected bool) *Socket {
	return &Socket{
		viewName:  viewName,
		identity:  identity,
		parentID:  parentID,
		session:   session,
		connected: connected,
		assigns:   make(map[string]any),
		changed:   make(map[string]struct{}),
		flash:     make(map[string]string),
	}
}

// ViewName returns the name the view was registered under.
func (s *Socket) ViewName() string { return s.viewName }

// Identity returns the verified identity for this connection.
func (s *Socket) Identity() string { return s.identity }

// ParentID returns the parent channel reference captured at join, or "".
func (s *Socket) ParentID() string { return s.parentID }

// Session returns the verified session payload passed to Mount.
func (s *Socket) Session() Params { return s.session }

// Connected reports whether this socket belongs to a live connection.
func (s *Socket) Connected() bool { return s.connected }

// Assign sets one assign. Replace values rather than mutating them in
// place: change detection compares assigned values structurally.
func (s *Socket) Assign(key string, value any) *Socket {
	if old, ok := s.assigns[key]; ok && reflect.DeepEqual(old, value) {
		return s
	}
	s.assigns[key] = value
	s.changed[key] = struct{}{}
	return s
}

// Get returns an assign value, or nil when absent.
func (s *Socket) Get(key string) any { return s.assigns[key] }

// GetString returns an assign as a string, or "" when absent or mistyped.
func (s *Socket) GetString(key string) string {
	v, _ := s.assigns[key].(string)
	return v
}

// GetInt returns an assign as an int, handling int64/float64 values.
func (s *Socket) GetInt(key string) int {
	switch v := s.assigns[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// PutFlash stages a flash message of the given kind for the next render or
// redirect.
func (s *Socket) PutFlash(kind, message string) *Socket {
	s.flash[kind] = message
	return s
}

// Flash returns the pending flash messages.
func (s *Socket) Flash() map[string]string { return s.flash }

// RedirectTo marks the socket stopped with a redirect target, carrying any
// pending flash. Setting a redirect is terminal for the connection.
func (s *Socket) RedirectTo(to string) *Socket {
	flash := make(map[string]string, len(s.flash))
	for k, v := range s.flash {
		flash[k] = v
	}
	s.redirect = &Redirect{To: to, Flash: flash}
	return s
}

// Redirected returns the redirect stop marker, or nil.
func (s *Socket) Redirected() *Redirect { return s.redirect }

// ResetChanged clears the changed-key set after a render.
func (s *Socket) ResetChanged() {
	s.changed = make(map[string]struct{})
}

// SetFingerprint records the root fingerprint of the most recent render.
func (s *Socket) SetFingerprint(fp uint64) { s.fingerprint = fp }

// Fingerprint returns the root fingerprint of the most recent render.
func (s *Socket) Fingerprint() uint64 { return s.fingerprint }

// Snapshot captures the socket's current assigns and flash for later
// structural comparison. Values are not deep-copied: callbacks are expected
// to replace assigns, not mutate them.
func (s *Socket) Snapshot() *Snapshot {
	assigns := make(map[string]any, len(s.assigns))
	for k, v := range s.assigns {
		assigns[k] = v
	}
	flash := make(map[string]string, len(s.flash))
	for k, v := range s.flash {
		flash[k] = v
	}
	return &Snapshot{assigns: assigns, flash: flash}
}

// Snapshot is a point-in-time capture of socket state used for change
// detection between a callback's input and output.
type Snapshot struct {
	assigns map[string]any
	flash   map[string]string
}

// ChangedFrom reports whether the socket's state differs structurally from
// the snapshot. Identity is structural, not a dirty bit: a callback that
// assigns the same values back produces no change.
func (s *Socket) ChangedFrom(snap *Snapshot) bool {
	return !reflect.DeepEqual(s.assigns, snap.assigns) ||
		!reflect.DeepEqual(s.flash, snap.flash)
}

// String implements fmt.Stringer for log output.
func (s *Socket) String() string {
	return fmt.Sprintf("Socket{view=%s assigns=%d connected=%t}", s.viewName, len(s.assigns), s.connected)
}
