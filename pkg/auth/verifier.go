// Package auth verifies opaque session tokens presented at join time and
// signs the flash payloads carried on redirects. Verification maps a token
// to an identity, a target view, an optional parent channel reference, and
// the session payload handed to Mount.
package auth

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for token verification.
var (
	// ErrNoSession is returned when the join payload carried no token.
	ErrNoSession = errors.New("auth: no session token")

	// ErrBadSession is returned when a token fails verification.
	ErrBadSession = errors.New("auth: bad session token")

	// ErrTokenExpired is returned when a token is valid but past its age
	// limit. It unwraps to ErrBadSession.
	ErrTokenExpired = fmt.Errorf("%w: expired", ErrBadSession)
)

// Verified is the result of successful token verification.
type Verified struct {
	// Identity is the authenticated principal id.
	Identity string `json:"identity"`

	// ViewName selects the view module this connection drives.
	ViewName string `json:"view"`

	// ParentID optionally references a parent channel whose lifetime bounds
	// this one. Empty means no parent.
	ParentID string `json:"parent,omitempty"`

	// Session is the payload passed to Mount and retained for re-renders.
	Session map[string]any `json:"session,omitempty"`
}

// Verifier validates an opaque client-supplied token.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Verified, error)
}

// FlashSigner signs flash payloads so redirect targets can trust them.
type FlashSigner interface {
	SignFlash(flash map[string]string) (string, error)
}
