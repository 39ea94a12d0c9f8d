package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultMaxAge is the default validity window for signed tokens.
const DefaultMaxAge = 2 * time.Hour

// TokenVerifier signs and verifies self-contained session tokens:
// base64url(JSON claims) + "." + base64url(HMAC-SHA256). It also signs
// redirect flash payloads with the same key.
type TokenVerifier struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// TokenOption configures a TokenVerifier.
type TokenOption func(*TokenVerifier)

// WithMaxAge sets the validity window for signed tokens.
func WithMaxAge(d time.Duration) TokenOption {
	return func(v *TokenVerifier) {
		if d > 0 {
			v.maxAge = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) TokenOption {
	return func(v *TokenVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewTokenVerifier creates a verifier with the given signing key.
// It panics on an empty key; signing with no key is never acceptable.
func NewTokenVerifier(secret []byte, opts ...TokenOption) *TokenVerifier {
	if len(secret) == 0 {
		panic("auth: empty signing key")
	}
	v := &TokenVerifier{
		secret: secret,
		maxAge: DefaultMaxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type tokenClaims struct {
	Verified
	IssuedAt int64 `json:"iat"`
}

// Sign produces a session token for the given claims.
func (v *TokenVerifier) Sign(claims *Verified) (string, error) {
	payload, err := json.Marshal(tokenClaims{
		Verified: *claims,
		IssuedAt: v.now().Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return v.seal(payload), nil
}

// Verify validates a token's signature and age.
func (v *TokenVerifier) Verify(ctx context.Context, token string) (*Verified, error) {
	payload, err := v.open(token)
	if err != nil {
		return nil, err
	}

	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: malformed claims", ErrBadSession)
	}

	age := v.now().Sub(time.Unix(claims.IssuedAt, 0))
	if age > v.maxAge || age < -time.Minute {
		return nil, fmt.Errorf("%w: issued %s ago", ErrTokenExpired, age)
	}
	if claims.ViewName == "" {
		return nil, fmt.Errorf("%w: missing view", ErrBadSession)
	}

	verified := claims.Verified
	return &verified, nil
}

// SignFlash signs a flash payload for inclusion in a redirect message.
func (v *TokenVerifier) SignFlash(flash map[string]string) (string, error) {
	payload, err := json.Marshal(flash)
	if err != nil {
		return "", fmt.Errorf("auth: sign flash: %w", err)
	}
	return v.seal(payload), nil
}

// VerifyFlash validates and decodes a signed flash payload.
func (v *TokenVerifier) VerifyFlash(token string) (map[string]string, error) {
	payload, err := v.open(token)
	if err != nil {
		return nil, err
	}
	var flash map[string]string
	if err := json.Unmarshal(payload, &flash); err != nil {
		return nil, fmt.Errorf("%w: malformed flash", ErrBadSession)
	}
	return flash, nil
}

func (v *TokenVerifier) seal(payload []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (v *TokenVerifier) open(token string) ([]byte, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: malformed token", ErrBadSession)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: malformed payload", ErrBadSession)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: malformed signature", ErrBadSession)
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrBadSession)
	}
	return payload, nil
}
