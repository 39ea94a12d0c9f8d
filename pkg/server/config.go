package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config configures the HTTP/WebSocket server.
type Config struct {
	// Address is the listen address. Default: ":8080".
	Address string

	// LivePath is the WebSocket endpoint path. Default: "/live".
	LivePath string

	// ReadBufferSize and WriteBufferSize size the WebSocket upgrader
	// buffers. Default: 4096 each.
	ReadBufferSize  int
	WriteBufferSize int

	// CheckOrigin validates the Origin header on upgrade requests.
	// Default: same-origin (Origin host must match the request host).
	CheckOrigin func(r *http.Request) bool

	// WriteTimeout is the per-message WebSocket write deadline.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// ReadTimeout is the WebSocket read deadline; clients must send
	// something (a heartbeat suffices) within it. Default: 60 seconds.
	ReadTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown. Default: 10 seconds.
	ShutdownTimeout time.Duration

	// ReadHeaderTimeout is the HTTP server header read timeout.
	// Default: 10 seconds.
	ReadHeaderTimeout time.Duration

	// DisableMetrics skips the Prometheus endpoint at /metrics and the
	// channel collector. Metrics are on by default.
	DisableMetrics bool
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:           ":8080",
		LivePath:          "/live",
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		CheckOrigin:       SameOriginCheck,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (c *Config) withDefaults() *Config {
	defaults := DefaultConfig()
	if c == nil {
		return defaults
	}
	out := *c
	if out.Address == "" {
		out.Address = defaults.Address
	}
	if out.LivePath == "" {
		out.LivePath = defaults.LivePath
	}
	if out.ReadBufferSize == 0 {
		out.ReadBufferSize = defaults.ReadBufferSize
	}
	if out.WriteBufferSize == 0 {
		out.WriteBufferSize = defaults.WriteBufferSize
	}
	if out.CheckOrigin == nil {
		out.CheckOrigin = defaults.CheckOrigin
	}
	if out.WriteTimeout == 0 {
		out.WriteTimeout = defaults.WriteTimeout
	}
	if out.ReadTimeout == 0 {
		out.ReadTimeout = defaults.ReadTimeout
	}
	if out.ShutdownTimeout == 0 {
		out.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if out.ReadHeaderTimeout == 0 {
		out.ReadHeaderTimeout = defaults.ReadHeaderTimeout
	}
	return &out
}

// SameOriginCheck accepts upgrade requests whose Origin host matches the
// request host, plus requests with no Origin header (non-browser clients).
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// AllowOrigins builds an origin check from an explicit allowlist of hosts.
// "*" allows everything.
func AllowOrigins(hosts ...string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(hosts))
	all := false
	for _, h := range hosts {
		if h == "*" {
			all = true
		}
		allowed[strings.ToLower(h)] = true
	}
	return func(r *http.Request) bool {
		if all {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return allowed[strings.ToLower(u.Host)]
	}
}
