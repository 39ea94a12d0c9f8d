package channel

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/lumen-dev/lumen/pkg/auth"
	"github.com/lumen-dev/lumen/pkg/diff"
	"github.com/lumen-dev/lumen/pkg/metrics"
	"github.com/lumen-dev/lumen/pkg/view"
)

// ParentResolver resolves a parent channel reference carried in a verified
// session token.
type ParentResolver interface {
	Resolve(id string) (Parent, bool)
}

// Config holds the collaborators and settings shared by all channels built
// from it.
type Config struct {
	// Verifier validates join session tokens. Required.
	Verifier auth.Verifier

	// Views resolves verified view names to view instances. Required.
	Views *view.Registry

	// Parents resolves parent channel references from verified tokens.
	// Optional; tokens carrying a parent fail to join when nil.
	Parents ParentResolver

	// Flash signs the flash payload on redirect pushes. Optional; when nil
	// the flash travels as a plain map (embedded/test deployments).
	Flash auth.FlashSigner

	// Engine computes render diffs. Default: diff.NewEngine().
	Engine *diff.Engine

	// Logger is the base structured logger. Default: slog.Default().
	Logger *slog.Logger

	// Tracer traces callback dispatch. Default: otel.Tracer("lumen").
	Tracer trace.Tracer

	// Metrics records channel instrumentation. Optional (nil disables).
	Metrics *metrics.Collector

	// MailboxSize is the channel mailbox buffer. Default: 64.
	MailboxSize int

	// JoinLogLevel is the level for logging join verification failures.
	// Default: slog.LevelWarn.
	JoinLogLevel slog.Level

	// DisableJoinLog suppresses join failure logging entirely.
	DisableJoinLog bool
}

// withDefaults returns a copy with unset fields filled in. The join logging
// configuration is resolved here, once per construction.
func (c *Config) withDefaults() *Config {
	out := *c
	if out.Engine == nil {
		out.Engine = diff.NewEngine()
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Tracer == nil {
		out.Tracer = otel.Tracer("lumen")
	}
	if out.MailboxSize <= 0 {
		out.MailboxSize = 64
	}
	if out.JoinLogLevel == 0 {
		out.JoinLogLevel = slog.LevelWarn
	}
	return &out
}
