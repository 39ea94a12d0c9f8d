package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lumen-dev/lumen/pkg/auth"
	"github.com/lumen-dev/lumen/pkg/render"
	"github.com/lumen-dev/lumen/pkg/server"
	"github.com/lumen-dev/lumen/pkg/view"
)

func serveCmd() *cobra.Command {
	var (
		addr         string
		secret       string
		tokenDB      string
		logLevel     string
		allowOrigins []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the live view server with the demo counter view",
		Long: `Run a Lumen server hosting the built-in counter demo view.

Session tokens are HMAC-signed with --secret. With --token-db, tokens
are instead looked up in a SQLite store (mint them with "lumen token").

Examples:
  lumen serve --secret=s3cret
  lumen serve --addr=:9000 --token-db=tokens.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr, secret, tokenDB, logLevel, allowOrigins)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":8080", "Listen address")
	cmd.Flags().StringVarP(&secret, "secret", "s", "", "Token signing secret (or LUMEN_SECRET)")
	cmd.Flags().StringVar(&tokenDB, "token-db", "", "SQLite token store path (opaque tokens)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	cmd.Flags().StringSliceVar(&allowOrigins, "allow-origin", nil, "Allowed Origin hosts (default: same-origin)")

	return cmd
}

func runServe(addr, secret, tokenDB, logLevel string, allowOrigins []string) error {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	if secret == "" {
		secret = os.Getenv("LUMEN_SECRET")
	}
	if secret == "" {
		return fmt.Errorf("a signing secret is required (--secret or LUMEN_SECRET)")
	}
	signer := auth.NewTokenVerifier([]byte(secret))

	var verifier auth.Verifier = signer
	if tokenDB != "" {
		db, err := auth.OpenSQLite(tokenDB)
		if err != nil {
			return err
		}
		defer db.Close()
		store := auth.NewSQLTokenStore(db)
		if err := store.Init(context.Background()); err != nil {
			return err
		}
		verifier = auth.NewStoreVerifier(store)
		logger.Info("using sqlite token store", "path", tokenDB)
	}

	views := view.NewRegistry()
	views.Register("counter", func() view.View { return &demoCounter{} })

	config := server.DefaultConfig()
	config.Address = addr
	if len(allowOrigins) > 0 {
		config.CheckOrigin = server.AllowOrigins(allowOrigins...)
	}

	srv := server.New(config, views, verifier,
		server.WithLogger(logger),
		server.WithFlashSigner(signer),
	)
	return srv.ListenAndServe(context.Background())
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// demoCounter is the built-in demonstration view: a counter with inc/dec
// events and a reset that bounces the client back to the root.
type demoCounter struct {
	view.Base
}

func (v *demoCounter) Mount(params view.Params, s *view.Socket) view.Result {
	return view.NoReply{Socket: s.Assign("count", 0)}
}

func (v *demoCounter) HandleEvent(event string, value any, s *view.Socket) view.Result {
	switch event {
	case "inc":
		return view.NoReply{Socket: s.Assign("count", s.GetInt("count")+1)}
	case "dec":
		return view.NoReply{Socket: s.Assign("count", s.GetInt("count")-1)}
	case "reset":
		s.PutFlash("info", "counter reset")
		return view.Stop{Socket: s.RedirectTo("/")}
	default:
		return view.NoReply{Socket: s}
	}
}

func (v *demoCounter) Render(s *view.Socket) *render.Rendered {
	return render.New(
		[]string{"<div>count: ", "</div>"},
		strconv.Itoa(s.GetInt("count")),
	)
}
