package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lumen-dev/lumen/pkg/auth"
)

func tokenCmd() *cobra.Command {
	var (
		secret   string
		viewName string
		identity string
		parentID string
		session  []string
		tokenDB  string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for a view",
		Long: `Mint a session token a client can join with.

By default the token is self-contained (HMAC-signed with --secret).
With --token-db, an opaque token is stored in the SQLite store instead
and the server must run with the same --token-db.

Examples:
  lumen token --secret=s3cret --view=counter --identity=user-1
  lumen token --token-db=tokens.db --view=counter --session tenant=acme`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(secret, viewName, identity, parentID, session, tokenDB, ttl)
		},
	}

	cmd.Flags().StringVarP(&secret, "secret", "s", "", "Token signing secret (or LUMEN_SECRET)")
	cmd.Flags().StringVarP(&viewName, "view", "v", "", "View name the token grants (required)")
	cmd.Flags().StringVarP(&identity, "identity", "i", "", "Verified identity to embed")
	cmd.Flags().StringVar(&parentID, "parent", "", "Parent channel reference to embed")
	cmd.Flags().StringArrayVar(&session, "session", nil, "Session entries as key=value (repeatable)")
	cmd.Flags().StringVar(&tokenDB, "token-db", "", "SQLite token store path (mint an opaque token)")
	cmd.Flags().DurationVar(&ttl, "ttl", 2*time.Hour, "Token validity window")
	cmd.MarkFlagRequired("view")

	return cmd
}

func runToken(secret, viewName, identity, parentID string, session []string, tokenDB string, ttl time.Duration) error {
	claims := &auth.Verified{
		Identity: identity,
		ViewName: viewName,
		ParentID: parentID,
	}
	if len(session) > 0 {
		claims.Session = make(map[string]any, len(session))
		for _, entry := range session {
			k, v, ok := strings.Cut(entry, "=")
			if !ok {
				return fmt.Errorf("malformed session entry %q, want key=value", entry)
			}
			claims.Session[k] = v
		}
	}

	if tokenDB != "" {
		db, err := auth.OpenSQLite(tokenDB)
		if err != nil {
			return err
		}
		defer db.Close()

		store := auth.NewSQLTokenStore(db)
		ctx := context.Background()
		if err := store.Init(ctx); err != nil {
			return err
		}
		token := uuid.NewString()
		if err := store.Put(ctx, token, claims, time.Now().Add(ttl)); err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	if secret == "" {
		secret = os.Getenv("LUMEN_SECRET")
	}
	if secret == "" {
		return fmt.Errorf("a signing secret is required (--secret or LUMEN_SECRET)")
	}

	token, err := auth.NewTokenVerifier([]byte(secret), auth.WithMaxAge(ttl)).Sign(claims)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
