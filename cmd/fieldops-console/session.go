package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/fieldops/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldops/internal/config"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newSessionCommand() *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the stored session credential",
	}
	sessionCmd.AddCommand(
		&cobra.Command{
			Use:   "set <token>",
			Short: "Store a session credential",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSessionStore(cmd, func(env sessionEnv) error {
					if _, err := env.inspector.Inspect(args[0]); err != nil {
						return err
					}
					if err := env.store.SetToken(cmd.Context(), args[0]); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "session credential stored")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove the stored session credential",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSessionStore(cmd, func(env sessionEnv) error {
					if err := env.store.Clear(cmd.Context()); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "session credential cleared")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Describe the stored session credential",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSessionStore(cmd, func(env sessionEnv) error {
					token, err := env.store.Token(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), describeCredential(env.inspector, token))
					return nil
				})
			},
		},
	)
	return sessionCmd
}

type sessionEnv struct {
	store interface {
		Token(ctx context.Context) (string, error)
		SetToken(ctx context.Context, token string) error
		Clear(ctx context.Context) error
	}
	inspector *auth.CredentialInspector
}

func withSessionStore(cmd *cobra.Command, run func(sessionEnv) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	store, closeStore, err := openSessionStore(appConfig, zap.NewNop())
	if err != nil {
		return err
	}
	defer closeStore() //nolint:errcheck

	return run(sessionEnv{
		store:     store,
		inspector: auth.NewCredentialInspector(auth.CredentialInspectorConfig{SigningSecret: []byte(appConfig.Session.SigningSecret)}),
	})
}

func describeCredential(inspector *auth.CredentialInspector, token string) string {
	credential, err := inspector.Inspect(token)
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return "no session credential stored"
	case errors.Is(err, auth.ErrExpiredCredential):
		return "stored session credential has expired"
	case err != nil:
		return fmt.Sprintf("stored session credential is unusable: %v", err)
	case credential.Opaque:
		return "opaque session credential stored"
	}

	subject := credential.Subject
	if subject == "" {
		subject = "unknown subject"
	}
	if credential.ExpiresAt.IsZero() {
		return fmt.Sprintf("session for %s, no expiry", subject)
	}
	return fmt.Sprintf("session for %s, expires %s", subject, humanize.Time(credential.ExpiresAt))
}
