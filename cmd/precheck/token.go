package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/precheck/monitor/internal/app"
	"github.com/precheck/monitor/internal/auth"
)

func newTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
		scopes  []string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token for the API",
		Long: `Mint an operator token signed with ADMIN_JWT_SIGNING_KEY. The token
authorizes POST /v1/health/refresh and GET /v1/ops/status.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc := app.JWTFromEnv()
			if svc == nil {
				return &exitError{code: 1, err: errors.New("ADMIN_JWT_SIGNING_KEY is not set")}
			}

			token, expiresAt, err := svc.Issue(subject, ttl, scopes...)
			if err != nil {
				return &exitError{code: 1, err: err}
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "Token lifetime")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeRefresh}, "Granted scopes")

	return cmd
}
