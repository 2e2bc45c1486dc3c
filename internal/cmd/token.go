package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/polyglot-sync/relay/internal/auth"
	"github.com/polyglot-sync/relay/internal/config"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a publisher token signed with publisher.jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(cmd, nil, defaultConfigPath))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if cfg.Publisher.JWTSecret == "" {
				return fmt.Errorf("publisher.jwt_secret is not configured")
			}
			token, err := auth.Issue(cfg.Publisher.JWTSecret, cfg.Publisher.Issuer, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "producer", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
