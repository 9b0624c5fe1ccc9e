package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"trading-fee-billing/internal/auth"
)

func tokenCmd() *cobra.Command {
	var (
		admin bool
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <userID>",
		Short: "Sign an API access token with the configured secret",
		Long: `Sign an API access token with the configured secret.

Intended for operators and local testing; user tokens normally come from the
account service.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseIDArg(args, 0, "user id")
			if err != nil {
				return err
			}
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.AuthConfig.JWTSecret == "" {
				return errors.New("AUTH_JWT_SECRET is not set")
			}
			m := auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.Issuer, ttl)
			token, err := m.GenerateAccessToken(auth.UserClaims{UserID: userID, IsAdmin: admin})
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "grant admin access")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
