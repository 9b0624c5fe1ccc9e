package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"trading-fee-billing/internal/app"
	"trading-fee-billing/internal/brokerage"
)

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [userID]",
		Short: "Import brokerage positions and correct local P&L",
		Long: `Reconcile one user's brokerage account, or every account with sync
enabled when no user is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var userID int64
			if len(args) == 1 {
				id, err := parseIDArg(args, 0, "user id")
				if err != nil {
					return err
				}
				userID = id
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if userID == 0 {
					report, err := a.Reconciler.SyncAll(ctx)
					if err != nil {
						return err
					}
					return printJSON(report)
				}
				result, err := a.Reconciler.SyncUser(ctx, userID)
				if result != nil {
					if perr := printJSON(result); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}

func fixMissingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fix-missing <userID>",
		Short: "Compute P&L for closed trades that have none",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseIDArg(args, 0, "user id")
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				result, err := a.Reconciler.FixMissing(ctx, userID)
				if err != nil {
					return err
				}
				return printJSON(result)
			})
		},
	}
}

func linkAccountCmd() *cobra.Command {
	var disabled bool
	cmd := &cobra.Command{
		Use:   "link-account <userID> <accountID>",
		Short: "Store brokerage credentials for a user and enable sync",
		Long: `Store brokerage credentials for a user and enable sync.

The access token is read from BROKERAGE_ACCESS_TOKEN so it never appears in
shell history.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseIDArg(args, 0, "user id")
			if err != nil {
				return err
			}
			accountID := strings.TrimSpace(args[1])
			token := os.Getenv("BROKERAGE_ACCESS_TOKEN")
			if accountID == "" || token == "" {
				return errors.New("account id and BROKERAGE_ACCESS_TOKEN are required")
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if !a.Vault.IsEnabled() {
					return errors.New("vault is disabled; credentials would not outlive this process")
				}
				creds := brokerage.Credentials{AccountID: accountID, AccessToken: token}
				if err := a.Vault.Put(ctx, userID, creds); err != nil {
					return fmt.Errorf("store credentials: %w", err)
				}
				if err := a.Repo.UpsertBrokerageAccount(ctx, userID, accountID, !disabled); err != nil {
					return fmt.Errorf("save account: %w", err)
				}
				return printJSON(map[string]interface{}{
					"user_id":      userID,
					"account_id":   accountID,
					"sync_enabled": !disabled,
				})
			})
		},
	}
	cmd.Flags().BoolVar(&disabled, "disabled", false, "store the account with sync turned off")
	return cmd
}
