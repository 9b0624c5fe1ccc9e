package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"trading-fee-billing/internal/app"
	"trading-fee-billing/internal/billing"
)

func periodCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "period",
		Short: "Show the week that a charge run at the given instant would bill",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			now := time.Now()
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}
			loc := cfg.BillingConfig.Location()
			w := billing.PreviousWeek(now, loc)
			return printJSON(map[string]interface{}{
				"at":         now.In(loc).Format(time.RFC3339),
				"timezone":   loc.String(),
				"week_start": w.StartDate().Format("2006-01-02"),
				"week_end":   w.EndDate().Format("2006-01-02"),
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate at this RFC3339 instant instead of now")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <userID>",
		Short: "Show a user's billing status for the billed week",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseIDArg(args, 0, "user id")
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				status, err := a.Orchestrator.Status(ctx, userID)
				if err != nil {
					return err
				}
				return printJSON(status)
			})
		},
	}
}

func chargeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "charge <userID>",
		Short: "Charge a user's weekly fee now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseIDArg(args, 0, "user id")
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return reportCharge(a.Orchestrator.ChargeWeeklyFee(ctx, userID))
			})
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <periodID>",
		Short: "Make a new charge attempt on a failed billing period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			periodID, err := parseIDArg(args, 0, "period id")
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return reportCharge(a.Orchestrator.RetryFailedPeriod(ctx, periodID))
			})
		},
	}
}

func runWeeklyCmd() *cobra.Command {
	var retryFailed bool
	cmd := &cobra.Command{
		Use:   "run-weekly",
		Short: "Charge every billable user for the previous week",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				run := a.Batch.RunWeekly
				if retryFailed {
					run = func(ctx context.Context) (*billing.BatchSummary, error) {
						return a.Batch.RetryFailedPeriods(ctx, 500)
					}
				}
				summary, err := run(ctx)
				if err != nil {
					return err
				}
				return printJSON(summary)
			})
		},
	}
	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "retry failed periods instead of billing the previous week")
	return cmd
}

func waiveCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "waive <periodID>",
		Short: "Waive a failed or unpaid billing period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			periodID, err := parseIDArg(args, 0, "period id")
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				period, err := a.Orchestrator.WaivePeriod(ctx, periodID, reason, "billingctl")
				if err != nil {
					return err
				}
				return printJSON(period)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func refundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refund <periodID>",
		Short: "Refund the successful payment on a billing period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			periodID, err := parseIDArg(args, 0, "period id")
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				payment, err := a.Orchestrator.RefundPeriod(ctx, periodID, "billingctl")
				if err != nil {
					return err
				}
				return printJSON(payment)
			})
		},
	}
}

// reportCharge prints the result and turns unsuccessful outcomes into a
// non-zero exit
func reportCharge(r billing.ChargeResult) error {
	if err := printJSON(r); err != nil {
		return err
	}
	switch r.Status {
	case billing.ChargeCharged, billing.ChargePending, billing.ChargeNoFeeDue:
		return nil
	default:
		return fmt.Errorf("charge %s: %s", r.Status, r.Error)
	}
}
