// Command billingctl runs billing operations from the shell using the same
// configuration and wiring as the server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"trading-fee-billing/config"
	"trading-fee-billing/internal/app"
	"trading-fee-billing/internal/logging"
)

var Version = "dev"

var (
	configPath string
	logLevel   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operate the weekly performance-fee billing engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "path to the JSON config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL")

	rootCmd.AddCommand(periodCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(chargeCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(runWeeklyCmd())
	rootCmd.AddCommand(waiveCmd())
	rootCmd.AddCommand(refundCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(fixMissingCmd())
	rootCmd.AddCommand(linkAccountCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tokenCmd())
	return rootCmd
}

func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.LoggingConfig.Level = logLevel
	}
	// Keep stdout clean for command output
	if cfg.LoggingConfig.Output == "stdout" {
		cfg.LoggingConfig.Output = "stderr"
	}
	logger := app.NewLogger(cfg.LoggingConfig, "billingctl")
	logging.SetDefault(logger)
	return cfg, logger, nil
}

// withApp builds the full service graph for one command
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Build(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseIDArg(args []string, i int, name string) (int64, error) {
	id, err := strconv.ParseInt(args[i], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, args[i])
	}
	return id, nil
}
