package main

import (
	"context"
	"fmt"
	"os"

	"github.com/allmantool/hbudget-ledger/internal/app"
	"github.com/allmantool/hbudget-ledger/internal/config"
	"github.com/allmantool/hbudget-ledger/internal/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "ledger",
		Short:         "Ledger CLI - publish, project and repair payment-operation history",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")

	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(resyncCmd())
	rootCmd.AddCommand(deadLettersCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the configuration and the logger it describes.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger.NewWithLevel(cfg.Log.Level, cfg.Log.Format), nil
}

// withApp wires the components for one command and closes them after.
func withApp(ctx context.Context, run func(ctx context.Context, a *app.App) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	ctx = logger.WithContext(ctx, log)

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close components")
		}
	}()
	return run(ctx, a)
}

func resyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resync [account-id]",
		Short: "Rebuild the projection of an account and republish its balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				result := a.Orchestrator.SyncAccount(ctx, args[0])
				if !result.OK() {
					return result.Err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Account %s synced: %d record(s) in %d period(s), balance %s (notified: %t)\n",
					result.AccountID, result.Records, len(result.Periods), result.Balance.StringFixed(2), result.Notified)
				return nil
			})
		},
	}
}
