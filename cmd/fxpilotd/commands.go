package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fxpilot/internal/api"
	"fxpilot/internal/app"
	"fxpilot/internal/config"
	"fxpilot/internal/logging"
)

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the trading daemon until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return app.New(*configPath, cfg, version).Run(cmd.Context())
		},
	}
}

func newCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and probe broker access without trading",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log, err := logging.Build(cfg.App.LogLevel, "-")
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			if err := app.Check(cmd.Context(), cfg, log); err != nil {
				return err
			}
			log.Info("configuration ok", zap.Int("accounts", len(cfg.Accounts)))
			return nil
		},
	}
}

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the control endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			tok, err := api.IssueToken(cfg.API.JwtSecret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject recorded in control logs")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fxpilotd %s\n", version)
		},
	}
}
