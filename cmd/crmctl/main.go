// Package main is crmctl, the operator CLI for migrations, rule presets and offline CSV imports.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rally-crm/backend/config"
	"github.com/rally-crm/backend/pkg/database"
)

var Version = "dev"

var verbose bool

func main() {
	rootCmd := &cobra.Command{
		Use:           "crmctl",
		Short:         "crmctl - operator tooling for the CRM backend",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(presetsCmd())
	rootCmd.AddCommand(importCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// connect loads config from the environment and opens the database.
func connect(ctx context.Context, logger *zap.Logger) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}
