package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rally-crm/backend/pkg/database"
)

var migrateDryRun bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply embedded SQL migrations",
	Long: `Apply the embedded SQL migrations to the database named by DATABASE_URL
(or DB_HOST/DB_PORT/DB_USER/DB_PASSWORD/DB_NAME).

Examples:
  crmctl migrate
  crmctl migrate --dry-run`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "list migrations without connecting")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	names, err := database.MigrationNames()
	if err != nil {
		return err
	}
	if migrateDryRun {
		for _, n := range names {
			fmt.Fprintln(cmd.OutOrStdout(), n)
		}
		return nil
	}

	ctx := cmd.Context()
	logger := newLogger()
	defer logger.Sync()
	_, pool, err := connect(ctx, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", len(names))
	return nil
}
