package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rally-crm/backend/internal/events"
	"github.com/rally-crm/backend/internal/imports"
	"github.com/rally-crm/backend/internal/memberships"
	"github.com/rally-crm/backend/internal/organizations"
	"github.com/rally-crm/backend/internal/pipeline"
)

var importJSON bool

var importCmd = &cobra.Command{
	Use:   "import [event-id] [file.csv]",
	Short: "Import contacts from a CSV into an event",
	Long: `Run a CSV import synchronously, bypassing S3 and the job queue.
Rows go through the same intake rules as the API with source "csv".

Examples:
  crmctl import 3f0c...e1 attendees.csv
  crmctl import 3f0c...e1 attendees.csv --json`,
	Args: cobra.ExactArgs(2),
	RunE: runImport,
}

func init() {
	importCmd.Flags().BoolVarP(&importJSON, "json", "j", false, "print the result as JSON")
}

func runImport(cmd *cobra.Command, args []string) error {
	eventID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid event id %q", args[0])
	}
	f, err := os.Open(args[1])
	if err != nil {
		return err
	}
	defer f.Close()

	ctx := cmd.Context()
	logger := newLogger()
	defer logger.Sync()
	_, pool, err := connect(ctx, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	eventRepo := events.NewRepository(pool)
	ev, err := eventRepo.GetByID(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}
	svc := memberships.NewService(memberships.NewRepository(pool), eventRepo, organizations.NewRepository(pool),
		pipeline.NewEngine(), nil, logger)

	res, err := imports.NewImporter(svc, logger).Run(ctx, ev, f)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if importJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintf(out, "%s: %d rows, %d imported, %d failed\n", ev.Name, res.Total, res.Imported, res.Failed)
	for _, e := range res.Errors {
		fmt.Fprintf(out, "  %s\n", e.Error())
	}
	if res.Failed > len(res.Errors) {
		fmt.Fprintf(out, "  and %d more\n", res.Failed-len(res.Errors))
	}
	return nil
}
