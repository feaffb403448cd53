package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rally-crm/backend/internal/pipeline"
)

func presetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "presets",
		Short: "Inspect pipeline rule presets",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Parse and validate a presets YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			presets, err := pipeline.ParsePresets(raw)
			if err != nil {
				return err
			}
			if _, ok := presets[pipeline.DefaultPresetName]; ok {
				fmt.Fprintf(cmd.OutOrStdout(), "note: %q overrides the built-in default preset\n", pipeline.DefaultPresetName)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d preset(s): %s\n", len(presets), strings.Join(presets.Names(), ", "))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List presets the server would load (PIPELINE_PRESETS_FILE plus the default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			presets, err := pipeline.LoadPresets(os.Getenv("PIPELINE_PRESETS_FILE"))
			if err != nil {
				return err
			}
			for _, name := range presets.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	})
	return cmd
}
