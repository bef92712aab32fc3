package main

import (
	"fmt"
	"os"

	"github.com/recsup/recsup/internal/migrate"
	"github.com/spf13/cobra"
)

var (
	migrateOutput string
	migrateForce  bool
	migrateDryRun bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <supervisord.conf>",
	Short: "Convert a supervisord config to recsup.toml",
	Long:  "Parse a supervisord-style INI file and convert its recorder programs to recsup TOML format.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := migrate.Options{
			Output: migrateOutput,
			Force:  migrateForce,
			DryRun: migrateDryRun,
		}

		result, err := migrate.Migrate(args[0], opts)
		if err != nil {
			return err
		}

		// Warnings and validation findings go to stderr so the TOML on
		// stdout stays pipeable.
		for _, w := range result.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}

		if err := migrate.WriteResult(result, opts, cmd.OutOrStdout()); err != nil {
			return err
		}

		for _, e := range result.ValidErrs {
			fmt.Fprintf(os.Stderr, "validation: %s\n", e)
		}

		if migrateOutput != "" && !migrateDryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", migrateOutput)
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVarP(&migrateOutput, "output", "o", "", "write TOML to file instead of stdout")
	migrateCmd.Flags().BoolVar(&migrateForce, "force", false, "overwrite existing output file")
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "preview output without writing files")
	rootCmd.AddCommand(migrateCmd)
}
