package main

import (
	"fmt"
	"os"

	"github.com/recsup/recsup/internal/config"
	"github.com/spf13/cobra"
)

var initOutput string
var initStdout bool
var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a sample recsup.toml config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if initStdout {
			_, err := fmt.Fprint(cmd.OutOrStdout(), config.DefaultConfigTOML)
			return err
		}

		outPath := initOutput
		if outPath == "" {
			outPath = "recsup.toml"
		}
		if _, err := os.Stat(outPath); err == nil && !initForce {
			return fmt.Errorf("file %s already exists; use --force to overwrite", outPath)
		}

		if err := os.WriteFile(outPath, []byte(config.DefaultConfigTOML), 0644); err != nil {
			return fmt.Errorf("cannot write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", outPath)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "", "write config to file (default: recsup.toml)")
	initCmd.Flags().BoolVar(&initStdout, "stdout", false, "print config to stdout instead of writing a file")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing file")
	rootCmd.AddCommand(initCmd)
}
