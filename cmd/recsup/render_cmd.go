package main

import (
	"fmt"
	"sort"

	"github.com/recsup/recsup/internal/config"
	"github.com/recsup/recsup/internal/descriptor"
	"github.com/recsup/recsup/internal/render"
	"github.com/spf13/cobra"
)

var (
	renderConfig string
	renderOutDir string
	renderStdout bool
)

var renderCmd = &cobra.Command{
	Use:   "render [recorder...]",
	Short: "Render recorder unit files",
	Long:  "Render one unit file per configured recorder. With no arguments all recorders are rendered.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.Resolve(renderConfig)
		if err != nil {
			return err
		}
		cfg, warnings, err := config.LoadWithIncludes(path)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
		}

		descs, err := config.Materialize(cfg)
		if err != nil {
			return err
		}

		if len(args) > 0 {
			selected := make(map[string]*descriptor.Descriptor, len(args))
			for _, name := range args {
				d, ok := descs[name]
				if !ok {
					return fmt.Errorf("no such recorder: %s", name)
				}
				selected[name] = d
			}
			descs = selected
		}

		if renderStdout {
			for _, name := range sortedNames(descs) {
				unit, err := render.Unit(descs[name])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s\n", render.UnitName(descs[name]), unit)
			}
			return nil
		}

		outDir := renderOutDir
		if outDir == "" {
			outDir = cfg.Render.OutputDirectory
		}
		paths, err := render.WriteAll(outDir, descs)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", p)
		}
		return nil
	},
}

func sortedNames(descs map[string]*descriptor.Descriptor) []string {
	names := make([]string, 0, len(descs))
	for name := range descs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	renderCmd.Flags().StringVarP(&renderConfig, "config", "c", "", "config file path")
	renderCmd.Flags().StringVarP(&renderOutDir, "output-dir", "o", "", "output directory (overrides config)")
	renderCmd.Flags().BoolVar(&renderStdout, "stdout", false, "print units to stdout instead of writing files")
	rootCmd.AddCommand(renderCmd)
}
