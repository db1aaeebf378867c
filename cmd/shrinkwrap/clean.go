package main

import (
	"fmt"

	"github.com/open-edge-platform/shrinkwrap/internal/cache"
	"github.com/spf13/cobra"
)

func createCleanCommand() *cobra.Command {
	var (
		opts cache.CleanOptions
		all  bool
	)

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove previous build outputs",
		Long: `Remove build directories and archives left under the build directory.

By default, the command removes build directories. Use flags to target
archives as well or to restrict cleanup to one bundle.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			workspacesFlag := cmd.Flags().Changed("workspaces")
			archivesFlag := cmd.Flags().Changed("archives")

			if all {
				opts.Workspaces = true
				opts.Archives = true
			} else if !workspacesFlag && !archivesFlag {
				opts.Workspaces = true
			}

			if !opts.Workspaces && !opts.Archives {
				return fmt.Errorf("nothing to clean: specify --workspaces, --archives, or --all")
			}

			result, err := cache.Clean(opts)
			if err != nil {
				return err
			}

			output := []string{}
			if opts.DryRun {
				output = append(output, "Dry run: no files were deleted.")
			}

			if len(result.RemovedPaths) > 0 {
				header := "Removed paths:"
				if opts.DryRun {
					header = "Would remove:"
				}
				output = append(output, header)
				output = append(output, indentPaths(result.RemovedPaths)...)
			}

			if len(result.RemovedPaths) == 0 && len(result.SkippedPaths) == 0 {
				scopeDesc := "build directory or archive"
				if !opts.Archives {
					scopeDesc = "build directory"
				} else if !opts.Workspaces {
					scopeDesc = "archive"
				}
				if opts.Bundle != "" {
					scopeDesc += fmt.Sprintf(" for bundle '%s'", opts.Bundle)
				}
				output = append(output, fmt.Sprintf("No %s entries found.", scopeDesc))
			}

			if len(result.SkippedPaths) > 0 {
				output = append(output, "Skipped (not found):")
				output = append(output, indentPaths(result.SkippedPaths)...)
			}

			writer := cmd.OutOrStdout()
			for _, line := range output {
				fmt.Fprintln(writer, line)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Remove both build directories and archives")
	cmd.Flags().BoolVar(&opts.Workspaces, "workspaces", false, "Remove build directories")
	cmd.Flags().BoolVar(&opts.Archives, "archives", false, "Remove build archives")
	cmd.Flags().StringVar(&opts.BuildDir, "build-dir", "", "Build directory to clean (defaults to the configured build_dir)")
	cmd.Flags().StringVar(&opts.Bundle, "bundle", "", "Restrict cleanup to outputs of one bundle")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Show what would be removed without deleting anything")

	return cmd
}

func indentPaths(values []string) []string {
	lines := make([]string, len(values))
	for i, v := range values {
		lines[i] = "  " + v
	}
	return lines
}
