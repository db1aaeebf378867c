package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/open-edge-platform/shrinkwrap/internal/config"
	"github.com/open-edge-platform/shrinkwrap/internal/shrinkwrap"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/logger"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/slice"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Build command flags
var (
	channel        string   = ""
	arch           string   = "amd64"
	overlays       []string = nil
	usePath        string   = ""
	skipResources  bool     = false
	skipSnaps      bool     = false
	skipContainers bool     = false
	skipArchive    bool     = false
	workers        int      = -1 // -1 means use config file value
	buildDir       string   = "" // Empty means use config file value
)

// Replaced in tests.
var (
	runBuild = shrinkwrap.Run
	newDeps  = shrinkwrap.DefaultDeps
)

// createBuildCommand creates the build subcommand
func createBuildCommand() *cobra.Command {
	buildCmd := &cobra.Command{
		Use:   "build [flags] BUNDLE",
		Short: "Build an offline bundle",
		Long: `Build an offline bundle from a bundle name or charm URL.
Everything the bundle references is downloaded into a new directory under
the build directory, the descriptors are rewritten to local paths and the
directory is archived.`,
		Args: cobra.ExactArgs(1),
		RunE: executeBuild,
	}

	addBuildFlags(buildCmd.Flags())

	return buildCmd
}

func addBuildFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&channel, "channel", "c", "",
		"Channel of the bundle and the default channel of its charms")
	flags.StringVarP(&arch, "arch", "a", "amd64",
		"Architecture of the snaps to fetch")
	flags.StringArrayVar(&overlays, "overlay", nil,
		"Overlay to apply from the overlay catalog (repeatable or comma separated)")
	flags.StringVarP(&usePath, "use-path", "d", "",
		"Reuse an existing build directory instead of creating one")
	flags.BoolVar(&skipResources, "skip-resources", false,
		"Do not download charm resources")
	flags.BoolVar(&skipSnaps, "skip-snaps", false,
		"Do not download snaps")
	flags.BoolVar(&skipContainers, "skip-containers", false,
		"Do not save container images")
	flags.BoolVar(&skipArchive, "skip-tar-gz", false,
		"Leave the build directory in place instead of archiving it")
	flags.IntVarP(&workers, "workers", "w", -1,
		"Number of concurrent fetch workers")
	flags.StringVar(&buildDir, "build-dir", "",
		"Parent directory of build outputs")
}

// executeBuild handles the build command execution logic
func executeBuild(cmd *cobra.Command, args []string) error {
	// Parse command-line flags and override global config
	if cmd.Flags().Changed("workers") {
		currentConfig := config.Global()
		currentConfig.Workers = workers
		config.SetGlobal(currentConfig)
	}
	if cmd.Flags().Changed("build-dir") {
		currentConfig := config.Global()
		currentConfig.BuildDir = buildDir
		config.SetGlobal(currentConfig)
	}

	log := logger.Logger()
	cfg := config.Global()
	if cfg.Workers <= 0 {
		return fmt.Errorf("workers must be greater than 0, got %d", cfg.Workers)
	}

	opts := shrinkwrap.OptionsFromConfig(cfg)
	opts.Bundle = args[0]
	opts.Channel = channel
	opts.Arch = arch
	for _, o := range overlays {
		opts.Overlays = append(opts.Overlays, slice.SplitCSV(o)...)
	}
	opts.Overlays = slice.Unique(opts.Overlays)
	opts.UsePath = usePath
	opts.SkipResources = skipResources
	opts.SkipSnaps = skipSnaps
	opts.SkipContainers = skipContainers
	opts.SkipArchive = skipArchive
	opts.Progress = cmd.ErrOrStderr()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := runBuild(ctx, opts, newDeps(cfg))
	if err != nil {
		log.Errorf("bundle build failed: %v", err)
		return err
	}

	out := cmd.OutOrStdout()
	for _, w := range result.Rewrite.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	if len(result.Skipped) > 0 {
		fmt.Fprintf(out, "Skipped %d fetches\n", len(result.Skipped))
	}
	if result.Archive != "" {
		fmt.Fprintf(out, "Bundle archive: %s\n", result.Archive)
	} else {
		fmt.Fprintf(out, "Bundle directory: %s\n", result.Root)
	}
	fmt.Fprintf(out, "Deploy with: juju deploy %s\n", result.DeployArgs)

	log.Info("bundle build completed successfully")
	return nil
}
