package main

import (
	"fmt"
	"os"

	"github.com/open-edge-platform/shrinkwrap/internal/config"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/logger"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/security"
	"github.com/spf13/cobra"
)

// Command-line flags that can override config file settings
var (
	configFile string = "" // Path to config file
	logLevel   string = "" // Empty means use config file value
	logFile    string = "" // Empty means use config file value
)

var closeLog = func() {}

func main() {
	rootCmd := createRootCommand()
	security.AttachRecursive(rootCmd, security.DefaultLimits())

	err := rootCmd.Execute()
	closeLog()
	if err != nil {
		os.Exit(1)
	}
}

// createRootCommand creates and configures the root cobra command with all subcommands
func createRootCommand() *cobra.Command {
	// Subcommands carry their own input-check hooks; the root hook must still run.
	cobra.EnableTraverseRunHooks = true

	rootCmd := &cobra.Command{
		Use:   "shrinkwrap",
		Short: "Build offline Juju bundles",
		Long: `shrinkwrap downloads a bundle, its overlays and every charm, resource,
snap and container image they reference, then rewrites the bundle so it
deploys from local paths on an air-gapped controller.

Use 'shrinkwrap --help' to see available commands.
Use 'shrinkwrap <command> --help' for more information about a command.`,
		SilenceUsage:      true,
		PersistentPreRunE: initGlobalConfig,
	}

	// Add global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "",
		"Log file path to tee logs (overrides configuration file)")

	// Add all subcommands
	rootCmd.AddCommand(createBuildCommand())
	rootCmd.AddCommand(createValidateCommand())
	rootCmd.AddCommand(createCleanCommand())
	rootCmd.AddCommand(createVersionCommand())
	rootCmd.AddCommand(createConfigCommand())
	rootCmd.AddCommand(createInstallCompletionCommand())

	return rootCmd
}

// initGlobalConfig loads the configuration file, applies the logging
// overrides and installs the process logger.
func initGlobalConfig(cmd *cobra.Command, args []string) error {
	configFilePath := configFile
	if configFilePath == "" {
		configFilePath = config.FindConfigFile()
	}

	globalConfig, err := config.LoadGlobalConfig(configFilePath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if logLevel != "" {
		globalConfig.Logging.Level = logLevel
	}
	if logFile != "" {
		globalConfig.Logging.File = logFile
	}
	config.SetGlobal(globalConfig)

	_, cleanup, err := logger.InitWithConfig(logger.Config{
		Level:    globalConfig.Logging.Level,
		FilePath: globalConfig.Logging.File,
	})
	if err != nil {
		return err
	}
	closeLog = cleanup

	log := logger.Logger()
	if configFilePath != "" {
		log.Infof("Using configuration from: %s", configFilePath)
	}
	log.Debugf("Config: workers=%d, build_dir=%s, archive_format=%s, retry=%d/%s",
		globalConfig.Workers, globalConfig.BuildDir, globalConfig.ArchiveFormat,
		globalConfig.Retry.Attempts, globalConfig.Retry.Delay)
	return nil
}
