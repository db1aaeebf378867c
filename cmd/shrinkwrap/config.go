package main

import (
	"fmt"
	"strings"

	"github.com/open-edge-platform/shrinkwrap/internal/config"
	"github.com/spf13/cobra"
)

// createConfigCommand creates the config subcommand
func createConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage global configuration for shrinkwrap.

Available commands:
  init    Initialize a new configuration file with default values
  show    Print the effective configuration`,
	}

	configCmd.AddCommand(createConfigInitCommand())
	configCmd.AddCommand(createConfigShowCommand())

	return configCmd
}

// createConfigInitCommand creates the config init subcommand
func createConfigInitCommand() *cobra.Command {
	initCmd := &cobra.Command{
		Use:   "init [config-file]",
		Short: "Initialize a new configuration file",
		Long: `Initialize a new configuration file with default values.

If no path is specified, the config will be created in the current directory as shrinkwrap.yml

Examples:
  # Create config in current directory
  shrinkwrap config init

  # Create config in user's home directory
  shrinkwrap config init ~/.shrinkwrap/config.yml`,
		Args: cobra.MaximumNArgs(1),
		RunE: executeConfigInit,
	}

	return initCmd
}

// executeConfigInit handles the config init command logic
func executeConfigInit(cmd *cobra.Command, args []string) error {
	configPath := "shrinkwrap.yml"
	if len(args) > 0 {
		configPath = args[0]
	}

	defaultConfig := config.DefaultGlobalConfig()

	if err := defaultConfig.SaveGlobalConfigWithComments(configPath); err != nil {
		return fmt.Errorf("failed to save config file: %v", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration file created at: %s\n", configPath)
	fmt.Fprintf(out, "\nDefault configuration settings:\n")
	printConfig(cmd, defaultConfig)
	fmt.Fprintf(out, "\nEdit the configuration file to customize these settings.\n")

	return nil
}

func createConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printConfig(cmd, config.Global())
		},
	}
}

func printConfig(cmd *cobra.Command, cfg *config.GlobalConfig) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "  Workers: %d\n", cfg.Workers)
	fmt.Fprintf(out, "  Build Directory: %s\n", cfg.BuildDir)
	fmt.Fprintf(out, "  Archive Format: %s\n", cfg.ArchiveFormat)
	fmt.Fprintf(out, "  Retry: %d attempts, %s apart\n", cfg.Retry.Attempts, cfg.Retry.Delay)
	fmt.Fprintf(out, "  Charmhub: %s\n", cfg.Stores.CharmhubURL)
	charmstore := cfg.Stores.CharmstoreURL
	if charmstore == "" {
		charmstore = "(retired)"
	}
	fmt.Fprintf(out, "  Charm Store: %s\n", charmstore)
	fmt.Fprintf(out, "  Overlay Catalog: %s\n", cfg.Stores.OverlayCatalogURL)
	fmt.Fprintf(out, "  Container Catalog: %s\n", cfg.Stores.ContainerCatalogURL)
	fmt.Fprintf(out, "  Image Repository: %s\n", cfg.Stores.ImageRepo)
	fmt.Fprintf(out, "  Base Snaps: %s\n", strings.Join(cfg.BaseSnaps, ", "))
	fmt.Fprintf(out, "  Control Plane Charms: %s\n", strings.Join(cfg.ControlPlaneCharms, ", "))
	fmt.Fprintf(out, "  Log Level: %s\n", cfg.Logging.Level)
	fmt.Fprintf(out, "  Log File: %s\n", cfg.Logging.File)
}
