package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

type completionTarget struct {
	generate func(root *cobra.Command, w io.Writer) error
	dir      string // relative to the home directory
	file     string
}

var completionTargets = map[string]completionTarget{
	"bash": {
		generate: func(root *cobra.Command, w io.Writer) error { return root.GenBashCompletionV2(w, true) },
		dir:      ".bash_completion.d",
		file:     "shrinkwrap.bash",
	},
	"zsh": {
		generate: func(root *cobra.Command, w io.Writer) error { return root.GenZshCompletion(w) },
		dir:      filepath.Join(".zsh", "completion"),
		file:     "_shrinkwrap",
	},
	"fish": {
		generate: func(root *cobra.Command, w io.Writer) error { return root.GenFishCompletion(w, true) },
		dir:      filepath.Join(".config", "fish", "completions"),
		file:     "shrinkwrap.fish",
	},
}

// createInstallCompletionCommand creates the install-completion subcommand
func createInstallCompletionCommand() *cobra.Command {
	installCompletionCmd := &cobra.Command{
		Use:   "install-completion",
		Short: "Install shell completion script",
		Long: `Install shell completion script for Bash, Zsh or Fish.
Automatically detects your shell and installs the appropriate completion script.`,
		Args: cobra.NoArgs,
		RunE: executeInstallCompletion,
	}

	installCompletionCmd.Flags().String("shell", "", "Specify shell type (bash, zsh, fish)")
	installCompletionCmd.Flags().Bool("force", false, "Force overwrite existing completion files")

	return installCompletionCmd
}

func detectShell() (string, error) {
	shellEnv := os.Getenv("SHELL")
	if shellEnv == "" {
		return "", fmt.Errorf("could not detect shell. Please specify with --shell flag")
	}
	for name := range completionTargets {
		if strings.Contains(filepath.Base(shellEnv), name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("unsupported shell: %s. Please specify shell with --shell flag", shellEnv)
}

// executeInstallCompletion handles installation of shell completion scripts
func executeInstallCompletion(cmd *cobra.Command, args []string) error {
	shellType, err := cmd.Flags().GetString("shell")
	if err != nil {
		return err
	}
	userForce, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	if shellType == "" {
		if shellType, err = detectShell(); err != nil {
			return err
		}
	}
	target, ok := completionTargets[shellType]
	if !ok {
		return fmt.Errorf("unsupported shell type: %s", shellType)
	}

	var buf bytes.Buffer
	if err := target.generate(cmd.Root(), &buf); err != nil {
		return fmt.Errorf("error generating %s completion: %w", shellType, err)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("could not determine home directory: %v", err)
	}
	completionDir := filepath.Join(homeDir, target.dir)

	// Optional system install if writable and explicitly requested
	// (export SHRINKWRAP_COMPLETION_SCOPE=system)
	if shellType == "bash" && os.Getenv("SHRINKWRAP_COMPLETION_SCOPE") == "system" {
		if systemDir := "/etc/bash_completion.d"; dirWritable(systemDir) {
			completionDir = systemDir
		}
	}
	if err := os.MkdirAll(completionDir, 0700); err != nil {
		return fmt.Errorf("could not create directory %s: %v", completionDir, err)
	}
	targetPath := filepath.Join(completionDir, target.file)

	if _, err := os.Stat(targetPath); err == nil && !userForce {
		return fmt.Errorf("completion file already exists at %s. Use --force to overwrite", targetPath)
	}

	if err := os.WriteFile(targetPath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("could not write completion file: %v", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Shell completion installed for %s at %s\n", shellType, targetPath)
	return nil
}

// dirWritable checks if the specified directory is writable by attempting to create and remove a temporary file.
func dirWritable(p string) bool {
	tf, err := os.CreateTemp(p, ".writable-*")
	if err != nil {
		return false
	}
	tf.Close()
	_ = os.Remove(tf.Name())
	return true
}
