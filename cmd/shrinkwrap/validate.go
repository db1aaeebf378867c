package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/open-edge-platform/shrinkwrap/internal/bundle"
	"github.com/open-edge-platform/shrinkwrap/internal/config/validate"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/logger"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/security"
	"github.com/spf13/cobra"
)

func createValidateCommand() *cobra.Command {
	validateCmd := &cobra.Command{
		Use:   "validate [flags] DESCRIPTOR...",
		Short: "Validate bundle or overlay descriptors",
		Long: `Validate bundle and overlay descriptor files against the descriptor schema
without contacting any store. Every file is checked; the command fails if any
of them is invalid.`,
		Args:              cobra.MinimumNArgs(1),
		RunE:              executeValidate,
		ValidArgsFunction: descriptorFileCompletion,
	}

	return validateCmd
}

// executeValidate handles the validate command logic
func executeValidate(cmd *cobra.Command, args []string) error {
	log := logger.Logger()
	out := cmd.OutOrStdout()

	var errs []error
	for _, path := range args {
		log.Infof("validating descriptor file: %s", path)
		d, err := validateDescriptorFile(path)
		if err != nil {
			fmt.Fprintf(out, "✗ %s: %v\n", path, err)
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		fmt.Fprintf(out, "✓ %s: %d %s", path, len(d.Order), d.Key)
		if d.Trusted() {
			fmt.Fprint(out, ", requires trust")
		}
		fmt.Fprintln(out)
	}
	if len(errs) > 0 {
		return fmt.Errorf("descriptor validation failed: %w", errors.Join(errs...))
	}
	return nil
}

func validateDescriptorFile(path string) (*bundle.Descriptor, error) {
	data, err := security.SafeReadFile(path, security.RejectSymlinks)
	if err != nil {
		return nil, err
	}
	if err := validate.ValidateDescriptorYAML(data); err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return bundle.ParseDescriptor(name+".yaml", data)
}

// descriptorFileCompletion suggests YAML files for descriptor arguments
func descriptorFileCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return []string{"yml", "yaml"}, cobra.ShellCompDirectiveFilterFileExt
}
