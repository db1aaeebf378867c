package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/open-edge-platform/shrinkwrap/internal/config"
	fileutil "github.com/open-edge-platform/shrinkwrap/internal/utils/file"
)

// workspaceRe matches the timestamp suffix every build stamps on its output root.
var workspaceRe = regexp.MustCompile(`-\d{4}-\d{2}-\d{2}-\d{2}-\d{2}-\d{2}$`)

var archiveSuffixes = []string{".tar.gz", ".tar.xz"}

// CleanOptions defines which build outputs should be removed.
type CleanOptions struct {
	BuildDir   string // defaults to the configured build_dir
	Workspaces bool   // remove unarchived output roots
	Archives   bool   // remove finished tarballs
	Bundle     string // optional filter on the workspace name prefix
	DryRun     bool   // report actions without deleting anything
}

// CleanResult contains the outcome of a cleanup run.
type CleanResult struct {
	RemovedPaths []string
	SkippedPaths []string
}

// Clean removes build outputs according to the provided options.
func Clean(opts CleanOptions) (*CleanResult, error) {
	if !opts.Workspaces && !opts.Archives {
		return nil, fmt.Errorf("at least one scope must be specified")
	}

	buildDir := opts.BuildDir
	if buildDir == "" {
		dir, err := config.BuildDir()
		if err != nil {
			return nil, err
		}
		buildDir = dir
	}
	buildDir, err := filepath.Abs(buildDir)
	if err != nil {
		return nil, fmt.Errorf("resolving build directory: %w", err)
	}

	targets, err := gatherTargets(buildDir, opts)
	if err != nil {
		return nil, err
	}

	removed := make([]string, 0, len(targets))
	var skipped []string
	for _, target := range targets {
		exists, err := pathExists(target)
		if err != nil {
			return nil, fmt.Errorf("checking %s: %w", target, err)
		}
		if !exists {
			skipped = append(skipped, target)
			continue
		}

		if opts.DryRun {
			removed = append(removed, target)
			continue
		}

		if err := os.RemoveAll(target); err != nil {
			return nil, fmt.Errorf("removing %s: %w", target, err)
		}
		removed = append(removed, target)
	}

	sort.Strings(removed)
	sort.Strings(skipped)

	return &CleanResult{
		RemovedPaths: removed,
		SkippedPaths: skipped,
	}, nil
}

func gatherTargets(buildDir string, opts CleanOptions) ([]string, error) {
	entries, err := os.ReadDir(buildDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil // No build directory = nothing to clean
		}
		return nil, fmt.Errorf("listing build directory: %w", err)
	}

	var targets []string
	for _, entry := range entries {
		name := entry.Name()
		if opts.Bundle != "" && !strings.HasPrefix(name, opts.Bundle) {
			continue
		}

		var match bool
		switch {
		case entry.IsDir():
			match = opts.Workspaces && workspaceRe.MatchString(name)
		case entry.Type().IsRegular():
			if base, ok := trimArchiveSuffix(name); ok {
				match = opts.Archives && workspaceRe.MatchString(base)
			}
		}
		if !match {
			continue
		}

		target := filepath.Join(buildDir, name)
		if err := ensureSubPath(buildDir, target); err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	sort.Strings(targets)
	return targets, nil
}

func trimArchiveSuffix(name string) (string, bool) {
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix), true
		}
	}
	return name, false
}

func ensureSubPath(base, target string) error {
	ok, err := fileutil.IsSubPath(base, target)
	if err != nil {
		return err
	}
	if !ok || filepath.Clean(base) == filepath.Clean(target) {
		return fmt.Errorf("refusing to operate on %s because it is outside %s", target, base)
	}
	return nil
}

func pathExists(path string) (bool, error) {
	if path == "" {
		return false, fmt.Errorf("path must not be empty")
	}
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
