package snap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"syscall"

	"github.com/open-edge-platform/shrinkwrap/internal/channel"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/file"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/logger"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/shell"
)

const (
	// Dir holds every fetched snap below the output root.
	Dir = "snaps"
	// ArchiveSuffix is the extension of the bundles snap-store-proxy produces.
	ArchiveSuffix = ".tar.gz"
	// EmptyPlaceholder is the shared file that snap resources link to.
	EmptyPlaceholder = ".empty.snap"
)

var archiveRe = regexp.MustCompile(`(\S+\.tar\.gz)`)

// TargetDir is snaps/<name>/<channel segments>/<arch>. Empty channel or
// arch add no element.
func TargetDir(root, name, ch, arch string) string {
	parts := append([]string{root, Dir, name}, channel.Segments(ch)...)
	if arch != "" {
		parts = append(parts, arch)
	}
	return filepath.Join(parts...)
}

// Done reports whether dir already holds a fetched snap archive.
func Done(dir string) bool {
	matches, err := file.Glob(dir, "*"+ArchiveSuffix)
	return err == nil && len(matches) > 0
}

// EmptyPath is the location of the shared placeholder under root.
func EmptyPath(root string) string {
	return filepath.Join(root, Dir, EmptyPlaceholder)
}

// EnsureEmpty creates the shared placeholder if it is missing.
func EnsureEmpty(root string) (string, error) {
	path := EmptyPath(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", path, err)
	}
	return path, nil
}

// Fetcher downloads snaps with snap-store-proxy.
type Fetcher struct {
	Exec shell.Executor
	// User owns the produced archive; defaults to $USER.
	User string
}

func NewFetcher() *Fetcher {
	return &Fetcher{Exec: shell.Default, User: shell.CurrentUser()}
}

// Args builds the fetch-snaps command line for a snap.
func Args(name, ch, arch string) []string {
	args := []string{"fetch-snaps", name}
	if ch != "" {
		args = append(args, "--channel="+ch)
	}
	if arch != "" {
		args = append(args, "--architecture="+arch)
	}
	return args
}

// ParseArchive extracts the single archive path from fetch-snaps output.
func ParseArchive(output string) (string, error) {
	matches := archiveRe.FindAllString(output, -1)
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("no %s archive in snap-store-proxy output", ArchiveSuffix)
	default:
		return "", fmt.Errorf("expected one %s archive in snap-store-proxy output, found %d", ArchiveSuffix, len(matches))
	}
}

// Fetch downloads one snap into targetDir.
func (f *Fetcher) Fetch(ctx context.Context, name, ch, arch, targetDir string) error {
	log := logger.Logger()

	out, err := f.Exec.Run(ctx, "snap-store-proxy", Args(name, ch, arch)...)
	if err != nil {
		return fmt.Errorf("fetching snap %s (channel %q): %w", name, ch, err)
	}
	tgz, err := ParseArchive(out)
	if err != nil {
		return fmt.Errorf("fetching snap %s (channel %q): %w", name, ch, err)
	}

	user := f.User
	if user == "" {
		user = shell.CurrentUser()
	}
	if _, err := f.Exec.Run(ctx, "chown", user+":"+user, tgz); err != nil {
		return fmt.Errorf("taking ownership of %s: %w", tgz, err)
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", targetDir, err)
	}
	dest := filepath.Join(targetDir, filepath.Base(tgz))
	if err := os.Rename(tgz, dest); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return fmt.Errorf("moving %s into %s: %w", tgz, targetDir, err)
		}
		if _, err := f.Exec.Run(ctx, "mv", tgz, targetDir); err != nil {
			return fmt.Errorf("moving %s into %s: %w", tgz, targetDir, err)
		}
	}
	log.Infof("fetched snap %s (channel %q, arch %q) into %s", name, ch, arch, targetDir)
	return nil
}
