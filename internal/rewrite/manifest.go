package rewrite

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-edge-platform/shrinkwrap/internal/bundle"
	"github.com/open-edge-platform/shrinkwrap/internal/container"
	"github.com/open-edge-platform/shrinkwrap/internal/resource"
	"github.com/open-edge-platform/shrinkwrap/internal/snap"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/file"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/security"
	"github.com/zeebo/blake3"
)

// Manifest lists every artifact of the output root.
const Manifest = "MANIFEST"

// ManifestEntry is one line of the MANIFEST.
type ManifestEntry struct {
	Path string
	Size int64
	// Digest is the hex blake3 sum of a regular file. Empty for symlinks.
	Digest string
	// Link is the symlink target, if Path is a symlink.
	Link string
}

func (m ManifestEntry) String() string {
	if m.Link != "" {
		return fmt.Sprintf("link %s -> %s", m.Path, m.Link)
	}
	return fmt.Sprintf("%s %d %s", m.Digest, m.Size, m.Path)
}

var manifestDirs = []string{bundle.ComponentsDir, resource.Dir, snap.Dir, container.Dir}

// Inventory walks the artifact directories of root in lexical order.
func Inventory(root string) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	for _, dir := range manifestDirs {
		base := filepath.Join(root, dir)
		err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && path == base {
					return fs.SkipDir
				}
				return err
			}
			if d.IsDir() || partial(d.Name()) {
				return nil
			}
			lp, err := file.LocalPath(root, path)
			if err != nil {
				return err
			}
			if d.Type()&fs.ModeSymlink != 0 {
				target, err := os.Readlink(path)
				if err != nil {
					return err
				}
				entries = append(entries, ManifestEntry{Path: lp, Link: filepath.ToSlash(target)})
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			size, digest, err := digestFile(path)
			if err != nil {
				return err
			}
			entries = append(entries, ManifestEntry{Path: lp, Size: size, Digest: digest})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("building inventory of %s: %w", base, err)
		}
	}
	return entries, nil
}

// partial matches the temp files of interrupted downloads.
func partial(name string) bool {
	return strings.HasPrefix(name, ".") &&
		(strings.Contains(name, ".part-") || strings.HasPrefix(name, ".image-"))
}

func digestFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// WriteManifest writes the inventory of root to root/MANIFEST.
func WriteManifest(root string) (string, error) {
	entries, err := Inventory(root)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.String())
		sb.WriteByte('\n')
	}
	path := filepath.Join(root, Manifest)
	if err := security.SafeWriteFile(path, []byte(sb.String()), 0o644, security.RejectSymlinks); err != nil {
		return "", fmt.Errorf("writing %s: %w", Manifest, err)
	}
	return path, nil
}
