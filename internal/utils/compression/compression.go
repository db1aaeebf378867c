package compression

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

const (
	TarGz = "tar.gz"
	TarXz = "tar.xz"
)

// Extension returns the file suffix for format, including the dot.
func Extension(format string) string {
	return "." + format
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func compressor(w io.Writer, format string) (io.WriteCloser, error) {
	switch format {
	case TarGz:
		return gzip.NewWriter(w), nil
	case TarXz:
		return xz.NewWriter(w)
	case "tar":
		return nopCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", format)
	}
}

// CreateTarball archives srcDir into dest. Entries are rooted at the base
// name of srcDir, and symlinks are stored as links.
func CreateTarball(srcDir, dest, format string) (err error) {
	srcDir = filepath.Clean(srcDir)
	info, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", srcDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", srcDir)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dest)
		}
	}()

	zw, err := compressor(out, format)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)

	prefix := filepath.Base(srcDir)
	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(filepath.Join(prefix, rel))
		return addEntry(tw, path, name, d)
	})
	if walkErr != nil {
		return fmt.Errorf("archiving %s: %w", srcDir, walkErr)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar stream: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("closing %s stream: %w", format, err)
	}
	return nil
}

func addEntry(tw *tar.Writer, path, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	} else if !info.Mode().IsRegular() && !info.IsDir() {
		return nil
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() && !strings.HasSuffix(hdr.Name, "/") {
		hdr.Name += "/"
	}
	hdr.Uname, hdr.Gname = "", ""
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// OpenTarball returns a tar reader over a tarball written by CreateTarball.
// The returned closer releases the file.
func OpenTarball(path, format string) (*tar.Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	var r io.Reader
	switch format {
	case TarGz:
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("reading %s: %w", path, err)
		}
		r = zr
	case TarXz:
		xr, err := xz.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("reading %s: %w", path, err)
		}
		r = xr
	case "tar":
		r = f
	default:
		f.Close()
		return nil, nil, fmt.Errorf("unsupported compression type: %s", format)
	}
	return tar.NewReader(r), f, nil
}

// List returns the entry names of a tarball.
func List(path, format string) ([]string, error) {
	tr, closer, err := OpenTarball(path, format)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		names = append(names, hdr.Name)
	}
	return names, nil
}
