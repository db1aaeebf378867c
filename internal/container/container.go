package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/klauspost/compress/gzip"
	"github.com/open-edge-platform/shrinkwrap/internal/catalog"
	"github.com/open-edge-platform/shrinkwrap/internal/channel"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/logger"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/shell"
)

const (
	// Dir holds saved images below the output root.
	Dir = "containers"
	// ArchiveSuffix is appended to every saved image.
	ArchiveSuffix = ".tar.gz"

	latestStable = "latest/stable"
)

var unreleasedRe = regexp.MustCompile(`^(README|v.*-)`)

// Lister is the catalog collaborator used to find image lists.
type Lister interface {
	List(ctx context.Context, url string) ([]catalog.Entry, error)
	Text(ctx context.Context, url string) (string, error)
}

// Revision is one image list file of the catalog.
type Revision struct {
	Version *semver.Version
	Name    string
	URL     string
}

// Catalog selects the image list that matches a control plane channel.
type Catalog struct {
	Lister Lister
	URL    string
}

func normalize(ch string) string {
	if ch == channel.Baseline {
		return latestStable
	}
	return ch
}

// Revisions returns the image lists for ch, oldest first. latest/stable
// takes every released list; any other channel takes the lists of its
// track.
func (c *Catalog) Revisions(ctx context.Context, ch string) ([]Revision, error) {
	log := logger.Logger()
	ch = normalize(ch)

	var matches func(string) bool
	if ch == latestStable {
		matches = func(n string) bool { return !unreleasedRe.MatchString(n) }
	} else {
		trackRe := regexp.MustCompile("^v" + regexp.QuoteMeta(channel.Track(ch)))
		matches = trackRe.MatchString
	}

	entries, err := c.Lister.List(ctx, c.URL)
	if err != nil {
		return nil, fmt.Errorf("listing container images: %w", err)
	}

	var revs []Revision
	for _, e := range entries {
		if !matches(e.Name) {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(e.Name, "v"), ".txt")
		v, err := semver.NewVersion(raw)
		if err != nil {
			log.Debugf("skipping %s: %v", e.Name, err)
			continue
		}
		revs = append(revs, Revision{Version: v, Name: e.Name, URL: e.DownloadURL})
	}
	if len(revs) == 0 {
		return nil, fmt.Errorf("no revisions matched the channel %s", ch)
	}
	sort.SliceStable(revs, func(i, j int) bool { return revs[i].Version.LessThan(revs[j].Version) })
	return revs, nil
}

// Images reads the newest image list for ch.
func (c *Catalog) Images(ctx context.Context, ch string) ([]string, error) {
	revs, err := c.Revisions(ctx, ch)
	if err != nil {
		return nil, err
	}
	latest := revs[len(revs)-1]
	logger.Logger().Infof("using container image list %s for channel %s", latest.Name, ch)

	text, err := c.Lister.Text(ctx, latest.URL)
	if err != nil {
		return nil, fmt.Errorf("reading image list %s: %w", latest.Name, err)
	}
	var images []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			images = append(images, line)
		}
	}
	return images, nil
}

// ImageKeys returns the pull reference and the repository-relative name of
// image.
func ImageKeys(repo, image string) (string, string) {
	if repo != "" && strings.HasPrefix(image, repo) {
		return image, strings.TrimPrefix(image, repo)
	}
	return repo + image, image
}

// Target is containers/<image>.tar.gz with the repository prefix removed.
func Target(root, repo, image string) string {
	_, local := ImageKeys(repo, image)
	local = filepath.Clean("/" + filepath.FromSlash(local))
	return filepath.Join(root, Dir, local) + ArchiveSuffix
}

// Fetcher saves images with the docker CLI.
type Fetcher struct {
	Exec shell.Executor
	Repo string

	mu     sync.Mutex
	pulled []string
}

func NewFetcher(repo string) *Fetcher {
	return &Fetcher{Exec: shell.Default, Repo: repo}
}

// Save pulls image and writes it, gzipped, to target.
func (f *Fetcher) Save(ctx context.Context, image, target string) error {
	src, _ := ImageKeys(f.Repo, image)

	if _, err := f.Exec.Run(ctx, "docker", "pull", "-q", src); err != nil {
		return fmt.Errorf("pulling image %s: %w", src, err)
	}
	f.mu.Lock()
	f.pulled = append(f.pulled, src)
	f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(target), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".image-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", src, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	gz := gzip.NewWriter(tmp)
	err = f.Exec.Stream(ctx, gz, "docker", "save", src)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("saving image %s: %w", src, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("moving image %s into place: %w", src, err)
	}
	logger.Logger().Infof("saved image %s to %s", src, target)
	return nil
}

// Cleanup removes every image Save pulled. Failures are logged only.
func (f *Fetcher) Cleanup(ctx context.Context) {
	f.mu.Lock()
	pulled := f.pulled
	f.pulled = nil
	f.mu.Unlock()

	for _, src := range pulled {
		if _, err := f.Exec.Run(ctx, "docker", "rmi", src); err != nil {
			logger.Logger().Warnf("failed to remove image %s: %v", src, err)
		}
	}
}
