package shrinkwrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/open-edge-platform/shrinkwrap/internal/bundle"
	"github.com/open-edge-platform/shrinkwrap/internal/channel"
	"github.com/open-edge-platform/shrinkwrap/internal/config"
	"github.com/open-edge-platform/shrinkwrap/internal/container"
	"github.com/open-edge-platform/shrinkwrap/internal/fetchcache"
	"github.com/open-edge-platform/shrinkwrap/internal/resource"
	"github.com/open-edge-platform/shrinkwrap/internal/rewrite"
	"github.com/open-edge-platform/shrinkwrap/internal/snap"
	"github.com/open-edge-platform/shrinkwrap/internal/store"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/compression"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/file"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/logger"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/slice"
	"go.uber.org/zap"
)

// TimeLayout stamps new output roots.
const TimeLayout = "2006-01-02-15-04-05"

const componentMarker = "metadata.yaml"

// Options describe one build.
type Options struct {
	Bundle   string
	Channel  string
	Arch     string
	Overlays []string
	// UsePath reuses an existing output root instead of creating one.
	UsePath string

	SkipResources  bool
	SkipSnaps      bool
	SkipContainers bool
	SkipArchive    bool

	BuildDir      string
	ArchiveFormat string
	Workers       int
	Attempts      int
	Delay         time.Duration
	// Mode selects when package and resource fetches run. The zero value
	// defers them to a single materialize pass.
	Mode fetchcache.Mode

	OverlayCatalogURL   string
	ContainerCatalogURL string
	ImageRepo           string
	BaseSnaps           []string
	ControlPlaneCharms  []string

	Progress io.Writer
	Now      func() time.Time
}

// OptionsFromConfig fills the store, retry and layout settings from cfg.
func OptionsFromConfig(cfg *config.GlobalConfig) Options {
	return Options{
		BuildDir:            cfg.BuildDir,
		ArchiveFormat:       cfg.ArchiveFormat,
		Workers:             cfg.Workers,
		Attempts:            cfg.Retry.Attempts,
		Delay:               cfg.RetryDelay(),
		OverlayCatalogURL:   cfg.Stores.OverlayCatalogURL,
		ContainerCatalogURL: cfg.Stores.ContainerCatalogURL,
		ImageRepo:           cfg.Stores.ImageRepo,
		BaseSnaps:           cfg.BaseSnaps,
		ControlPlaneCharms:  cfg.ControlPlaneCharms,
	}
}

// Result reports what a build produced.
type Result struct {
	RunID string
	Root  string
	// Archive is empty when archive creation was skipped.
	Archive    string
	DeployArgs string
	Rewrite    *rewrite.Result
	Stats      fetchcache.Stats
	// Skipped lists the fetches left out by skip flags.
	Skipped []fetchcache.Key
	// ControlPlaneChannel is the snap channel images were chosen for.
	ControlPlaneChannel string
}

// WorkspaceName is <bundle>[-<channel>]-<timestamp>, with path separators
// and colons replaced.
func WorkspaceName(bundleRef, ch string, now time.Time) string {
	r := strings.NewReplacer("/", "_", ":", "_")
	name := r.Replace(bundleRef)
	if ch != "" {
		name += "-" + r.Replace(ch)
	}
	return name + "-" + now.Format(TimeLayout)
}

type run struct {
	opts  Options
	deps  Deps
	root  string
	cache *fetchcache.Store
	log   *zap.SugaredLogger

	controlPlaneChannel string
}

// Run builds the offline bundle: resolve the descriptors, fetch every
// component and its dependencies, then write the offline descriptors and
// scripts and archive the output root.
func Run(ctx context.Context, opts Options, deps Deps) (*Result, error) {
	runID := uuid.NewString()
	log := logger.With("run", runID)

	root, reuse, err := prepareRoot(opts)
	if err != nil {
		return nil, err
	}
	log.Infof("building %s into %s (reuse=%t)", opts.Bundle, root, reuse)

	cache, err := fetchcache.Open(fetchcache.Options{
		Root:     root,
		Mode:     opts.Mode,
		Workers:  opts.Workers,
		Attempts: opts.Attempts,
		Delay:    opts.Delay,
		Reuse:    reuse,
		Progress: opts.Progress,
	})
	if err != nil {
		return nil, fmt.Errorf("opening fetch cache: %w", err)
	}

	r := &run{opts: opts, deps: deps, root: root, cache: cache, log: log}
	res, err := r.build(ctx)
	if err != nil {
		log.Errorf("build of %s failed: %v", opts.Bundle, err)
		return nil, err
	}
	res.RunID = runID

	st := res.Stats
	log.Infof("build of %s complete: %d fetched, %d cached, %d shared, %d retried",
		opts.Bundle, st.Fetches, st.Hits+st.Primed, st.Shared, st.Retries)
	return res, nil
}

func prepareRoot(opts Options) (string, bool, error) {
	if opts.UsePath != "" {
		info, err := os.Stat(opts.UsePath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", false, fmt.Errorf("path %s doesn't exist", opts.UsePath)
			}
			return "", false, err
		}
		if !info.IsDir() {
			return "", false, fmt.Errorf("path %s is not a directory", opts.UsePath)
		}
		return filepath.Clean(opts.UsePath), true, nil
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	buildDir := opts.BuildDir
	if buildDir == "" {
		buildDir = config.DefaultGlobalConfig().BuildDir
	}
	root := filepath.Join(buildDir, WorkspaceName(opts.Bundle, opts.Channel, now()))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", false, fmt.Errorf("creating output root %s: %w", root, err)
	}
	return root, false, nil
}

func (r *run) build(ctx context.Context) (*Result, error) {
	resolver := &bundle.Resolver{
		Root:              r.root,
		Cache:             r.cache,
		Catalog:           r.deps.Catalog,
		Archives:          r.deps.Origins,
		OverlayCatalogURL: r.opts.OverlayCatalogURL,
	}
	descs, err := resolver.Resolve(ctx, r.opts.Bundle, r.opts.Channel, r.opts.Overlays)
	if err != nil {
		return nil, err
	}
	order, comps := bundle.Flatten(descs)

	if _, err := snap.EnsureEmpty(r.root); err != nil {
		return nil, err
	}

	for _, name := range order {
		c := comps[name]
		if c == nil {
			r.log.Debugf("%s is removed by an overlay, skipping", name)
			continue
		}
		if err := r.component(ctx, name, c); err != nil {
			return nil, err
		}
	}
	for _, name := range r.opts.BaseSnaps {
		if err := r.requestSnap(ctx, name, channel.Baseline, ""); err != nil {
			return nil, err
		}
	}

	if !r.opts.SkipSnaps {
		if err := r.cache.Materialize(ctx, fetchcache.ClassPackage); err != nil {
			return nil, err
		}
	}
	if !r.opts.SkipResources {
		if err := r.cache.Materialize(ctx, fetchcache.ClassResource); err != nil {
			return nil, err
		}
	}
	if r.controlPlaneChannel != "" && !r.opts.SkipContainers {
		if err := r.containers(ctx); err != nil {
			return nil, err
		}
	}

	engine := &rewrite.Engine{
		Root:       r.root,
		Bundle:     r.opts.Bundle,
		ImageRepo:  r.opts.ImageRepo,
		Components: comps,
	}
	rw, err := engine.Rewrite(descs)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Root:                r.root,
		DeployArgs:          rw.DeployArgs,
		Rewrite:             rw,
		Stats:               r.cache.Stats(),
		Skipped:             r.cache.Pending(),
		ControlPlaneChannel: r.controlPlaneChannel,
	}

	if !r.opts.SkipArchive {
		archive, err := r.archive()
		if err != nil {
			return nil, err
		}
		res.Archive = archive
	}
	return res, nil
}

// component fetches one component, resolves its snap channel and requests
// each of its dependencies.
func (r *run) component(ctx context.Context, name string, c *bundle.Component) error {
	id := store.ParseIdentity(c.Charm)
	dir, err := r.cache.Fetch(ctx, fetchcache.Request{
		Key:    fetchcache.ComponentKey(name, c.Channel),
		Target: bundle.ComponentDir(r.root, name, c.Channel),
		Fetch: func(ctx context.Context, target string) error {
			return r.deps.Origins.DownloadArchive(ctx, id, c.Channel, target)
		},
		Done: func(target string) bool {
			ok, _ := file.Exists(filepath.Join(target, componentMarker))
			return ok
		},
	})
	if err != nil {
		return fmt.Errorf("fetching component %s (%s): %w", name, id, err)
	}

	local, err := channel.LoadLocalConfig(dir)
	if err != nil {
		return fmt.Errorf("reading local config of %s: %w", name, err)
	}
	snapChannel := channel.Resolve(c.Options, local)
	if slice.Contains(r.opts.ControlPlaneCharms, id.Name) {
		r.controlPlaneChannel = snapChannel
	}
	r.log.Debugf("component %s uses snap channel %s", name, snapChannel)

	deps, err := r.deps.Origins.Resources(ctx, id, c.Channel)
	if err != nil {
		return fmt.Errorf("resolving resources of %s: %w", name, err)
	}
	for _, d := range deps {
		d = resource.WithRevision(d, c.Resources)
		route := resource.Plan(r.root, name, d, snapChannel, r.opts.Arch)

		if route.Kind == resource.Package {
			if err := r.requestSnap(ctx, route.Key.Name, route.Channel, r.opts.Arch); err != nil {
				return err
			}
			if err := file.RelativeSymlink(snap.EmptyPath(r.root), route.Placeholder); err != nil {
				return fmt.Errorf("linking placeholder for %s of %s: %w", d.Name, name, err)
			}
			continue
		}

		u := d.URL()
		req := fetchcache.Request{
			Key:    route.Key,
			Target: route.Target,
			Fetch: func(ctx context.Context, target string) error {
				r.log.Infof("downloading %s resource %s @ revision %s", name, d.Name, d.Revision)
				return r.deps.Download(ctx, u, target)
			},
		}
		if err := r.request(ctx, req, r.opts.SkipResources); err != nil {
			return fmt.Errorf("fetching resource %s of %s: %w", d.Name, name, err)
		}
	}
	return nil
}

func (r *run) requestSnap(ctx context.Context, name, ch, arch string) error {
	dir := snap.TargetDir(r.root, name, ch, arch)
	req := fetchcache.Request{
		Key:    fetchcache.PackageKey(name, ch, arch),
		Target: dir,
		Fetch: func(ctx context.Context, target string) error {
			return r.deps.Snaps.Fetch(ctx, name, ch, arch, target)
		},
		Done: snap.Done,
	}
	if err := r.request(ctx, req, r.opts.SkipSnaps); err != nil {
		return fmt.Errorf("fetching snap %s (channel %s): %w", name, ch, err)
	}
	return nil
}

// request hands req to the cache. Skipped classes are only recorded.
func (r *run) request(ctx context.Context, req fetchcache.Request, skip bool) error {
	if skip {
		r.cache.Defer(req)
		return nil
	}
	_, err := r.cache.FetchOrGet(ctx, req)
	return err
}

func (r *run) containers(ctx context.Context) error {
	cat := &container.Catalog{Lister: r.deps.Catalog, URL: r.opts.ContainerCatalogURL}
	images, err := cat.Images(ctx, r.controlPlaneChannel)
	if err != nil {
		return fmt.Errorf("listing container images: %w", err)
	}
	defer r.deps.Images.Cleanup(ctx)

	for _, image := range images {
		r.cache.Defer(fetchcache.Request{
			Key:    fetchcache.ImageKey(image),
			Target: container.Target(r.root, r.opts.ImageRepo, image),
			Fetch: func(ctx context.Context, target string) error {
				return r.deps.Images.Save(ctx, image, target)
			},
		})
	}
	return r.cache.Materialize(ctx, fetchcache.ClassImage)
}

// archive writes <root>.<format> next to the output root and removes the
// root.
func (r *run) archive() (string, error) {
	format := r.opts.ArchiveFormat
	if format == "" {
		format = compression.TarGz
	}
	dest := r.root + compression.Extension(format)
	r.log.Infof("writing archive %s", dest)
	if err := compression.CreateTarball(r.root, dest, format); err != nil {
		return "", fmt.Errorf("archiving %s: %w", r.root, err)
	}
	if err := os.RemoveAll(r.root); err != nil {
		return "", fmt.Errorf("removing %s: %w", r.root, err)
	}
	return dest, nil
}
