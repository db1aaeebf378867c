package bundle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/open-edge-platform/shrinkwrap/internal/catalog"
	"github.com/open-edge-platform/shrinkwrap/internal/config/validate"
	"github.com/open-edge-platform/shrinkwrap/internal/fetchcache"
	"github.com/open-edge-platform/shrinkwrap/internal/store"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/logger"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/security"
)

// ValidationError reports an overlay name missing from the catalog.
type ValidationError struct {
	Overlay string
	Valid   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s is not a valid overlay bundle, choose any from [%s]",
		e.Overlay, strings.Join(e.Valid, ", "))
}

// Catalog lists and downloads overlay files.
type Catalog interface {
	List(ctx context.Context, url string) ([]catalog.Entry, error)
	Fetch(ctx context.Context, url, dest string) error
}

// Archives downloads and unpacks bundle archives.
type Archives interface {
	DownloadArchive(ctx context.Context, id store.Identity, channel, dest string) error
}

// Resolver loads the base descriptor and its overlays into the output root.
type Resolver struct {
	Root              string
	Cache             *fetchcache.Store
	Catalog           Catalog
	Archives          Archives
	OverlayCatalogURL string
}

// ValidateOverlays checks every name against the overlay catalog and
// returns the download locations of the requested overlays.
func (r *Resolver) ValidateOverlays(ctx context.Context, names []string) (map[string]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	entries, err := r.Catalog.List(ctx, r.OverlayCatalogURL)
	if err != nil {
		return nil, fmt.Errorf("listing overlays: %w", err)
	}
	available := catalog.Map(entries)
	valid := catalog.Names(entries)

	urls := make(map[string]string, len(names))
	for _, name := range names {
		u, ok := available[name]
		if !ok || name == BaseName || filepath.Base(name) != name {
			return nil, &ValidationError{Overlay: name, Valid: valid}
		}
		urls[name] = u
	}
	return urls, nil
}

// Resolve validates the overlay names, then fetches the base descriptor
// for baseRef at channel and each overlay. Descriptors already in the
// output root are not fetched again.
func (r *Resolver) Resolve(ctx context.Context, baseRef, channel string, overlays []string) (Descriptors, error) {
	log := logger.Logger()

	urls, err := r.ValidateOverlays(ctx, overlays)
	if err != nil {
		return nil, err
	}

	id := store.ParseIdentity(baseRef)
	basePath, err := r.Cache.Fetch(ctx, fetchcache.Request{
		Key:    fetchcache.DescriptorKey(BaseName),
		Target: DescriptorPath(r.Root, BaseName),
		Fetch: func(ctx context.Context, target string) error {
			return r.Archives.DownloadArchive(ctx, id, channel, filepath.Dir(target))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetching bundle %s: %w", baseRef, err)
	}

	paths := []string{basePath}
	names := []string{BaseName}
	for _, name := range overlays {
		u := urls[name]
		p, err := r.Cache.Fetch(ctx, fetchcache.Request{
			Key:    fetchcache.DescriptorKey(name),
			Target: DescriptorPath(r.Root, name),
			Fetch: func(ctx context.Context, target string) error {
				log.Infof("downloading overlay %s", name)
				return r.Catalog.Fetch(ctx, u, target)
			},
		})
		if err != nil {
			return nil, fmt.Errorf("fetching overlay %s: %w", name, err)
		}
		paths = append(paths, p)
		names = append(names, name)
	}

	descs := make(Descriptors, 0, len(paths))
	for i, p := range paths {
		d, err := Load(names[i], p)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	return descs, nil
}

// Load reads and parses a cached descriptor. Schema problems are logged
// but do not stop the build; the validate command reports them strictly.
func Load(name, path string) (*Descriptor, error) {
	data, err := security.SafeReadFile(path, security.RejectSymlinks)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("descriptor %s missing at %s", name, path)
		}
		return nil, fmt.Errorf("reading descriptor %s: %w", name, err)
	}
	if err := validate.ValidateDescriptorYAML(data); err != nil {
		logger.Logger().Warnf("descriptor %s: %v", name, err)
	}
	return ParseDescriptor(name, data)
}
