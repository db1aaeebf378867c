package shrinkwrap

import (
	"context"
	"net/http"

	"github.com/open-edge-platform/shrinkwrap/internal/catalog"
	"github.com/open-edge-platform/shrinkwrap/internal/config"
	"github.com/open-edge-platform/shrinkwrap/internal/container"
	"github.com/open-edge-platform/shrinkwrap/internal/pkgfetcher"
	"github.com/open-edge-platform/shrinkwrap/internal/resource"
	"github.com/open-edge-platform/shrinkwrap/internal/snap"
	"github.com/open-edge-platform/shrinkwrap/internal/store"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/network"
)

// Origins serves component archives and their resource lists.
type Origins interface {
	DownloadArchive(ctx context.Context, id store.Identity, channel, dest string) error
	Resources(ctx context.Context, id store.Identity, channel string) ([]resource.Dependency, error)
}

// Catalog lists and downloads catalog entries.
type Catalog interface {
	List(ctx context.Context, url string) ([]catalog.Entry, error)
	Fetch(ctx context.Context, url, dest string) error
	Text(ctx context.Context, url string) (string, error)
}

// SnapFetcher places one snap archive into a target directory.
type SnapFetcher interface {
	Fetch(ctx context.Context, name, channel, arch, targetDir string) error
}

// ImageFetcher saves container images.
type ImageFetcher interface {
	Save(ctx context.Context, image, target string) error
	Cleanup(ctx context.Context)
}

// DownloadFunc fetches url into dest.
type DownloadFunc func(ctx context.Context, url, dest string) error

// Deps are the collaborators a run talks to.
type Deps struct {
	Origins  Origins
	Catalog  Catalog
	Snaps    SnapFetcher
	Images   ImageFetcher
	Download DownloadFunc
}

// DefaultDeps wires the real stores, snap-store-proxy and docker.
func DefaultDeps(cfg *config.GlobalConfig) Deps {
	client := network.NewSecureHTTPClient()
	return Deps{
		Origins:  store.NewClient(client, cfg.Stores.CharmhubURL, cfg.Stores.CharmstoreURL),
		Catalog:  catalog.NewClient(client),
		Snaps:    snap.NewFetcher(),
		Images:   container.NewFetcher(cfg.Stores.ImageRepo),
		Download: httpDownload(client),
	}
}

func httpDownload(client *http.Client) DownloadFunc {
	return func(ctx context.Context, url, dest string) error {
		return pkgfetcher.Download(ctx, client, url, dest)
	}
}
