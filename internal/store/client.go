package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/open-edge-platform/shrinkwrap/internal/pkgfetcher"
	"github.com/open-edge-platform/shrinkwrap/internal/resource"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/file"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/logger"
)

const (
	opArchive   = "archive download"
	opResources = "resource listing"
)

// Client talks to both stores. An empty CharmstoreURL marks the legacy
// store as retired.
type Client struct {
	HTTP          *http.Client
	CharmhubURL   string
	CharmstoreURL string
}

func NewClient(httpClient *http.Client, charmhubURL, charmstoreURL string) *Client {
	return &Client{
		HTTP:          httpClient,
		CharmhubURL:   strings.TrimRight(charmhubURL, "/"),
		CharmstoreURL: strings.TrimRight(charmstoreURL, "/"),
	}
}

type charmhubRevision struct {
	Download struct {
		URL string `json:"url"`
	} `json:"download"`
}

type charmhubResource struct {
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Filename string          `json:"filename"`
	Revision json.RawMessage `json:"revision"`
	Download struct {
		URL string `json:"url"`
	} `json:"download"`
}

type charmhubInfo struct {
	DefaultRelease struct {
		Revision  charmhubRevision   `json:"revision"`
		Resources []charmhubResource `json:"resources"`
	} `json:"default-release"`
}

type charmstoreResource struct {
	Name     string          `json:"Name"`
	Type     string          `json:"Type"`
	Path     string          `json:"Path"`
	Revision json.RawMessage `json:"Revision"`
}

func (c *Client) retired(id Identity, op string) error {
	if id.Origin == Charmstore && c.CharmstoreURL == "" {
		return &UnsupportedOperationError{Origin: id.Origin, Operation: op, Identity: id.String()}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, u string, out interface{}) error {
	body, err := pkgfetcher.Get(ctx, c.HTTP, u)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", u, err)
	}
	return nil
}

func (c *Client) charmhubInfo(ctx context.Context, name, channel, fields string) (*charmhubInfo, error) {
	q := url.Values{}
	if channel != "" {
		q.Set("channel", channel)
	}
	q.Set("fields", fields)
	u := fmt.Sprintf("%s/charms/info/%s?%s", c.CharmhubURL, url.PathEscape(name), q.Encode())

	var info charmhubInfo
	if err := c.getJSON(ctx, u, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func channelQuery(channel string) string {
	if channel == "" {
		return ""
	}
	return "?" + url.Values{"channel": {channel}}.Encode()
}

// DownloadArchive fetches the zip of a charm or bundle and unpacks it into
// dest.
func (c *Client) DownloadArchive(ctx context.Context, id Identity, channel, dest string) error {
	log := logger.Logger()
	if err := c.retired(id, opArchive); err != nil {
		return err
	}

	var archiveURL string
	switch id.Origin {
	case Charmhub:
		info, err := c.charmhubInfo(ctx, id.Name, channel, "default-release.revision.download.url")
		if err != nil {
			return fmt.Errorf("looking up %s: %w", id, err)
		}
		archiveURL = info.DefaultRelease.Revision.Download.URL
		if archiveURL == "" {
			return fmt.Errorf("looking up %s: no download url for channel %q", id, channel)
		}
	case Charmstore:
		archiveURL = fmt.Sprintf("%s/%s/archive%s", c.CharmstoreURL, id.Name, channelQuery(channel))
	default:
		return &UnsupportedOperationError{Origin: id.Origin, Operation: opArchive, Identity: id.String()}
	}

	log.Infof("downloading %s (channel %q) from %s", id.Name, channel, id.Origin)
	body, err := pkgfetcher.Get(ctx, c.HTTP, archiveURL)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", id, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("reading archive of %s: %w", id, err)
	}
	if err := Unzip(data, dest); err != nil {
		return fmt.Errorf("unpacking %s: %w", id, err)
	}
	return nil
}

// Resources lists the dependencies a component declares at channel.
func (c *Client) Resources(ctx context.Context, id Identity, channel string) ([]resource.Dependency, error) {
	if err := c.retired(id, opResources); err != nil {
		return nil, err
	}

	switch id.Origin {
	case Charmhub:
		info, err := c.charmhubInfo(ctx, id.Name, channel, "default-release.resources")
		if err != nil {
			return nil, fmt.Errorf("listing resources of %s: %w", id, err)
		}
		deps := make([]resource.Dependency, 0, len(info.DefaultRelease.Resources))
		for _, r := range info.DefaultRelease.Resources {
			rev := rawRevision(r.Revision)
			deps = append(deps, resource.Dependency{
				Name:      r.Name,
				Type:      r.Type,
				Path:      r.Filename,
				Revision:  rev,
				URLFormat: strings.TrimSuffix(r.Download.URL, "_"+rev) + "_{revision}",
			})
		}
		return deps, nil

	case Charmstore:
		base := fmt.Sprintf("%s/%s", c.CharmstoreURL, id.Name)
		var list []charmstoreResource
		if err := c.getJSON(ctx, base+"/meta/resources"+channelQuery(channel), &list); err != nil {
			return nil, fmt.Errorf("listing resources of %s: %w", id, err)
		}
		deps := make([]resource.Dependency, 0, len(list))
		for _, r := range list {
			deps = append(deps, resource.Dependency{
				Name:      r.Name,
				Type:      r.Type,
				Path:      r.Path,
				Revision:  rawRevision(r.Revision),
				URLFormat: fmt.Sprintf("%s/resource/%s/{revision}", base, r.Name),
			})
		}
		return deps, nil
	}
	return nil, &UnsupportedOperationError{Origin: id.Origin, Operation: opResources, Identity: id.String()}
}

// rawRevision renders a JSON number or string revision as text.
func rawRevision(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return string(bytes.TrimSpace(raw))
}

// Unzip extracts a zip archive held in memory into dest. Entries that
// would land outside dest are rejected.
func Unzip(data []byte, dest string) error {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("opening zip: %w", err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}

	for _, f := range r.File {
		target := filepath.Join(dest, filepath.FromSlash(f.Name))
		ok, err := file.IsSubPath(dest, target)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("zip entry %q escapes %s", f.Name, dest)
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", target, err)
			}
			continue
		case mode&os.ModeSymlink != 0:
			logger.Logger().Debugf("skipping symlink %s in archive", f.Name)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(target), err)
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening %s in zip: %w", f.Name, err)
	}
	defer rc.Close()

	perm := f.Mode().Perm() | 0o600
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", target, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("writing %s: %w", target, err)
	}
	return out.Close()
}
