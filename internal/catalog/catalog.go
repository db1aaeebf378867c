package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/open-edge-platform/shrinkwrap/internal/pkgfetcher"
	"github.com/open-edge-platform/shrinkwrap/internal/utils/logger"
	"golang.org/x/sync/singleflight"
)

const acceptHeader = "application/vnd.github.v3+json"

// Entry is one file of a directory listing.
type Entry struct {
	Name        string `json:"name"`
	DownloadURL string `json:"download_url"`
}

// Client reads directory listings from the GitHub contents API. Listings
// are memoized for the life of the client.
type Client struct {
	HTTP *http.Client

	mu     sync.Mutex
	cache  map[string][]Entry
	flight singleflight.Group
}

func NewClient(httpClient *http.Client) *Client {
	return &Client{HTTP: httpClient, cache: make(map[string][]Entry)}
}

// List returns the entries of the listing at url.
func (c *Client) List(ctx context.Context, url string) ([]Entry, error) {
	c.mu.Lock()
	if entries, ok := c.cache[url]; ok {
		c.mu.Unlock()
		return entries, nil
	}
	c.mu.Unlock()

	v, err, _ := c.flight.Do(url, func() (interface{}, error) {
		entries, err := c.list(ctx, url)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[url] = entries
		c.mu.Unlock()
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Entry), nil
}

func (c *Client) list(ctx context.Context, url string) ([]Entry, error) {
	logger.Logger().Debugf("listing %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	req.Header.Set("Accept", acceptHeader)

	body, err := pkgfetcher.Do(c.HTTP, req)
	if err != nil {
		return nil, fmt.Errorf("listing catalog: %w", err)
	}
	defer body.Close()

	var entries []Entry
	if err := json.NewDecoder(body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding catalog %s: %w", url, err)
	}
	return entries, nil
}

// Map indexes entries by name.
func Map(entries []Entry) map[string]string {
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		m[e.Name] = e.DownloadURL
	}
	return m
}

// Names returns the sorted entry names.
func Names(entries []Entry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names
}

// Fetch downloads a listed file to dest.
func (c *Client) Fetch(ctx context.Context, url, dest string) error {
	return pkgfetcher.Download(ctx, c.HTTP, url, dest)
}

// Text downloads a listed file and returns its content.
func (c *Client) Text(ctx context.Context, url string) (string, error) {
	body, err := pkgfetcher.Get(ctx, c.HTTP, url)
	if err != nil {
		return "", err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", url, err)
	}
	return string(data), nil
}
