package pkgfetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/open-edge-platform/shrinkwrap/internal/utils/logger"
)

// Download streams url into dest. The body is written to a temporary file
// next to dest and renamed into place, so dest never holds a partial body.
func Download(ctx context.Context, client *http.Client, url, dest string) error {
	log := logger.Logger()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating dest dir %s: %w", filepath.Dir(dest), err)
	}

	body, err := Get(ctx, client, url)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", dest, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("moving %s into place: %w", dest, err)
	}

	log.Debugf("downloaded %s (%d bytes) to %s", url, n, dest)
	return nil
}

// Get issues a GET and returns the body of a 200 response. Any other status
// is an error carrying the url.
func Get(ctx context.Context, client *http.Client, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	return Do(client, req)
}

// Do sends req and returns the body of a 200 response.
func Do(client *http.Client, req *http.Request) (io.ReadCloser, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", req.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("downloading %s: bad status: %s", req.URL, resp.Status)
	}
	return resp.Body, nil
}
