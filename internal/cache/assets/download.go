package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
)

// Downloader fetches a remote asset into a local file and reports its
// size. The cache treats the transport as opaque.
type Downloader interface {
	Download(ctx context.Context, url, dest string) (int64, error)
}

// HTTPDownloader downloads over plain HTTP GET.
type HTTPDownloader struct {
	Client *http.Client
}

// Download fetches url into dest. A partial file left by a failed download
// is removed so the index never points at torn data.
func (d *HTTPDownloader) Download(ctx context.Context, url, dest string) (int64, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download failed: unexpected status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dest)
		return 0, fmt.Errorf("failed to write file: %w", err)
	}
	return n, nil
}
