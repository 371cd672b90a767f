package direct

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/absnate/docharvester/internal/harvest"
)

// Downloader streams artifact bodies over a pooled client so large PDFs
// never sit fully in memory.
type Downloader struct {
	client    *http.Client
	userAgent string
}

// NewDownloader builds a Downloader sharing the direct tier's transport
// defaults.
func NewDownloader(userAgent string, timeout time.Duration) *Downloader {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Downloader{
		client: &http.Client{
			Transport: newHTTPTransport(),
			Timeout:   timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		},
		userAgent: userAgent,
	}
}

// Download opens a streaming body for the URL. The returned size is the
// Content-Length, or -1 when the origin does not declare one. The caller
// owns closing the body; closing before EOF discards the partial download.
func (d *Downloader) Download(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, harvest.NewFetchError(harvest.FetchErrCancelled, url, 0, ctx.Err())
		}
		return nil, 0, classifyError(url, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, 0, harvest.NewFetchError(harvest.FetchErrHTTPStatus, url, resp.StatusCode, nil)
	}
	return resp.Body, resp.ContentLength, nil
}
