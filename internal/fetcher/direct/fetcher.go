// Package direct implements the fast HTTP fetch tier using gocolly.
package direct

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/absnate/docharvester/internal/harvest"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
}

// Fetcher implements harvest.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// New builds a Fetcher with a pooled transport.
func New(cfg Config) *Fetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = 10
	}
	c := colly.NewCollector(colly.Async(false), colly.IgnoreRobotsTxt())
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET and returns the body plus metadata.
// Anti-bot blocks surface as a typed FetchError; escalation is the
// caller's decision.
func (f *Fetcher) Fetch(ctx context.Context, request harvest.FetchRequest) (harvest.FetchResponse, error) {
	var (
		result   harvest.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return harvest.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request harvest.FetchRequest,
	start time.Time,
	result *harvest.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	// Pages are buffered; anything larger goes through the streaming
	// Downloader instead.
	collector.MaxBodySize = 10 * 1024 * 1024
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)
	collector.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) >= f.cfg.MaxRedirects {
			return fmt.Errorf("stopped after %d redirects", f.cfg.MaxRedirects)
		}
		return nil
	})

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range request.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		*result = harvest.FetchResponse{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: strings.ToLower(r.Headers.Get("Content-Type")),
			Headers:     r.Headers.Clone(),
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*result = harvest.FetchResponse{
				URL:        request.URL,
				StatusCode: r.StatusCode,
				Headers:    headersOrEmpty(r),
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
			}
			*fetchErr = harvest.NewFetchError(harvest.FetchErrHTTPStatus, request.URL, r.StatusCode, err)
			return
		}
		*fetchErr = err
	})

	return collector
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return harvest.NewFetchError(harvest.FetchErrCancelled, url, 0, ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return classifyError(url, *fetchErr)
		}
		if err != nil {
			return classifyError(url, err)
		}
		return nil
	}
}

func classifyError(url string, err error) error {
	var fe *harvest.FetchError
	if errors.As(err, &fe) {
		return fe
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return harvest.NewFetchError(harvest.FetchErrTimeout, url, 0, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return harvest.NewFetchError(harvest.FetchErrTimeout, url, 0, err)
	}
	if errors.Is(err, context.Canceled) {
		return harvest.NewFetchError(harvest.FetchErrCancelled, url, 0, err)
	}
	return harvest.NewFetchError(harvest.FetchErrInvalidContent, url, 0, err)
}

func headersOrEmpty(r *colly.Response) http.Header {
	if r.Headers == nil {
		return http.Header{}
	}
	return r.Headers.Clone()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
