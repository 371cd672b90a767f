// Package crawler implements the URL-frontier BFS over a single site.
package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/absnate/docharvester/internal/fetcher/antibot"
	"github.com/absnate/docharvester/internal/harvest"
)

// ErrSeedUnreachable is returned when the seed fails on both fetch tiers.
var ErrSeedUnreachable = errors.New("seed unreachable")

// Config bounds a crawl.
type Config struct {
	MaxPages     int
	MaxDepth     int
	Concurrency  int
	PerHostRPS   int
	ProductLines []string
}

// Stats summarizes a finished crawl.
type Stats struct {
	PagesVisited int
	PdfsFound    int
	FetchErrors  int
}

// PdfFunc receives each discovered PDF URL exactly once.
type PdfFunc func(ctx context.Context, pdfURL string) error

// Engine drives the two-tier fetch over the frontier. The visited set and
// frontier are owned exclusively by one Engine instance.
type Engine struct {
	direct   harvest.Fetcher
	headless harvest.Fetcher
	detector harvest.EscalationDetector
	logger   *zap.Logger
	cfg      Config

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New constructs an Engine. headless may be nil to disable the browser tier.
func New(direct harvest.Fetcher, headless harvest.Fetcher, detector harvest.EscalationDetector, cfg Config, logger *zap.Logger) *Engine {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 2000
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 6
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		direct:   direct,
		headless: headless,
		detector: detector,
		logger:   logger,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Run crawls from the seed until the frontier drains or bounds are hit,
// invoking onPdf for every same-site PDF URL discovered. Page fetch errors
// are logged and skipped; Run fails when the seed is unreachable, when the
// context ends, or when onPdf returns an error.
func (e *Engine) Run(ctx context.Context, seedURL string, onPdf PdfFunc) (Stats, error) {
	stats := Stats{}

	seed, err := normalizeSeed(seedURL)
	if err != nil {
		return stats, fmt.Errorf("parse seed: %w", err)
	}
	seedHost := seed.Hostname()

	visited := make(map[string]struct{})
	seenPdfs := make(map[string]struct{})
	front := newFrontier()

	normalized, err := harvest.NormalizeURL(seed.String())
	if err != nil {
		return stats, fmt.Errorf("normalize seed: %w", err)
	}
	front.Push(normalized, 0, scoreURL(normalized, e.cfg.ProductLines))
	visited[normalized] = struct{}{}

	type pageResult struct {
		item  frontierItem
		resp  harvest.FetchResponse
		err   error
		isPdf bool
	}

	for front.Len() > 0 && stats.PagesVisited < e.cfg.MaxPages {
		if err := ctx.Err(); err != nil {
			return stats, harvest.NewFetchError(harvest.FetchErrCancelled, seedURL, 0, err)
		}

		batch := e.popBatch(front, e.cfg.MaxPages-stats.PagesVisited)
		results := make([]pageResult, len(batch))

		var wg sync.WaitGroup
		for i, item := range batch {
			wg.Add(1)
			go func(i int, item frontierItem) {
				defer wg.Done()
				if harvest.IsPdfURL(item.url) {
					results[i] = pageResult{item: item, isPdf: true}
					return
				}
				resp, err := e.fetchPage(ctx, item.url)
				results[i] = pageResult{item: item, resp: resp, err: err}
			}(i, item)
		}
		wg.Wait()

		for _, res := range results {
			if err := ctx.Err(); err != nil {
				return stats, harvest.NewFetchError(harvest.FetchErrCancelled, seedURL, 0, err)
			}
			if res.isPdf {
				if err := e.emitPdf(ctx, res.item.url, seenPdfs, &stats, onPdf); err != nil {
					return stats, err
				}
				continue
			}

			stats.PagesVisited++
			if stats.PagesVisited%10 == 0 {
				e.logger.Info("crawl progress",
					zap.Int("pages_visited", stats.PagesVisited),
					zap.Int("pdfs_found", stats.PdfsFound),
					zap.Int("frontier", front.Len()),
				)
			}

			if res.err != nil {
				stats.FetchErrors++
				if res.item.depth == 0 {
					return stats, fmt.Errorf("%w: %s", ErrSeedUnreachable, res.err)
				}
				e.logger.Warn("page fetch failed",
					zap.String("url", res.item.url), zap.Error(res.err))
				continue
			}

			if !strings.Contains(strings.ToLower(res.resp.ContentType), "text/html") {
				if strings.Contains(strings.ToLower(res.resp.ContentType), "application/pdf") {
					if err := e.emitPdf(ctx, res.resp.URL, seenPdfs, &stats, onPdf); err != nil {
						return stats, err
					}
				}
				continue
			}

			pdfs, links := e.extractLinks(res.resp, seedHost)
			for _, pdfURL := range pdfs {
				if err := e.emitPdf(ctx, pdfURL, seenPdfs, &stats, onPdf); err != nil {
					return stats, err
				}
			}
			if res.item.depth >= e.cfg.MaxDepth {
				continue
			}
			for _, link := range links {
				if _, ok := visited[link]; ok {
					continue
				}
				visited[link] = struct{}{}
				front.Push(link, res.item.depth+1, scoreURL(link, e.cfg.ProductLines))
			}
		}
	}

	e.logger.Info("crawl finished",
		zap.Int("pages_visited", stats.PagesVisited),
		zap.Int("pdfs_found", stats.PdfsFound),
		zap.Int("fetch_errors", stats.FetchErrors),
	)
	return stats, nil
}

func (e *Engine) popBatch(front *frontier, budget int) []frontierItem {
	n := e.cfg.Concurrency
	if n > budget {
		n = budget
	}
	batch := make([]frontierItem, 0, n)
	for len(batch) < n {
		item, ok := front.Pop()
		if !ok {
			break
		}
		batch = append(batch, item)
	}
	return batch
}

func (e *Engine) emitPdf(ctx context.Context, pdfURL string, seen map[string]struct{}, stats *Stats, onPdf PdfFunc) error {
	normalized, err := harvest.NormalizeURL(pdfURL)
	if err != nil {
		return nil
	}
	if _, ok := seen[normalized]; ok {
		return nil
	}
	seen[normalized] = struct{}{}
	stats.PdfsFound++
	if err := onPdf(ctx, normalized); err != nil {
		return fmt.Errorf("record pdf %s: %w", normalized, err)
	}
	return nil
}

// fetchPage runs the direct tier and escalates to the browser tier on an
// anti-bot block.
func (e *Engine) fetchPage(ctx context.Context, pageURL string) (harvest.FetchResponse, error) {
	if err := e.waitForHost(ctx, pageURL); err != nil {
		return harvest.FetchResponse{}, err
	}

	resp, err := e.direct.Fetch(ctx, harvest.FetchRequest{URL: pageURL})
	if err == nil && (e.detector == nil || !e.detector.ShouldEscalate(resp)) {
		return resp, nil
	}
	if harvest.FetchErrorKindOf(err) == harvest.FetchErrCancelled {
		return harvest.FetchResponse{}, err
	}
	blocked := err == nil || antibot.IsBlockError(err)
	if !blocked {
		// Plain fetch failure, not an anti-bot refusal.
		return harvest.FetchResponse{}, err
	}
	if e.headless == nil {
		return harvest.FetchResponse{}, harvest.NewFetchError(harvest.FetchErrAntiBotBlock, pageURL, resp.StatusCode, err)
	}

	e.logger.Info("escalating to browser tier", zap.String("url", pageURL))
	headlessResp, headlessErr := e.headless.Fetch(ctx, harvest.FetchRequest{URL: pageURL, UseHeadless: true})
	if headlessErr != nil {
		return harvest.FetchResponse{}, harvest.NewFetchError(harvest.FetchErrAntiBotBlock, pageURL, 0, headlessErr)
	}
	if e.detector != nil && e.detector.ShouldEscalate(headlessResp) {
		return harvest.FetchResponse{}, harvest.NewFetchError(harvest.FetchErrAntiBotBlock, pageURL, headlessResp.StatusCode, nil)
	}
	return headlessResp, nil
}

func (e *Engine) waitForHost(ctx context.Context, pageURL string) error {
	if e.cfg.PerHostRPS <= 0 {
		return nil
	}
	host := "unknown"
	if u, err := url.Parse(pageURL); err == nil {
		host = u.Hostname()
	}
	e.limitersMu.Lock()
	limiter, ok := e.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(e.cfg.PerHostRPS), e.cfg.Concurrency)
		e.limiters[host] = limiter
	}
	e.limitersMu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return harvest.NewFetchError(harvest.FetchErrCancelled, pageURL, 0, err)
	}
	return nil
}

// extractLinks pulls anchor hrefs out of a fetched HTML page, splitting
// them into PDF URLs and same-site page links.
func (e *Engine) extractLinks(resp harvest.FetchResponse, seedHost string) (pdfs, links []string) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		e.logger.Warn("parse html failed", zap.String("url", resp.URL), zap.Error(err))
		return nil, nil
	}
	base, err := url.Parse(resp.URL)
	if err != nil {
		return nil, nil
	}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") ||
			strings.HasPrefix(href, "mailto:") ||
			strings.HasPrefix(href, "tel:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		if !harvest.SameSite(seedHost, abs.Hostname()) {
			return
		}
		normalized, err := harvest.NormalizeURL(abs.String())
		if err != nil {
			return
		}
		if harvest.IsPdfURL(normalized) {
			pdfs = append(pdfs, normalized)
			return
		}
		links = append(links, normalized)
	})
	return pdfs, links
}

func normalizeSeed(seedURL string) (*url.URL, error) {
	raw := strings.TrimSpace(seedURL)
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("seed %q has no host", seedURL)
	}
	return u, nil
}
