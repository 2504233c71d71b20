// Package fetch retrieves bridge pool assignment documents from a
// CollecTor-style document index.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bpa-go/internal/bpa"
	"bpa-go/internal/model"
)

const userAgent = "bpa-go"

// Options configure a Collector.
type Options struct {
	BaseURL        string
	Directories    []string
	MinModified    time.Time     // zero disables the cutoff
	MaxConcurrency int           // in-flight document requests; 0 means DefaultMaxConcurrency
	MaxFiles       int           // 0 keeps every matching entry
	RequestTimeout time.Duration // per request; 0 relies on the client's own timeout
	RateLimit      float64       // requests per second across all workers; 0 is unlimited
}

// Collector resolves the remote index and downloads the selected documents
// with a fixed pool of MaxConcurrency workers.
type Collector struct {
	client  HTTPClient
	opts    Options
	base    *url.URL
	limiter *rate.Limiter
	logger  bpa.Logger
}

// NewCollector creates a Collector. The base URL must be absolute.
func NewCollector(client HTTPClient, opts Options, logger bpa.Logger) (*Collector, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if !base.IsAbs() {
		return nil, fmt.Errorf("base URL must be absolute: %q", opts.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if len(opts.Directories) == 0 {
		return nil, errors.New("at least one directory is required")
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}

	return &Collector{
		client:  client,
		opts:    opts,
		base:    base,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// Index downloads the remote index and returns the entries that pass the
// directory, modification-time and count filters. Errors wrap model.ErrIndexUnavailable.
func (c *Collector) Index(ctx context.Context) ([]model.IndexEntry, error) {
	indexURL := c.resolve(IndexPath)

	body, err := c.get(ctx, indexURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrIndexUnavailable, err)
	}
	defer body.Close()

	idx, err := DecodeIndex(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrIndexUnavailable, indexURL, err)
	}

	entries := idx.Entries(Filter{
		Directories: c.opts.Directories,
		MinModified: c.opts.MinModified,
		MaxFiles:    c.opts.MaxFiles,
	}, c.logger)

	c.logger.Info("index resolved", "url", indexURL, "entries", len(entries), "directories", strings.Join(c.opts.Directories, ","))
	return entries, nil
}

// Fetch resolves the index and downloads every selected document.
// A document that fails is reported as a failure wrapping model.ErrFetchFailed
// and does not affect the others.
func (c *Collector) Fetch(ctx context.Context) ([]model.RawDocument, []bpa.Failure, error) {
	entries, err := c.Index(ctx)
	if err != nil {
		return nil, nil, err
	}
	docs, failures := c.FetchEntries(ctx, entries)
	return docs, failures, nil
}

// FetchEntries downloads entries with at most MaxConcurrency requests in flight.
// Entries not yet started when ctx is cancelled are reported as failures.
func (c *Collector) FetchEntries(ctx context.Context, entries []model.IndexEntry) ([]model.RawDocument, []bpa.Failure) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		docs     = make([]model.RawDocument, 0, len(entries))
		failures []bpa.Failure
	)

	jobs := make(chan model.IndexEntry)
	workers := min(c.opts.MaxConcurrency, len(entries))
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range jobs {
				doc, err := c.fetchOne(ctx, entry)

				mu.Lock()
				if err != nil {
					failures = append(failures, bpa.Failure{Identifier: entry.Path, Err: err})
				} else {
					docs = append(docs, doc)
				}
				mu.Unlock()

				if err != nil {
					c.logger.Error("fetch failed", "path", entry.Path, "error", err)
				} else {
					c.logger.Debug("fetched", "path", entry.Path, "bytes", len(doc.Content))
				}
			}
		}()
	}

	skip := func(rest []model.IndexEntry) {
		mu.Lock()
		defer mu.Unlock()
		for _, skipped := range rest {
			failures = append(failures, bpa.Failure{
				Identifier: skipped.Path,
				Err:        fmt.Errorf("%w: not started: %w", model.ErrFetchFailed, ctx.Err()),
			})
		}
	}

dispatch:
	for i, entry := range entries {
		if ctx.Err() != nil {
			skip(entries[i:])
			break
		}
		select {
		case jobs <- entry:
		case <-ctx.Done():
			skip(entries[i:])
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	c.logger.Info("fetch complete", "fetched", len(docs), "failed", len(failures))
	return docs, failures
}

// fetchOne downloads one document. Errors wrap model.ErrFetchFailed.
func (c *Collector) fetchOne(ctx context.Context, entry model.IndexEntry) (model.RawDocument, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return model.RawDocument{}, fmt.Errorf("%w: %s: waiting for rate limiter: %w", model.ErrFetchFailed, entry.Path, err)
		}
	}

	body, err := c.get(ctx, c.resolve(entry.Path))
	if err != nil {
		return model.RawDocument{}, fmt.Errorf("%w: %w", model.ErrFetchFailed, err)
	}
	defer body.Close()

	content, err := io.ReadAll(body)
	if err != nil {
		return model.RawDocument{}, fmt.Errorf("%w: %s: reading body: %w", model.ErrFetchFailed, entry.Path, err)
	}
	if len(content) == 0 {
		return model.RawDocument{}, fmt.Errorf("%w: %s: empty body", model.ErrFetchFailed, entry.Path)
	}

	return model.RawDocument{
		Path:         entry.Path,
		LastModified: entry.LastModified,
		Content:      content,
	}, nil
}

// get issues a GET and returns the body of a 2xx response.
// The request timeout covers reading the body, so the caller must close it.
func (c *Collector) get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	cancel := context.CancelFunc(func() {})
	if c.opts.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building request for %s: %w", rawURL, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("GET %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("GET %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// resolve joins a relative path onto the base URL.
func (c *Collector) resolve(relative string) string {
	return c.base.ResolveReference(&url.URL{Path: strings.TrimPrefix(relative, "/")}).String()
}

// cancelOnClose releases the request context once the body has been consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// Compile-time check that Collector implements bpa.Fetcher
var _ bpa.Fetcher = (*Collector)(nil)
