// Package collyfetcher implements harvest.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/metrics"
	"github.com/JakeFAU/docharvest/internal/policy/ratelimit"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher implements harvest.Fetcher using the Colly collector. Every request,
// robots.txt probes included, waits on the shared per-host limiter.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. A nil limiter disables rate limiting.
func New(cfg Config, limiter *ratelimit.Limiter) *Fetcher {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())

	var transport http.RoundTripper = newHTTPTransport()
	if limiter != nil {
		transport = ratelimit.NewTransport(transport, limiter)
	}
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly. Bodies longer than
// request.MaxBytes are truncated and flagged.
func (f *Fetcher) Fetch(ctx context.Context, request harvest.FetchRequest) (harvest.FetchResponse, error) {
	var (
		result   harvest.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return harvest.FetchResponse{}, err
	}
	metrics.ObserveFetch(result.URL, len(result.Body))
	return result, nil
}

// Sitemap fetches a sitemap (or sitemap index) and returns its <loc> entries
// in document order.
func (f *Fetcher) Sitemap(ctx context.Context, sitemapURL string) ([]string, error) {
	var (
		locs     []string
		fetchErr error
	)
	collector := f.buildCollector(ctx, harvest.FetchRequest{URL: sitemapURL}, time.Now(), &harvest.FetchResponse{}, &fetchErr)
	collector.OnXML("//urlset/url/loc", func(e *colly.XMLElement) {
		locs = append(locs, e.Text)
	})
	collector.OnXML("//sitemapindex/sitemap/loc", func(e *colly.XMLElement) {
		locs = append(locs, e.Text)
	})
	if err := f.runCollector(ctx, collector, sitemapURL, &fetchErr); err != nil {
		return nil, err
	}
	return locs, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request harvest.FetchRequest,
	start time.Time,
	result *harvest.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	if request.MaxBytes > 0 {
		collector.MaxBodySize = int(request.MaxBytes) + 1
	}
	collector.SetRequestTimeout(f.requestTimeout(ctx))
	collector.WithTransport(f.transport)

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) requestTimeout(ctx context.Context) time.Duration {
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request harvest.FetchRequest,
	start time.Time,
	result *harvest.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		body := append([]byte(nil), r.Body...)
		truncated := false
		if request.MaxBytes > 0 && int64(len(body)) > request.MaxBytes {
			body = body[:request.MaxBytes]
			truncated = true
		}
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = harvest.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       body,
			Truncated:  truncated,
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			if statusErr := harvest.ClassifyStatus(request.URL, r.StatusCode); statusErr != nil {
				var fe *harvest.FetchError
				if errors.As(statusErr, &fe) {
					fe.Err = err
				}
				*fetchErr = statusErr
				return
			}
		}
		*fetchErr = classifyVisitErr(request.URL, err)
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return harvest.ClassifyError(url, fmt.Errorf("colly fetch canceled: %w", ctx.Err()))
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return classifyVisitErr(url, err)
		}
		return nil
	}
}

func classifyVisitErr(url string, err error) error {
	if errors.Is(err, colly.ErrRobotsTxtBlocked) || errors.Is(err, colly.ErrForbiddenDomain) {
		return &harvest.FetchError{Kind: harvest.FetchUnreachable, Location: url, Err: err}
	}
	return harvest.ClassifyError(url, fmt.Errorf("colly visit failed: %w", err))
}

func (f *Fetcher) copyHeaders(request harvest.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
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
