// Package web implements the website adapter and the page retrieval and
// same-site crawling shared by the hosted-docs and wiki adapters.
package web

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/fetcher/headless"
	"github.com/JakeFAU/docharvest/internal/harvest"
	"github.com/JakeFAU/docharvest/internal/metrics"
)

// Pages fetches single pages, promoting JavaScript shells to a headless
// renderer when the detector asks for it. Pages fetched while discovering a
// source are kept until the matching retrieval takes them.
type Pages struct {
	fetcher  harvest.Fetcher
	headless harvest.Fetcher
	detector harvest.HeadlessDetector
	maxBytes int64
	logger   *zap.Logger

	mu         sync.Mutex
	discovered map[harvest.SourceKey]map[string]harvest.FetchResponse
}

// NewPages builds a page retriever. headless and detector may be nil.
func NewPages(
	fetcher harvest.Fetcher,
	headlessFetcher harvest.Fetcher,
	detector harvest.HeadlessDetector,
	maxBytes int64,
	logger *zap.Logger,
) *Pages {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pages{
		fetcher:    fetcher,
		headless:   headlessFetcher,
		detector:   detector,
		maxBytes:   maxBytes,
		logger:     logger,
		discovered: make(map[harvest.SourceKey]map[string]harvest.FetchResponse),
	}
}

// Fetch retrieves rawURL. A failed promotion falls back to the static
// response.
func (p *Pages) Fetch(ctx context.Context, rawURL string) (harvest.FetchResponse, error) {
	request := harvest.FetchRequest{URL: rawURL, MaxBytes: p.maxBytes}
	resp, err := p.fetcher.Fetch(ctx, request)
	if err != nil {
		return harvest.FetchResponse{}, err
	}
	if p.headless == nil || p.detector == nil || !p.detector.ShouldPromote(resp) {
		return resp, nil
	}

	rendered, err := p.headless.Fetch(ctx, request)
	if err != nil {
		if !errors.Is(err, headless.ErrNotConfigured) {
			p.logger.Warn("headless promotion failed", zap.String("url", rawURL), zap.Error(err))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return harvest.FetchResponse{}, harvest.ClassifyError(rawURL, ctxErr)
		}
		return resp, nil
	}
	rendered.UsedHeadless = true
	metrics.ObserveHeadlessPromotion()
	p.logger.Debug("headless promotion applied", zap.String("url", rawURL))
	return rendered, nil
}

// keep replaces the pages remembered for source with the fetched responses
// whose URL is the locator of one of candidates.
func (p *Pages) keep(source harvest.SourceKey, fetched map[string]harvest.FetchResponse, candidates []harvest.Candidate) {
	kept := make(map[string]harvest.FetchResponse, len(candidates))
	for _, c := range candidates {
		if resp, ok := fetched[c.Locator]; ok {
			kept[c.Locator] = resp
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(kept) == 0 {
		delete(p.discovered, source)
		return
	}
	p.discovered[source] = kept
}

func (p *Pages) take(source harvest.SourceKey, locator string) (harvest.FetchResponse, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pages, ok := p.discovered[source]
	if !ok {
		return harvest.FetchResponse{}, false
	}
	resp, ok := pages[locator]
	if !ok {
		return harvest.FetchResponse{}, false
	}
	delete(pages, locator)
	if len(pages) == 0 {
		delete(p.discovered, source)
	}
	return resp, true
}

// Artifact wraps a candidate as a RawArtifact. A page kept from the
// discovery of source is used once; otherwise the page is fetched.
func (p *Pages) Artifact(ctx context.Context, source harvest.SourceKey, candidate harvest.Candidate) (harvest.RawArtifact, error) {
	resp, ok := p.take(source, candidate.Locator)
	if ok {
		p.logger.Debug("using page fetched during discovery", zap.String("url", candidate.Locator))
	} else {
		var err error
		if resp, err = p.Fetch(ctx, candidate.Locator); err != nil {
			return harvest.RawArtifact{}, fmt.Errorf("retrieve %s: %w", candidate.Path, err)
		}
	}
	finalURL := resp.URL
	if finalURL == "" {
		finalURL = candidate.Locator
	}
	return harvest.RawArtifact{
		Path:        candidate.Path,
		URL:         finalURL,
		ContentType: resp.ContentType(),
		Body:        resp.Body,
		Truncated:   resp.Truncated,
	}, nil
}
