package web

import (
	"context"
	"net/url"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/adapter"
	"github.com/JakeFAU/docharvest/internal/harvest"
)

// Sitemapper lists the <loc> entries of a sitemap or sitemap index.
type Sitemapper interface {
	Sitemap(ctx context.Context, sitemapURL string) ([]string, error)
}

// SiteConfig bounds site discovery.
type SiteConfig struct {
	MaxPages int
	MaxDepth int
}

// Site discovers the pages of a documentation site: sitemap first, then a
// bounded same-host crawl below the location's path.
type Site struct {
	pages    *Pages
	sitemaps Sitemapper
	cfg      SiteConfig
	logger   *zap.Logger
}

// NewSite builds a Site. sitemaps may be nil to always crawl.
func NewSite(pages *Pages, sitemaps Sitemapper, cfg SiteConfig, logger *zap.Logger) *Site {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 200
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Site{pages: pages, sitemaps: sitemaps, cfg: cfg, logger: logger}
}

// Discover enumerates candidate pages of ref.
func (s *Site) Discover(ctx context.Context, ref harvest.SourceReference) ([]harvest.Candidate, error) {
	root, err := ParseRoot(ref.Location)
	if err != nil {
		return nil, err
	}
	var fetched map[string]harvest.FetchResponse
	urls := s.fromSitemap(ctx, root)
	if len(urls) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, harvest.ClassifyError(root.String(), err)
		}
		urls, fetched, err = s.crawl(ctx, root)
		if err != nil {
			return nil, err
		}
	}
	candidates := candidatesFor(root, urls, ref.PathPatterns, s.cfg.MaxPages)
	s.pages.keep(ref.Key(), fetched, candidates)
	return candidates, nil
}

// Retrieve returns one discovered page, fetching it unless the crawl that
// discovered it already did.
func (s *Site) Retrieve(ctx context.Context, ref harvest.SourceReference, candidate harvest.Candidate) (harvest.RawArtifact, error) {
	return s.pages.Artifact(ctx, ref.Key(), candidate)
}

func (s *Site) fromSitemap(ctx context.Context, root *url.URL) []*url.URL {
	if s.sitemaps == nil {
		return nil
	}
	sitemapURL := (&url.URL{Scheme: root.Scheme, Host: root.Host, Path: "/sitemap.xml"}).String()
	locs, err := s.sitemaps.Sitemap(ctx, sitemapURL)
	if err != nil {
		s.logger.Debug("sitemap unavailable", zap.String("url", sitemapURL), zap.Error(err))
		return nil
	}

	var out []*url.URL
	for _, loc := range locs {
		u, err := url.Parse(strings.TrimSpace(loc))
		if err != nil || u.Host == "" {
			continue
		}
		if strings.HasSuffix(strings.ToLower(u.Path), ".xml") {
			nested, err := s.sitemaps.Sitemap(ctx, u.String())
			if err != nil {
				s.logger.Debug("nested sitemap unavailable", zap.String("url", u.String()), zap.Error(err))
				continue
			}
			for _, n := range nested {
				if nu, err := url.Parse(strings.TrimSpace(n)); err == nil && nu.Host != "" {
					out = append(out, nu)
				}
			}
			continue
		}
		out = append(out, u)
	}

	kept := out[:0]
	for _, u := range out {
		if strings.EqualFold(u.Host, root.Host) && UnderPrefix(root.Path, u) {
			kept = append(kept, normalize(u))
		}
	}
	return kept
}

type queued struct {
	url   *url.URL
	depth int
}

// crawl returns the pages reached from root along with their responses,
// keyed by the URL they were requested with.
func (s *Site) crawl(ctx context.Context, root *url.URL) ([]*url.URL, map[string]harvest.FetchResponse, error) {
	seen := map[string]bool{root.String(): true}
	queue := []queued{{url: root}}
	var pages []*url.URL
	fetched := make(map[string]harvest.FetchResponse)

	for len(queue) > 0 && len(pages) < s.cfg.MaxPages {
		if err := ctx.Err(); err != nil {
			return nil, nil, harvest.ClassifyError(root.String(), err)
		}
		next := queue[0]
		queue = queue[1:]

		resp, err := s.pages.Fetch(ctx, next.url.String())
		if err != nil {
			if next.depth == 0 {
				return nil, nil, err
			}
			s.logger.Debug("crawl page failed", zap.String("url", next.url.String()), zap.Error(err))
			continue
		}
		pages = append(pages, next.url)
		fetched[next.url.String()] = resp
		if next.depth >= s.cfg.MaxDepth {
			continue
		}
		links, err := ExtractLinks(pageURL(resp, next.url), resp.Body)
		if err != nil {
			continue
		}
		for _, link := range links {
			if !strings.EqualFold(link.URL.Host, root.Host) || !UnderPrefix(root.Path, link.URL) {
				continue
			}
			key := link.URL.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			queue = append(queue, queued{url: link.URL, depth: next.depth + 1})
		}
	}
	return pages, fetched, nil
}

func pageURL(resp harvest.FetchResponse, fallback *url.URL) string {
	if resp.URL != "" {
		return resp.URL
	}
	return fallback.String()
}

func candidatesFor(root *url.URL, urls []*url.URL, patterns []string, limit int) []harvest.Candidate {
	seen := make(map[string]bool, len(urls))
	out := make([]harvest.Candidate, 0, len(urls))
	for _, u := range urls {
		p := DocumentPath(root, u)
		if seen[p] || !adapter.MatchPatterns(p, patterns) {
			continue
		}
		seen[p] = true
		out = append(out, harvest.Candidate{
			Path:        p,
			Locator:     u.String(),
			ContentType: adapter.ContentTypeForPath(path.Base(u.Path)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
