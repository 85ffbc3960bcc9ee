package web

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/docharvest/internal/adapter"
	"github.com/JakeFAU/docharvest/internal/harvest"
)

// DefaultSubdomains are probed for documentation when probing is enabled.
var DefaultSubdomains = []string{"docs", "documentation", "dev", "developers", "api", "guide"}

var docLinkPattern = regexp.MustCompile(`(?i)docs?(?:umentation)?|guide|tutorial|api|reference|manual|help`)

// probeBytes caps the body read when probing a subdomain.
const probeBytes = 1024

// Config controls website discovery.
type Config struct {
	// MaxLinks caps the documentation links followed from the root page.
	MaxLinks        int
	ProbeSubdomains bool
	Subdomains      []string
}

// Adapter harvests a generic website: its root page, the documentation links
// it points at and any documentation subdomains that answer.
type Adapter struct {
	pages  *Pages
	cfg    Config
	logger *zap.Logger
}

// New builds the website adapter.
func New(pages *Pages, cfg Config, logger *zap.Logger) *Adapter {
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = 10
	}
	if len(cfg.Subdomains) == 0 {
		cfg.Subdomains = DefaultSubdomains
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{pages: pages, cfg: cfg, logger: logger}
}

// Kind implements harvest.Adapter.
func (a *Adapter) Kind() harvest.SourceKind { return harvest.KindWebsite }

// Discover implements harvest.Adapter.
func (a *Adapter) Discover(ctx context.Context, ref harvest.SourceReference) ([]harvest.Candidate, error) {
	root, err := ParseRoot(ref.Location)
	if err != nil {
		return nil, err
	}
	resp, err := a.pages.Fetch(ctx, root.String())
	if err != nil {
		return nil, err
	}

	candidates := []harvest.Candidate{{Path: DocumentPath(root, root), Locator: root.String()}}
	seen := map[string]bool{candidates[0].Path: true}
	add := func(u *url.URL) {
		p := DocumentPath(root, u)
		if seen[p] || !adapter.MatchPatterns(p, ref.PathPatterns) {
			return
		}
		seen[p] = true
		candidates = append(candidates, harvest.Candidate{
			Path:        p,
			Locator:     u.String(),
			ContentType: adapter.ContentTypeForPath(u.Path),
		})
	}

	for _, u := range a.docLinks(root, resp) {
		add(u)
	}
	if a.cfg.ProbeSubdomains {
		for _, u := range a.probeSubdomains(ctx, root) {
			add(u)
		}
	}
	a.pages.keep(ref.Key(), map[string]harvest.FetchResponse{root.String(): resp}, candidates)
	a.logger.Debug("website discovered",
		zap.String("location", root.String()),
		zap.Int("documents", len(candidates)),
	)
	return candidates, nil
}

// Retrieve implements harvest.Adapter. The root page comes from discovery.
func (a *Adapter) Retrieve(ctx context.Context, ref harvest.SourceReference, candidate harvest.Candidate) (harvest.RawArtifact, error) {
	return a.pages.Artifact(ctx, ref.Key(), candidate)
}

func (a *Adapter) docLinks(root *url.URL, resp harvest.FetchResponse) []*url.URL {
	links, err := ExtractLinks(pageURL(resp, root), resp.Body)
	if err != nil {
		a.logger.Debug("link extraction failed", zap.String("url", root.String()), zap.Error(err))
		return nil
	}
	out := make([]*url.URL, 0, a.cfg.MaxLinks)
	seen := map[string]bool{root.String(): true}
	for _, link := range links {
		if len(out) >= a.cfg.MaxLinks {
			break
		}
		if !SameSite(root, link.URL) || seen[link.URL.String()] {
			continue
		}
		if !docLinkPattern.MatchString(link.Text) && !docLinkPattern.MatchString(link.URL.Path) {
			continue
		}
		seen[link.URL.String()] = true
		out = append(out, link.URL)
	}
	return out
}

// SubdomainURLs lists the documentation subdomain roots to probe for root.
// Hosts that already carry one of the prefixes are not probed.
func SubdomainURLs(root *url.URL, subdomains []string) []*url.URL {
	domain := SiteDomain(root.Hostname())
	for _, sub := range subdomains {
		if strings.HasPrefix(domain, sub+".") {
			return nil
		}
	}
	out := make([]*url.URL, 0, len(subdomains))
	for _, sub := range subdomains {
		host := sub + "." + domain
		if port := root.Port(); port != "" {
			host += ":" + port
		}
		out = append(out, &url.URL{Scheme: "https", Host: host, Path: "/"})
	}
	return out
}

func (a *Adapter) probeSubdomains(ctx context.Context, root *url.URL) []*url.URL {
	var found []*url.URL
	for _, u := range SubdomainURLs(root, a.cfg.Subdomains) {
		if ctx.Err() != nil {
			return found
		}
		resp, err := a.pages.fetcher.Fetch(ctx, harvest.FetchRequest{URL: u.String(), MaxBytes: probeBytes})
		if err != nil || resp.StatusCode != http.StatusOK {
			a.logger.Debug("documentation subdomain absent", zap.String("url", u.String()), zap.Error(err))
			continue
		}
		found = append(found, u)
	}
	return found
}
