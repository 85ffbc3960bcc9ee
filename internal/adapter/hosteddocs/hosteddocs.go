// Package hosteddocs implements the adapter for hosted documentation
// platforms such as GitBook, ReadTheDocs and Docusaurus sites.
package hosteddocs

import (
	"context"

	"github.com/JakeFAU/docharvest/internal/adapter/web"
	"github.com/JakeFAU/docharvest/internal/harvest"
)

// Adapter discovers pages from the site's sitemap, falling back to a bounded
// crawl below the configured location.
type Adapter struct {
	site *web.Site
}

// New builds the hosted-docs adapter.
func New(site *web.Site) *Adapter {
	return &Adapter{site: site}
}

// Kind implements harvest.Adapter.
func (a *Adapter) Kind() harvest.SourceKind { return harvest.KindHostedDocs }

// Discover implements harvest.Adapter.
func (a *Adapter) Discover(ctx context.Context, ref harvest.SourceReference) ([]harvest.Candidate, error) {
	return a.site.Discover(ctx, ref)
}

// Retrieve implements harvest.Adapter.
func (a *Adapter) Retrieve(
	ctx context.Context,
	ref harvest.SourceReference,
	candidate harvest.Candidate,
) (harvest.RawArtifact, error) {
	return a.site.Retrieve(ctx, ref, candidate)
}
