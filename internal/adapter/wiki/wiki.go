// Package wiki implements the adapter for collaborative wikis. GitHub wikis
// are read from their backing git repository; other wikis (Notion public
// pages, MediaWiki) are crawled like hosted documentation.
package wiki

import (
	"context"
	"errors"

	"github.com/JakeFAU/docharvest/internal/adapter/github"
	"github.com/JakeFAU/docharvest/internal/harvest"
)

var errNoBackend = errors.New("no wiki backend configured")

// Adapter routes a wiki source to the GitHub wiki reader or the site crawler.
type Adapter struct {
	github harvest.Adapter
	site   siteSource
}

type siteSource interface {
	Discover(ctx context.Context, ref harvest.SourceReference) ([]harvest.Candidate, error)
	Retrieve(ctx context.Context, ref harvest.SourceReference, candidate harvest.Candidate) (harvest.RawArtifact, error)
}

// New builds the wiki adapter. Either backend may be nil, in which case
// sources needing it fail discovery as unreachable.
func New(githubWiki harvest.Adapter, site siteSource) *Adapter {
	return &Adapter{github: githubWiki, site: site}
}

// Kind implements harvest.Adapter.
func (a *Adapter) Kind() harvest.SourceKind { return harvest.KindWiki }

// Discover implements harvest.Adapter.
func (a *Adapter) Discover(ctx context.Context, ref harvest.SourceReference) ([]harvest.Candidate, error) {
	backend, err := a.backend(ref)
	if err != nil {
		return nil, err
	}
	return backend.Discover(ctx, ref)
}

// Retrieve implements harvest.Adapter.
func (a *Adapter) Retrieve(
	ctx context.Context,
	ref harvest.SourceReference,
	candidate harvest.Candidate,
) (harvest.RawArtifact, error) {
	backend, err := a.backend(ref)
	if err != nil {
		return harvest.RawArtifact{}, err
	}
	return backend.Retrieve(ctx, ref, candidate)
}

func (a *Adapter) backend(ref harvest.SourceReference) (siteSource, error) {
	if github.IsGitHubLocation(ref.Location) {
		if a.github == nil {
			return nil, &harvest.FetchError{Kind: harvest.FetchUnreachable, Location: ref.Location, Err: errNoBackend}
		}
		return a.github, nil
	}
	if a.site == nil {
		return nil, &harvest.FetchError{Kind: harvest.FetchUnreachable, Location: ref.Location, Err: errNoBackend}
	}
	return a.site, nil
}
