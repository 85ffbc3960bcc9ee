// Package catalog provides the static, configuration-backed project catalog.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

// ErrInvalidCatalog wraps every validation failure reported by New.
var ErrInvalidCatalog = errors.New("invalid catalog")

// Static is an immutable in-memory Catalog.
type Static struct {
	projects []harvest.Project
}

// New validates projects and returns a Catalog over a private copy of them.
// Project and source IDs must be unique (sources per project), kinds must be
// known, and every source needs a location. Source ProjectIDs are filled in
// from their owning project.
func New(projects []harvest.Project) (*Static, error) {
	seen := make(map[string]bool, len(projects))
	out := make([]harvest.Project, 0, len(projects))
	for i, p := range projects {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("%w: project %d has no id", ErrInvalidCatalog, i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("%w: duplicate project id %q", ErrInvalidCatalog, p.ID)
		}
		seen[p.ID] = true
		if p.UpdateInterval < 0 {
			return nil, fmt.Errorf("%w: project %q has negative update interval", ErrInvalidCatalog, p.ID)
		}

		sources := make([]harvest.SourceReference, 0, len(p.Sources))
		ids := make(map[string]bool, len(p.Sources))
		for j, ref := range p.Sources {
			ref.ID = strings.TrimSpace(ref.ID)
			switch {
			case ref.ID == "":
				return nil, fmt.Errorf("%w: project %q source %d has no id", ErrInvalidCatalog, p.ID, j)
			case ids[ref.ID]:
				return nil, fmt.Errorf("%w: duplicate source id %q in project %q", ErrInvalidCatalog, ref.ID, p.ID)
			case !ref.Kind.Valid():
				return nil, fmt.Errorf("%w: source %s/%s has unknown kind %q", ErrInvalidCatalog, p.ID, ref.ID, ref.Kind)
			case strings.TrimSpace(ref.Location) == "":
				return nil, fmt.Errorf("%w: source %s/%s has no location", ErrInvalidCatalog, p.ID, ref.ID)
			case ref.ProjectID != "" && ref.ProjectID != p.ID:
				return nil, fmt.Errorf("%w: source %s/%s belongs to project %q", ErrInvalidCatalog, p.ID, ref.ID, ref.ProjectID)
			}
			ids[ref.ID] = true
			ref.ProjectID = p.ID
			ref.PathPatterns = append([]string(nil), ref.PathPatterns...)
			sources = append(sources, ref)
		}
		p.Sources = sources
		p.Blockchains = append([]string(nil), p.Blockchains...)
		out = append(out, p)
	}
	return &Static{projects: out}, nil
}

// Projects returns a copy of the catalog.
func (s *Static) Projects(ctx context.Context) ([]harvest.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]harvest.Project, len(s.projects))
	for i, p := range s.projects {
		p.Sources = append([]harvest.SourceReference(nil), p.Sources...)
		out[i] = p
	}
	return out, nil
}

// Project looks up one project by ID.
func (s *Static) Project(id string) (harvest.Project, bool) {
	for _, p := range s.projects {
		if p.ID == id {
			p.Sources = append([]harvest.SourceReference(nil), p.Sources...)
			return p, true
		}
	}
	return harvest.Project{}, false
}
