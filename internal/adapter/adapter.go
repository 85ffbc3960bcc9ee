// Package adapter wires source kinds to their harvest.Adapter implementations
// and holds helpers shared by the concrete adapters.
package adapter

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

// ErrNoAdapter is returned when no adapter handles a source kind.
var ErrNoAdapter = errors.New("no adapter registered")

// Registry maps source kinds to adapters.
type Registry struct {
	adapters map[harvest.SourceKind]harvest.Adapter
}

// NewRegistry registers the given adapters. Later adapters replace earlier
// ones of the same kind.
func NewRegistry(adapters ...harvest.Adapter) *Registry {
	r := &Registry{adapters: make(map[harvest.SourceKind]harvest.Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		r.adapters[a.Kind()] = a
	}
	return r
}

// For returns the adapter for kind.
func (r *Registry) For(kind harvest.SourceKind) (harvest.Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w for kind %q", ErrNoAdapter, kind)
	}
	return a, nil
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []harvest.SourceKind {
	out := make([]harvest.SourceKind, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MatchPatterns reports whether p satisfies any of patterns. A pattern ending
// in "/" is a directory prefix, a pattern with glob metacharacters is matched
// with path.Match against the full path and the basename, anything else must
// equal the path. An empty pattern list matches everything.
func MatchPatterns(p string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	p = strings.TrimPrefix(p, "/")
	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(strings.TrimSpace(pattern), "/")
		if pattern == "" {
			continue
		}
		switch {
		case strings.HasSuffix(pattern, "/"):
			if strings.HasPrefix(p, pattern) {
				return true
			}
		case strings.ContainsAny(pattern, "*?["):
			if ok, _ := path.Match(pattern, p); ok {
				return true
			}
			if ok, _ := path.Match(pattern, path.Base(p)); ok {
				return true
			}
		default:
			if p == pattern || strings.HasPrefix(p, pattern+"/") {
				return true
			}
		}
	}
	return false
}

// ContentTypeForPath guesses a media type from a document path extension.
func ContentTypeForPath(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".rst":
		return "text/x-rst"
	case ".adoc", ".asciidoc":
		return "text/asciidoc"
	case ".txt":
		return "text/plain"
	case ".html", ".htm":
		return "text/html"
	default:
		return ""
	}
}

// Truncate cuts body to maxBytes when positive and reports whether it did.
func Truncate(body []byte, maxBytes int64) ([]byte, bool) {
	if maxBytes <= 0 || int64(len(body)) <= maxBytes {
		return body, false
	}
	return body[:maxBytes], true
}
