// Package detector decides when to promote fetches to headless renderers and
// recognizes documentation hosting platforms.
package detector

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

// Platform names a documentation hosting product.
type Platform string

// Recognized platforms.
const (
	PlatformUnknown     Platform = ""
	PlatformGitBook     Platform = "gitbook"
	PlatformNotion      Platform = "notion"
	PlatformDocusaurus  Platform = "docusaurus"
	PlatformReadTheDocs Platform = "readthedocs"
	PlatformMkDocs      Platform = "mkdocs"
)

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("id=\"__docusaurus\""),
}

var (
	gitbookPattern = regexp.MustCompile(`(?i)<meta[^>]+name="generator"[^>]+content="[^"]*gitbook|<script[^>]+src="[^"]*gitbook|class="[^"]*gitbook`)
	notionPattern  = regexp.MustCompile(`(?i)<meta[^>]+property="og:site_name"[^>]+content="notion"|<script[^>]+src="[^"]*notion|id="[^"]*notion`)
	docusaurusTag  = regexp.MustCompile(`(?i)<meta[^>]+name="generator"[^>]+content="docusaurus`)
	mkdocsTag      = regexp.MustCompile(`(?i)<meta[^>]+name="generator"[^>]+content="mkdocs`)
)

// DetectPlatform inspects an HTML body for hosting-platform fingerprints.
func DetectPlatform(body []byte) Platform {
	switch {
	case gitbookPattern.Match(body):
		return PlatformGitBook
	case notionPattern.Match(body):
		return PlatformNotion
	case docusaurusTag.Match(body), bytes.Contains(body, []byte(`id="__docusaurus"`)):
		return PlatformDocusaurus
	case bytes.Contains(body, []byte("readthedocs")), bytes.Contains(body, []byte("READTHEDOCS_DATA")):
		return PlatformReadTheDocs
	case mkdocsTag.Match(body):
		return PlatformMkDocs
	default:
		return PlatformUnknown
	}
}

// ShouldPromote decides whether a headless fetch is required. GitBook and
// Notion pages render their content client-side and are always promoted.
func (h *Heuristic) ShouldPromote(resp harvest.FetchResponse) bool {
	if resp.StatusCode != 200 {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if p := DetectPlatform(body); p == PlatformGitBook || p == PlatformNotion {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Unterminated tag: the rest of the document counts as script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		nextSearch := total
		if relativeEnd != -1 {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage > 0 && scriptCoverage*100/total >= 25
}
