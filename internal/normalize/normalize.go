// Package normalize converts raw artifacts into canonical documents: UTF-8,
// NFC, normalized whitespace, plus a title and heading outline.
package normalize

import (
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

// TruncationMarker is appended to bodies whose raw artifact was truncated.
const TruncationMarker = "[Content truncated]"

const (
	defaultMaxInputBytes  = 8 << 20
	defaultMaxTitleLength = 100
)

// Config controls normalizer limits.
type Config struct {
	// MaxInputBytes is the hard parse ceiling. Larger inputs fail with
	// ContentTooLarge.
	MaxInputBytes int64
	// MaxTitleLength caps titles in runes.
	MaxTitleLength int
	// Readability enables main-content extraction for pages without an
	// obvious content region.
	Readability bool
}

// Normalizer implements harvest.Normalizer.
type Normalizer struct {
	cfg Config
}

// New builds a Normalizer, applying defaults for zero values.
func New(cfg Config) *Normalizer {
	if cfg.MaxInputBytes <= 0 {
		cfg.MaxInputBytes = defaultMaxInputBytes
	}
	if cfg.MaxTitleLength <= 0 {
		cfg.MaxTitleLength = defaultMaxTitleLength
	}
	return &Normalizer{cfg: cfg}
}

type format int

const (
	formatUnsupported format = iota
	formatHTML
	formatMarkdown
	formatRST
	formatAsciiDoc
	formatText
)

func (f format) contentType() string {
	switch f {
	case formatHTML:
		return "text/html"
	case formatMarkdown:
		return "text/markdown"
	case formatRST:
		return "text/x-rst"
	case formatAsciiDoc:
		return "text/asciidoc"
	default:
		return "text/plain"
	}
}

// extracted is the format-specific output before canonicalization.
type extracted struct {
	title   string
	body    string
	outline []harvest.Heading
}

// Normalize converts raw into a NormalizedDocument. Identical input bytes
// always produce identical output apart from ExtractedAt.
func (n *Normalizer) Normalize(raw harvest.RawArtifact, extractedAt time.Time) (harvest.NormalizedDocument, error) {
	if int64(len(raw.Body)) > n.cfg.MaxInputBytes {
		return harvest.NormalizedDocument{}, &harvest.NormalizeError{
			Kind:        harvest.ContentTooLarge,
			Path:        raw.Path,
			ContentType: raw.ContentType,
		}
	}
	f := detectFormat(raw.ContentType, raw.Path, raw.Body)
	if f == formatUnsupported {
		return harvest.NormalizedDocument{}, &harvest.NormalizeError{
			Kind:        harvest.UnsupportedContentType,
			Path:        raw.Path,
			ContentType: raw.ContentType,
		}
	}

	text := decode(raw.Body, raw.ContentType)
	var out extracted
	switch f {
	case formatHTML:
		out = n.extractHTML(text, raw.URL, raw.Path)
	case formatMarkdown:
		out = extractMarkdown(text)
	case formatRST:
		out = extractRST(text)
	case formatAsciiDoc:
		out = extractAsciiDoc(text)
	default:
		out = extracted{body: text}
	}

	body := Canonicalize(out.body)
	if raw.Truncated {
		if body != "" {
			body += "\n\n"
		}
		body += TruncationMarker
	}
	title := singleLine(Canonicalize(out.title))
	if title == "" {
		title = fallbackTitle(raw.Path)
	}
	outline := make([]harvest.Heading, 0, len(out.outline))
	for _, h := range out.outline {
		text := singleLine(Canonicalize(h.Text))
		if text == "" {
			continue
		}
		outline = append(outline, harvest.Heading{Level: h.Level, Text: text})
	}
	if len(outline) == 0 {
		outline = nil
	}

	return harvest.NormalizedDocument{
		ProjectID:   raw.ProjectID,
		SourceID:    raw.SourceID,
		Path:        raw.Path,
		Title:       truncateRunes(title, n.cfg.MaxTitleLength),
		Body:        body,
		Outline:     outline,
		ContentType: f.contentType(),
		Truncated:   raw.Truncated,
		ExtractedAt: extractedAt,
	}, nil
}

var extensionFormats = map[string]format{
	".md":       formatMarkdown,
	".markdown": formatMarkdown,
	".mdx":      formatMarkdown,
	".mkd":      formatMarkdown,
	".rst":      formatRST,
	".adoc":     formatAsciiDoc,
	".asciidoc": formatAsciiDoc,
	".asc":      formatAsciiDoc,
	".txt":      formatText,
	".text":     formatText,
	".html":     formatHTML,
	".htm":      formatHTML,
}

var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true, ".webp": true, ".ico": true,
	".pdf": true, ".zip": true, ".gz": true, ".tgz": true, ".tar": true, ".7z": true, ".rar": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true, ".mp4": true, ".mp3": true, ".wasm": true,
	".exe": true, ".bin": true, ".so": true, ".dylib": true, ".jar": true,
}

var mediaTypeFormats = map[string]format{
	"text/html":             formatHTML,
	"application/xhtml+xml": formatHTML,
	"text/markdown":         formatMarkdown,
	"text/x-markdown":       formatMarkdown,
	"text/x-rst":            formatRST,
	"text/asciidoc":         formatAsciiDoc,
	"text/x-asciidoc":       formatAsciiDoc,
	"text/plain":            formatText,
}

func detectFormat(contentType, docPath string, body []byte) format {
	ext := strings.ToLower(path.Ext(stripQuery(docPath)))
	if binaryExtensions[ext] {
		return formatUnsupported
	}
	mediaType := parseMediaType(contentType)
	if f, ok := extensionFormats[ext]; ok {
		if f == formatText && mediaType == "text/html" {
			return formatHTML
		}
		return f
	}
	if mediaType == "" {
		mediaType = parseMediaType(http.DetectContentType(body))
	}
	if f, ok := mediaTypeFormats[mediaType]; ok {
		if f == formatText && looksLikeHTML(body) {
			return formatHTML
		}
		return f
	}
	return formatUnsupported
}

func parseMediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}

func looksLikeHTML(body []byte) bool {
	return strings.HasPrefix(parseMediaType(http.DetectContentType(body)), "text/html")
}

func stripQuery(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		return p[:i]
	}
	return p
}

func fallbackTitle(docPath string) string {
	base := path.Base(strings.TrimRight(stripQuery(docPath), "/"))
	if base == "." || base == "/" || base == "" {
		return "Documentation"
	}
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return s
}
