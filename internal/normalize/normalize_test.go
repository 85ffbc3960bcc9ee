package normalize

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

var extractedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNormalizeMarkdown(t *testing.T) {
	t.Parallel()

	raw := harvest.RawArtifact{
		ProjectID: "solana",
		SourceID:  "repo",
		Path:      "README.md",
		Body: []byte("---\ntitle: x\n---\n# Solana Docs\n\nInstall **fast** with [cargo](https://x).\n\n" +
			"## Setup\n\n```bash\n$ cargo   build\n```\n\nUsage\n-----\n\nRun `a*b*c` now.\n"),
	}
	doc, err := New(Config{}).Normalize(raw, extractedAt)
	require.NoError(t, err)
	require.Equal(t, "solana", doc.ProjectID)
	require.Equal(t, "repo", doc.SourceID)
	require.Equal(t, "README.md", doc.Path)
	require.Equal(t, "Solana Docs", doc.Title)
	require.Equal(t, "text/markdown", doc.ContentType)
	require.Equal(t, extractedAt, doc.ExtractedAt)
	require.Equal(t,
		"Solana Docs\n\nInstall fast with cargo.\n\nSetup\n\n$ cargo build\n\nUsage\n\nRun a*b*c now.",
		doc.Body)
	require.Equal(t, []harvest.Heading{
		{Level: 1, Text: "Solana Docs"},
		{Level: 2, Text: "Setup"},
		{Level: 2, Text: "Usage"},
	}, doc.Outline)
}

func TestNormalizeMarkdownFallsBackToBasenameTitle(t *testing.T) {
	t.Parallel()

	raw := harvest.RawArtifact{Path: "docs/getting-started.md", Body: []byte("## Only a subsection\n\nbody")}
	doc, err := New(Config{}).Normalize(raw, extractedAt)
	require.NoError(t, err)
	require.Equal(t, "getting-started", doc.Title)
}

func TestNormalizeHTML(t *testing.T) {
	t.Parallel()

	page := `<html><head><title> Ethereum   Docs </title><script>var x=1;</script></head>
<body><nav>Menu</nav><main><h1>Intro</h1><p>Hello&nbsp;world
 from   <b>Ethereum</b>.</p><h2>Next</h2><pre>a  b
c</pre></main><footer>foot</footer></body></html>`
	raw := harvest.RawArtifact{Path: "/docs/intro", URL: "https://ethereum.org/docs/intro", ContentType: "text/html; charset=utf-8", Body: []byte(page)}
	doc, err := New(Config{}).Normalize(raw, extractedAt)
	require.NoError(t, err)
	require.Equal(t, "Ethereum Docs", doc.Title)
	require.Equal(t, "text/html", doc.ContentType)
	require.Equal(t, "Intro\n\nHello world from Ethereum.\n\nNext\n\na b\nc", doc.Body)
	require.Equal(t, []harvest.Heading{{Level: 1, Text: "Intro"}, {Level: 2, Text: "Next"}}, doc.Outline)
	require.NotContains(t, doc.Body, "Menu")
	require.NotContains(t, doc.Body, "foot")
}

func TestNormalizeHTMLTitleCascadeAndCap(t *testing.T) {
	t.Parallel()

	n := New(Config{})
	raw := harvest.RawArtifact{
		Path:        "/guide",
		ContentType: "text/html",
		Body:        []byte(`<html><body><div><h1>Guide</h1><p>Text</p></div></body></html>`),
	}
	doc, err := n.Normalize(raw, extractedAt)
	require.NoError(t, err)
	require.Equal(t, "Guide", doc.Title)
	require.Equal(t, "Guide\n\nText", doc.Body)

	raw.Body = []byte(`<html><head><title>` + strings.Repeat("a", 150) + `</title></head><body>x</body></html>`)
	doc, err = n.Normalize(raw, extractedAt)
	require.NoError(t, err)
	require.Len(t, doc.Title, 100)

	raw.Body = []byte(`<html><head><meta property="og:title" content="From OG"></head><body><p>x</p></body></html>`)
	doc, err = n.Normalize(raw, extractedAt)
	require.NoError(t, err)
	require.Equal(t, "From OG", doc.Title)

	raw.Body = []byte(`<html><body><p>x</p></body></html>`)
	doc, err = n.Normalize(raw, extractedAt)
	require.NoError(t, err)
	require.Equal(t, "guide", doc.Title)
}

func TestNormalizeRST(t *testing.T) {
	t.Parallel()

	body := "=====\nTitle\n=====\n\nIntro text with ``code``.\n\nSection\n-------\n\n.. note::\n\n   Indented note.\n\nSub\n~~~\n"
	doc, err := New(Config{}).Normalize(harvest.RawArtifact{Path: "docs/index.rst", Body: []byte(body)}, extractedAt)
	require.NoError(t, err)
	require.Equal(t, "Title", doc.Title)
	require.Equal(t, "text/x-rst", doc.ContentType)
	require.Equal(t, []harvest.Heading{
		{Level: 1, Text: "Title"},
		{Level: 2, Text: "Section"},
		{Level: 3, Text: "Sub"},
	}, doc.Outline)
	require.Contains(t, doc.Body, "Intro text with code.")
	require.Contains(t, doc.Body, "Indented note.")
	require.NotContains(t, doc.Body, "=====")
	require.NotContains(t, doc.Body, ".. note::")
}

func TestNormalizeAsciiDoc(t *testing.T) {
	t.Parallel()

	body := "= Polkadot Guide\n:toc:\n\n== Install\n\n[source,bash]\n----\ncargo build\n----\n\nVisit https://polkadot.network[the site] for *more*.\n"
	doc, err := New(Config{}).Normalize(harvest.RawArtifact{Path: "docs/guide.adoc", Body: []byte(body)}, extractedAt)
	require.NoError(t, err)
	require.Equal(t, "Polkadot Guide", doc.Title)
	require.Equal(t, "Polkadot Guide\n\nInstall\n\ncargo build\n\nVisit the site for more.", doc.Body)
	require.Equal(t, []harvest.Heading{{Level: 1, Text: "Polkadot Guide"}, {Level: 2, Text: "Install"}}, doc.Outline)
}

func TestNormalizePlainTextAndCharset(t *testing.T) {
	t.Parallel()

	n := New(Config{})
	doc, err := n.Normalize(harvest.RawArtifact{Path: "LICENSE", Body: []byte("MIT License\r\n\r\n\r\n\r\nPermission  granted.")}, extractedAt)
	require.NoError(t, err)
	require.Equal(t, "LICENSE", doc.Title)
	require.Equal(t, "MIT License\n\nPermission granted.", doc.Body)
	require.Nil(t, doc.Outline)

	latin1 := harvest.RawArtifact{Path: "notes.txt", ContentType: "text/plain; charset=iso-8859-1", Body: []byte("caf\xe9")}
	doc, err = n.Normalize(latin1, extractedAt)
	require.NoError(t, err)
	require.Equal(t, "caf\u00e9", doc.Body)
}

func TestNormalizeTruncatedMarker(t *testing.T) {
	t.Parallel()

	raw := harvest.RawArtifact{Path: "a.md", Body: []byte("# A\n\npartial conte"), Truncated: true}
	doc, err := New(Config{}).Normalize(raw, extractedAt)
	require.NoError(t, err)
	require.True(t, doc.Truncated)
	require.True(t, strings.HasSuffix(doc.Body, "partial conte\n\n"+TruncationMarker))
}

func TestNormalizeErrors(t *testing.T) {
	t.Parallel()

	n := New(Config{MaxInputBytes: 10})
	_, err := n.Normalize(harvest.RawArtifact{Path: "big.md", Body: []byte("01234567890")}, extractedAt)
	require.True(t, harvest.IsNormalizeKind(err, harvest.ContentTooLarge))

	n = New(Config{})
	_, err = n.Normalize(harvest.RawArtifact{Path: "logo.png", Body: []byte{0x89, 'P', 'N', 'G'}}, extractedAt)
	require.True(t, harvest.IsNormalizeKind(err, harvest.UnsupportedContentType))

	_, err = n.Normalize(harvest.RawArtifact{Path: "/whitepaper", ContentType: "application/pdf", Body: []byte("%PDF-1.7")}, extractedAt)
	require.True(t, harvest.IsNormalizeKind(err, harvest.UnsupportedContentType))
	require.False(t, harvest.IsRetryable(err))
}

func TestNormalizeDeterministic(t *testing.T) {
	t.Parallel()

	raw := harvest.RawArtifact{Path: "/", ContentType: "text/html", Body: []byte(`<html><body><article><h2>A</h2><p>b  c</p></article></body></html>`)}
	n := New(Config{Readability: true})
	first, err := n.Normalize(raw, extractedAt)
	require.NoError(t, err)
	second, err := n.Normalize(raw, extractedAt.Add(time.Hour))
	require.NoError(t, err)
	second.ExtractedAt = first.ExtractedAt
	require.Equal(t, first, second)
}

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a\nb c d\n\ne f", Canonicalize("a\r\nb\u200b c\u00a0\u00a0d  \n\n\n\ne\t\tf "))
	require.Equal(t, "caf\u00e9", Canonicalize("cafe\u0301"))
	require.Empty(t, Canonicalize(" \n\t "))
}

func TestDetectFormat(t *testing.T) {
	t.Parallel()

	require.Equal(t, formatMarkdown, detectFormat("", "docs/intro.md", nil))
	require.Equal(t, formatMarkdown, detectFormat("text/plain", "wiki/Home.markdown", nil))
	require.Equal(t, formatRST, detectFormat("", "index.rst", nil))
	require.Equal(t, formatAsciiDoc, detectFormat("", "guide.adoc", nil))
	require.Equal(t, formatHTML, detectFormat("text/html; charset=utf-8", "/docs", nil))
	require.Equal(t, formatHTML, detectFormat("", "/docs", []byte("<!DOCTYPE html><html></html>")))
	require.Equal(t, formatText, detectFormat("", "CHANGELOG", []byte("v1.0.0")))
	require.Equal(t, formatUnsupported, detectFormat("application/octet-stream", "/bin", []byte{0, 1, 2}))
	require.Equal(t, formatUnsupported, detectFormat("image/png", "/img", nil))
}
