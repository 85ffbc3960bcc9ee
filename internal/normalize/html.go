package normalize

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

const droppedSelectors = "script,style,noscript,svg,nav,header,footer,aside,iframe,form,template"

// contentSelectors is tried in order; the first match is the content region.
var contentSelectors = []string{
	"main",
	"[role=main]",
	"article",
	".markdown-body",
	".content",
	".documentation",
	".docs",
	".post-content",
}

var blockElements = map[string]bool{
	"address": true, "article": true, "blockquote": true, "dd": true, "details": true,
	"dialog": true, "div": true, "dl": true, "dt": true, "fieldset": true,
	"figcaption": true, "figure": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "hr": true, "li": true, "main": true,
	"ol": true, "p": true, "section": true, "summary": true, "table": true,
	"tbody": true, "thead": true, "tfoot": true, "tr": true, "ul": true,
}

func (n *Normalizer) extractHTML(text, pageURL, docPath string) extracted {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return extracted{body: text}
	}
	title := htmlTitle(doc)
	doc.Find(droppedSelectors).Remove()

	region := selectRegion(doc)
	if region == nil && n.cfg.Readability {
		if article, ok := readableRegion(text, pageURL, docPath); ok {
			region = article
		}
	}
	if region == nil {
		region = doc.Find("body").First()
		if region.Length() == 0 {
			region = doc.Selection
		}
	}
	return extracted{
		title:   title,
		body:    selectionText(region),
		outline: htmlOutline(region),
	}
}

func htmlTitle(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if t := strings.TrimSpace(doc.Find("h1").First().Text()); t != "" {
		return t
	}
	if t, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok && strings.TrimSpace(t) != "" {
		return t
	}
	return ""
}

func selectRegion(doc *goquery.Document) *goquery.Selection {
	for _, sel := range contentSelectors {
		if region := doc.Find(sel).First(); region.Length() > 0 {
			return region
		}
	}
	return nil
}

func readableRegion(text, pageURL, docPath string) (*goquery.Selection, bool) {
	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		base = &url.URL{Scheme: "https", Host: "localhost", Path: docPath}
	}
	article, err := readability.FromReader(strings.NewReader(text), base)
	if err != nil || strings.TrimSpace(article.TextContent) == "" {
		return nil, false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content))
	if err != nil {
		return nil, false
	}
	doc.Find(droppedSelectors).Remove()
	return doc.Selection, true
}

func htmlOutline(region *goquery.Selection) []harvest.Heading {
	var outline []harvest.Heading
	region.Find("h1,h2,h3,h4,h5,h6").Each(func(_ int, s *goquery.Selection) {
		name := goquery.NodeName(s)
		outline = append(outline, harvest.Heading{
			Level: int(name[1] - '0'),
			Text:  s.Text(),
		})
	})
	return outline
}

// selectionText renders the visible text of a selection, breaking lines at
// block elements and preserving preformatted text.
func selectionText(sel *goquery.Selection) string {
	var b strings.Builder
	for _, node := range sel.Nodes {
		writeNodeText(&b, node, false)
	}
	return b.String()
}

func writeNodeText(b *strings.Builder, n *html.Node, pre bool) {
	switch n.Type {
	case html.TextNode:
		if pre {
			b.WriteString(n.Data)
			return
		}
		if collapsed := strings.Join(strings.Fields(n.Data), " "); collapsed != "" {
			if startsWithSpace(n.Data) {
				b.WriteByte(' ')
			}
			b.WriteString(collapsed)
			if endsWithSpace(n.Data) {
				b.WriteByte(' ')
			}
		} else if n.Data != "" {
			b.WriteByte(' ')
		}
		return
	case html.CommentNode:
		return
	case html.ElementNode:
		switch n.Data {
		case "br":
			b.WriteByte('\n')
			return
		case "pre":
			b.WriteString("\n")
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				writeNodeText(b, c, true)
			}
			b.WriteString("\n")
			return
		case "td", "th":
			defer b.WriteByte(' ')
		}
		if blockElements[n.Data] {
			b.WriteByte('\n')
			defer b.WriteByte('\n')
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeNodeText(b, c, pre)
	}
}

func startsWithSpace(s string) bool {
	return s != "" && strings.ContainsRune(" \t\n\r\f", rune(s[0]))
}

func endsWithSpace(s string) bool {
	return s != "" && strings.ContainsRune(" \t\n\r\f", rune(s[len(s)-1]))
}
