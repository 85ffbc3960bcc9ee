package web

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var skippedExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true, ".ico": true, ".webp": true,
	".pdf": true, ".zip": true, ".gz": true, ".tar": true, ".tgz": true, ".dmg": true, ".exe": true,
	".css": true, ".js": true, ".json": true, ".woff": true, ".woff2": true, ".ttf": true,
	".mp4": true, ".mp3": true, ".webm": true,
}

// Link is an anchor found on a page, resolved against the page URL.
type Link struct {
	URL  *url.URL
	Text string
}

// ParseRoot turns a source location into an absolute URL. Locations without
// a scheme are assumed to be https.
func ParseRoot(location string) (*url.URL, error) {
	loc := strings.TrimSpace(location)
	if loc == "" {
		return nil, errors.New("empty site location")
	}
	if !strings.Contains(loc, "://") {
		loc = "https://" + loc
	}
	u, err := url.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("parse site location %q: %w", location, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("site location %q has no host", location)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return normalize(u), nil
}

// NormalizeURL standardizes a URL to avoid duplicates. It lowercases the
// scheme and host, removes default ports and fragments, and sorts query
// parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return normalize(u).String(), nil
}

func normalize(in *url.URL) *url.URL {
	u := *in
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return &u
}

// ExtractLinks returns the followable anchors of an HTML page in document
// order. Fragments, non-http schemes and links to binary assets are skipped.
func ExtractLinks(pageURL string, body []byte) ([]Link, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(href); err == nil {
			base = b
		}
	}
	var links []Link
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		u, err := base.Parse(href)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		if skippedExtensions[strings.ToLower(path.Ext(u.Path))] {
			return
		}
		links = append(links, Link{URL: normalize(u), Text: strings.Join(strings.Fields(s.Text()), " ")})
	})
	return links, nil
}

// SiteDomain strips a leading "www." from host.
func SiteDomain(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// SameSite reports whether u lives on root's host or one of its subdomains.
func SameSite(root, u *url.URL) bool {
	domain := SiteDomain(root.Hostname())
	host := SiteDomain(u.Hostname())
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// DocumentPath is the stable document path of u within a source rooted at
// root: the URL path (plus query) for pages on the root host, and
// "host/path" for pages on sibling hosts.
func DocumentPath(root, u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	if strings.EqualFold(u.Host, root.Host) {
		return p
	}
	return strings.ToLower(u.Host) + p
}

// UnderPrefix reports whether u's path is the prefix path or below it.
func UnderPrefix(prefix string, u *url.URL) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	p := u.Path
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
