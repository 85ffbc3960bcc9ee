package normalize

import (
	"bytes"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/unicode/norm"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decode converts body to a UTF-8 string using the declared charset, then a
// sniffed one. A multi-byte sequence cut by truncation is dropped first.
func decode(body []byte, contentType string) string {
	body = trimPartialRune(bytes.TrimPrefix(body, utf8BOM))
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if cs := strings.ToLower(params["charset"]); cs != "" && cs != "utf-8" && cs != "utf8" {
			if enc, _ := charset.Lookup(cs); enc != nil {
				if out, err := enc.NewDecoder().Bytes(body); err == nil {
					return string(out)
				}
			}
		}
	}
	if utf8.Valid(body) {
		return string(body)
	}
	enc, _, _ := charset.DetermineEncoding(body, contentType)
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return strings.ToValidUTF8(string(body), "\uFFFD")
	}
	return string(out)
}

func trimPartialRune(b []byte) []byte {
	i := len(b) - 1
	for i >= 0 && i > len(b)-utf8.UTFMax && !utf8.RuneStart(b[i]) {
		i--
	}
	if i >= 0 && !utf8.FullRune(b[i:]) {
		return b[:i]
	}
	return b
}

var (
	blankRuns  = regexp.MustCompile(`\n{3,}`)
	spaceRuns  = regexp.MustCompile(`[ \t\f\v]+`)
	invisibles = strings.NewReplacer(
		"\r\n", "\n",
		"\r", "\n",
		"\u00a0", " ",
		"\u200b", "",
		"\u200c", "",
		"\u200d", "",
		"\u2060", "",
		"\ufeff", "",
	)
)

// Canonicalize applies NFC, normalizes line endings and invisible characters,
// collapses horizontal whitespace and blank-line runs, and trims the result.
func Canonicalize(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFC.String(s)
	s = invisibles.Replace(s)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(spaceRuns.ReplaceAllString(line, " "), " ")
	}
	s = strings.Join(lines, "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
