package normalize

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

var (
	rstDirective = regexp.MustCompile(`^\.\.\s`)
	rstRole      = regexp.MustCompile("`([^`<]+?)(?:\\s*<[^>]*>)?`_{0,2}")
	rstRoleName  = regexp.MustCompile(":[\\w-]+:(`)")

	adocHeading   = regexp.MustCompile(`^(={1,6})\s+(.+?)\s*$`)
	adocAttribute = regexp.MustCompile(`^:[\w!-]+:.*$`)
	adocBlockMeta = regexp.MustCompile(`^\[[^\]]*\]$`)
	adocDelimiter = regexp.MustCompile(`^(-{4,}|={4,}|\*{4,}|\.{4,}|_{4,}|\+{4,}|/{4,})$`)
	adocLink      = regexp.MustCompile(`(?:https?://\S+|link:\S+)\[([^\]]*)\]`)
)

type rstStyle struct {
	char     byte
	overline bool
}

// extractRST treats a text line underlined (optionally overlined) with a
// repeated punctuation character as a heading. Levels follow the order in
// which adornment styles first appear.
func extractRST(text string) extracted {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var (
		out     []string
		outline []harvest.Heading
		styles  []rstStyle
	)
	levelOf := func(style rstStyle) int {
		for i, s := range styles {
			if s == style {
				return i + 1
			}
		}
		styles = append(styles, style)
		return len(styles)
	}
	isAdornment := func(line string) bool {
		trimmed := strings.TrimRight(line, " \t")
		return len(trimmed) >= 2 && rstAdornmentMatch(trimmed)
	}

	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], " \t")
		// Overline + title + underline.
		if isAdornment(line) && i+2 < len(lines) && isAdornment(lines[i+2]) && strings.TrimSpace(lines[i+1]) != "" {
			title := strings.TrimSpace(lines[i+1])
			level := levelOf(rstStyle{char: line[0], overline: true})
			outline = append(outline, harvest.Heading{Level: min(level, 6), Text: stripRSTInline(title)})
			out = append(out, stripRSTInline(title))
			i += 2
			continue
		}
		if strings.TrimSpace(line) != "" && !isAdornment(line) && i+1 < len(lines) && isAdornment(lines[i+1]) &&
			utf8.RuneCountInString(strings.TrimSpace(lines[i+1])) >= utf8.RuneCountInString(strings.TrimSpace(line)) &&
			!strings.HasPrefix(line, " ") {
			level := levelOf(rstStyle{char: strings.TrimSpace(lines[i+1])[0]})
			title := stripRSTInline(strings.TrimSpace(line))
			outline = append(outline, harvest.Heading{Level: min(level, 6), Text: title})
			out = append(out, title)
			i++
			continue
		}
		if isAdornment(line) {
			continue
		}
		if rstDirective.MatchString(line) {
			continue
		}
		out = append(out, stripRSTInline(line))
	}
	return extracted{
		title:   firstTitle(outline),
		body:    strings.Join(out, "\n"),
		outline: outline,
	}
}

func rstAdornmentMatch(line string) bool {
	c := line[0]
	if !strings.ContainsRune(`=-~^"'`+"`"+`#*+:._!$%&,;<>?@\/|`, rune(c)) {
		return false
	}
	return strings.Count(line, string(c)) == len(line)
}

func stripRSTInline(s string) string {
	s = strings.ReplaceAll(s, "``", "")
	s = rstRoleName.ReplaceAllString(s, "$1")
	s = rstRole.ReplaceAllString(s, "$1")
	return mdStrong.ReplaceAllString(s, "$1")
}

// extractAsciiDoc maps "=" headings to outline levels and drops attribute
// entries, block metadata, and delimiter lines.
func extractAsciiDoc(text string) extracted {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var (
		out     []string
		outline []harvest.Heading
	)
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if m := adocHeading.FindStringSubmatch(trimmed); m != nil {
			title := stripAsciiDocInline(m[2])
			outline = append(outline, harvest.Heading{Level: len(m[1]), Text: title})
			out = append(out, title)
			continue
		}
		if adocAttribute.MatchString(trimmed) || adocBlockMeta.MatchString(trimmed) ||
			adocDelimiter.MatchString(trimmed) || strings.HasPrefix(trimmed, "//") {
			continue
		}
		out = append(out, stripAsciiDocInline(trimmed))
	}
	return extracted{
		title:   firstTitle(outline),
		body:    strings.Join(out, "\n"),
		outline: outline,
	}
}

func stripAsciiDocInline(s string) string {
	s = adocLink.ReplaceAllString(s, "$1")
	s = mdStrong.ReplaceAllString(s, "$1")
	s = mdEmphasis.ReplaceAllString(s, "$1")
	return mdEmphasisU.ReplaceAllString(s, "$1$2$3")
}

func firstTitle(outline []harvest.Heading) string {
	if len(outline) == 0 {
		return ""
	}
	return outline[0].Text
}
