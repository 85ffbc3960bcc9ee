package normalize

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

var (
	mdComment       = regexp.MustCompile(`(?s)<!--.*?-->`)
	mdATX           = regexp.MustCompile(`^ {0,3}(#{1,6})(?:[ \t]+(.*?))?(?:[ \t]+#+)?[ \t]*$`)
	mdSetextH1      = regexp.MustCompile(`^ {0,3}=+[ \t]*$`)
	mdSetextH2      = regexp.MustCompile(`^ {0,3}-+[ \t]*$`)
	mdFence         = regexp.MustCompile("^ {0,3}(```+|~~~+)")
	mdThematicBreak = regexp.MustCompile(`^ {0,3}(?:(?:-[ \t]*){3,}|(?:\*[ \t]*){3,}|(?:_[ \t]*){3,})$`)
	mdLinkDef       = regexp.MustCompile(`^ {0,3}\[[^\]]+\]:\s+\S+`)
	mdTableDivider  = regexp.MustCompile(`^\s*\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)*\|?\s*$`)
	mdBullet        = regexp.MustCompile(`^(\s*)[*+][ \t]+`)
	mdQuote         = regexp.MustCompile(`^\s*(>\s?)+`)
	mdCodeSpan      = regexp.MustCompile("`+[^`]*`+")

	mdImage     = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdLink      = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdRefLink   = regexp.MustCompile(`\[([^\]]+)\]\[[^\]]*\]`)
	mdAutolink  = regexp.MustCompile(`<((?:https?|mailto):[^>\s]+)>`)
	mdTag       = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
	mdStrong    = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	mdStrongU   = regexp.MustCompile(`__([^_]+)__`)
	mdEmphasis  = regexp.MustCompile(`\*([^*\s][^*]*?)\*`)
	mdEmphasisU = regexp.MustCompile(`(^|[^\w])_([^_\s][^_]*?)_([^\w]|$)`)
	mdStrike    = regexp.MustCompile(`~~([^~]+)~~`)
)

// extractMarkdown drops markup but keeps prose and code text. ATX and setext
// headings become the outline; the first level-1 heading is the title.
func extractMarkdown(text string) extracted {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = stripFrontMatter(text)
	text = mdComment.ReplaceAllString(text, "")
	lines := strings.Split(text, "\n")

	var (
		out     []string
		outline []harvest.Heading
		fence   string
	)
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if fence != "" {
			if strings.HasPrefix(strings.TrimSpace(line), fence) {
				fence = ""
				continue
			}
			out = append(out, line)
			continue
		}
		if m := mdFence.FindStringSubmatch(line); m != nil {
			fence = m[1]
			continue
		}
		if m := mdATX.FindStringSubmatch(line); m != nil {
			heading := stripInline(m[2])
			outline = append(outline, harvest.Heading{Level: len(m[1]), Text: heading})
			out = append(out, heading)
			continue
		}
		if strings.TrimSpace(line) != "" && i+1 < len(lines) && isParagraphLine(line) {
			level := 0
			switch {
			case mdSetextH1.MatchString(lines[i+1]):
				level = 1
			case mdSetextH2.MatchString(lines[i+1]):
				level = 2
			}
			if level > 0 {
				heading := stripInline(strings.TrimSpace(line))
				outline = append(outline, harvest.Heading{Level: level, Text: heading})
				out = append(out, heading)
				i++
				continue
			}
		}
		if mdThematicBreak.MatchString(line) || mdLinkDef.MatchString(line) || mdTableDivider.MatchString(line) {
			continue
		}
		line = mdQuote.ReplaceAllString(line, "")
		line = mdBullet.ReplaceAllString(line, "$1- ")
		out = append(out, stripInline(line))
	}

	return extracted{
		title:   firstHeading(outline, 1),
		body:    strings.Join(out, "\n"),
		outline: outline,
	}
}

func isParagraphLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	return !mdBullet.MatchString(line) &&
		!strings.HasPrefix(trimmed, "- ") &&
		!strings.HasPrefix(trimmed, ">") &&
		!strings.HasPrefix(trimmed, "|") &&
		!mdThematicBreak.MatchString(line)
}

func stripFrontMatter(text string) string {
	for _, delim := range []string{"---", "+++"} {
		if !strings.HasPrefix(text, delim+"\n") {
			continue
		}
		rest := text[len(delim)+1:]
		if end := strings.Index(rest, "\n"+delim+"\n"); end >= 0 {
			return rest[end+len(delim)+2:]
		}
		if strings.HasSuffix(rest, "\n"+delim) {
			return ""
		}
	}
	return text
}

// stripInline removes inline markup outside code spans. Code span contents
// are kept verbatim without their backticks.
func stripInline(line string) string {
	spans := mdCodeSpan.FindAllStringIndex(line, -1)
	if len(spans) == 0 {
		return stripInlineMarkup(line)
	}
	var b strings.Builder
	prev := 0
	for _, span := range spans {
		b.WriteString(stripInlineMarkup(line[prev:span[0]]))
		b.WriteString(strings.Trim(line[span[0]:span[1]], "`"))
		prev = span[1]
	}
	b.WriteString(stripInlineMarkup(line[prev:]))
	return b.String()
}

func stripInlineMarkup(s string) string {
	s = mdImage.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdRefLink.ReplaceAllString(s, "$1")
	s = mdAutolink.ReplaceAllString(s, "$1")
	s = mdTag.ReplaceAllString(s, "")
	s = mdStrong.ReplaceAllString(s, "$1")
	s = mdStrongU.ReplaceAllString(s, "$1")
	s = mdEmphasis.ReplaceAllString(s, "$1")
	s = mdEmphasisU.ReplaceAllString(s, "$1$2$3")
	s = mdStrike.ReplaceAllString(s, "$1")
	return s
}

func firstHeading(outline []harvest.Heading, level int) string {
	for _, h := range outline {
		if h.Level == level {
			return h.Text
		}
	}
	return ""
}
