package services

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	numberedListPattern = regexp.MustCompile(`\n\d+\.`)
	bulletItemPattern   = regexp.MustCompile(`\*\s*([^*\n]+)`)
	bulletLinePattern   = regexp.MustCompile(`\*\s*[^*\n]+\n*`)
	quotedSpanPattern   = regexp.MustCompile(`"([^"]+)"`)
	whitespacePattern   = regexp.MustCompile(`\s+`)
	spaceBeforePunct    = regexp.MustCompile(`\s+([.,:])`)
	doiURLPrefix        = regexp.MustCompile(`^https?://(dx\.)?doi\.org/`)

	// Tried in order; each accepts a different label spelling
	doiCitationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(.*?)\s*\(DOI:\s*https?://doi\.org/([^\)]+)\)`),
		regexp.MustCompile(`(.*?)\s*\(doi:\s*([^\)]+)\)`),
		regexp.MustCompile(`(.*?)\s*\(DOI:\s*([^\)]+)\)`),
	}
)

const keyFindingsLabel = "Key Findings:"

// CleanResponseText turns markdown-flavoured generator output into plain prose.
// Emphasis and list markup is removed, bullets become a comma-joined clause and
// DOI citations become links.
func CleanResponseText(text string) string {
	cleaned := strings.ReplaceAll(text, "\n**", " ")
	cleaned = strings.ReplaceAll(cleaned, "**", "")

	cleaned = numberedListPattern.ReplaceAllString(cleaned, "")
	cleaned = joinBullets(cleaned)

	cleaned = unwrapQuotes(cleaned)
	for _, pattern := range doiCitationPatterns {
		cleaned = rewriteCitations(pattern, cleaned)
	}

	cleaned = strings.ReplaceAll(cleaned, `\n`, " ")
	cleaned = whitespacePattern.ReplaceAllString(cleaned, " ")
	cleaned = spaceBeforePunct.ReplaceAllString(cleaned, "$1")
	cleaned = strings.TrimSpace(cleaned)

	return strings.TrimSpace(spaceAfterPeriods(cleaned))
}

func joinBullets(text string) string {
	matches := bulletItemPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text
	}

	points := make([]string, 0, len(matches))
	for _, m := range matches {
		points = append(points, strings.TrimSpace(m[1]))
	}
	list := strings.Join(points, ", ")

	first := bulletLinePattern.FindStringIndex(text)
	head := text[:first[0]]
	tail := bulletLinePattern.ReplaceAllString(text[first[0]:], "")

	if rest := head + tail; strings.Contains(rest, keyFindingsLabel) {
		return strings.Replace(rest, keyFindingsLabel, "Key findings include: "+list+".", 1)
	}
	if !strings.HasSuffix(list, ".") {
		list += "."
	}
	return head + list + " " + tail
}

// unwrapQuotes drops the quotation marks around quoted spans, leaving link attributes alone
func unwrapQuotes(text string) string {
	matches := quotedSpanPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		if strings.HasSuffix(text[:m[0]], "href=") {
			continue
		}
		b.WriteString(text[last:m[0]])
		b.WriteString(text[m[2]:m[3]])
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

func rewriteCitations(pattern *regexp.Regexp, text string) string {
	matches := pattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m[0]])

		title := strings.TrimSpace(text[m[2]:m[3]])
		doi := strings.ReplaceAll(strings.TrimSpace(text[m[4]:m[5]]), " ", "")
		doi = doiURLPrefix.ReplaceAllString(doi, "")

		b.WriteString(`<a href="https://doi.org/`)
		b.WriteString(doi)
		b.WriteString(`">`)
		b.WriteString(title)
		b.WriteString(`</a>`)
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

// spaceAfterPeriods separates sentences glued together ("end.Next") without
// touching decimals, abbreviations or anything inside a link tag
func spaceAfterPeriods(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 8)

	inTag := false
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		switch {
		case r == '<' && (strings.HasPrefix(text[i:], "<a ") || strings.HasPrefix(text[i:], "</a>")):
			inTag = true
		case r == '>':
			inTag = false
		}
		b.WriteRune(r)
		i += size

		if r == '.' && !inTag && i < len(text) {
			next, _ := utf8.DecodeRuneInString(text[i:])
			if unicode.IsUpper(next) {
				b.WriteByte(' ')
			}
		}
	}
	return b.String()
}
