package sanitize

import (
	"regexp"
	"strings"
)

var (
	htmlComment   = regexp.MustCompile(`(?s)<!--.*?-->`)
	styleBlock    = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style\s*>`)
	scriptBlock   = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
	blockBreak    = regexp.MustCompile(`(?i)</p\s*>|<br\s*/?\s*>|</div\s*>`)
	anyTag        = regexp.MustCompile(`</?[A-Za-z][^<>]*>|<![A-Za-z][^<>]*>`)
	trailingSpace = regexp.MustCompile(`(?m)[ \t\x{00A0}]+$`)
	blankRuns     = regexp.MustCompile(`\n{3,}`)

	entityDecoder = strings.NewReplacer(
		"&nbsp;", " ",
		"&lt;", "<",
		"&gt;", ">",
		"&amp;", "&",
	)
)

// NormalizeHTML turns an HTML or plain-text body into plain text. Block
// closers become newlines, style and script blocks vanish with their
// content, remaining tags are stripped and four entities are decoded.
// Other entities are left as-is.
func NormalizeHTML(raw string) string {
	if raw == "" {
		return ""
	}
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	s = htmlComment.ReplaceAllString(s, "")
	s = styleBlock.ReplaceAllString(s, "")
	s = scriptBlock.ReplaceAllString(s, "")
	s = blockBreak.ReplaceAllString(s, "\n")
	s = anyTag.ReplaceAllString(s, "")
	// Single pass, so "&amp;lt;" decodes to the literal "&lt;".
	s = entityDecoder.Replace(s)

	return normalizeWhitespace(s)
}

// normalizeWhitespace trims line ends, keeps at most one blank line and
// trims the text. Applying it twice changes nothing.
func normalizeWhitespace(s string) string {
	s = trailingSpace.ReplaceAllString(s, "")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
