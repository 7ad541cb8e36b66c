package process

import (
	"html"
	"strings"
	"unicode"

	"github.com/jaytaylor/html2text"
)

// ExtractSnippet derives a short plaintext preview. The plaintext body wins
// when present; otherwise the HTML body is stripped down to text. The result
// is cut at a word boundary after targetLen characters and never exceeds
// maxLen.
func ExtractSnippet(plain, htmlBody string, targetLen, maxLen int) string {
	source := plain
	if source == "" && htmlBody != "" {
		text, err := html2text.FromString(htmlBody, html2text.Options{TextOnly: true})
		if err == nil {
			source = text
		}
	}
	return boundSnippet(collapseWhitespace(source), targetLen, maxLen)
}

// collapseWhitespace replaces every run of whitespace with a single space.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// boundSnippet keeps the text until the first word boundary at or past
// targetLen, hard-capped at maxLen.
func boundSnippet(s string, targetLen, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= targetLen {
		return s
	}
	end := targetLen
	for end < len(runes) && end < maxLen && !unicode.IsSpace(runes[end]) {
		end++
	}
	return strings.TrimRight(string(runes[:end]), " ")
}

// HTMLifyPlaintext wraps a plaintext-only body so clients that render HTML
// keep the original line breaks and spacing.
func HTMLifyPlaintext(plain string) string {
	return "<pre class=\"plaintext\">" + html.EscapeString(plain) + "</pre>"
}
