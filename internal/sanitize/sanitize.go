// Package sanitize cleans record text that arrives over the agent surface.
// Records are later returned to agents as search results, so control
// characters, markdown hierarchy markers, XML/HTML tags and code fences are
// stripped to prevent stored prompt injection while keeping the meaning.
package sanitize

import (
	"regexp"
	"strings"
)

// MaxContentLength is the maximum allowed length for rationale and body text.
const MaxContentLength = 8000

// MaxTitleLength is the maximum allowed length for record titles.
const MaxTitleLength = 200

// Pre-compiled regular expressions for performance.
var (
	// reXMLTag matches XML/HTML tags including those with attributes and self-closing tags.
	// It also matches XML processing instructions like <?xml ...?>.
	reXMLTag = regexp.MustCompile(`<[/?!]?[a-zA-Z][a-zA-Z0-9]*(?:\s+[^>]*)?/?>|<\?[^?]*\?>`)

	// reMarkdownHeading matches markdown headings at the start of a line (# , ## , etc.).
	reMarkdownHeading = regexp.MustCompile(`(?m)^#{1,6}\s+`)

	// reHorizontalRule matches markdown horizontal rules (---, ***, ___) at the start of a line.
	reHorizontalRule = regexp.MustCompile(`(?m)^[-*_]{3,}\s*$`)

	// reTripleBacktick matches triple (or more) backtick sequences used in code fences.
	reTripleBacktick = regexp.MustCompile("```+")

	// reExcessiveNewlines matches 3 or more consecutive newlines.
	reExcessiveNewlines = regexp.MustCompile(`\n{3,}`)

	reWhitespace = regexp.MustCompile(`\s+`)
)

// Content sanitizes free text such as a rationale, consequence or body for
// safe storage and later display to agents. It strips control characters,
// markdown headings, horizontal rules, XML/HTML tags, and excessive backticks
// while preserving the semantic meaning of the content.
//
// The sanitization pipeline runs in this order:
//  1. Strip null bytes and ASCII control characters (except \n, \t)
//  2. Strip XML/HTML tags
//  3. Replace markdown headings with list markers
//  4. Remove markdown horizontal rules
//  5. Collapse triple backticks to single backtick
//  6. Collapse excessive newlines (3+ -> 2)
//  7. Truncate to MaxContentLength
//  8. Trim leading/trailing whitespace
func Content(input string) string {
	if input == "" {
		return ""
	}

	s := input

	// 1. Strip null bytes and ASCII control characters (0x00-0x1F) except \n (0x0A) and \t (0x09).
	s = stripControlChars(s)

	// 2. Strip XML/HTML-like tags.
	s = reXMLTag.ReplaceAllString(s, "")

	// 3. Replace markdown headings with list markers to preserve meaning.
	s = reMarkdownHeading.ReplaceAllString(s, "- ")

	// 4. Remove markdown horizontal rules (entire line).
	s = reHorizontalRule.ReplaceAllString(s, "")

	// 5. Collapse triple backticks to single backtick.
	s = reTripleBacktick.ReplaceAllString(s, "`")

	// 6. Collapse excessive newlines (3+ -> 2).
	s = reExcessiveNewlines.ReplaceAllString(s, "\n\n")

	// 7. Trim leading/trailing whitespace.
	s = strings.TrimSpace(s)

	// 8. Truncate to max length.
	if len(s) > MaxContentLength {
		s = s[:MaxContentLength] + "..."
	}

	return s
}

// Title sanitizes a record title: it is Content folded onto a single line,
// without list markers, and truncated to MaxTitleLength.
func Title(input string) string {
	s := stripControlChars(input)
	s = reXMLTag.ReplaceAllString(s, "")
	s = reMarkdownHeading.ReplaceAllString(s, "")
	s = reTripleBacktick.ReplaceAllString(s, "`")
	s = strings.TrimSpace(reWhitespace.ReplaceAllString(s, " "))
	if len(s) > MaxTitleLength {
		s = strings.TrimSpace(s[:MaxTitleLength])
	}
	return s
}

// Strings applies Content to each element and drops the ones left empty.
func Strings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if c := Content(s); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// stripControlChars removes ASCII control characters (0x00-0x1F) from the string,
// except for newline (0x0A) and tab (0x09) which are preserved.
func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
