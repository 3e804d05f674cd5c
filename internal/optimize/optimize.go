// Package optimize holds the rule-based title and description rewrites used when a
// field is short enough to need no remote call, or when the remote call fails.
package optimize

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	TitleMaxLength       = 60
	DescriptionMaxLength = 160

	// Words kept when a title is derived from a description.
	inferredTitleWords = 7
	ellipsis           = "..."
)

var (
	bangRunRe       = regexp.MustCompile(`!+`)
	dotRunRe        = regexp.MustCompile(`\.+`)
	whitespaceRunRe = regexp.MustCompile(`\s+`)
	sentenceEndRe   = regexp.MustCompile(`[.!?]`)
)

// Title trims text, capitalizes every word, collapses repeated "!", "." and
// whitespace, and cuts the result to TitleMaxLength runes.
func Title(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = capitalizeWords(text)
	text = bangRunRe.ReplaceAllString(text, "!")
	text = dotRunRe.ReplaceAllString(text, ".")
	text = whitespaceRunRe.ReplaceAllString(text, " ")
	return cut(text, TitleMaxLength)
}

// Description trims text, capitalizes its first letter, terminates it with a period
// when it lacks sentence punctuation, collapses whitespace, and cuts the result to
// DescriptionMaxLength runes.
func Description(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	text = capitalizeFirst(text)
	if !strings.HasSuffix(text, ".") && !strings.HasSuffix(text, "!") && !strings.HasSuffix(text, "?") {
		text += "."
	}
	text = whitespaceRunRe.ReplaceAllString(text, " ")
	return cut(text, DescriptionMaxLength)
}

// TitleFromDescription derives a title from the first sentence of description.
func TitleFromDescription(description string) string {
	description = strings.TrimSpace(description)
	if description == "" {
		return ""
	}
	words := strings.Fields(sentenceEndRe.Split(description, 2)[0])
	if len(words) == 0 {
		// Leading punctuation: fall back to every word of the description.
		words = strings.Fields(sentenceEndRe.ReplaceAllString(description, " "))
	}
	if len(words) == 0 {
		// Punctuation only.
		return cut(whitespaceRunRe.ReplaceAllString(description, " "), TitleMaxLength)
	}
	if len(words) > inferredTitleWords {
		words = words[:inferredTitleWords]
	}
	return ellipsize(capitalizeWords(strings.Join(words, " ")), TitleMaxLength)
}

// DescriptionFromTitle derives a generic description from title.
func DescriptionFromTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return ""
	}
	text := "Learn about " + strings.ToLower(title) +
		". Discover key insights and practical information to enhance your understanding."
	return ellipsize(text, DescriptionMaxLength)
}

// Len reports the length of s in runes, the unit every limit in this package uses.
func Len(s string) int {
	return utf8.RuneCountInString(s)
}

func capitalizeWords(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	atWordStart := true
	for _, r := range s {
		if unicode.IsSpace(r) {
			atWordStart = true
			b.WriteRune(r)
			continue
		}
		if atWordStart {
			r = unicode.ToUpper(r)
			atWordStart = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

func capitalizeFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func cut(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

func ellipsize(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return cut(s, max-len(ellipsis)) + ellipsis
}
