package util

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	whitespace = regexp.MustCompile(`\s+`)
	hashtag    = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_&])#([\p{L}\p{N}_]*\p{L}[\p{L}\p{N}_]*)`)
)

// NormalizeWhitespace trims and collapses whitespace to single spaces.
func NormalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// Preview shortens text for log lines.
func Preview(s string, max int) string {
	s = NormalizeWhitespace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "…"
}

// ExtractHashtags returns the #tags in text, without the '#', in order of appearance.
// Tags made only of digits are not hashtags.
func ExtractHashtags(text string) []string {
	var out []string
	for _, m := range hashtag.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}
