// Package sanitizer strips markup from user supplied free text such as
// names and device notes before it is stored.
package sanitizer

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer removes every HTML element from text
type TextSanitizer interface {
	// StripTags removes markup and collapses the result to a single trimmed line
	StripTags(s string) string
	// StripTagsMultiline removes markup but keeps line breaks
	StripTagsMultiline(s string) string
}

// StrictSanitizer implements TextSanitizer with bluemonday's strict policy
type StrictSanitizer struct {
	policy *bluemonday.Policy
}

// NewStrictSanitizer creates a sanitizer that allows no elements at all
func NewStrictSanitizer() *StrictSanitizer {
	policy := bluemonday.StrictPolicy()
	// Drop the content of elements that are never text
	policy.SkipElementsContent("script", "style", "iframe", "object", "noscript")
	return &StrictSanitizer{policy: policy}
}

// StripTags removes markup and control characters and trims the result.
// Entities escaped by the policy are decoded again since the output is
// stored as plain text, not HTML.
func (s *StrictSanitizer) StripTags(text string) string {
	out := s.clean(text, false)
	return strings.Join(strings.Fields(out), " ")
}

// StripTagsMultiline is StripTags that preserves newlines
func (s *StrictSanitizer) StripTagsMultiline(text string) string {
	out := s.clean(text, true)
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func (s *StrictSanitizer) clean(text string, keepNewlines bool) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = html.UnescapeString(s.policy.Sanitize(text))
	return strings.Map(func(r rune) rune {
		if r == '\n' && keepNewlines {
			return r
		}
		if r == '\t' || r == '\n' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
}

var defaultSanitizer = NewStrictSanitizer()

// StripTags removes markup using the package default sanitizer
func StripTags(s string) string {
	return defaultSanitizer.StripTags(s)
}

// StripTagsMultiline removes markup using the package default sanitizer
func StripTagsMultiline(s string) string {
	return defaultSanitizer.StripTagsMultiline(s)
}
