// Package tokens provides token estimation and text normalization for
// prompt budget enforcement and cache fingerprinting.
package tokens

import "strings"

// charsPerToken is the rough character-to-token ratio used across the
// service. Good enough for budget enforcement; exact counts come back
// from the provider in the usage field of each response.
const charsPerToken = 4

// Estimate returns the approximate token count of text.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// Truncate cuts text so it fits within maxTokens, preferring a word
// boundary near the cut point.
func Truncate(text string, maxTokens int) string {
	if text == "" || maxTokens <= 0 {
		return ""
	}

	maxChars := maxTokens * charsPerToken
	if len(text) <= maxChars {
		return text
	}

	truncated := text[:maxChars]
	if lastSpace := strings.LastIndex(truncated, " "); lastSpace > maxChars-100 {
		truncated = truncated[:lastSpace]
	}
	return truncated
}

// Normalize canonicalizes a question for cache fingerprinting: lowercase
// with runs of whitespace collapsed to single spaces.
func Normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}
