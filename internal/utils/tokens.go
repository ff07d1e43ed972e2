package utils

// Simple token estimation utilities. The heuristic is deliberately model
// agnostic; it is used for memory budgeting, not billing.

// CountTokens estimates the number of tokens in the given text.
// We approximate 1 token ~= 4 characters.
func CountTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	tokens := len([]rune(text)) / 4
	if tokens == 0 {
		return 1
	}
	return tokens
}

// TruncateToTokenLimit naively truncates text to roughly fit within a token limit.
func TruncateToTokenLimit(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(text)
	charLimit := limit * 4
	if charLimit >= len(runes) {
		return text
	}
	return string(runes[:charLimit])
}

// KeepNewest returns the longest suffix of items whose combined token
// estimate fits within limit. A non-positive limit keeps everything.
func KeepNewest(items []string, limit int) []string {
	if limit <= 0 {
		return items
	}
	total := 0
	start := len(items)
	for i := len(items) - 1; i >= 0; i-- {
		n := CountTokens(items[i])
		if total+n > limit {
			break
		}
		total += n
		start = i
	}
	return items[start:]
}
