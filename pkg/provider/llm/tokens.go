package llm

import "unicode"

// messageOverhead approximates the role and framing tokens each chat message
// costs on top of its content.
const messageOverhead = 4

// TextTokens approximates the token count of s. Han, kana and Hangul runes
// count one token each, other text four characters per token, and any
// non-empty s at least one.
func TextTokens(s string) int {
	var cjk, other int
	for _, r := range s {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			cjk++
		} else {
			other++
		}
	}
	n := cjk + other/4
	if n == 0 && other > 0 {
		n = 1
	}
	return n
}

// EstimateTokens approximates what messages cost in a context window. It
// never undercounts by much and is meant for providers without a tokenizer.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += TextTokens(m.Content) + messageOverhead
	}
	return total
}
