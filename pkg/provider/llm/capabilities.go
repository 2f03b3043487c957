package llm

import "strings"

// modelFamily matches model names by prefix. Vendor-qualified ids such as
// "anthropic/claude-3-opus" or "models/gemini-2.0-flash" match on the part
// after the last slash.
type modelFamily struct {
	match  string
	window int
	maxOut int
}

// families is ordered most specific first; the first match wins.
var families = []modelFamily{
	// OpenAI
	{"gpt-4o", 128_000, 16_384},
	{"gpt-4.1", 1_047_576, 32_768},
	{"gpt-4-turbo", 128_000, 4_096},
	{"gpt-4", 8_192, 4_096},
	{"gpt-3.5-turbo", 16_385, 4_096},
	{"o1-mini", 128_000, 65_536},
	{"o1", 200_000, 100_000},
	{"o3", 200_000, 100_000},
	{"o4", 200_000, 100_000},

	// Anthropic
	{"claude-3-opus", 200_000, 4_096},
	{"claude", 200_000, 8_192},

	// Google
	{"gemini-1.5-pro", 2_097_152, 8_192},
	{"gemini-1.5-flash", 1_048_576, 8_192},
	{"gemini-2", 1_048_576, 8_192},
	{"gemini", 128_000, 8_192},
}

// LookupCapabilities returns the limits of a well-known model family, or
// conservative defaults (128k window, 4k output) for anything else. Every
// result reports streaming support.
func LookupCapabilities(model string) ModelCapabilities {
	caps := ModelCapabilities{SupportsStreaming: true, ContextWindow: 128_000, MaxOutputTokens: 4_096}
	name := strings.ToLower(model)
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	for _, f := range families {
		if strings.HasPrefix(name, f.match) {
			caps.ContextWindow, caps.MaxOutputTokens = f.window, f.maxOut
			break
		}
	}
	return caps
}
