package playback

import (
	"regexp"

	"github.com/MrWong99/voicesync/pkg/provider/tts"
)

// DefaultMaxChunkLength is the chunk length limit, in characters, most
// synthesis engines handle without stalling.
const DefaultMaxChunkLength = 200

// Segment partitions text into chunks of at most maxLen characters (runes).
// Concatenating the chunk texts in sequence order always yields text.
//
// The cut is greedy: each chunk is as long as allowed. When noSplit is
// non-nil, a cut that would fall inside one of its matches is moved back to
// the start of the match. A match longer than maxLen that starts at a chunk
// boundary cannot be kept whole and is cut at maxLen.
//
// A non-positive maxLen selects [DefaultMaxChunkLength]. Empty text yields
// no chunks.
func Segment(text string, maxLen int, noSplit *regexp.Regexp) []tts.Chunk {
	if text == "" {
		return nil
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxChunkLength
	}

	runes := []rune(text)
	units := protectedUnits(text, noSplit)

	var (
		chunks []tts.Chunk
		u      int // first unit that may still contain a cut
	)
	for start := 0; start < len(runes); {
		end := min(start+maxLen, len(runes))
		if end < len(runes) {
			for u < len(units) && units[u][1] <= start {
				u++
			}
			for _, unit := range units[u:] {
				if unit[0] >= end {
					break
				}
				if unit[0] < end && end < unit[1] && unit[0] > start {
					end = unit[0]
					break
				}
			}
		}
		chunks = append(chunks, tts.Chunk{Sequence: len(chunks), Text: string(runes[start:end])})
		start = end
	}
	return chunks
}

// protectedUnits returns the rune ranges [start, end) of every noSplit match.
func protectedUnits(text string, noSplit *regexp.Regexp) [][2]int {
	if noSplit == nil {
		return nil
	}
	matches := noSplit.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	// Map byte offsets to rune offsets.
	runeAt := make(map[int]int, len(matches)*2)
	for _, m := range matches {
		runeAt[m[0]], runeAt[m[1]] = 0, 0
	}
	n := 0
	for i := range text {
		if _, ok := runeAt[i]; ok {
			runeAt[i] = n
		}
		n++
	}
	if _, ok := runeAt[len(text)]; ok {
		runeAt[len(text)] = n
	}

	units := make([][2]int, 0, len(matches))
	for _, m := range matches {
		if m[1] > m[0] {
			units = append(units, [2]int{runeAt[m[0]], runeAt[m[1]]})
		}
	}
	return units
}
