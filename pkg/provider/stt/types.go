package stt

// RecognitionEvent is one delivery from a recognition engine.
//
// StartIndex marks the first position in the session-wide result sequence that
// this event newly reports. Results below StartIndex were already reported by
// an earlier event; engines commonly resend them and consumers must skip them.
type RecognitionEvent struct {
	StartIndex int                 `json:"start_index"`
	Results    []RecognitionResult `json:"results"`
}

// RecognitionResult is a single hypothesis at an absolute position.
//
// A position goes from non-final to final at most once; after that the engine
// must not revise it.
type RecognitionResult struct {
	Position int    `json:"position"`
	IsFinal  bool   `json:"is_final"`
	Text     string `json:"text"`
}

// HighestPosition returns the largest Position in ev, or -1 when ev carries
// no results.
func (ev RecognitionEvent) HighestPosition() int {
	highest := -1
	for _, r := range ev.Results {
		if r.Position > highest {
			highest = r.Position
		}
	}
	return highest
}

// KeywordBoost represents a keyword to boost in recognition.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "Taipei 101").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
