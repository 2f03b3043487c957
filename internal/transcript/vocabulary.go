package transcript

import (
	"log/slog"

	"github.com/MrWong99/voicesync/internal/transcript/phonetic"
	"github.com/MrWong99/voicesync/pkg/convert"
)

// VocabularyConverter rewrites words the recogniser misheard to the canonical
// spelling of a configured vocabulary term, e.g. "son moon lake" to
// "Sun Moon Lake". It is a [convert.Converter] and is usually chained
// after script conversion.
type VocabularyConverter struct {
	vocab *phonetic.Vocabulary
}

var _ convert.Converter = (*VocabularyConverter)(nil)

// NewVocabularyConverter returns a converter for terms. A nil matcher selects
// [phonetic.New] with default thresholds.
func NewVocabularyConverter(terms []string, matcher *phonetic.Matcher) *VocabularyConverter {
	if matcher == nil {
		matcher = phonetic.New()
	}
	return &VocabularyConverter{vocab: matcher.Compile(terms)}
}

// Convert implements [convert.Converter]. It never fails.
func (v *VocabularyConverter) Convert(text string) (string, error) {
	if v.vocab.Len() == 0 {
		return text, nil
	}
	out, reps := v.vocab.Rewrite(text)
	for _, r := range reps {
		slog.Debug("transcript: vocabulary correction", "original", r.Original, "term", r.Term, "confidence", r.Confidence)
	}
	return out, nil
}
