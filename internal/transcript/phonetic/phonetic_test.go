package phonetic_test

import (
	"testing"

	"github.com/MrWong99/voicesync/internal/transcript/phonetic"
)

var vocabulary = []string{"Deepgram", "ElevenLabs", "Sun Moon Lake", "Taipei 101"}

func TestMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		word     string
		terms    []string
		want     string
		matched  bool
		minScore float64
	}{
		{name: "misheard single word", word: "deap gram", terms: vocabulary, want: "Deepgram", matched: true, minScore: 0.7},
		{name: "misheard multi-word term", word: "son moon lake", terms: vocabulary, want: "Sun Moon Lake", matched: true, minScore: 0.7},
		{name: "case-insensitive", word: "DEEPGRAM", terms: vocabulary, want: "Deepgram", matched: true, minScore: 0.9},
		{name: "exact", word: "elevenlabs", terms: vocabulary, want: "ElevenLabs", matched: true, minScore: 0.9},
		{name: "unrelated word", word: "hello", terms: vocabulary, want: "hello"},
		{name: "no terms", word: "deepgram", terms: nil, want: "deepgram"},
		{name: "empty word", word: "", terms: vocabulary, want: ""},
		{name: "blank terms only", word: "deepgram", terms: []string{"  ", ""}, want: "deepgram"},
	}
	m := phonetic.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, conf, ok := m.Match(tt.word, tt.terms)
			if ok != tt.matched {
				t.Fatalf("Match(%q): matched = %v, want %v", tt.word, ok, tt.matched)
			}
			if got != tt.want {
				t.Errorf("Match(%q): corrected = %q, want %q", tt.word, got, tt.want)
			}
			if !tt.matched && conf != 0 {
				t.Errorf("Match(%q): confidence = %f, want 0 without a match", tt.word, conf)
			}
			if conf < tt.minScore {
				t.Errorf("Match(%q): confidence = %f, want >= %f", tt.word, conf, tt.minScore)
			}
		})
	}
}

func TestMatch_ThresholdsReject(t *testing.T) {
	t.Parallel()

	m := phonetic.New(phonetic.WithPhoneticThreshold(0.99), phonetic.WithFuzzyThreshold(0.99))
	if _, _, ok := m.Match("deap gram", vocabulary); ok {
		t.Error("strict thresholds: want no match")
	}
}

func TestCompile_SkipsBlankTerms(t *testing.T) {
	t.Parallel()

	v := phonetic.New().Compile([]string{"ElevenLabs", " ", "Sun Moon Lake"})
	if v.Len() != 2 {
		t.Errorf("Len: want 2, got %d", v.Len())
	}
}

func TestRewrite(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       string
		terms    []string
		want     string
		wantReps []string
	}{
		{
			name:     "canonical casing",
			in:       "i love taipei",
			terms:    []string{"Taipei"},
			want:     "i love Taipei",
			wantReps: []string{"taipei"},
		},
		{
			name:     "multi-word term",
			in:       "son moon lake",
			terms:    []string{"Sun Moon Lake", "ElevenLabs"},
			want:     "Sun Moon Lake",
			wantReps: []string{"son moon lake"},
		},
		{
			name:     "keeps punctuation",
			in:       "we tried elevenlab, then left.",
			terms:    []string{"ElevenLabs"},
			want:     "we tried ElevenLabs, then left.",
			wantReps: []string{"elevenlab"},
		},
		{
			name:     "han text passes through",
			in:       "我們 去 taipei 玩",
			terms:    []string{"Taipei"},
			want:     "我們 去 Taipei 玩",
			wantReps: []string{"taipei"},
		},
		{
			name:  "no terms keeps spacing",
			in:    "keep   spacing",
			terms: nil,
			want:  "keep   spacing",
		},
		{
			name:  "exact spelling is not a replacement",
			in:    "hello  ElevenLabs",
			terms: []string{"ElevenLabs"},
			want:  "hello  ElevenLabs",
		},
	}
	m := phonetic.New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, reps := m.Rewrite(tt.in, tt.terms)
			if got != tt.want {
				t.Errorf("Rewrite(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if len(reps) != len(tt.wantReps) {
				t.Fatalf("replacements: want %v, got %+v", tt.wantReps, reps)
			}
			for i, orig := range tt.wantReps {
				if reps[i].Original != orig {
					t.Errorf("replacement %d: original = %q, want %q", i, reps[i].Original, orig)
				}
			}
		})
	}
}

func TestRewrite_PunctuationEndsPhrase(t *testing.T) {
	t.Parallel()

	// "son, moon lake" must not be read as one three-word window.
	v := phonetic.New().Compile([]string{"Sun Moon Lake"})
	got, _ := v.Rewrite("the son, moon lake")
	if got == "the Sun Moon Lake" {
		t.Errorf("Rewrite joined a phrase across a comma: %q", got)
	}
}
