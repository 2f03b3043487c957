// Package phonetic corrects misrecognised words against a fixed vocabulary of
// names and jargon.
//
// A term is a candidate for a spoken window when the two share a Double
// Metaphone code; candidates are ranked by Jaro-Winkler similarity and the
// best one above the phonetic threshold wins. When no term sounds alike, a
// stricter fuzzy threshold is applied to plain string similarity instead.
//
// Multi-word terms ("Sun Moon Lake") are compared three ways: whole
// strings, strings with spaces removed, and the best pair of single words.
//
// Only Latin-script tokens take part. Han, kana and other scripts have no
// meaningful metaphone code and pass through untouched, so mixed-language
// transcripts ("去 Taipei wun oh wun 看看") keep their non-Latin text.
package phonetic

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a term that
// sounds alike. Default 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a term that does
// not sound alike. Default 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher holds the scoring thresholds. It is immutable and safe for
// concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] with the default thresholds overridden by opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match finds the term in terms that best matches word. It compiles terms on
// every call; use [Matcher.Compile] when matching repeatedly.
func (m *Matcher) Match(word string, terms []string) (corrected string, confidence float64, matched bool) {
	return m.Compile(terms).Match(word)
}

// Rewrite is [Vocabulary.Rewrite] on a one-off compilation of terms.
func (m *Matcher) Rewrite(text string, terms []string) (string, []Replacement) {
	return m.Compile(terms).Rewrite(text)
}

// ── Vocabulary ───────────────────────────────────────────────────────────────

type entry struct {
	canonical string
	lower     string
	tokens    []string
	joined    string
	codes     codeSet
}

// Vocabulary is a term list with its phonetic codes precomputed. It is
// immutable and safe for concurrent use.
type Vocabulary struct {
	m        *Matcher
	entries  []entry
	maxWords int
}

// Compile prepares terms for matching. Blank terms are skipped.
func (m *Matcher) Compile(terms []string) *Vocabulary {
	v := &Vocabulary{m: m, maxWords: 1}
	for _, t := range terms {
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "" {
			continue
		}
		toks := strings.Fields(lower)
		v.entries = append(v.entries, entry{
			canonical: t,
			lower:     lower,
			tokens:    toks,
			joined:    strings.Join(toks, ""),
			codes:     codesOf(toks),
		})
		v.maxWords = max(v.maxWords, len(toks))
	}
	return v
}

// Len returns the number of usable terms.
func (v *Vocabulary) Len() int { return len(v.entries) }

// Match returns the canonical spelling of the term that best matches word,
// a single word or a space-separated phrase. When nothing matches, word is
// returned with zero confidence.
func (v *Vocabulary) Match(word string) (corrected string, confidence float64, matched bool) {
	lower := strings.ToLower(strings.TrimSpace(word))
	if len(v.entries) == 0 || lower == "" {
		return word, 0, false
	}
	toks := strings.Fields(lower)
	in := entry{lower: lower, tokens: toks, joined: strings.Join(toks, ""), codes: codesOf(toks)}

	var (
		best         *entry
		bestScore    float64
		bestPhonetic bool
	)
	for i := range v.entries {
		e := &v.entries[i]
		score := similarity(in, *e)
		switch {
		case in.codes.overlaps(e.codes):
			if score >= v.m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = e, score, true
			}
		case !bestPhonetic:
			if score >= v.m.fuzzyThreshold && score > bestScore {
				best, bestScore = e, score
			}
		}
	}
	if best == nil {
		return word, 0, false
	}
	return best.canonical, bestScore, true
}

// Replacement records one rewrite performed by [Vocabulary.Rewrite].
type Replacement struct {
	Original   string
	Term       string
	Confidence float64
}

// Rewrite replaces word windows in text that match a term with the term's
// canonical spelling. At each position the longest window is tried first,
// so multi-word terms beat partial single-word matches. Punctuation around
// a window is kept, and a window never spans a token without Latin letters.
//
// When something is replaced, whitespace is normalised to single spaces;
// otherwise text is returned unchanged.
func (v *Vocabulary) Rewrite(text string) (string, []Replacement) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 || len(v.entries) == 0 {
		return text, nil
	}

	var (
		out  []string
		reps []Replacement
	)
	for i := 0; i < len(tokens); {
		n, term, conf := v.longestMatch(tokens[i:])
		if n == 0 {
			out = append(out, tokens[i])
			i++
			continue
		}
		lead, _, _ := splitPunct(tokens[i])
		_, _, trail := splitPunct(tokens[i+n-1])
		window := strings.Join(cores(tokens[i:i+n]), " ")
		out = append(out, lead+term+trail)
		if window != term {
			reps = append(reps, Replacement{Original: window, Term: term, Confidence: conf})
		}
		i += n
	}
	if len(reps) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), reps
}

// longestMatch tries windows at the head of tokens from the longest down.
func (v *Vocabulary) longestMatch(tokens []string) (n int, term string, conf float64) {
	limit := 0
	for limit < min(v.maxWords, len(tokens)) && isLatin(tokens[limit]) {
		limit++
		// Punctuation after a word ends the phrase.
		if _, _, trail := splitPunct(tokens[limit-1]); trail != "" {
			break
		}
	}
	for n := limit; n >= 1; n-- {
		if term, conf, ok := v.Match(strings.Join(cores(tokens[:n]), " ")); ok {
			return n, term, conf
		}
	}
	return 0, "", 0
}

// ── scoring ──────────────────────────────────────────────────────────────────

type codeSet map[string]struct{}

// codesOf unions the Double Metaphone codes of tokens, skipping empty codes.
func codesOf(tokens []string) codeSet {
	s := make(codeSet, 2*len(tokens))
	for _, t := range tokens {
		primary, alternate := matchr.DoubleMetaphone(t)
		for _, c := range []string{primary, alternate} {
			if c != "" {
				s[c] = struct{}{}
			}
		}
	}
	return s
}

func (a codeSet) overlaps(b codeSet) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over whole strings, joined
// strings (multi-word only) and single word pairs.
func similarity(in, term entry) float64 {
	score := matchr.JaroWinkler(in.lower, term.lower, false)
	if len(in.tokens) > 1 || len(term.tokens) > 1 {
		score = max(score, matchr.JaroWinkler(in.joined, term.joined, false))
	}
	for _, a := range in.tokens {
		for _, b := range term.tokens {
			score = max(score, matchr.JaroWinkler(a, b, false))
		}
	}
	return score
}

// ── tokens ───────────────────────────────────────────────────────────────────

// splitPunct separates leading and trailing punctuation from a token.
func splitPunct(tok string) (lead, core, trail string) {
	core = strings.TrimLeftFunc(tok, unicode.IsPunct)
	lead = tok[:len(tok)-len(core)]
	trimmed := strings.TrimRightFunc(core, unicode.IsPunct)
	trail = core[len(trimmed):]
	return lead, trimmed, trail
}

func cores(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		_, out[i], _ = splitPunct(t)
	}
	return out
}

// isLatin reports whether tok contains a Latin letter and no letters of other
// scripts.
func isLatin(tok string) bool {
	latin := false
	for _, r := range tok {
		if !unicode.IsLetter(r) {
			continue
		}
		if !unicode.Is(unicode.Latin, r) {
			return false
		}
		latin = true
	}
	return latin
}
