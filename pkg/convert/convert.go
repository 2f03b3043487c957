// Package convert defines the text conversion collaborator applied to
// finalized recognition segments before they enter the transcript.
//
// A conversion is best-effort: callers that must never fail wrap a
// [Converter] with [Safe], which falls back to the original text and reports
// the failure through a callback.
package convert

import "fmt"

// Converter transforms a piece of recognised text, for example between
// Simplified and Traditional Chinese script.
//
// Implementations must be safe for concurrent use.
type Converter interface {
	Convert(text string) (string, error)
}

// Identity returns text unchanged.
type Identity struct{}

// Convert implements [Converter].
func (Identity) Convert(text string) (string, error) { return text, nil }

// Func adapts an ordinary function to the [Converter] interface.
type Func func(string) (string, error)

// Convert implements [Converter].
func (f Func) Convert(text string) (string, error) { return f(text) }

// chain applies converters in order.
type chain []Converter

// Chain returns a Converter that feeds the output of each converter into the
// next. The first error aborts the chain. Nil entries are skipped.
func Chain(cs ...Converter) Converter {
	out := make(chain, 0, len(cs))
	for _, c := range cs {
		if c != nil {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return Identity{}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (c chain) Convert(text string) (string, error) {
	for i, conv := range c {
		next, err := conv.Convert(text)
		if err != nil {
			return text, fmt.Errorf("convert: stage %d: %w", i, err)
		}
		text = next
	}
	return text, nil
}

// safe is the never-failing wrapper returned by Safe.
type safe struct {
	inner  Converter
	onFail func(text string, err error)
}

// Safe wraps c so that Convert never returns an error. On failure the
// original text is returned and onFail (if non-nil) is invoked with the input
// and the cause. A panic inside c is treated as a failure.
func Safe(c Converter, onFail func(text string, err error)) Converter {
	if c == nil {
		c = Identity{}
	}
	return &safe{inner: c, onFail: onFail}
}

func (s *safe) Convert(text string) (out string, _ error) {
	defer func() {
		if r := recover(); r != nil {
			out = text
			s.fail(text, fmt.Errorf("convert: panic: %v", r))
		}
	}()
	converted, err := s.inner.Convert(text)
	if err != nil {
		s.fail(text, err)
		return text, nil
	}
	return converted, nil
}

func (s *safe) fail(text string, err error) {
	if s.onFail != nil {
		s.onFail(text, err)
	}
}
