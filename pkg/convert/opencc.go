package convert

import (
	"fmt"

	"github.com/longbridgeapp/opencc"
)

// DefaultProfile converts Simplified Chinese to Traditional Chinese (Taiwan)
// including regional phrase substitutions.
const DefaultProfile = "s2twp"

// OpenCC converts between Chinese script variants using the OpenCC
// dictionaries.
type OpenCC struct {
	profile string
	cc      *opencc.OpenCC
}

var _ Converter = (*OpenCC)(nil)

// NewOpenCC loads the dictionaries for profile (e.g. "s2twp", "s2t", "t2s").
// An empty profile selects [DefaultProfile].
func NewOpenCC(profile string) (*OpenCC, error) {
	if profile == "" {
		profile = DefaultProfile
	}
	cc, err := opencc.New(profile)
	if err != nil {
		return nil, fmt.Errorf("convert: load opencc profile %q: %w", profile, err)
	}
	return &OpenCC{profile: profile, cc: cc}, nil
}

// Profile returns the loaded conversion profile.
func (o *OpenCC) Profile() string { return o.profile }

// Convert implements [Converter].
func (o *OpenCC) Convert(text string) (string, error) {
	if text == "" {
		return "", nil
	}
	out, err := o.cc.Convert(text)
	if err != nil {
		return text, fmt.Errorf("convert: opencc %s: %w", o.profile, err)
	}
	return out, nil
}
