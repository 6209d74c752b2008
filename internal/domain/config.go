package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/language"
)

// Depth controls how thorough the remote analysis is.
type Depth string

const (
	DepthQuick         Depth = "quick"
	DepthStandard      Depth = "standard"
	DepthComprehensive Depth = "comprehensive"
)

// Valid reports whether d is a recognized depth.
func (d Depth) Valid() bool {
	switch d {
	case DepthQuick, DepthStandard, DepthComprehensive:
		return true
	}
	return false
}

var timeframePattern = regexp.MustCompile(`^([1-9][0-9]{0,2}[DWMY]|YTD|MAX)$`)

// ErrInvalidConfiguration is wrapped by every configuration validation failure.
var ErrInvalidConfiguration = errors.New("invalid analysis configuration")

// AnalysisConfiguration holds the recognized analysis options.
type AnalysisConfiguration struct {
	Depth      Depth    `json:"depth"`
	Timeframe  string   `json:"timeframe"`
	FocusAreas []string `json:"focus_areas"`
	Language   string   `json:"language"`
}

// Normalize trims values, upper-cases the timeframe token, dedupes focus areas
// keeping first-seen order and canonicalizes the language tag when it parses.
func (c AnalysisConfiguration) Normalize() AnalysisConfiguration {
	out := AnalysisConfiguration{
		Depth:     Depth(strings.ToLower(strings.TrimSpace(string(c.Depth)))),
		Timeframe: strings.ToUpper(strings.TrimSpace(c.Timeframe)),
		Language:  strings.TrimSpace(c.Language),
	}

	seen := make(map[string]struct{}, len(c.FocusAreas))
	for _, area := range c.FocusAreas {
		area = strings.TrimSpace(area)
		if area == "" {
			continue
		}
		if _, dup := seen[area]; dup {
			continue
		}
		seen[area] = struct{}{}
		out.FocusAreas = append(out.FocusAreas, area)
	}

	if tag, err := language.Parse(out.Language); err == nil {
		out.Language = tag.String()
	}
	return out
}

// Validate checks that every recognized option is populated with a legal value.
func (c AnalysisConfiguration) Validate() error {
	if !c.Depth.Valid() {
		return fmt.Errorf("%w: depth %q must be one of quick, standard, comprehensive", ErrInvalidConfiguration, c.Depth)
	}
	if !timeframePattern.MatchString(c.Timeframe) {
		return fmt.Errorf("%w: timeframe %q is not a recognized token", ErrInvalidConfiguration, c.Timeframe)
	}
	if len(c.FocusAreas) == 0 {
		return fmt.Errorf("%w: at least one focus area is required", ErrInvalidConfiguration)
	}
	if c.Language == "" {
		return fmt.Errorf("%w: language is required", ErrInvalidConfiguration)
	}
	if _, err := language.Parse(c.Language); err != nil {
		return fmt.Errorf("%w: language %q: %v", ErrInvalidConfiguration, c.Language, err)
	}
	return nil
}
