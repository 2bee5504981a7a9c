package officevulp

import (
	"errors"
	"fmt"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
	"os"
	"regexp"
	"strings"
)

const (
	DefaultFAQTitle = "Panic Bunker"
	DefaultFAQColor = 0xeb548e

	// patternFlags makes every trigger pattern case-insensitive, and lets
	// `.` span line breaks so a question split over several lines still
	// matches.
	patternFlags = "(?is)"
)

// DefaultFAQExplanation is the body of the info card.
var DefaultFAQExplanation = strings.TrimSpace(`
FAQ:
What is a panic bunker? The panic bunker is activated when there's no admins online. Players with less than 24H of playtime on __this__ server are not allowed to connect.

Why? Because there are certain people who like to raid the server using throwaway accounts in an NRP manner and ruin everyone's day.
Online admins are required to ensure they get exploded as soon as they do that.

When will it end? Not anytime soon. But as soon as an admin joins, you will be able to connect. As long as you don't disconnect, you will be able to continue playing after that.
`)

// DefaultFAQPatterns detect questions about the panic bunker.
var DefaultFAQPatterns = []string{
	`question.*panic bunker`,
	`(what|when).*(is|does).*panic bunker`,
	`can'?t connect.*panic bunker`,
	`(why|what'?s).*panic bunker`,
}

// FAQ is the content of the panic bunker info card, and the patterns
// that trigger it.
type FAQ struct {
	Title       string   `yaml:"title" json:"title"`
	Explanation string   `yaml:"explanation" json:"explanation"`
	Color       int      `yaml:"color" json:"color"`
	Patterns    []string `yaml:"patterns" json:"patterns"`
}

// DefaultFAQ returns the built-in FAQ content
func DefaultFAQ() FAQ {
	patterns := make([]string, len(DefaultFAQPatterns))
	copy(patterns, DefaultFAQPatterns)
	return FAQ{
		Title:       DefaultFAQTitle,
		Explanation: DefaultFAQExplanation,
		Color:       DefaultFAQColor,
		Patterns:    patterns,
	}
}

// LoadFAQ returns the default FAQ, with any non-empty fields from the
// YAML file at path layered on top. An empty path returns the defaults.
func LoadFAQ(path string) (FAQ, error) {
	faq := DefaultFAQ()
	if path == "" {
		return faq, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return faq, fmt.Errorf("error reading faq file: %w", err)
	}
	var override FAQ
	if err = yaml.Unmarshal(data, &override); err != nil {
		return faq, fmt.Errorf("error parsing faq file %q: %w", path, err)
	}
	if override.Title != "" {
		faq.Title = override.Title
	}
	if strings.TrimSpace(override.Explanation) != "" {
		faq.Explanation = strings.TrimSpace(override.Explanation)
	}
	if override.Color != 0 {
		faq.Color = override.Color
	}
	if len(override.Patterns) > 0 {
		faq.Patterns = override.Patterns
	}
	return faq, nil
}

// patternSet is an immutable list of compiled trigger patterns. It's
// compiled once at startup and shared by every message handler.
type patternSet []*regexp.Regexp

// compilePatterns compiles each pattern with [patternFlags]. All invalid
// patterns are reported together.
func compilePatterns(patterns []string) (patternSet, error) {
	if len(patterns) == 0 {
		return nil, errors.New("at least one trigger pattern is required")
	}
	var errs []error
	compiled := make(patternSet, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(patternFlags + p)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid pattern %q: %w", p, err))
			continue
		}
		compiled = append(compiled, re)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return compiled, nil
}

// Match reports whether any pattern matches somewhere in content
func (p patternSet) Match(content string) bool {
	return lo.SomeBy(
		p, func(re *regexp.Regexp) bool {
			return re.MatchString(content)
		},
	)
}

func (p patternSet) String() string {
	return strings.Join(
		lo.Map(
			p, func(re *regexp.Regexp, _ int) string {
				return re.String()
			},
		), ", ",
	)
}
