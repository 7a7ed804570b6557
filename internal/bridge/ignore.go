package bridge

import (
	"fmt"
	"regexp"
	"strings"
)

// IgnoreRules is the per-project noise rule set from configuration. Every
// entry is a literal string, never a user-supplied regex. Empty lists mean
// no filtering on that axis.
type IgnoreRules struct {
	StartsWith []string `json:"startwith" yaml:"startwith"`
	Contains   []string `json:"contain" yaml:"contain"`
	EndsWith   []string `json:"endwith" yaml:"endwith"`
}

// IgnoreFilter holds the compiled form of an IgnoreRules value. Compile it
// once at startup; matching is deterministic and side-effect free.
type IgnoreFilter struct {
	prefix    *regexp.Regexp
	substring *regexp.Regexp
	suffix    *regexp.Regexp
}

// CompileIgnoreFilter escapes every literal and builds the three anchored
// alternations. A malformed rule set is a startup-time error, never a
// per-message one.
func CompileIgnoreFilter(rules IgnoreRules) (*IgnoreFilter, error) {
	filter := &IgnoreFilter{}
	var err error
	if filter.prefix, err = compileAlternation("^(?:", rules.StartsWith, ")"); err != nil {
		return nil, fmt.Errorf("startwith rules: %w", err)
	}
	if filter.substring, err = compileAlternation("(?:", rules.Contains, ")"); err != nil {
		return nil, fmt.Errorf("contain rules: %w", err)
	}
	if filter.suffix, err = compileAlternation("(?:", rules.EndsWith, ")$"); err != nil {
		return nil, fmt.Errorf("endwith rules: %w", err)
	}
	return filter, nil
}

func compileAlternation(open string, literals []string, closing string) (*regexp.Regexp, error) {
	if len(literals) == 0 {
		return nil, nil
	}
	escaped := make([]string, 0, len(literals))
	for _, literal := range literals {
		if literal == "" {
			return nil, fmt.Errorf("empty pattern literal")
		}
		escaped = append(escaped, regexp.QuoteMeta(literal))
	}
	return regexp.Compile(open + strings.Join(escaped, "|") + closing)
}

// Ignored reports whether the normalized subject matches any non-empty
// rule category.
func (f *IgnoreFilter) Ignored(subject string) bool {
	if f == nil {
		return false
	}
	if f.prefix != nil && f.prefix.MatchString(subject) {
		return true
	}
	if f.substring != nil && f.substring.MatchString(subject) {
		return true
	}
	if f.suffix != nil && f.suffix.MatchString(subject) {
		return true
	}
	return false
}
