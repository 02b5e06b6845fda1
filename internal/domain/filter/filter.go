// Package filter decides which databases or files a pipeline stage works on.
//
// Apply walks a fixed precedence chain per candidate and stops at the first rule that
// matches, so every candidate receives exactly one Decision.
package filter

import (
	"regexp"
	"strings"

	"github.com/target/backup-coordinator/internal/domain/model"
	apperrors "github.com/target/backup-coordinator/internal/errors"
)

// Reason names the rule that decided a candidate.
type Reason string

const (
	ReasonNoAccess        Reason = "NoAccess"
	ReasonManualInclude   Reason = "ManualInclude"
	ReasonManualExclude   Reason = "ManualExclude"
	ReasonSystemDatabase  Reason = "SystemDatabase"
	ReasonInvalidRegex    Reason = "InvalidRegex"
	ReasonRegexInclude    Reason = "RegexInclude"
	ReasonRegexExclude    Reason = "RegexExclude"
	ReasonDefaultExcluded Reason = "DefaultExcluded"
	ReasonDefault         Reason = "Default"
)

// Included reports whether the reason admits the candidate into execution.
func (r Reason) Included() bool {
	return r == ReasonManualInclude || r == ReasonRegexInclude || r == ReasonDefault
}

// Candidate is one database or file offered to the filter.
type Candidate struct {
	Name      string
	HasAccess bool
	// Database marks candidates eligible for the system database rule.
	Database bool
}

// Rules is the parsed form of model.FilterSettings.
type Rules struct {
	ManualInclude  []string
	ManualExclude  []string
	IncludeRegex   string
	ExcludeRegex   string
	ExcludeSystem  bool
	DefaultExclude bool
	// Engine selects the system database set; empty matches any known engine.
	Engine string
}

// RulesFrom parses stage settings into Rules.
func RulesFrom(s model.FilterSettings, engine string) Rules {
	return Rules{
		ManualInclude:  ParseList(s.ManualInclude),
		ManualExclude:  ParseList(s.ManualExclude),
		IncludeRegex:   strings.TrimSpace(s.IncludeRegex),
		ExcludeRegex:   strings.TrimSpace(s.ExcludeRegex),
		ExcludeSystem:  s.ExcludeSystemDatabases,
		DefaultExclude: s.DefaultExclude,
		Engine:         engine,
	}
}

// ParseList splits a comma-separated list, trimming entries and dropping empty ones.
func ParseList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Decision is the outcome for one candidate. Err is set only for ReasonInvalidRegex.
type Decision struct {
	Candidate
	Reason Reason
	Err    error
}

// Included reports whether the candidate should be executed.
func (d Decision) Included() bool {
	return d.Reason.Included()
}

// Apply returns one decision per candidate, in candidate order.
func Apply(candidates []Candidate, rules Rules) []Decision {
	m := newMatcher(rules)
	out := make([]Decision, 0, len(candidates))
	for _, c := range candidates {
		reason, err := m.decide(c)
		out = append(out, Decision{Candidate: c, Reason: reason, Err: err})
	}
	return out
}

// Included returns the included candidates from decisions, preserving order.
func Included(decisions []Decision) []Candidate {
	var out []Candidate
	for _, d := range decisions {
		if d.Included() {
			out = append(out, d.Candidate)
		}
	}
	return out
}

// compiledPattern holds a regex or the error it failed with. An empty pattern is unset.
type compiledPattern struct {
	re  *regexp.Regexp
	err error
}

func compile(field, pattern string) compiledPattern {
	if pattern == "" {
		return compiledPattern{}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return compiledPattern{err: apperrors.Wrapf(err, apperrors.ErrCodeFilterConfig, "invalid %s %q", field, pattern)}
	}
	return compiledPattern{re: re}
}

// match reports whether name matches. An unset pattern never matches.
func (p compiledPattern) match(name string) (bool, error) {
	if p.err != nil {
		return false, p.err
	}
	return p.re != nil && p.re.MatchString(name), nil
}

type matcher struct {
	rules   Rules
	include map[string]struct{}
	exclude map[string]struct{}
	incRe   compiledPattern
	excRe   compiledPattern
}

func newMatcher(r Rules) *matcher {
	return &matcher{
		rules:   r,
		include: nameSet(r.ManualInclude),
		exclude: nameSet(r.ManualExclude),
		incRe:   compile("include regex", r.IncludeRegex),
		excRe:   compile("exclude regex", r.ExcludeRegex),
	}
}

func nameSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = struct{}{}
	}
	return set
}

func (m *matcher) decide(c Candidate) (Reason, error) {
	if !c.HasAccess {
		return ReasonNoAccess, nil
	}
	key := strings.ToLower(c.Name)
	if _, ok := m.include[key]; ok {
		return ReasonManualInclude, nil
	}
	if _, ok := m.exclude[key]; ok {
		return ReasonManualExclude, nil
	}
	if c.Database && m.rules.ExcludeSystem && IsSystemDatabase(m.rules.Engine, c.Name) {
		return ReasonSystemDatabase, nil
	}
	if ok, err := m.incRe.match(c.Name); err != nil {
		return ReasonInvalidRegex, err
	} else if ok {
		return ReasonRegexInclude, nil
	}
	if ok, err := m.excRe.match(c.Name); err != nil {
		return ReasonInvalidRegex, err
	} else if ok {
		return ReasonRegexExclude, nil
	}
	if m.rules.DefaultExclude {
		return ReasonDefaultExcluded, nil
	}
	return ReasonDefault, nil
}
