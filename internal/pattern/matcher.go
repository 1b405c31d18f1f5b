// Package pattern decides whether strings match trigger filter patterns.
// A pattern is one of three shapes: a delimited regex ("/.../"), an
// extension suffix (".go"), or a shell glob (everything else, with "**"
// crossing path separators).
package pattern

import (
	"regexp"
	"strings"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"

	"taskd/internal/logging"
)

// defaultCacheSize bounds the compiled-pattern cache. Patterns come from
// task triggers, so the working set is small and hot.
const defaultCacheSize = 512

type matchFunc func(string) bool

func neverMatch(string) bool { return false }

// Matcher compiles patterns on first use and caches the compiled form.
// Malformed patterns match nothing; the error is logged at compile time and
// never surfaces to callers.
type Matcher struct {
	logger logging.Logger
	cache  *lru.Cache[string, matchFunc]
}

// New builds a Matcher logging through the given logger.
func New(logger logging.Logger) *Matcher {
	cache, err := lru.New[string, matchFunc](defaultCacheSize)
	if err != nil {
		cache = nil
	}
	return &Matcher{
		logger: logging.OrNop(logger),
		cache:  cache,
	}
}

// Matches reports whether value matches pattern.
func (m *Matcher) Matches(value, pattern string) bool {
	return m.compiled(pattern)(value)
}

// MatchesAny reports whether value matches at least one pattern. An empty
// pattern list matches nothing.
func (m *Matcher) MatchesAny(value string, patterns []string) bool {
	for _, p := range patterns {
		if m.Matches(value, p) {
			return true
		}
	}
	return false
}

// MatchesAll reports whether value matches every pattern. An empty pattern
// list matches everything.
func (m *Matcher) MatchesAll(value string, patterns []string) bool {
	for _, p := range patterns {
		if !m.Matches(value, p) {
			return false
		}
	}
	return true
}

func (m *Matcher) compiled(pattern string) matchFunc {
	if m.cache != nil {
		if fn, ok := m.cache.Get(pattern); ok {
			return fn
		}
	}
	fn := m.compile(pattern)
	if m.cache != nil {
		m.cache.Add(pattern, fn)
	}
	return fn
}

func (m *Matcher) compile(pattern string) matchFunc {
	switch {
	case len(pattern) >= 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/"):
		re, err := regexp.Compile(pattern[1 : len(pattern)-1])
		if err != nil {
			m.logger.Warn("pattern: invalid regex %q: %v", pattern, err)
			return neverMatch
		}
		return re.MatchString
	case strings.HasPrefix(pattern, "."):
		return func(value string) bool {
			return strings.HasSuffix(value, pattern)
		}
	default:
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			m.logger.Warn("pattern: invalid glob %q: %v", pattern, err)
			return neverMatch
		}
		return g.Match
	}
}
