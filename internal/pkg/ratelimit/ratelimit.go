package ratelimit

import (
	"strings"
	"time"
)

// Rule caps attempts per identifier inside a sliding window.
type Rule struct {
	MaxAttempts int
	Window      time.Duration
}

// Limiter throttles requests per (endpoint, identifier) with a sliding window.
// Rules are matched by longest path prefix, falling back to the default rule.
type Limiter struct {
	store Store
	def   Rule
	rules map[string]Rule
}

// New creates a limiter with the given backing store and default rule.
func New(store Store, def Rule) *Limiter {
	if def.MaxAttempts <= 0 {
		def.MaxAttempts = 60
	}
	if def.Window <= 0 {
		def.Window = time.Minute
	}
	return &Limiter{
		store: store,
		def:   def,
		rules: make(map[string]Rule),
	}
}

// SetRule registers a rule for a path prefix.
func (l *Limiter) SetRule(prefix string, r Rule) {
	l.rules[prefix] = r
}

// RuleFor returns the rule whose prefix is the longest match for the path.
func (l *Limiter) RuleFor(path string) Rule {
	best := l.def
	bestLen := -1
	for prefix, rule := range l.rules {
		if strings.HasPrefix(path, prefix) && len(prefix) > bestLen {
			best = rule
			bestLen = len(prefix)
		}
	}
	return best
}

// Allow records an attempt for the identifier against the path's rule. When
// rejected, retryAfter is the time until the oldest in-window attempt exits
// the window. A store failure fails open: throttling is defense in depth, not
// a correctness guarantee.
func (l *Limiter) Allow(path, identifier string, now time.Time) (ok bool, retryAfter time.Duration, err error) {
	rule := l.RuleFor(path)
	key := path + "|" + identifier
	return l.store.Take(key, now, rule.Window, rule.MaxAttempts)
}
