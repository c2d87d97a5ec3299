package strategy

import (
	"fmt"
	"regexp"
	"strings"

	apperrors "github.com/driftline/driftline/pkg/errors"
)

// Kind names a resolution policy between cache and network.
type Kind string

const (
	KindCacheFirst           Kind = "cache-first"
	KindNetworkFirst         Kind = "network-first"
	KindStaleWhileRevalidate Kind = "stale-while-revalidate"
)

// KnownKind reports whether the kind is one of the three supported policies.
func KnownKind(kind Kind) bool {
	switch kind {
	case KindCacheFirst, KindNetworkFirst, KindStaleWhileRevalidate:
		return true
	}
	return false
}

// Rule binds a URL pattern (and optionally a method) to a strategy and the
// cache table it reads and writes.
type Rule struct {
	// Method restricts the rule to one HTTP method; empty matches any.
	Method string
	// Pattern is matched against the request URL.
	Pattern *regexp.Regexp
	// Strategy selects the resolution policy.
	Strategy Kind
	// Table names the cache table the strategy operates on.
	Table string
}

func (r Rule) matches(method, url string) bool {
	if r.Method != "" && !strings.EqualFold(r.Method, method) {
		return false
	}
	return r.Pattern != nil && r.Pattern.MatchString(url)
}

func validateRule(r Rule, registered func(string) bool) error {
	if r.Pattern == nil {
		return apperrors.NewConfig("strategy rule requires a URL pattern")
	}
	if !KnownKind(r.Strategy) {
		return apperrors.NewConfig(fmt.Sprintf("unknown strategy %q", r.Strategy))
	}
	if r.Table == "" {
		return apperrors.NewConfig(fmt.Sprintf("strategy rule %q requires a cache table", r.Pattern))
	}
	if !registered(r.Table) {
		return apperrors.NewConfig(fmt.Sprintf("strategy rule %q references unregistered table %q", r.Pattern, r.Table))
	}
	return nil
}

// classify returns the first rule whose pattern matches; ordering is the
// caller-supplied rule order, so earlier rules win.
func classify(rules []Rule, fallback Rule, method, url string) Rule {
	for _, rule := range rules {
		if rule.matches(method, url) {
			return rule
		}
	}
	return fallback
}
