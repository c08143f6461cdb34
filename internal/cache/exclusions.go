package cache

import (
	"fmt"
	"regexp"
	"strings"
)

// ExclusionList keeps models out of the response cache. Rules come from the
// cache_exclude_exact and cache_exclude_patterns config lists: exact rules
// compare the full model string, pattern rules are compiled regexps. Reload
// rebuilds the list and swaps it into the cache atomically, so a nil
// *ExclusionList must behave like an empty one.
type ExclusionList struct {
	names   map[string]struct{}
	regexps []*regexp.Regexp
}

// NewExclusionList builds a rule set from the two config lists. Blank rules
// are dropped; a pattern that does not compile fails the whole build so a bad
// document is rejected before it reaches the cache.
func NewExclusionList(exact, patterns []string) (*ExclusionList, error) {
	x := &ExclusionList{names: make(map[string]struct{}, len(exact))}

	for _, name := range exact {
		if name = strings.TrimSpace(name); name != "" {
			x.names[name] = struct{}{}
		}
	}

	for _, pat := range patterns {
		if strings.TrimSpace(pat) == "" {
			continue
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("cache: exclusion pattern %q: %w", pat, err)
		}
		x.regexps = append(x.regexps, re)
	}

	return x, nil
}

// Matches reports whether responses for model bypass the cache. Exact rules
// win on a map hit, then pattern rules run in config order.
func (x *ExclusionList) Matches(model string) bool {
	if x == nil {
		return false
	}
	if _, hit := x.names[model]; hit {
		return true
	}
	for _, re := range x.regexps {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// Len counts configured rules across both kinds.
func (x *ExclusionList) Len() int {
	if x == nil {
		return 0
	}
	return len(x.names) + len(x.regexps)
}
