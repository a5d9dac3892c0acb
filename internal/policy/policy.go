// Package policy implements the allow/deny rule engine that answers
// proxy_allowed(repo) and cache_allowed(repo). Generalized from the
// teacher's server/middleware/registry.go ordered-chain-of-named-rules
// shape into a first-match-wins glob/regex rule list.
package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind is the class of decision a rule list answers.
type Kind string

const (
	Proxy Kind = "proxy"
	Cache Kind = "cache"
)

// Rule is one entry in an ordered allow/deny list.
type Rule struct {
	Pattern string
	IsRegex bool
	Allow   bool

	compiled *regexp.Regexp
}

// compile anchors and compiles the rule. A glob rule is first translated
// into a regex: '*' matches any run of characters, '/' included, '?'
// matches exactly one character, and everything else is literal.
func (r *Rule) compile() error {
	if r.compiled != nil {
		return nil
	}
	expr := r.Pattern
	if !r.IsRegex {
		expr = strings.NewReplacer(`\*`, ".*", `\?`, ".").Replace(regexp.QuoteMeta(r.Pattern))
	}
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return fmt.Errorf("policy: bad regex %q: %w", r.Pattern, err)
	}
	r.compiled = re
	return nil
}

func (r *Rule) matches(repo string) bool {
	return r.compiled.MatchString(repo)
}

// Engine holds the independent ordered rule lists for proxy and cache
// decisions.
type Engine struct {
	rules map[Kind][]Rule
}

// New compiles rule lists into an Engine. Default-allow applies whenever a
// kind has no rules, or none of its rules match a given repo.
func New(proxyRules, cacheRules []Rule) (*Engine, error) {
	e := &Engine{rules: map[Kind][]Rule{
		Proxy: proxyRules,
		Cache: cacheRules,
	}}
	for kind, list := range e.rules {
		for i := range list {
			if err := list[i].compile(); err != nil {
				return nil, fmt.Errorf("policy: %s rule %d: %w", kind, i, err)
			}
		}
	}
	return e, nil
}

// Allowed returns the outcome of the first matching rule in kind's list for
// repo, or true (default-allow) if no rule matches.
func (e *Engine) Allowed(kind Kind, repo string) bool {
	for _, r := range e.rules[kind] {
		if r.matches(repo) {
			return r.Allow
		}
	}
	return true
}

// ProxyAllowed answers proxy_allowed(repo).
func (e *Engine) ProxyAllowed(repo string) bool { return e.Allowed(Proxy, repo) }

// CacheAllowed answers cache_allowed(repo). A false result does not forbid
// pass-through proxying; callers must still serve the response, they just
// skip the tee into ChunkCache.
func (e *Engine) CacheAllowed(repo string) bool { return e.Allowed(Cache, repo) }
