// Package access resolves which host identity a node should run a caller's
// task as, or whether the node may run it at all.
package access

import (
	"strings"

	"github.com/gobwas/glob"
)

// Mapping is the access capability consumed by the dispatcher.
type Mapping interface {
	// Org is the organization the caller acts for.
	Org() string
	// Select returns the run-as identity for node, or ok=false if the node
	// is not permitted for this caller.
	Select(node string) (runAs string, ok bool)
}

// Rule grants (or denies) a set of nodes.
type Rule struct {
	Nodes string `yaml:"nodes" json:"nodes"`
	RunAs string `yaml:"run_as" json:"run_as"`
	Deny  bool   `yaml:"deny" json:"deny"`
}

// Rules is a first-match-wins rule table.
type Rules struct {
	org   string
	rules []compiledRule
}

type compiledRule struct {
	Rule
	match func(string) bool
}

// NewRules compiles rules for org. Patterns that fail to compile as globs
// only match their literal text.
func NewRules(org string, rules []Rule) *Rules {
	r := &Rules{org: org}
	for _, rule := range rules {
		r.rules = append(r.rules, compiledRule{Rule: rule, match: matcher(rule.Nodes)})
	}
	return r
}

// Org implements Mapping.
func (r *Rules) Org() string { return r.org }

// Select implements Mapping.
func (r *Rules) Select(node string) (string, bool) {
	for _, rule := range r.rules {
		if !rule.match(node) {
			continue
		}
		if rule.Deny || rule.RunAs == "" {
			return "", false
		}
		return rule.RunAs, true
	}
	return "", false
}

func matcher(pattern string) func(string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == "*" {
		return func(string) bool { return true }
	}
	if !strings.ContainsAny(pattern, "*?[{") {
		return func(s string) bool { return s == pattern }
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return func(s string) bool { return s == pattern }
	}
	return g.Match
}

// Static permits every node under a single identity.
type Static struct {
	Organization string
	RunAs        string
}

// Org implements Mapping.
func (s Static) Org() string { return s.Organization }

// Select implements Mapping.
func (s Static) Select(string) (string, bool) { return s.RunAs, s.RunAs != "" }
