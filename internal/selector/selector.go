// Package selector matches target expressions against nodes.
//
// A target expression is a list of terms separated by spaces or commas; a
// node matches when any term matches it:
//
//	*            every node
//	web-*        node name glob
//	os=linux     tag equality (value may be a glob)
package selector

import (
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// maxCached bounds the glob cache; it is reset when full.
const maxCached = 1024

// cache holds compiled glob patterns by source. A nil entry marks a pattern
// that does not compile and is matched literally.
var cache = struct {
	sync.RWMutex
	globs map[string]glob.Glob
}{globs: make(map[string]glob.Glob)}

// Node describes the matchable attributes of a node.
type Node struct {
	Name string
	Tags map[string]string
}

// Terms splits an expression into its terms.
func Terms(expr string) []string {
	return strings.FieldsFunc(expr, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

// Match reports whether node is selected by expr.
func Match(expr string, node Node) bool {
	for _, term := range Terms(expr) {
		if matchTerm(term, node) {
			return true
		}
	}
	return false
}

// MatchName reports whether a node name is selected by expr, ignoring tags.
func MatchName(expr, name string) bool {
	return Match(expr, Node{Name: name})
}

// IsWildcard reports whether expr selects every node.
func IsWildcard(expr string) bool {
	for _, term := range Terms(expr) {
		if term == "*" {
			return true
		}
	}
	return false
}

func matchTerm(term string, node Node) bool {
	if term == "*" {
		return true
	}
	if key, value, ok := strings.Cut(term, "="); ok {
		tag, present := node.Tags[key]
		return present && matchPattern(value, tag)
	}
	return matchPattern(term, node.Name)
}

func matchPattern(pattern, s string) bool {
	if !strings.ContainsAny(pattern, "*?[{") {
		return pattern == s
	}
	g := compile(pattern)
	if g == nil {
		return pattern == s
	}
	return g.Match(s)
}

func compile(pattern string) glob.Glob {
	cache.RLock()
	g, ok := cache.globs[pattern]
	cache.RUnlock()
	if ok {
		return g
	}

	g, err := glob.Compile(pattern)
	if err != nil {
		g = nil
	}
	cache.Lock()
	if len(cache.globs) >= maxCached {
		clear(cache.globs)
	}
	cache.globs[pattern] = g
	cache.Unlock()
	return g
}
