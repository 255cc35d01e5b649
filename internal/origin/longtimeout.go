package origin

import "strings"

// LongTimeoutTree is a trie of path prefixes that should receive the
// long-timeout cache-control directive, modeled on
// selector_manager111.cpp's stringtree: any path equal to, or nested
// under, a registered prefix gets the long timeout; everything else
// gets the short one.
type LongTimeoutTree struct {
	root *ltNode
}

type ltNode struct {
	terminal bool
	children map[string]*ltNode
}

// NewLongTimeoutTree builds a tree from a set of slash-separated path
// prefixes, e.g. "project/releases".
func NewLongTimeoutTree(prefixes []string) *LongTimeoutTree {
	t := &LongTimeoutTree{root: &ltNode{children: map[string]*ltNode{}}}
	for _, p := range prefixes {
		t.Insert(p)
	}
	return t
}

// Insert registers prefix (and everything under it) as long-timeout.
func (t *LongTimeoutTree) Insert(prefix string) {
	n := t.root
	for _, seg := range splitPath(prefix) {
		child, ok := n.children[seg]
		if !ok {
			child = &ltNode{children: map[string]*ltNode{}}
			n.children[seg] = child
		}
		n = child
	}
	n.terminal = true
}

// IsLong reports whether path should be treated as long-timeout
// content: either path itself, or one of its ancestor directories, was
// registered via Insert.
func (t *LongTimeoutTree) IsLong(path string) bool {
	n := t.root
	if n.terminal {
		return true
	}
	for _, seg := range splitPath(path) {
		child, ok := n.children[seg]
		if !ok {
			return false
		}
		n = child
		if n.terminal {
			return true
		}
	}
	return false
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
