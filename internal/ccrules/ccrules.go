// Package ccrules parses .fs123_cc_rules-format rule sets, the
// cache-control override mechanism alluded to in spec.md §4.3 but not
// pinned down there (grounded in selector_manager111.cpp's rule_cache /
// "decentralized cache control" support, and expanded per SPEC_FULL.md
// since the original rules-file grammar is not part of the retrieved
// source). fs123d reads a single rules file, named by
// --cache-control-file, once at startup, and its rules override the
// default long/short cache-control tables for the paths they match.
// Rules files placed in directories under the export root are not read,
// and a changed rules file takes effect only after a restart.
//
// Grammar, one rule per line:
//
//	prefix-glob = max-age=N[,swr=N][,stale=N]
//
// Blank lines and lines starting with '#' are ignored. Matching is
// longest-prefix-first: among the rules whose glob matches, the one
// with the longest literal prefix (the portion of the glob before its
// first wildcard) wins.
package ccrules

import (
	"bufio"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformedRule is returned for a line that isn't blank, a comment,
// or a valid rule.
var ErrMalformedRule = errors.New("ccrules: malformed rule")

// Rule is one parsed line.
type Rule struct {
	Glob   string
	MaxAge int
	Swr    int
	Stale  int

	literalPrefix string
}

// Rules is an ordered, parsed rule set ready for lookup.
type Rules struct {
	rules []Rule
}

// Parse reads a .fs123_cc_rules file body.
func Parse(r io.Reader) (*Rules, error) {
	var rules []Rule
	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule, err := parseLine(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineno)
		}
		rules = append(rules, rule)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return len(rules[i].literalPrefix) > len(rules[j].literalPrefix)
	})
	return &Rules{rules: rules}, nil
}

func parseLine(line string) (Rule, error) {
	eq := strings.IndexByte(line, '=')
	if eq < 0 {
		return Rule{}, errors.Wrapf(ErrMalformedRule, "%q: missing '='", line)
	}
	glob := strings.TrimSpace(line[:eq])
	directives := strings.TrimSpace(line[eq+1:])
	if glob == "" || directives == "" {
		return Rule{}, errors.Wrapf(ErrMalformedRule, "%q: empty glob or directives", line)
	}
	rule := Rule{Glob: glob, literalPrefix: literalPrefix(glob)}
	for _, d := range strings.Split(directives, ",") {
		kv := strings.SplitN(d, "=", 2)
		if len(kv) != 2 {
			return Rule{}, errors.Wrapf(ErrMalformedRule, "%q: bad directive %q", line, d)
		}
		n, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			return Rule{}, errors.Wrapf(ErrMalformedRule, "%q: bad integer in %q", line, d)
		}
		switch strings.TrimSpace(kv[0]) {
		case "max-age":
			rule.MaxAge = n
		case "swr":
			rule.Swr = n
		case "stale":
			rule.Stale = n
		default:
			return Rule{}, errors.Wrapf(ErrMalformedRule, "%q: unknown directive %q", line, kv[0])
		}
	}
	return rule, nil
}

// literalPrefix returns the portion of a glob before its first
// wildcard character, used to break ties between multiple matching
// rules in favor of the most specific one.
func literalPrefix(glob string) string {
	if i := strings.IndexAny(glob, "*?["); i >= 0 {
		return glob[:i]
	}
	return glob
}

// Lookup finds the first (most specific) rule whose glob matches
// relpath, applying each path segment in turn with path.Match; a glob
// with fewer segments than relpath matches as a prefix, so "a/*"
// matches both "a/b" and "a/b/c".
func (r *Rules) Lookup(relpath string) (Rule, bool) {
	if r == nil {
		return Rule{}, false
	}
	for _, rule := range r.rules {
		if globMatch(rule.Glob, relpath) {
			return rule, true
		}
	}
	return Rule{}, false
}

// globMatch matches glob against relpath segment-by-segment so that a
// glob with fewer segments than relpath can still match as a prefix
// (e.g. "project/*" matches "project/sub/file").
func globMatch(glob, relpath string) bool {
	globSegs := strings.Split(strings.Trim(glob, "/"), "/")
	pathSegs := strings.Split(strings.Trim(relpath, "/"), "/")
	if len(pathSegs) < len(globSegs) {
		return false
	}
	for i, g := range globSegs {
		ok, err := path.Match(g, pathSegs[i])
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// CacheControl renders the rule's directives the way
// protocol.CacheControl does.
func (r Rule) CacheControl(extraDirectives string) string {
	var b strings.Builder
	if extraDirectives != "" {
		b.WriteString(extraDirectives)
		if !strings.HasSuffix(extraDirectives, ",") {
			b.WriteByte(',')
		}
	}
	b.WriteString("max-age=")
	b.WriteString(strconv.Itoa(r.MaxAge))
	if r.Swr > 0 {
		b.WriteString(",stale-while-revalidate=")
		b.WriteString(strconv.Itoa(r.Swr))
	}
	if r.Stale > 0 {
		b.WriteString(",stale-if-error=")
		b.WriteString(strconv.Itoa(r.Stale))
	}
	return b.String()
}
