package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrNetstring is returned when a netstring fails to parse.
var ErrNetstring = errors.New("protocol: malformed netstring")

// Netstring frames s as "<len>:<s>,", used for dirent names and content
// validators embedded in response bodies (spec.md §3).
func Netstring(s string) string {
	return fmt.Sprintf("%d:%s,", len(s), s)
}

// ParseNetstring reads one netstring from the front of s, returning the
// decoded payload and the remainder of s after the trailing comma.
func ParseNetstring(s string) (payload, rest string, err error) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return "", "", errors.Wrap(ErrNetstring, "no ':' found")
	}
	n, err := strconv.Atoi(s[:colon])
	if err != nil || n < 0 {
		return "", "", errors.Wrapf(ErrNetstring, "bad length %q", s[:colon])
	}
	start := colon + 1
	end := start + n
	if end+1 > len(s) || s[end] != ',' {
		return "", "", errors.Wrap(ErrNetstring, "truncated or missing trailing comma")
	}
	return s[start:end], s[end+1:], nil
}
