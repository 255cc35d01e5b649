package protocol

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DirQuery is the decoded query string of a `d` (directory chunk)
// request: kib;begin;offset (spec.md §4.3).
type DirQuery struct {
	Kib    int
	Begin  bool
	Offset int64
}

// ParseDirQuery parses a `d` function's query string.
func ParseDirQuery(q string) (DirQuery, error) {
	parts := strings.Split(q, ";")
	if len(parts) != 3 {
		return DirQuery{}, errors.Wrapf(ErrBadQuery, "d query must have 3 ';'-separated fields, got %d", len(parts))
	}
	kib, err := strconv.Atoi(parts[0])
	if err != nil {
		return DirQuery{}, errors.Wrapf(ErrBadQuery, "bad kib %q", parts[0])
	}
	beginN, err := strconv.Atoi(parts[1])
	if err != nil || (beginN != 0 && beginN != 1) {
		return DirQuery{}, errors.Wrapf(ErrBadQuery, "bad begin %q", parts[1])
	}
	offset, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return DirQuery{}, errors.Wrapf(ErrBadQuery, "bad offset %q", parts[2])
	}
	return DirQuery{Kib: kib, Begin: beginN == 1, Offset: offset}, nil
}

// String renders a DirQuery back into its wire form.
func (q DirQuery) String() string {
	begin := 0
	if q.Begin {
		begin = 1
	}
	return strconv.Itoa(q.Kib) + ";" + strconv.Itoa(begin) + ";" + strconv.FormatInt(q.Offset, 10)
}

// FileQuery is the decoded query string of an `f` (file chunk) request:
// kib;offset_kib (spec.md §4.3).
type FileQuery struct {
	Kib      int
	OffsetKi int64
}

// ParseFileQuery parses an `f` function's query string.
func ParseFileQuery(q string) (FileQuery, error) {
	parts := strings.Split(q, ";")
	if len(parts) != 2 {
		return FileQuery{}, errors.Wrapf(ErrBadQuery, "f query must have 2 ';'-separated fields, got %d", len(parts))
	}
	kib, err := strconv.Atoi(parts[0])
	if err != nil {
		return FileQuery{}, errors.Wrapf(ErrBadQuery, "bad kib %q", parts[0])
	}
	off, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return FileQuery{}, errors.Wrapf(ErrBadQuery, "bad offset_kib %q", parts[1])
	}
	return FileQuery{Kib: kib, OffsetKi: off}, nil
}

// String renders a FileQuery back into its wire form.
func (q FileQuery) String() string {
	return strconv.Itoa(q.Kib) + ";" + strconv.FormatInt(q.OffsetKi, 10)
}

// XattrQuery is the decoded query string of an `x` (xattr) request:
// kib;urlencoded_name; (spec.md §4.3). An empty Name means listxattr.
type XattrQuery struct {
	Kib  int
	Name string
}

// ParseXattrQuery parses an `x` function's query string.
func ParseXattrQuery(q string) (XattrQuery, error) {
	parts := strings.Split(q, ";")
	if len(parts) != 3 {
		return XattrQuery{}, errors.Wrapf(ErrBadQuery, "x query must have 3 ';'-separated fields, got %d", len(parts))
	}
	kib, err := strconv.Atoi(parts[0])
	if err != nil {
		return XattrQuery{}, errors.Wrapf(ErrBadQuery, "bad kib %q", parts[0])
	}
	name, err := url.QueryUnescape(parts[1])
	if err != nil {
		return XattrQuery{}, errors.Wrapf(ErrBadQuery, "bad urlencoded name %q", parts[1])
	}
	return XattrQuery{Kib: kib, Name: name}, nil
}

// String renders an XattrQuery back into its wire form.
func (q XattrQuery) String() string {
	return strconv.Itoa(q.Kib) + ";" + url.QueryEscape(q.Name) + ";"
}
