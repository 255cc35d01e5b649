package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Attrs is the wire form of a POSIX struct stat (spec.md §3), serialized
// as whitespace-separated decimal fields. The three timestamps are each
// (seconds, nanoseconds) pairs.
type Attrs struct {
	Mode    uint32
	Nlink   uint64
	Uid     uint32
	Gid     uint32
	Size    int64
	Blocks  int64
	Rdev    uint64
	AtimeS, AtimeNs int64
	MtimeS, MtimeNs int64
	CtimeS, CtimeNs int64
}

// Marshal renders Attrs in the field order the original server uses.
func (a Attrs) Marshal() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %d %d %d %d %d %d %d %d %d %d %d %d",
		a.Mode, a.Nlink, a.Uid, a.Gid, a.Size, a.Blocks, a.Rdev,
		a.AtimeS, a.AtimeNs, a.MtimeS, a.MtimeNs, a.CtimeS, a.CtimeNs)
	return b.String()
}

// ParseAttrs is the inverse of Marshal.
func ParseAttrs(s string) (Attrs, error) {
	fields := strings.Fields(s)
	if len(fields) != 13 {
		return Attrs{}, fmt.Errorf("protocol: expected 13 attr fields, got %d", len(fields))
	}
	nums := make([]int64, 13)
	for i, f := range fields {
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return Attrs{}, fmt.Errorf("protocol: bad attr field %d (%q): %w", i, f, err)
		}
		nums[i] = n
	}
	return Attrs{
		Mode: uint32(nums[0]), Nlink: uint64(nums[1]), Uid: uint32(nums[2]), Gid: uint32(nums[3]),
		Size: nums[4], Blocks: nums[5], Rdev: uint64(nums[6]),
		AtimeS: nums[7], AtimeNs: nums[8], MtimeS: nums[9], MtimeNs: nums[10], CtimeS: nums[11], CtimeNs: nums[12],
	}, nil
}

// MtimeNsTotal returns the mtime as a single nanosecond count, the form
// used by the monotonic content-validator calculation.
func (a Attrs) MtimeNsTotal() uint64 {
	return uint64(a.MtimeS)*1e9 + uint64(a.MtimeNs)
}

// DirentType mirrors the POSIX DT_* constants used in directory
// entries (spec.md §3).
type DirentType byte

// The subset of DT_* values fs123 cares about.
const (
	DtUnknown DirentType = 0
	DtFifo    DirentType = 1
	DtChr     DirentType = 2
	DtDir     DirentType = 4
	DtBlk     DirentType = 6
	DtReg     DirentType = 8
	DtLnk     DirentType = 10
	DtSock    DirentType = 12
)

// Dirent is one directory entry (spec.md §3): name, opaque seek offset,
// POSIX type tag, and the estale-cookie of the named child.
type Dirent struct {
	Name         string
	Offset       int64
	Type         DirentType
	EstaleCookie uint64
}

// Marshal renders one dirent record as
// netstring(name) " " type " " estale_cookie "\n", matching
// original_source/lib/fs123server.cpp's add_dirent.
func (d Dirent) Marshal() string {
	return fmt.Sprintf("%s %d %d\n", Netstring(d.Name), d.Type, d.EstaleCookie)
}

// ParseDirents decodes a directory-chunk body into its dirents. It
// stops at (and does not include) the terminating empty record.
func ParseDirents(body string) ([]Dirent, error) {
	var out []Dirent
	for len(body) > 0 {
		name, rest, err := ParseNetstring(body)
		if err != nil {
			return nil, err
		}
		rest = strings.TrimPrefix(rest, " ")
		fields := strings.SplitN(rest, "\n", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("protocol: dirent record missing newline")
		}
		parts := strings.Fields(fields[0])
		if len(parts) != 2 {
			return nil, fmt.Errorf("protocol: dirent expected 2 fields after name, got %d", len(parts))
		}
		body = fields[1]
		if name == "" {
			// terminating empty record
			break
		}
		typ, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("protocol: bad dirent type %q: %w", parts[0], err)
		}
		cookie, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("protocol: bad estale cookie %q: %w", parts[1], err)
		}
		out = append(out, Dirent{Name: name, Type: DirentType(typ), EstaleCookie: cookie})
	}
	return out, nil
}

// TerminatingDirentRecord is appended after the last dirent in a chunk.
func TerminatingDirentRecord() string {
	return Dirent{}.Marshal()
}
