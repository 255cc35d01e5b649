package origin

import (
	"crypto/rand"
	"encoding/binary"
	"os"
	"syscall"

	"github.com/pkg/errors"
	"github.com/pkg/xattr"
)

// EstaleStrategy selects how the origin derives a per-file estale
// cookie (spec.md §3, §6 --estale-cookie-src).
type EstaleStrategy int

const (
	// EstaleNone always reports a zero cookie.
	EstaleNone EstaleStrategy = iota
	// EstaleStIno uses the inode number. Cheap, but ambiguous across
	// filesystems and after inode reuse following delete+recreate.
	EstaleStIno
	// EstaleIocGetversion uses the ext2/ext4 FS_IOC_GETVERSION
	// generation counter, which does advance across inode reuse on
	// filesystems that support it.
	EstaleIocGetversion
	// EstaleXattr stamps a user xattr with a random cookie the first
	// time a file is observed, and trusts it thereafter.
	EstaleXattr
)

// ParseEstaleStrategy maps a --estale-cookie-src flag value to a
// strategy.
func ParseEstaleStrategy(s string) (EstaleStrategy, error) {
	switch s {
	case "none", "":
		return EstaleNone, nil
	case "st_ino":
		return EstaleStIno, nil
	case "ioc_getversion":
		return EstaleIocGetversion, nil
	case "setxattr", "getxattr":
		return EstaleXattr, nil
	default:
		return 0, errors.Errorf("origin: unknown estale-cookie-src %q", s)
	}
}

const estaleXattrName = "user.fs123_estale_cookie"

// EstaleCookie computes the cookie for relpath/fi according to
// strategy. tree is used by the strategies that need extra syscalls
// (ioctl, xattr) beyond the stat already performed by the caller.
func EstaleCookie(strategy EstaleStrategy, tree *Tree, relpath string, fi os.FileInfo) (uint64, error) {
	switch strategy {
	case EstaleNone:
		return 0, nil
	case EstaleStIno:
		st, ok := fi.Sys().(*syscall.Stat_t)
		if !ok {
			return 0, errors.New("origin: st_ino estale strategy requires a syscall.Stat_t")
		}
		return st.Ino, nil
	case EstaleIocGetversion:
		return iocGetversion(tree, relpath)
	case EstaleXattr:
		return xattrEstaleCookie(tree, relpath)
	default:
		return 0, errors.Errorf("origin: unhandled estale strategy %d", strategy)
	}
}

// xattrEstaleCookie implements the "setxattr/getxattr" strategy: read
// the stamped cookie; if absent, mint a fresh one and stamp it. Two
// concurrent first-observers racing to stamp the same file both
// produce a valid (if different) cookie; the loser's write is harmless
// since estale cookies only need to change when content changes, not
// be globally unique.
func xattrEstaleCookie(tree *Tree, relpath string) (uint64, error) {
	v, errno, err := tree.GetXattr(relpath, estaleXattrName)
	if err == nil && len(v) == 8 {
		return binary.BigEndian.Uint64(v), nil
	}
	if err != nil && errno != ErrnoNoEnt && !isXattrAbsent(err) {
		return 0, err
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	cookie := binary.BigEndian.Uint64(buf[:])
	if err := tree.SetXattr(relpath, estaleXattrName, buf[:]); err != nil {
		return 0, errors.Wrap(err, "origin: stamping estale cookie")
	}
	return cookie, nil
}

func isXattrAbsent(err error) bool {
	return errors.Is(err, xattr.ENOATTR)
}
