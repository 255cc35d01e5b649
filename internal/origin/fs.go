package origin

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/pkg/xattr"

	"github.com/DEShawResearch/fs123-sub001/internal/protocol"
)

// Errno classifies a filesystem failure the way the origin handler's
// error-conveyance policy (spec.md §7) needs to: ENOENT gets a
// long-timeout 200 reply, EACCES a short-timeout 200 reply; everything
// else is a 500.
type Errno int

// The subset of errnos the wire protocol conveys as fs123-errno.
const (
	ErrnoNone   Errno = 0
	ErrnoNoEnt  Errno = Errno(syscall.ENOENT)
	ErrnoAccess Errno = Errno(syscall.EACCES)
)

// Cacheable reports whether this errno is one a client is permitted to
// cache as a negative result rather than treat as a transport failure.
func (e Errno) Cacheable() bool {
	return e == ErrnoNoEnt || e == ErrnoAccess
}

// ErrNotCacheable wraps an unexpected errno the origin refuses to
// convey as a 200; the caller translates it to a 500.
var ErrNotCacheable = errors.New("origin: filesystem error not eligible for cacheable conveyance")

// Tree resolves fs123 paths against a real directory on disk, the
// origin-side filesystem walker spec.md §1 calls out as an external
// collaborator; this implementation provides a minimal one so C4 has
// something concrete to run against.
type Tree struct {
	Root string
}

// NewTree validates root exists and is a directory.
func NewTree(root string) (*Tree, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, "origin: export root")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("origin: export root %q is not a directory", root)
	}
	return &Tree{Root: root}, nil
}

// resolve maps a validated fs123 relative path onto an absolute
// filesystem path beneath the export root. Callers must have already
// run protocol.ValidatePath; resolve additionally refuses any path
// that would, after cleaning, escape Root.
func (t *Tree) resolve(relpath string) (string, error) {
	clean := filepath.Join(t.Root, relpath)
	if clean != t.Root && !strings.HasPrefix(clean, t.Root+string(filepath.Separator)) {
		return "", errors.Wrap(protocol.ErrPathUnsafe, "escapes export root")
	}
	return clean, nil
}

func toErrno(err error) Errno {
	var pe *os.PathError
	if errors.As(err, &pe) {
		if no, ok := pe.Err.(syscall.Errno); ok {
			return Errno(no)
		}
	}
	if no, ok := err.(syscall.Errno); ok {
		return Errno(no)
	}
	return -1
}

// Lstat returns the raw stat for relpath without following a trailing
// symlink, and the errno classification of any failure.
func (t *Tree) Lstat(relpath string) (os.FileInfo, Errno, error) {
	full, err := t.resolve(relpath)
	if err != nil {
		return nil, -1, err
	}
	fi, err := os.Lstat(full)
	if err != nil {
		return nil, toErrno(err), err
	}
	return fi, ErrnoNone, nil
}

// Readlink reads the target of a symlink.
func (t *Tree) Readlink(relpath string) (string, Errno, error) {
	full, err := t.resolve(relpath)
	if err != nil {
		return "", -1, err
	}
	target, err := os.Readlink(full)
	if err != nil {
		return "", toErrno(err), err
	}
	return target, ErrnoNone, nil
}

// direntEntry is one directory entry reduced to what the wire listing
// carries (its name and type), already sorted into a stable readdir
// order.
type direntEntry struct {
	name string
	typ  protocol.DirentType
}

// Readdir lists relpath's children in a stable (name-sorted) order.
// The original server relies on the underlying opendir/readdir/telldir
// sequence being stable across repeated reads of an unmodified
// directory (spec.md P8); sorting by name gives that guarantee without
// depending on directory-entry-order stability across platforms.
func (t *Tree) Readdir(relpath string) ([]direntEntry, Errno, error) {
	full, err := t.resolve(relpath)
	if err != nil {
		return nil, -1, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, toErrno(err), err
	}
	out := make([]direntEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, direntEntry{name: e.Name(), typ: directDirentType(e)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, ErrnoNone, nil
}

func directDirentType(e os.DirEntry) protocol.DirentType {
	switch {
	case e.Type()&os.ModeSymlink != 0:
		return protocol.DtLnk
	case e.IsDir():
		return protocol.DtDir
	case e.Type()&os.ModeNamedPipe != 0:
		return protocol.DtFifo
	case e.Type()&os.ModeSocket != 0:
		return protocol.DtSock
	case e.Type()&os.ModeDevice != 0:
		if e.Type()&os.ModeCharDevice != 0 {
			return protocol.DtChr
		}
		return protocol.DtBlk
	default:
		return protocol.DtReg
	}
}

// ReadFileChunk reads up to len(buf) bytes starting at offset.
func (t *Tree) ReadFileChunk(relpath string, offset int64, buf []byte) (int, Errno, error) {
	full, err := t.resolve(relpath)
	if err != nil {
		return 0, -1, err
	}
	f, err := os.Open(full)
	if err != nil {
		return 0, toErrno(err), err
	}
	defer f.Close()
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, toErrno(err), err
	}
	return n, ErrnoNone, nil
}

// GetXattr fetches one extended attribute, mirroring backend/local's
// xattr.LGet usage (no symlink following, matching lgetxattr).
func (t *Tree) GetXattr(relpath, name string) ([]byte, Errno, error) {
	full, err := t.resolve(relpath)
	if err != nil {
		return nil, -1, err
	}
	v, err := xattr.LGet(full, name)
	if err != nil {
		return nil, toErrno(err), err
	}
	return v, ErrnoNone, nil
}

// ListXattr lists extended attribute names, mirroring xattr.LList
// (llistxattr).
func (t *Tree) ListXattr(relpath string) ([]string, Errno, error) {
	full, err := t.resolve(relpath)
	if err != nil {
		return nil, -1, err
	}
	names, err := xattr.LList(full)
	if err != nil {
		return nil, toErrno(err), err
	}
	return names, ErrnoNone, nil
}

// SetXattr is used by the setxattr/getxattr estale-cookie strategy to
// stamp a freshly observed file with a cookie on first sight.
func (t *Tree) SetXattr(relpath, name string, value []byte) error {
	full, err := t.resolve(relpath)
	if err != nil {
		return err
	}
	return xattr.LSet(full, name, value)
}
