//go:build linux

package origin

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// fsIocGetversion is FS_IOC_GETVERSION from linux/fs.h: _IOR('v', 1, long).
const fsIocGetversion = 0x80087601

// iocGetversion reads the ext2/ext4/xfs inode generation counter via
// FS_IOC_GETVERSION. It advances across inode reuse on filesystems
// that support it, which st_ino alone does not.
func iocGetversion(tree *Tree, relpath string) (uint64, error) {
	full, err := tree.resolve(relpath)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(full)
	if err != nil {
		return 0, errors.Wrap(err, "origin: opening for FS_IOC_GETVERSION")
	}
	defer f.Close()

	var version int64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(fsIocGetversion), uintptr(unsafe.Pointer(&version)))
	if errno != 0 {
		return 0, errors.Wrapf(errno, "origin: FS_IOC_GETVERSION ioctl on %s", relpath)
	}
	return uint64(version), nil
}
