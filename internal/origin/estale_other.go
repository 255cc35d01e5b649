//go:build !linux

package origin

import "github.com/pkg/errors"

// ErrGetversionUnsupported is returned by iocGetversion on platforms
// without FS_IOC_GETVERSION (everything but Linux's ext2/ext4/xfs
// family).
var ErrGetversionUnsupported = errors.New("origin: ioc_getversion estale strategy is only supported on linux")

func iocGetversion(tree *Tree, relpath string) (uint64, error) {
	return 0, ErrGetversionUnsupported
}
