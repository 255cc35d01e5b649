//go:build !linux

package origin

import "github.com/pkg/errors"

// ErrStatvfsUnsupported is returned on platforms without a statfs(2)
// syscall binding in x/sys/unix shaped like Linux's.
var ErrStatvfsUnsupported = errors.New("origin: statvfs is only implemented on linux")

func statvfsBody(root string) ([]byte, error) {
	return nil, ErrStatvfsUnsupported
}
