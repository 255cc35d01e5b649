//go:build linux

package origin

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// statvfsBody serializes a statvfs(2) result the way the `s` function's
// body is defined (spec.md §4.3): POSIX struct statvfs fields as
// whitespace-separated decimals, mirroring Attrs.Marshal's approach for
// struct stat.
func statvfsBody(root string) ([]byte, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return nil, err
	}
	s := fmt.Sprintf("%d %d %d %d %d %d %d %d %d %d %d",
		st.Bsize, st.Blocks, st.Bfree, st.Bavail,
		st.Files, st.Ffree, st.Bsize, st.Namelen,
		st.Frsize, st.Flags, st.Fsid.Val[0])
	return []byte(s), nil
}
