//go:build !linux

package origin

import (
	"os"

	"github.com/DEShawResearch/fs123-sub001/internal/protocol"
)

// attrsFromFileInfo falls back to the portable os.FileInfo fields on
// platforms without a syscall.Stat_t shaped like Linux's (this
// implementation's FS_IOC_GETVERSION estale strategy and exact-nanosecond
// Stat_t layout both target Linux, matching the original export
// server's deployment target).
func attrsFromFileInfo(fi os.FileInfo) (interface{}, protocol.Attrs) {
	mt := fi.ModTime()
	return nil, protocol.Attrs{
		Mode:   uint32(fi.Mode().Perm()),
		Nlink:  1,
		Size:   fi.Size(),
		MtimeS: mt.Unix(), MtimeNs: int64(mt.Nanosecond()),
	}
}
