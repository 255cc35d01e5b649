//go:build linux

package origin

import (
	"os"
	"syscall"

	"github.com/DEShawResearch/fs123-sub001/internal/protocol"
)

// attrsFromFileInfo converts an os.FileInfo's underlying syscall.Stat_t
// into the wire Attrs form (spec.md §3).
func attrsFromFileInfo(fi os.FileInfo) (*syscall.Stat_t, protocol.Attrs) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, protocol.Attrs{Size: fi.Size(), Mode: uint32(fi.Mode().Perm())}
	}
	return st, protocol.Attrs{
		Mode:    uint32(st.Mode),
		Nlink:   uint64(st.Nlink),
		Uid:     st.Uid,
		Gid:     st.Gid,
		Size:    st.Size,
		Blocks:  st.Blocks,
		Rdev:    uint64(st.Rdev),
		AtimeS:  int64(st.Atim.Sec),
		AtimeNs: int64(st.Atim.Nsec),
		MtimeS:  int64(st.Mtim.Sec),
		MtimeNs: int64(st.Mtim.Nsec),
		CtimeS:  int64(st.Ctim.Sec),
		CtimeNs: int64(st.Ctim.Nsec),
	}
}
