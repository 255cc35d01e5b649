//go:build linux

package secret

import "golang.org/x/sys/unix"

// mlock best-effort-pins b's backing pages against being written to
// swap, per spec.md §3's "resist paging" requirement. Failure (most
// commonly RLIMIT_MEMLOCK on an unprivileged process) is not fatal:
// the secret is still usable, just not pinned.
func mlock(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Mlock(b)
}

func munlock(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Munlock(b)
}
