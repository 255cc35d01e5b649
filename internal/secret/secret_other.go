//go:build !linux

package secret

// mlock is a no-op on platforms without an mlock(2)/VirtualLock
// equivalent wired up here; the secret is still zeroized at
// destruction, just not paging-resistant.
func mlock(b []byte) {}

func munlock(b []byte) {}
