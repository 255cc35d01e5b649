package protocol

import (
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// MonotonicValidator derives a validator from a modification time that
// is safe to use even on filesystems whose mtime granularity is coarser
// than a nanosecond (spec.md §4.4, Design Notes). granularityNs is the
// assumed granularity (exportd's --mtim_granularity_ns, default 4ms);
// nowNs is the current wall-clock time in nanoseconds.
//
// This must stay byte-for-byte equivalent to
// min(mtime_ns, now_ns - 2*granularity_ns): callers that change this
// formula will desynchronize ETag generation from clients already
// holding cached responses.
func MonotonicValidator(mtimeNs, nowNs, granularityNs uint64) uint64 {
	bound := nowNs - 2*granularityNs
	if mtimeNs < bound {
		return mtimeNs
	}
	return bound
}

// ComputeEtag hashes the monotonic validator together with the
// estale-cookie, the file size, and the secret id into a single 64 bit
// inner etag (spec.md §4.4). The secret id is mixed in so that rotating
// encryption secrets invalidates caches holding responses encrypted
// under a retired secret.
//
// threeroe is out of scope for this implementation (spec.md
// Non-goals); xxhash/v2's XXH64 fills the same non-cryptographic,
// high-quality-mixing role.
func ComputeEtag(monotonicValidator uint64, estaleCookie uint64, size int64, secretID string) uint64 {
	h := xxhash.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], monotonicValidator)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], estaleCookie)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(size))
	h.Write(buf[:])
	h.Write([]byte(secretID))
	return h.Sum64()
}

// EtagMangle XORs an inner etag with a hash of the encoding secret id
// (esid) and renders it as a quoted decimal string suitable for an
// ETag header (spec.md §4.4). esid is the empty string when replies
// are not being encrypted.
func EtagMangle(inner uint64, esid string) string {
	h := uint64(0)
	if esid != "" {
		h = xxhash.Sum64String(esid)
	}
	return quoteUint64(inner ^ h)
}

// InmDemangle is the inverse of EtagMangle applied to an incoming
// If-None-Match header value: it unmangles the client-supplied etag
// back into the inner validator so it can be compared against a
// freshly computed one. A header that doesn't parse as a mangled etag
// demangles to 0, which legitimately never matches (same behavior as
// the original server: malformed If-None-Match headers are logged and
// ignored, not treated as errors).
func InmDemangle(inm string, esid string) uint64 {
	if inm == "" {
		return 0
	}
	v, err := parseQuotedEtag(inm)
	if err != nil {
		return 0
	}
	h := uint64(0)
	if esid != "" {
		h = xxhash.Sum64String(esid)
	}
	return h ^ v
}

// quoteUint64 matches the `"%llu"` quoting the original server's
// etag_mangle produces.
func quoteUint64(v uint64) string {
	return `"` + strconv.FormatUint(v, 10) + `"`
}
