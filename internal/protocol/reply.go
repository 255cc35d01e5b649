package protocol

import (
	"strconv"
	"strings"
	"time"
)

// Reply is the decoded tuple an origin or peer handler produces for a
// request (spec.md §3): status, a strong validator, errno, estale
// cookie, a directory continuation marker, cache-control, and body.
type Reply struct {
	Status          int
	Date            time.Time
	Etag            string // already mangled, quoted
	Errno           int    // 0 on success; conveyed via fs123-errno on a 200
	EstaleCookie    uint64
	HasEstaleCookie bool
	NextOffset      int64
	HasNextOffset   bool // directory replies only; distinguishes offset 0 from "no offset"
	AtEOF           bool // directory replies only
	CacheControl    string
	ContentEncoding string
	Trsum           string // hex xxhash of plaintext body, unencrypted replies only
	Body            []byte
}

// Headers renders the reply's metadata as the HTTP header set spec.md
// §6 lists, excluding Content-Type and Content-Length which the
// transport layer fills in. Callers that serve conditional (304)
// replies should drop Body before writing.
func (r Reply) Headers() map[string]string {
	h := map[string]string{
		"Date": r.Date.UTC().Format(http1123),
	}
	if r.Etag != "" {
		h["ETag"] = r.Etag
	}
	h["fs123-errno"] = strconv.Itoa(r.Errno)
	if r.HasEstaleCookie {
		h["fs123-estalecookie"] = strconv.FormatUint(r.EstaleCookie, 10)
	}
	if r.AtEOF {
		h["fs123-nextoffset"] = "EOF"
	} else if r.HasNextOffset {
		h["fs123-nextoffset"] = strconv.FormatInt(r.NextOffset, 10)
	}
	if r.CacheControl != "" {
		h["Cache-Control"] = r.CacheControl
	}
	if r.ContentEncoding != "" {
		h["Content-Encoding"] = r.ContentEncoding
	} else {
		h["Vary"] = "Accept-Encoding"
	}
	if r.Trsum != "" {
		h["fs123-trsum"] = r.Trsum
	}
	return h
}

const http1123 = "Mon, 02 Jan 2006 15:04:05 GMT"

// CacheControl renders a max-age[,stale-while-revalidate=n] directive
// string, optionally prefixed by extra directives (e.g. "public,"),
// matching selector_manager111's short_timeout_cc / long-table
// construction.
func CacheControl(extraDirectives string, maxAgeSeconds, staleWhileRevalidateSeconds int) string {
	var b strings.Builder
	if extraDirectives != "" {
		b.WriteString(extraDirectives)
		if !strings.HasSuffix(extraDirectives, ",") {
			b.WriteByte(',')
		}
	}
	b.WriteString("max-age=")
	b.WriteString(strconv.Itoa(maxAgeSeconds))
	if staleWhileRevalidateSeconds > 0 {
		b.WriteString(",stale-while-revalidate=")
		b.WriteString(strconv.Itoa(staleWhileRevalidateSeconds))
	}
	return b.String()
}
