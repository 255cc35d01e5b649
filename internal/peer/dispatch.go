package peer

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/DEShawResearch/fs123-sub001/internal/fslog"
)

// Backend fetches a request either from the origin directly or from a
// peer's re-exported cache, matching spec.md §4.5.3 "Request dispatch".
type Backend struct {
	Ring       *Ring
	Reflector  *Reflector // used to emit discouragement datagrams; nil disables them
	ReflectAddr string    // not read; discouragement goes to Reflector.Addr

	// Origin issues rawAfterSigil directly against the origin handler,
	// bypassing HTTP (same process, spec.md §4.5.3 "self" case). header
	// carries the inbound request's Accept-Encoding/If-None-Match so the
	// in-process path sees exactly what an HTTP round trip would have.
	Origin func(ctx context.Context, rawAfterSigil string, header http.Header) (*http.Response, error)

	Client *http.Client
}

// NewBackend wires a Backend with a sane default HTTP client timeout
// (spec.md §4.5.4 "Cancellation and timeout").
func NewBackend(ring *Ring, origin func(ctx context.Context, rawAfterSigil string, header http.Header) (*http.Response, error)) *Backend {
	return &Backend{
		Ring:   ring,
		Origin: origin,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch routes rawAfterSigil (the URL tail starting at "/fs123/...")
// through the consistent-hash ring: self maps to the origin backend
// directly, any other peer is tried over HTTP with "/p" prepended, and
// any failure from that peer triggers discourage+remove+origin-retry.
// header carries the caller's Accept-Encoding/If-None-Match and is
// forwarded verbatim to whichever backend ends up serving the request.
func (b *Backend) Fetch(ctx context.Context, rawAfterSigil string, header http.Header) (*http.Response, error) {
	target, ok := b.Ring.Lookup(rawAfterSigil)
	if !ok || target.UUID == b.Ring.selfUUID() {
		return b.Origin(ctx, rawAfterSigil, header)
	}

	resp, err := b.fetchFromPeer(ctx, target, rawAfterSigil, header)
	if err == nil {
		return resp, nil
	}

	fslog.Noticef(ctx, "peer: request to %s (%s) failed, falling back to origin: %v", target.UUID, target.BaseURL, err)
	b.discourageAndRemove(target)
	return b.Origin(ctx, rawAfterSigil, header)
}

func (b *Backend) fetchFromPeer(ctx context.Context, p Peer, rawAfterSigil string, header http.Header) (*http.Response, error) {
	u := strings.TrimRight(p.BaseURL, "/") + "/p" + rawAfterSigil
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "peer: building peer request")
	}
	for _, k := range []string{"Accept-Encoding", "If-None-Match"} {
		if v := header.Get(k); v != "" {
			req.Header.Set(k, v)
		}
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "peer: calling %s", p.UUID)
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, errors.Errorf("peer: %s returned %d", p.UUID, resp.StatusCode)
	}
	return resp, nil
}

// discourageAndRemove implements spec.md §4.5.3 steps (a) and (b): it
// broadcasts a discouragement datagram for p over the reflector so
// other peers drop it too, then removes it from the local ring
// unconditionally (removal must happen even if no reflector is wired).
func (b *Backend) discourageAndRemove(p Peer) {
	if b.Reflector != nil {
		b.Reflector.AnnounceAbsent(p.BaseURL)
	}
	b.Ring.Remove(p.UUID)
}

func (r *Ring) selfUUID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self
}
