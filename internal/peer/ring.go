// Package peer implements the fs123 peer overlay (spec.md §4.5): a
// consistent-hash ring of client-side caches, UDP-reflector membership
// gossip, request dispatch with discourage-then-origin-fallback
// semantics, and the small HTTP server each peer runs to re-expose a
// slice of its cache to the others.
//
// No library in the retrieved corpus implements a consistent hash
// ring or a UDP gossip protocol (see DESIGN.md); this package is
// original code, grounded on cespare/xxhash/v2 (already present for
// etag mangling) for the ring's hash function.
package peer

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Peer is one member of the overlay (spec.md §3 "Peer"): a uuid, its
// base URL, and (owned by the dispatcher, not the ring) a reusable
// HTTP client.
type Peer struct {
	UUID    string
	BaseURL string
}

// defaultVnodes is the number of virtual points each peer gets on the
// ring; higher counts trade memory for a more even key distribution.
const defaultVnodes = 64

// Ring is a consistent-hash ring keyed on request paths. Self is
// always a member (spec.md §4.5.1). Insertion/removal remaps only
// ~1/N of keys.
type Ring struct {
	mu      sync.RWMutex
	vnodes  int
	points  []uint64          // sorted
	owners  map[uint64]string // point -> peer uuid
	members map[string]Peer   // uuid -> Peer
	self    string
}

// NewRing creates an empty ring. self is always inserted as a member.
func NewRing(self Peer) *Ring {
	r := &Ring{
		vnodes:  defaultVnodes,
		owners:  map[uint64]string{},
		members: map[string]Peer{},
		self:    self.UUID,
	}
	r.Insert(self)
	return r
}

// Insert adds or updates a peer's membership.
func (r *Ring) Insert(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.members[p.UUID]; exists {
		r.removeLocked(p.UUID)
	}
	r.members[p.UUID] = p
	for i := 0; i < r.vnodes; i++ {
		pt := vnodeHash(p.UUID, i)
		r.owners[pt] = p.UUID
		r.points = append(r.points, pt)
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i] < r.points[j] })
}

// Remove drops a peer from the ring entirely (spec.md §4.5.2,
// discouragement).
func (r *Ring) Remove(uuid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(uuid)
}

func (r *Ring) removeLocked(uuid string) {
	if _, ok := r.members[uuid]; !ok {
		return
	}
	delete(r.members, uuid)
	filtered := r.points[:0]
	for _, pt := range r.points {
		if r.owners[pt] == uuid {
			delete(r.owners, pt)
			continue
		}
		filtered = append(filtered, pt)
	}
	r.points = filtered
}

// Lookup returns the peer owning key (the request path), or false if
// the ring is empty.
func (r *Ring) Lookup(key string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return Peer{}, false
	}
	h := xxhash.Sum64String(key)
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if i == len(r.points) {
		i = 0
	}
	uuid := r.owners[r.points[i]]
	return r.members[uuid], true
}

// Members returns a snapshot of the current membership.
func (r *Ring) Members() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.members))
	for _, p := range r.members {
		out = append(out, p)
	}
	return out
}

// Has reports whether uuid is currently a member.
func (r *Ring) Has(uuid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[uuid]
	return ok
}

func vnodeHash(uuid string, i int) uint64 {
	return xxhash.Sum64String(uuid + "#" + strconv.Itoa(i))
}
