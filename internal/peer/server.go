package peer

import (
	"io"
	"net/http"
	"strings"

	"github.com/DEShawResearch/fs123-sub001/internal/fslog"
)

// Server is the small HTTP endpoint every peer runs to re-expose a
// slice of its cache to other peers (spec.md §4.5.4). It strips the
// "/p" prefix and forwards to Upstream, except for the reserved
// "/p/p/uuid" path which answers with Self.UUID directly.
type Server struct {
	Self     Peer
	Upstream http.Handler
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/p") {
		http.NotFound(w, r)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/p")

	if rest == "/p/uuid" {
		io.WriteString(w, s.Self.UUID)
		return
	}

	r2 := r.Clone(r.Context())
	r2.URL.Path = rest
	fslog.Debugf(r.Context(), "peer: forwarding %s to upstream as %s", r.URL.Path, rest)
	s.Upstream.ServeHTTP(w, r2)
}
