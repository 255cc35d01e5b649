package origin

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/DEShawResearch/fs123-sub001/internal/protocol"
)

// serveDir handles the `d` function: a budgeted chunk of directory
// entries plus a continuation offset (spec.md §4.4 "Directory reads",
// P8, S3).
//
// The opaque offset this implementation hands out is simply the index
// into the name-sorted listing of the next entry to emit; Readdir's
// sort gives the stable "telldir" ordering the protocol needs across
// chunked reads of an unmodified directory.
func (h *Handler) serveDir(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	q, err := protocol.ParseDirQuery(req.Query)
	if err != nil {
		return nil, newProtocolError(400, err)
	}

	entries, errno, err := h.Tree.Readdir(req.Path)
	if errno != ErrnoNone {
		if errno == -1 {
			return nil, errors.Wrap(err, "origin: readdir")
		}
		return h.errnoReply(req, errno)
	}

	start := 0
	if !q.Begin {
		start = int(q.Offset)
		if start < 0 || start > len(entries) {
			return nil, newProtocolError(400, errors.Errorf("origin: offset %d out of range", q.Offset))
		}
	}

	budget := q.Kib * 1024
	var body strings.Builder
	i := start
	for ; i < len(entries); i++ {
		e := entries[i]
		cookie, err := h.childEstaleCookie(req.Path, e.name)
		if err != nil {
			return nil, errors.Wrap(err, "origin: computing child estale cookie")
		}
		rec := protocol.Dirent{Name: e.name, Type: e.typ, EstaleCookie: cookie}.Marshal()
		if budget > 0 && body.Len()+len(rec) > budget {
			break
		}
		body.WriteString(rec)
	}
	body.WriteString(protocol.TerminatingDirentRecord())

	reply, err := h.finalizeReply(req, ErrnoNone, []byte(body.String()))
	if err != nil {
		return nil, err
	}
	if i >= len(entries) {
		reply.AtEOF = true
	} else {
		reply.NextOffset = int64(i)
		reply.HasNextOffset = true
	}
	return reply, nil
}

func (h *Handler) childEstaleCookie(dirpath, name string) (uint64, error) {
	childPath := name
	if dirpath != "" {
		childPath = dirpath + "/" + name
	}
	fi, errno, err := h.Tree.Lstat(childPath)
	if errno != ErrnoNone {
		// The child vanished between readdir and lstat; report a zero
		// cookie rather than failing the whole chunk.
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return EstaleCookie(h.Config.Estale, h.Tree, childPath, fi)
}
