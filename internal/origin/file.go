package origin

import (
	"context"
	"strconv"

	"github.com/pkg/errors"

	"github.com/DEShawResearch/fs123-sub001/internal/protocol"
)

// serveFile handles the `f` function: netstring(content-validator)
// followed by the requested byte window (spec.md §4.3, S2).
func (h *Handler) serveFile(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	q, err := protocol.ParseFileQuery(req.Query)
	if err != nil {
		return nil, newProtocolError(400, err)
	}

	attrs, errno, _, etag, err := h.statAndValidate(req)
	if errno != ErrnoNone {
		if err != nil && errno == -1 {
			return nil, errors.Wrap(err, "origin: serving file")
		}
		return h.errnoReply(req, errno)
	}

	if reply, err := h.checkConditional(req, etag); err != nil {
		return nil, err
	} else if reply != nil {
		return reply, nil
	}

	nowNs := uint64(h.Now().UnixNano())
	validator := protocol.MonotonicValidator(attrs.MtimeNsTotal(), nowNs, h.Config.MtimGranularityNs)

	offset := q.OffsetKi * 1024
	want := q.Kib * 1024
	buf := make([]byte, want)
	n, errno, err := h.Tree.ReadFileChunk(req.Path, offset, buf)
	if errno != ErrnoNone {
		if errno == -1 {
			return nil, errors.Wrap(err, "origin: reading file chunk")
		}
		return h.errnoReply(req, errno)
	}

	var body []byte
	if req.Minor >= protocol.Minor2 {
		body = append(body, protocol.Netstring(strconv.FormatUint(validator, 10))...)
	}
	body = append(body, buf[:n]...)

	reply, err := h.finalizeReply(req, ErrnoNone, body)
	if err != nil {
		return nil, err
	}
	reply.Etag = etag
	return reply, nil
}
