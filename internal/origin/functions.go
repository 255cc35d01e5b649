package origin

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/DEShawResearch/fs123-sub001/internal/protocol"
)

// statAndValidate runs steps 4-7 shared by every function that needs a
// file's attributes: lstat, estale cookie, monotonic validator, etag.
func (h *Handler) statAndValidate(req *protocol.Request) (protocol.Attrs, Errno, uint64, string, error) {
	fi, errno, err := h.Tree.Lstat(req.Path)
	if errno != ErrnoNone {
		return protocol.Attrs{}, errno, 0, "", err
	}

	cookie, err := EstaleCookie(h.Config.Estale, h.Tree, req.Path, fi)
	if err != nil {
		return protocol.Attrs{}, -1, 0, "", errors.Wrap(err, "origin: computing estale cookie")
	}

	sysStat, attrs := attrsFromFileInfo(fi)
	mtimeNs := attrs.MtimeNsTotal()
	nowNs := uint64(h.Now().UnixNano())
	validator := protocol.MonotonicValidator(mtimeNs, nowNs, h.Config.MtimGranularityNs)

	sid := ""
	if req.AcceptsSecretbox {
		if s, err := h.Secrets.CurrentEncodingSid(); err == nil {
			sid = s
		}
	}
	inner := protocol.ComputeEtag(validator, cookie, attrs.Size, sid)
	etag := protocol.EtagMangle(inner, sid)

	_ = sysStat
	return attrs, ErrnoNone, cookie, etag, nil
}

func (h *Handler) checkConditional(req *protocol.Request, etag string) (*protocol.Reply, error) {
	if !req.HasINM {
		return nil, nil
	}
	sid := ""
	if req.AcceptsSecretbox {
		if s, err := h.Secrets.CurrentEncodingSid(); err == nil {
			sid = s
		}
	}
	innerWanted := protocol.InmDemangle(`"`+strconv.FormatUint(req.INM, 10)+`"`, sid)
	gotInner := protocol.InmDemangle(etag, sid)
	if innerWanted == gotInner {
		cc := h.cacheControl(req.Path, 0)
		return &protocol.Reply{Status: 304, Date: h.Now(), Etag: etag, CacheControl: cc}, nil
	}
	return nil, nil
}

// serveAttr handles the `a` function: serialized stat, newline, decimal
// content-validator (spec.md §4.3, S1).
func (h *Handler) serveAttr(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	attrs, errno, _, etag, err := h.statAndValidate(req)
	if errno != ErrnoNone {
		if err != nil && errno == -1 {
			return nil, errors.Wrap(err, "origin: serving attr")
		}
		return h.errnoReply(req, errno)
	}

	if reply, err := h.checkConditional(req, etag); err != nil {
		return nil, err
	} else if reply != nil {
		return reply, nil
	}

	var body strings.Builder
	body.WriteString(attrs.Marshal())
	body.WriteByte('\n')
	nowNs := uint64(h.Now().UnixNano())
	body.WriteString(strconv.FormatUint(protocol.MonotonicValidator(attrs.MtimeNsTotal(), nowNs, h.Config.MtimGranularityNs), 10))

	reply, err := h.finalizeReply(req, ErrnoNone, []byte(body.String()))
	if err != nil {
		return nil, err
	}
	reply.Etag = etag
	return reply, nil
}

// serveLink handles the `l` function: the raw link target as the body.
func (h *Handler) serveLink(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	target, errno, err := h.Tree.Readlink(req.Path)
	if errno != ErrnoNone {
		if errno == -1 {
			return nil, errors.Wrap(err, "origin: readlink")
		}
		return h.errnoReply(req, errno)
	}
	return h.finalizeReply(req, ErrnoNone, []byte(target))
}

// serveXattr handles the `x` function: kib;urlencoded_name;, returning
// either the raw xattr value or (empty name) a netstring-joined list.
func (h *Handler) serveXattr(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	q, err := protocol.ParseXattrQuery(req.Query)
	if err != nil {
		return nil, newProtocolError(400, err)
	}
	budget := q.Kib * 1024

	if q.Name == "" {
		names, errno, err := h.Tree.ListXattr(req.Path)
		if errno != ErrnoNone {
			if errno == -1 {
				return nil, errors.Wrap(err, "origin: listxattr")
			}
			return h.errnoReply(req, errno)
		}
		var body strings.Builder
		for _, n := range names {
			rec := protocol.Netstring(n)
			if budget > 0 && body.Len()+len(rec) > budget {
				break
			}
			body.WriteString(rec)
		}
		return h.finalizeReply(req, ErrnoNone, []byte(body.String()))
	}

	v, errno, err := h.Tree.GetXattr(req.Path, q.Name)
	if errno != ErrnoNone {
		if errno == -1 {
			return nil, errors.Wrap(err, "origin: getxattr")
		}
		return h.errnoReply(req, errno)
	}
	if budget > 0 && len(v) > budget {
		v = v[:budget]
	}
	return h.finalizeReply(req, ErrnoNone, v)
}

// serveStatvfs handles the `s` function. Go's standard library has no
// portable statvfs binding; on Linux this reports the export root's
// filesystem figures from statfs(2) via golang.org/x/sys/unix, and on
// other platforms statvfsBody returns ErrStatvfsUnsupported.
func (h *Handler) serveStatvfs(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	body, err := statvfsBody(h.Tree.Root)
	if err != nil {
		return nil, errors.Wrap(err, "origin: statvfs")
	}
	return h.finalizeReply(req, ErrnoNone, body)
}

