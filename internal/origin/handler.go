// Package origin implements the fs123 origin handler (spec.md §4.4):
// the nine-step request pipeline that maps a parsed fs123 request onto
// a local directory tree, computing validators and cache-control the
// way do_request.cpp's request_handler111 does.
package origin

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/DEShawResearch/fs123-sub001/internal/ccrules"
	"github.com/DEShawResearch/fs123-sub001/internal/codec"
	"github.com/DEShawResearch/fs123-sub001/internal/fslog"
	"github.com/DEShawResearch/fs123-sub001/internal/protocol"
	"github.com/DEShawResearch/fs123-sub001/internal/stats"
)

// SecretStore is the subset of secret.Store the handler needs.
type SecretStore interface {
	CurrentEncodingSid() (string, error)
	Get(sid string) ([]byte, error)
}

// secretStoreAdapter exposes the handler's SecretStore as a
// codec.SecretStore by forwarding Get.
type secretStoreAdapter struct{ s SecretStore }

func (a secretStoreAdapter) Get(sid string) ([]byte, error) { return a.s.Get(sid) }

// Config holds the per-installation policy knobs spec.md §6 lists as
// the CLI surface.
type Config struct {
	AllowUnencryptedRequests bool
	AllowUnencryptedReplies  bool
	AllowLegacyMinor0        bool

	MtimGranularityNs uint64

	MaxAgeShort, MaxAgeLong int
	SwrShort, SwrLong       int
	CacheControlDirectives  string // e.g. "public,"; empty is fine

	LongTimeoutTree *LongTimeoutTree
	CCRules         *ccrules.Rules

	Estale EstaleStrategy

	PadAlign int
}

// Handler is the origin's request entry point.
type Handler struct {
	Tree    *Tree
	Secrets SecretStore
	Config  Config
	Stats   *stats.Registry

	// Now is substitutable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewHandler builds a Handler with Now defaulted and a fresh Stats
// registry.
func NewHandler(tree *Tree, secrets SecretStore, cfg Config) *Handler {
	return &Handler{Tree: tree, Secrets: secrets, Config: cfg, Now: time.Now, Stats: stats.New()}
}

// Serve runs the nine-step pipeline against the portion of a URL at
// and after the protocol sigil. acceptsSecretbox reflects the client's
// Accept-Encoding header; inm is the raw If-None-Match header value,
// if any.
func (h *Handler) Serve(ctx context.Context, rawAfterSigil string, acceptsSecretbox bool, inm string) (*protocol.Reply, error) {
	return h.serve(ctx, rawAfterSigil, acceptsSecretbox, inm, 0)
}

// envelopeRecursionLimit bounds how many times an `e` function may
// decode to another `e` function, guarding against a pathological
// client looping the handler forever.
const envelopeRecursionLimit = 4

func (h *Handler) serve(ctx context.Context, rawAfterSigil string, acceptsSecretbox bool, inm string, depth int) (*protocol.Reply, error) {
	// Step 1: validate/parse.
	req, err := protocol.ParseRequest(rawAfterSigil, acceptsSecretbox, inm, h.Config.AllowLegacyMinor0)
	if err != nil {
		fslog.Noticef(ctx, "bad request %q: %v", rawAfterSigil, err)
		h.Stats.ObserveProtocolError()
		return nil, newProtocolError(400, err)
	}
	h.Stats.ObserveRequest(req.Function.String())
	if req.Function != protocol.FuncEnvelope && req.Function != protocol.FuncNumbers {
		if err := protocol.ValidatePath(req.Path); err != nil {
			fslog.Noticef(ctx, "unsafe path %q: %v", req.Path, err)
			return nil, newProtocolError(400, err)
		}
	}

	// Step 2: envelope decode and restart.
	if req.Function == protocol.FuncEnvelope {
		if depth >= envelopeRecursionLimit {
			return nil, newProtocolError(400, errors.New("origin: envelope nesting too deep"))
		}
		inner, err := h.decodeEnvelope(req.Path)
		if err != nil {
			fslog.Errorf(ctx, "envelope decode failed: %v", err)
			return nil, newProtocolError(400, err)
		}
		return h.serve(ctx, protocol.Sigil+strconv.Itoa(req.Major)+"/"+strconv.Itoa(req.Minor)+inner, acceptsSecretbox, inm, depth+1)
	}

	// Step 3: require encryption if configured.
	if !h.Config.AllowUnencryptedRequests && !acceptsSecretbox {
		fslog.Noticef(ctx, "rejecting unencrypted request for %q", req.Path)
		return nil, newProtocolError(406, errors.New("origin: encryption required"))
	}

	reply, err := h.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// dispatch implements steps 4-9 for a single, already-decoded request.
func (h *Handler) dispatch(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	switch req.Function {
	case protocol.FuncAttr:
		return h.serveAttr(ctx, req)
	case protocol.FuncDir:
		return h.serveDir(ctx, req)
	case protocol.FuncFile:
		return h.serveFile(ctx, req)
	case protocol.FuncLink:
		return h.serveLink(ctx, req)
	case protocol.FuncXattr:
		return h.serveXattr(ctx, req)
	case protocol.FuncStatvfs:
		return h.serveStatvfs(ctx, req)
	case protocol.FuncNumbers:
		return h.serveNumbers(req)
	default:
		return nil, newProtocolError(400, errors.Errorf("origin: function %q not handled by the origin", req.Function))
	}
}

// decodeEnvelope base64url-decodes and authenticates the `e` function's
// path component, returning the recovered "/FUNCTION/path?query" string.
func (h *Handler) decodeEnvelope(b64 string) (string, error) {
	frame, err := protocol.DecodeEnvelopeB64(b64)
	if err != nil {
		return "", err
	}
	plain, err := codec.Decode(codec.Authenticated, frame, secretStoreAdapter{h.Secrets})
	if err != nil {
		h.Stats.ObserveDecryptFailure()
		return "", err
	}
	h.Stats.ObserveDecryption()
	return string(plain), nil
}

// finalizeReply fills in Date, encrypts the body if requested, and
// applies the cache-control lookup — the shared tail of step 9 for
// every function.
func (h *Handler) finalizeReply(req *protocol.Request, errno Errno, body []byte) (*protocol.Reply, error) {
	cc := h.cacheControl(req.Path, int(errno))
	reply := &protocol.Reply{
		Status:       200,
		Date:         h.Now(),
		Errno:        int(errno),
		CacheControl: cc,
		Body:         body,
	}
	if req.AcceptsSecretbox {
		sid, err := h.Secrets.CurrentEncodingSid()
		if err != nil {
			return nil, errors.Wrap(err, "origin: no encoding secret available")
		}
		secret, err := h.Secrets.Get(sid)
		if err != nil {
			return nil, errors.Wrap(err, "origin: loading encoding secret")
		}
		frame, err := codec.Encode(codec.Authenticated, sid, secret, body, h.padAlign(), false)
		if err != nil {
			return nil, errors.Wrap(err, "origin: encoding reply")
		}
		reply.Body = frame
		reply.ContentEncoding = codec.HeaderForEncoding(codec.Authenticated)
		h.Stats.ObserveEncryption()
	} else if !h.Config.AllowUnencryptedReplies {
		return nil, newProtocolError(406, errors.New("origin: unencrypted replies are not permitted"))
	}
	return reply, nil
}

func (h *Handler) padAlign() int {
	if h.Config.PadAlign <= 0 {
		return codec.DefaultPadAlign
	}
	return h.Config.PadAlign
}

// cacheControl implements the prefix-table plus decentralized-override
// lookup described in spec.md §4.3, grounded on
// selector_manager111.cpp's get_cache_control.
func (h *Handler) cacheControl(relpath string, errno int) string {
	if errno != 0 && errno != int(ErrnoNoEnt) {
		return protocol.CacheControl(h.Config.CacheControlDirectives, h.Config.MaxAgeShort, h.Config.SwrShort)
	}
	if h.Config.CCRules != nil {
		if rule, ok := h.Config.CCRules.Lookup(relpath); ok {
			return rule.CacheControl(h.Config.CacheControlDirectives)
		}
	}
	if h.Config.LongTimeoutTree != nil && h.Config.LongTimeoutTree.IsLong(relpath) {
		return protocol.CacheControl(h.Config.CacheControlDirectives, h.Config.MaxAgeLong, h.Config.SwrLong)
	}
	return protocol.CacheControl(h.Config.CacheControlDirectives, h.Config.MaxAgeShort, h.Config.SwrShort)
}

// errnoReply builds the step-9 "cacheable filesystem error" reply
// directly, skipping body population but still running cache-control
// and encryption.
func (h *Handler) errnoReply(req *protocol.Request, errno Errno) (*protocol.Reply, error) {
	if !errno.Cacheable() {
		h.Stats.ObserveFilesystemError()
		return nil, newFilesystemError(errno)
	}
	h.Stats.ObserveErrno(int(errno))
	return h.finalizeReply(req, errno, nil)
}

// serveNumbers handles the `n` function: a plain-text rendering of the
// counters the origin has accumulated (spec.md §4.3), grounded on
// do_request.cpp's do_numbers_.
func (h *Handler) serveNumbers(req *protocol.Request) (*protocol.Reply, error) {
	body, err := h.Stats.RenderText()
	if err != nil {
		return nil, errors.Wrap(err, "origin: rendering statistics")
	}
	return &protocol.Reply{
		Status:       200,
		Date:         h.Now(),
		CacheControl: protocol.CacheControl(h.Config.CacheControlDirectives, 0, 0),
		Body:         body,
	}, nil
}

func newProtocolError(status int, err error) error {
	return &HandlerError{Status: status, Err: err}
}

func newFilesystemError(errno Errno) error {
	return &HandlerError{Status: 500, Err: errors.Errorf("origin: unexpected errno %d", int(errno))}
}

// HandlerError is a pipeline failure that should become an HTTP
// response with no fs123-errno conveyance (spec.md §7, "Protocol" and
// "Resource" error kinds).
type HandlerError struct {
	Status int
	Err    error
}

func (e *HandlerError) Error() string { return e.Err.Error() }
func (e *HandlerError) Unwrap() error { return e.Err }
