package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/DEShawResearch/fs123-sub001/internal/ccrules"
	"github.com/DEShawResearch/fs123-sub001/internal/fslog"
	"github.com/DEShawResearch/fs123-sub001/internal/origin"
	"github.com/DEShawResearch/fs123-sub001/internal/peer"
	"github.com/DEShawResearch/fs123-sub001/internal/secret"
)

type serveOpts struct {
	bindaddr string
	port     int

	exportRoot      string
	sharedkeydir    string
	encodingKeyfile string

	allowUnencryptedRequests bool
	allowUnencryptedReplies  bool
	allowLegacyMinor0        bool

	estaleCookieSrc   string
	mtimGranularityNs int64

	maxAgeShort, maxAgeLong int
	swrShort, swrLong       int
	longTimeoutPrefixes     []string
	ccRulesFile             string
	cacheControlDirectives  string

	reflectorAddr string
	peerScope     string

	requestsPerSecond float64
}

func newServeCmd() *cobra.Command {
	o := &serveOpts{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fs123 origin HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runServe(ctx, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.bindaddr, "bindaddr", "0.0.0.0", "address to listen on")
	f.IntVar(&o.port, "port", 8080, "port to listen on")
	f.StringVar(&o.exportRoot, "export-root", ".", "local directory tree to export")
	f.StringVar(&o.sharedkeydir, "sharedkeydir", "", "directory of <sid>.sharedkey files (empty disables encryption)")
	f.StringVar(&o.encodingKeyfile, "encoding-keyid-file", "encoding", "base name of the .keyid pointer file")
	f.BoolVar(&o.allowUnencryptedRequests, "allow-unencrypted-requests", true, "accept requests with no Accept-Encoding: fs123-secretbox")
	f.BoolVar(&o.allowUnencryptedReplies, "allow-unencrypted-replies", true, "permit plaintext replies")
	f.BoolVar(&o.allowLegacyMinor0, "allow-legacy-minor0", true, "accept URLs lacking the /<minor>/ segment as minor=0")
	f.StringVar(&o.estaleCookieSrc, "estale-cookie-src", "none", "one of: none, st_ino, ioc_getversion, setxattr, getxattr")
	f.Int64Var(&o.mtimGranularityNs, "mtim-granularity-ns", 4_000_000, "clock granularity used by the monotonic content validator")
	f.IntVar(&o.maxAgeShort, "max-age-short", 5, "max-age in seconds for the short cache-control table")
	f.IntVar(&o.maxAgeLong, "max-age-long", 86400, "max-age in seconds for the long cache-control table")
	f.IntVar(&o.swrShort, "stale-while-revalidate-short", 0, "stale-while-revalidate seconds for the short table")
	f.IntVar(&o.swrLong, "stale-while-revalidate-long", 60, "stale-while-revalidate seconds for the long table")
	f.StringArrayVar(&o.longTimeoutPrefixes, "long-timeout-prefix", nil, "path prefix (relative to export-root) that gets the long cache-control table")
	f.StringVar(&o.ccRulesFile, "cache-control-file", "", "path to a .fs123_cc_rules file for decentralized overrides")
	f.StringVar(&o.cacheControlDirectives, "cache-control-directives", "public", "extra directives prefixed to every Cache-Control value")
	f.StringVar(&o.reflectorAddr, "peer-reflector", "", "UDP reflector or multicast address for peer membership gossip (empty disables the peer overlay)")
	f.StringVar(&o.peerScope, "peer-scope", "default", "tenant scope tag embedded in peer gossip datagrams")
	f.Float64Var(&o.requestsPerSecond, "max-requests-per-second", 0, "per-process rate limit on origin requests; 0 disables")
	return cmd
}

func runServe(ctx context.Context, o *serveOpts) error {
	tree, err := origin.NewTree(o.exportRoot)
	if err != nil {
		return fmt.Errorf("opening export root: %w", err)
	}

	estale, err := origin.ParseEstaleStrategy(o.estaleCookieSrc)
	if err != nil {
		return err
	}

	var ccRules *ccrules.Rules
	if o.ccRulesFile != "" {
		f, err := os.Open(o.ccRulesFile)
		if err != nil {
			return fmt.Errorf("opening cache-control file: %w", err)
		}
		defer f.Close()
		ccRules, err = ccrules.Parse(f)
		if err != nil {
			return fmt.Errorf("parsing cache-control file: %w", err)
		}
	}

	var secretStore origin.SecretStore
	var secretsForMaintenance *secret.Store
	if o.sharedkeydir != "" {
		store := secret.New(o.sharedkeydir, o.encodingKeyfile, 0)
		secretStore = secretStoreShim{store}
		secretsForMaintenance = store
	} else {
		secretStore = noSecrets{}
	}

	handler := origin.NewHandler(tree, secretStore, origin.Config{
		AllowUnencryptedRequests: o.allowUnencryptedRequests,
		AllowUnencryptedReplies:  o.allowUnencryptedReplies,
		AllowLegacyMinor0:        o.allowLegacyMinor0,
		MtimGranularityNs:        uint64(o.mtimGranularityNs),
		MaxAgeShort:              o.maxAgeShort,
		MaxAgeLong:               o.maxAgeLong,
		SwrShort:                 o.swrShort,
		SwrLong:                  o.swrLong,
		CacheControlDirectives:   o.cacheControlDirectives,
		LongTimeoutTree:          origin.NewLongTimeoutTree(o.longTimeoutPrefixes),
		CCRules:                  ccRules,
		Estale:                   estale,
		PadAlign:                 0,
	})

	httpHandler := &originHTTPHandler{handler: handler}

	var limiter *rate.Limiter
	if o.requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.requestsPerSecond), int(o.requestsPerSecond)+1)
	}

	mux := http.NewServeMux()

	if o.reflectorAddr != "" {
		self := peer.Peer{UUID: uuid.NewString(), BaseURL: fmt.Sprintf("http://%s:%d", advertiseHost(o.bindaddr), o.port)}
		ring := peer.NewRing(self)
		reflector := &peer.Reflector{Ring: ring, Self: self, Addr: o.reflectorAddr, Scope: o.peerScope}
		if err := reflector.Start(ctx); err != nil {
			return fmt.Errorf("starting peer reflector: %w", err)
		}
		defer reflector.Stop()

		// "/p/..." is the peer-to-peer entry point (spec.md §4.5.4): it
		// always serves straight from this process's own origin
		// handler, never recursing back through the ring.
		peerServer := &peer.Server{Self: self, Upstream: httpHandler}
		mux.Handle("/p/", peerServer)

		// "/fs123/..." from an ordinary client is first routed through
		// the consistent-hash ring (spec.md §4.5.3): self maps straight
		// to this process's origin handler, any other member is tried
		// over HTTP via its own "/p/" endpoint first, falling back to
		// the local origin handler on any peer failure.
		backend := peer.NewBackend(ring, func(ctx context.Context, rawAfterSigil string, header http.Header) (*http.Response, error) {
			return httpHandler.serveInProcess(ctx, rawAfterSigil, header)
		})
		backend.Reflector = reflector
		mux.Handle("/fs123/", rateLimited(limiter, &peerDispatchHandler{backend: backend}))
		fslog.Infof(ctx, "peer overlay enabled: uuid=%s reflector=%s scope=%s", self.UUID, o.reflectorAddr, o.peerScope)
	} else {
		mux.Handle("/fs123/", rateLimited(limiter, httpHandler))
	}

	addr := net.JoinHostPort(o.bindaddr, strconv.Itoa(o.port))
	srv := &http.Server{Addr: addr, Handler: mux}
	fslog.Infof(ctx, "fs123d listening on %s, exporting %s", addr, o.exportRoot)

	var g errgroup.Group
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown(context.Background())
	})
	if secretsForMaintenance != nil {
		g.Go(func() error {
			runSecretMaintenance(ctx, secretsForMaintenance)
			return nil
		})
	}
	return g.Wait()
}

// runSecretMaintenance periodically evicts and zeroes expired cache
// entries in the secret store (spec.md §4.1: RegularMaintenance is
// "invoked periodically by the runtime"), until ctx is canceled.
func runSecretMaintenance(ctx context.Context, s *secret.Store) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RegularMaintenance()
		}
	}
}

func advertiseHost(bindaddr string) string {
	if bindaddr == "" || bindaddr == "0.0.0.0" {
		return "127.0.0.1"
	}
	return bindaddr
}

func rateLimited(l *rate.Limiter, next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originHTTPHandler adapts origin.Handler.Serve to net/http, rendering
// a Reply's headers and body the way spec.md §6 describes.
type originHTTPHandler struct {
	handler *origin.Handler
}

func (h *originHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rawAfterSigil := r.URL.Path
	if r.URL.RawQuery != "" {
		rawAfterSigil += "?" + r.URL.RawQuery
	}
	acceptsSecretbox := acceptEncodingWants(r.Header.Get("Accept-Encoding"), "fs123-secretbox")
	inm := r.Header.Get("If-None-Match")

	reply, err := h.handler.Serve(r.Context(), rawAfterSigil, acceptsSecretbox, inm)
	if err != nil {
		writeHandlerError(w, err)
		return
	}
	for k, v := range reply.Headers() {
		w.Header().Set(k, v)
	}
	if reply.ContentEncoding != "" {
		w.Header().Set("Content-Type", "application/octet-stream")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(reply.Status)
	if reply.Status != http.StatusNotModified {
		w.Write(reply.Body)
	}
}

// serveInProcess runs the origin pipeline directly, without an HTTP
// round trip, and adapts the result to an *http.Response so it can be
// returned from a peer.Backend's Origin callback (spec.md §4.5.3,
// "the request is sent directly to the origin backend").
func (h *originHTTPHandler) serveInProcess(ctx context.Context, rawAfterSigil string, header http.Header) (*http.Response, error) {
	acceptsSecretbox := acceptEncodingWants(header.Get("Accept-Encoding"), "fs123-secretbox")
	inm := header.Get("If-None-Match")

	reply, err := h.handler.Serve(ctx, rawAfterSigil, acceptsSecretbox, inm)
	if err != nil {
		status := http.StatusInternalServerError
		var he *origin.HandlerError
		if errors.As(err, &he) {
			status = he.Status
		}
		return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(err.Error()))}, nil
	}

	resp := &http.Response{
		StatusCode: reply.Status,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader(reply.Body)),
	}
	for k, v := range reply.Headers() {
		resp.Header.Set(k, v)
	}
	return resp, nil
}

// peerDispatchHandler adapts a peer.Backend's *http.Response-returning
// Fetch to net/http, so ordinary client requests on "/fs123/" are
// routed through the consistent-hash ring instead of always hitting
// this process's own origin handler.
type peerDispatchHandler struct {
	backend *peer.Backend
}

func (h *peerDispatchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rawAfterSigil := r.URL.Path
	if r.URL.RawQuery != "" {
		rawAfterSigil += "?" + r.URL.RawQuery
	}
	resp, err := h.backend.Fetch(r.Context(), rawAfterSigil, r.Header)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if resp.StatusCode != http.StatusNotModified {
		io.Copy(w, resp.Body)
	}
}

func writeHandlerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var he *origin.HandlerError
	if errors.As(err, &he) {
		status = he.Status
	}
	http.Error(w, err.Error(), status)
}

func acceptEncodingWants(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.TrimSpace(part) == token {
			return true
		}
	}
	return false
}

// noSecrets is the SecretStore used when --sharedkeydir is unset: every
// call fails, which is fine since the handler only calls it when a
// request actually asks for encryption.
type noSecrets struct{}

func (noSecrets) CurrentEncodingSid() (string, error) {
	return "", fmt.Errorf("fs123d: no --sharedkeydir configured")
}

func (noSecrets) Get(sid string) ([]byte, error) {
	return nil, fmt.Errorf("fs123d: no --sharedkeydir configured")
}

// secretStoreShim narrows a *secret.Store (whose Get returns the named
// secret.Secret type) to origin.SecretStore, mirroring the adapter the
// origin package itself uses for the codec boundary: Go interface
// satisfaction is nominal on return types, and secret.Secret is not
// identical to []byte even though it is defined as one.
type secretStoreShim struct{ s *secret.Store }

func (s secretStoreShim) CurrentEncodingSid() (string, error) { return s.s.CurrentEncodingSid() }
func (s secretStoreShim) Get(sid string) ([]byte, error)      { return s.s.Get(sid) }
