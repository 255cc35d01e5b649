// Package stats tracks the origin's request counters and renders them
// for the `n` ("numbers") function (spec.md §4.3), grounded on
// do_request.cpp's ReplyPlus::do_numbers_ which accumulates a
// server_stats struct and streams it as plain text.
//
// Counts are kept in a prometheus.Registry, which Gatherer exposes, and
// `n` serves fs123 clients the plain-text rendering they expect.
// fs123d mounts no /metrics endpoint.
package stats

import (
	"bytes"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every counter the origin increments while serving
// requests (spec.md §7's error categories plus the codec's
// encrypt/decrypt tallies).
type Registry struct {
	reg *prometheus.Registry

	requests        *prometheus.CounterVec // by function letter
	errnos          *prometheus.CounterVec // by errno value
	protocolErrors  prometheus.Counter
	filesystemErrors prometheus.Counter
	encryptions     prometheus.Counter
	decryptions     prometheus.Counter
	decryptFailures prometheus.Counter

	startUnixNs int64
}

// New registers and returns a fresh Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fs123",
			Name:      "requests_total",
			Help:      "Requests served, by function letter.",
		}, []string{"function"}),
		errnos: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fs123",
			Name:      "errno_total",
			Help:      "Cacheable filesystem errnos returned, by errno value.",
		}, []string{"errno"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fs123",
			Name:      "protocol_errors_total",
			Help:      "Requests rejected as malformed (4xx, not cached by clients).",
		}),
		filesystemErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fs123",
			Name:      "filesystem_errors_total",
			Help:      "Requests that failed with an unexpected (non-cacheable) errno (5xx).",
		}),
		encryptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fs123",
			Name:      "secretbox_encryptions_total",
			Help:      "Replies encoded with the secretbox content codec.",
		}),
		decryptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fs123",
			Name:      "secretbox_decryptions_total",
			Help:      "Envelope requests decoded successfully.",
		}),
		decryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fs123",
			Name:      "secretbox_decrypt_failures_total",
			Help:      "Envelope requests that failed authentication or framing.",
		}),
	}
	reg.MustRegister(r.requests, r.errnos, r.protocolErrors, r.filesystemErrors, r.encryptions, r.decryptions, r.decryptFailures)
	return r
}

// Registerer exposes the underlying prometheus.Registerer so a caller
// can add further collectors (e.g. process/go runtime stats) or mount
// promhttp.HandlerFor on /metrics.
func (r *Registry) Registerer() prometheus.Registerer { return r.reg }
func (r *Registry) Gatherer() prometheus.Gatherer     { return r.reg }

// RequestStarted records unixNs as the beginning of time tracking.
// fs123d does not call it.
func (r *Registry) RequestStarted(unixNs int64) { atomic.StoreInt64(&r.startUnixNs, unixNs) }

func (r *Registry) ObserveRequest(function string) { r.requests.WithLabelValues(function).Inc() }

func (r *Registry) ObserveErrno(errno int) {
	r.errnos.WithLabelValues(fmt.Sprintf("%d", errno)).Inc()
}

func (r *Registry) ObserveProtocolError()   { r.protocolErrors.Inc() }
func (r *Registry) ObserveFilesystemError() { r.filesystemErrors.Inc() }
func (r *Registry) ObserveEncryption()      { r.encryptions.Inc() }
func (r *Registry) ObserveDecryption()      { r.decryptions.Inc() }
func (r *Registry) ObserveDecryptFailure()  { r.decryptFailures.Inc() }

// RenderText produces the plain-text body the `n` function replies
// with: one "name: value" line per counter, sorted by name for
// deterministic output, matching the shape (if not the exact field
// set) of do_numbers_'s streamed server_stats.
func (r *Registry) RenderText() ([]byte, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return nil, err
	}
	lines := map[string]string{}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			name := fam.GetName()
			if len(m.GetLabel()) > 0 {
				for _, l := range m.GetLabel() {
					name = name + "{" + l.GetName() + "=" + l.GetValue() + "}"
				}
			}
			var v float64
			switch {
			case m.Counter != nil:
				v = m.Counter.GetValue()
			case m.Gauge != nil:
				v = m.Gauge.GetValue()
			}
			lines[name] = fmt.Sprintf("%v", v)
		}
	}
	names := make([]string, 0, len(lines))
	for n := range lines {
		names = append(names, n)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, n := range names {
		fmt.Fprintf(&buf, "%s: %s\n", n, lines[n])
	}
	return buf.Bytes(), nil
}
