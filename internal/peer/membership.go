package peer

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/DEShawResearch/fs123-sub001/internal/fslog"
)

// Reflector owns the UDP membership protocol described in spec.md
// §4.5.2: peers advertise themselves ("P") on a regular tick, an "A"
// datagram discourages the named peer, newly heard peers are admitted only after an HTTP
// probe confirms they answer /p/p/uuid, and a scope tag keeps
// installations from cross-talking.
type Reflector struct {
	Ring    *Ring
	Self    Peer
	Addr    string // unicast reflector or multicast group, host:port
	Scope   string
	Tick    time.Duration
	Client  *http.Client

	conn     *net.UDPConn
	mu       sync.Mutex
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

const maxDatagramBytes = 512

// Start binds the UDP socket, launches the advertise ticker and the
// receive loop, and returns once the socket is ready. Run Stop (or
// cancel ctx) to shut down; the listener polls the stop flag every
// 100ms per spec.md §4.5.4 "Cancellation and timeout".
func (r *Reflector) Start(ctx context.Context) error {
	if r.Tick == 0 {
		r.Tick = 30 * time.Second
	}
	if r.Client == nil {
		r.Client = &http.Client{Timeout: 5 * time.Second}
	}

	udpAddr, err := net.ResolveUDPAddr("udp", r.Addr)
	if err != nil {
		return errors.Wrapf(err, "peer: resolving reflector address %q", r.Addr)
	}
	var conn *net.UDPConn
	if udpAddr.IP != nil && udpAddr.IP.IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp", nil, udpAddr)
	} else {
		conn, err = net.ListenUDP("udp", &net.UDPAddr{Port: udpAddr.Port})
	}
	if err != nil {
		return errors.Wrap(err, "peer: binding membership socket")
	}
	r.conn = conn
	r.stopCh = make(chan struct{})

	r.wg.Add(2)
	go r.recvLoop(ctx)
	go r.advertiseLoop(ctx, udpAddr)
	return nil
}

// Stop halts the reflector's goroutines and closes its socket.
func (r *Reflector) Stop() {
	r.mu.Lock()
	if r.stopCh != nil {
		select {
		case <-r.stopCh:
		default:
			close(r.stopCh)
		}
	}
	r.mu.Unlock()
	if r.conn != nil {
		r.conn.Close()
	}
	r.wg.Wait()
}

func (r *Reflector) advertiseLoop(ctx context.Context, dst *net.UDPAddr) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.Tick)
	defer ticker.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-ticker.C:
			r.advertise(dst)
		case <-poll.C:
			select {
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// encodeDatagram joins fields with NUL, the delimiter spec.md §4.5.2
// specifies for membership messages.
func encodeDatagram(fields ...string) string {
	return strings.Join(fields, "\x00")
}

func (r *Reflector) advertise(dst *net.UDPAddr) {
	msg := encodeDatagram("P", r.Self.BaseURL, r.Scope)
	if len(msg) > maxDatagramBytes {
		fslog.Noticef(context.Background(), "peer: advertisement for %q exceeds %d bytes, dropping", r.Self.BaseURL, maxDatagramBytes)
		return
	}
	if _, err := r.conn.WriteToUDP([]byte(msg), dst); err != nil {
		fslog.Noticef(context.Background(), "peer: advertising to %v: %v", dst, err)
	}
}

// Withdraw sends a single discouragement datagram for self. Stop does
// not send one.
func (r *Reflector) Withdraw(dst *net.UDPAddr) {
	r.announceAbsent(r.Self.BaseURL, dst)
}

// AnnounceAbsent broadcasts a discouragement datagram for baseURL to
// the reflector address, so every peer listening on it drops baseURL
// from its own ring (spec.md §4.5.3 step (a)). It resolves r.Addr on
// each call since the reflector/multicast address never changes for
// the life of a Reflector.
func (r *Reflector) AnnounceAbsent(baseURL string) {
	dst, err := net.ResolveUDPAddr("udp", r.Addr)
	if err != nil {
		fslog.Noticef(context.Background(), "peer: resolving reflector address %q: %v", r.Addr, err)
		return
	}
	r.announceAbsent(baseURL, dst)
}

func (r *Reflector) announceAbsent(baseURL string, dst *net.UDPAddr) {
	if r.conn == nil {
		return
	}
	msg := encodeDatagram("A", baseURL, r.Scope)
	r.conn.WriteToUDP([]byte(msg), dst)
}

func (r *Reflector) recvLoop(ctx context.Context) {
	defer r.wg.Done()
	buf := make([]byte, maxDatagramBytes)
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		r.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		r.handleDatagram(ctx, string(buf[:n]))
	}
}

func (r *Reflector) handleDatagram(ctx context.Context, msg string) {
	fields := strings.Split(msg, "\x00")
	if len(fields) != 3 {
		fslog.Noticef(ctx, "peer: dropping nonconforming membership datagram %q", msg)
		return
	}
	kind, url, scope := fields[0], fields[1], fields[2]
	if scope != r.Scope {
		// Mismatched scope: ignore, per spec.md §4.5.2, to prevent
		// cross-tenant leakage.
		return
	}
	switch kind {
	case "P":
		r.admit(ctx, url)
	case "A":
		r.discourage(url)
	}
}

// admit probes a newly heard peer over HTTP before trusting it,
// admitting it to the ring only if the probe returns a uuid.
func (r *Reflector) admit(ctx context.Context, baseURL string) {
	if baseURL == r.Self.BaseURL {
		return
	}
	probeCtx, cancel := context.WithTimeout(ctx, r.Client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/p/p/uuid", nil)
	if err != nil {
		return
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}
	uuid := readUUID(resp)
	if uuid == "" {
		return
	}
	r.Ring.Insert(Peer{UUID: uuid, BaseURL: baseURL})
	fslog.Infof(ctx, "peer: admitted %s at %s", uuid, baseURL)
}

func (r *Reflector) discourage(baseURL string) {
	for _, p := range r.Ring.Members() {
		if p.BaseURL == baseURL {
			r.Ring.Remove(p.UUID)
			fslog.Infof(context.Background(), "peer: discouraged %s at %s", p.UUID, baseURL)
			return
		}
	}
}

func readUUID(resp *http.Response) string {
	buf := make([]byte, 256)
	n, _ := resp.Body.Read(buf)
	return strings.TrimSpace(string(buf[:n]))
}
