// Package secret implements the fs123 secret store (spec.md §4.1): a
// directory of named symmetric keys, one of which is designated, by a
// pointer file, as the key current encodes should use.
//
// The store is read-only from the process's point of view: key rotation
// happens by an operator dropping a new <sid>.sharedkey file and
// rewriting the <name>.keyid pointer. Nothing here ever caches a
// failure, so a key that didn't exist a moment ago becomes visible on
// the very next call once it's been written.
package secret

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// MinSecretLen is the minimum acceptable length, in bytes, of a secret.
const MinSecretLen = 32

// MinDerivedNonceSecretLen is the minimum length required of a secret
// that will be used with derived-nonce encoding (codec.Encode with
// derivedNonce set):
// cipher key bytes plus enough extra bytes to key the nonce hash.
const MinDerivedNonceSecretLen = 48

// Sentinel errors. Callers switch on these with errors.Is.
var (
	ErrInvalidSid      = errors.New("secret: invalid sid")
	ErrSecretNotFound  = errors.New("secret: not found")
	ErrSecretTooShort  = errors.New("secret: too short")
	ErrSecretUnavailable = errors.New("secret: unavailable")
)

var sidRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,255}$`)

// ValidSid reports whether sv is a legal secret id: nonempty, at most
// 255 bytes, not starting with '.', and drawn from [A-Za-z0-9._-].
func ValidSid(sv string) bool {
	if sv == "" || len(sv) > 255 || sv[0] == '.' {
		return false
	}
	return sidRe.MatchString(sv)
}

// Secret is the byte content of a key. It is always at least
// MinSecretLen bytes once successfully loaded.
//
// Secrets satisfy spec.md §3's "allocated in memory regions that
// resist paging/core-dump exposure and are zeroized at destruction"
// invariant (the original implementation's equivalent is
// include/fs123/sodium_allocator.hpp): secureSecret mlocks the backing
// array where the platform supports it, and every Secret is zeroed
// both explicitly, when the store evicts it, and as a GC finalizer
// backstop for a Secret that escapes the store's bookkeeping.
type Secret []byte

// secureSecret allocates a Secret of length n, mlocks its backing
// array, and arms a finalizer that zeroes and munlocks it if it is
// ever garbage collected without Zero having been called first.
func secureSecret(n int) Secret {
	b := make([]byte, n)
	mlock(b)
	if n > 0 {
		runtime.SetFinalizer(&b[0], finalizeSecretByte(n))
	}
	return Secret(b)
}

// finalizeSecretByte returns a finalizer closure that zeroes and
// munlocks the n-byte region starting at the finalized pointer. It is
// a closure over n, not a method, because runtime.SetFinalizer
// requires a plain function of the pointer's type.
func finalizeSecretByte(n int) func(*byte) {
	return func(p *byte) {
		b := unsafe.Slice(p, n)
		zeroBytes(b)
		munlock(b)
	}
}

// Zero overwrites the secret's bytes with zero and releases its pages
// back to the normal (pageable) pool, then disarms its finalizer since
// there is nothing left to clean up. Callers that obtain a Secret
// directly from Get need not call this themselves; Get returns the
// cached Secret itself, and the Store zeroes it on cache eviction, so
// those bytes read as zero afterwards. It is idempotent and safe on a nil
// or empty Secret.
func (s Secret) Zero() {
	if len(s) == 0 {
		return
	}
	munlock(s)
	zeroBytes(s)
	runtime.SetFinalizer(&s[0], nil)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Store reads keys from a directory of <sid>.sharedkey files and a
// <keyidname>.keyid pointer file.
type Store struct {
	dir         string
	keyidName   string
	ttl         time.Duration

	mu          sync.Mutex
	sids        *cache.Cache // sid -> Secret
	encodeSid   string
	encodeSidAt time.Time

	group singleflight.Group
}

// New creates a Store rooted at dir. keyidName is the base name (without
// the .keyid suffix) of the pointer file that names the current
// encoding sid; ttl bounds how long a successful lookup is trusted
// before the store re-reads the disk.
func New(dir, keyidName string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	sids := cache.New(ttl, ttl*2)
	sids.OnEvicted(func(_ string, v interface{}) {
		if sec, ok := v.(Secret); ok {
			sec.Zero()
		}
	})
	return &Store{
		dir:       dir,
		keyidName: keyidName,
		ttl:       ttl,
		sids:      sids,
	}
}

// CurrentEncodingSid returns the sid currently designated for encoding
// replies. It returns a cached value when available and fresh; on
// refresh failure it falls back to the last successful value, only
// failing if there has never been one.
func (s *Store) CurrentEncodingSid() (string, error) {
	s.mu.Lock()
	fresh := s.encodeSid != "" && time.Since(s.encodeSidAt) < s.ttl
	cur := s.encodeSid
	s.mu.Unlock()
	if fresh {
		return cur, nil
	}

	v, err, _ := s.group.Do("encode-sid", func() (interface{}, error) {
		return s.readKeyidFile()
	})
	if err != nil {
		s.mu.Lock()
		have := s.encodeSid != ""
		cur := s.encodeSid
		s.mu.Unlock()
		if have {
			return cur, nil
		}
		return "", errors.Wrap(ErrSecretUnavailable, err.Error())
	}
	sid := v.(string)
	s.mu.Lock()
	s.encodeSid = sid
	s.encodeSidAt = time.Now()
	s.mu.Unlock()
	return sid, nil
}

func (s *Store) readKeyidFile() (string, error) {
	p := filepath.Join(s.dir, s.keyidName+".keyid")
	b, err := os.ReadFile(p)
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", p)
	}
	sid := string(bytes.TrimSpace(b))
	if !ValidSid(sid) {
		return "", errors.Wrapf(ErrInvalidSid, "keyid file %s contains %q", p, sid)
	}
	return sid, nil
}

// Get returns the bytes of the secret named sid, loading and caching it
// from disk as necessary.
func (s *Store) Get(sid string) (Secret, error) {
	if !ValidSid(sid) {
		return nil, errors.Wrapf(ErrInvalidSid, "%q", sid)
	}
	if v, ok := s.sids.Get(sid); ok {
		return v.(Secret), nil
	}

	v, err, _ := s.group.Do("sid:"+sid, func() (interface{}, error) {
		return s.loadSecret(sid)
	})
	if err != nil {
		return nil, err
	}
	sec := v.(Secret)
	s.sids.SetDefault(sid, sec)
	return sec, nil
}

func (s *Store) loadSecret(sid string) (Secret, error) {
	p := filepath.Join(s.dir, sid+".sharedkey")
	b, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrSecretNotFound, "%s", p)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", p)
	}
	decoded, err := decodeHexTokens(b)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", p)
	}
	if len(decoded) < MinSecretLen {
		zeroBytes(decoded)
		return nil, errors.Wrapf(ErrSecretTooShort, "%s has %d bytes, need >= %d", p, len(decoded), MinSecretLen)
	}
	sec := secureSecret(len(decoded))
	copy(sec, decoded)
	zeroBytes(decoded)
	return sec, nil
}

// decodeHexTokens decodes the secret file format described in spec.md
// §6: hex-encoded bytes, with whitespace-separated tokens permitted and
// optional trailing whitespace. Tokens are concatenated before decoding
// so that a key may be split across several whitespace-delimited runs.
func decodeHexTokens(b []byte) ([]byte, error) {
	var hexDigits bytes.Buffer
	for _, c := range b {
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			continue
		default:
			hexDigits.WriteByte(c)
		}
	}
	out := make([]byte, hex.DecodedLen(hexDigits.Len()))
	n, err := hex.Decode(out, hexDigits.Bytes())
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return out[:n], nil
}

// RegularMaintenance evicts expired cache entries. It is meant to be
// invoked periodically by the runtime's maintenance ticker.
func (s *Store) RegularMaintenance() {
	s.sids.DeleteExpired()
}
