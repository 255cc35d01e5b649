// Package codec implements the fs123 content codec (spec.md §4.2): an
// authenticated, padded framing around arbitrary payloads, modeled on
// rclone's backend/crypt Cipher but operating on a whole buffer at once
// rather than as a streaming chunk cipher, since fs123 frames are
// bounded by a single HTTP response body.
//
// Frame layout (all integers network byte order):
//
//	nonce(24) | recordsz(4) | idlen(1) | keyid(N) | MAC(16) | ciphertext
//
// Only the ciphertext (and the leading MAC, which secretbox.Seal
// produces as part of its output) is authenticated by
// nacl/secretbox; the header fields are structural and are implicitly
// verified by a successful Open.
package codec

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

// Mode selects how the payload is transformed.
type Mode int

const (
	// Identity passes the payload through unchanged.
	Identity Mode = iota
	// Authenticated applies the secretbox framing described above.
	Authenticated
)

const (
	nonceSize = 24
	macSize   = secretbox.Overhead // 16
	// headerFixedSize is nonce + recordsz(4) + idlen(1).
	headerFixedSize = nonceSize + 4 + 1

	padSentinel = 0x02

	// DefaultPadAlign is the default alignment padding rounds the
	// plaintext up to.
	DefaultPadAlign = 32
)

// Sentinel errors returned by Encode/Decode. Callers switch on these
// with errors.Is.
var (
	ErrInsufficientHeadroom  = errors.New("codec: insufficient headroom in buffer")
	ErrDoNotEncode           = errors.New("codec: sid is the do-not-encode sentinel")
	ErrInvalidArgument       = errors.New("codec: invalid argument")
	ErrMalformed             = errors.New("codec: malformed frame")
	ErrUnknownKey            = errors.New("codec: unknown key id")
	ErrAuthenticationFailure = errors.New("codec: authentication failure")
	ErrMalformedPadding      = errors.New("codec: malformed padding")
)

// SecretStore is the subset of secret.Store the codec needs to decode a
// frame: given a keyid, return its secret bytes.
type SecretStore interface {
	Get(sid string) ([]byte, error)
}

// secretStoreFunc adapts a function to SecretStore, used heavily in
// tests.
type secretStoreFunc func(sid string) ([]byte, error)

func (f secretStoreFunc) Get(sid string) ([]byte, error) { return f(sid) }

// NewSecretStoreFunc wraps a function as a SecretStore.
func NewSecretStoreFunc(f func(sid string) ([]byte, error)) SecretStore {
	return secretStoreFunc(f)
}

func headerSize(sid string) int {
	return headerFixedSize + len(sid)
}

// paddedLen returns the length padPlaintext would produce for a
// plaintext of length n under the given alignment, without doing the
// padding itself.
func paddedLen(n, align int) int {
	total := n + 1
	if rem := total % align; rem != 0 {
		total += align - rem
	}
	return total
}

// FrameSize returns the exact number of bytes Authenticated-mode
// Encode/EncodeInto will write for a plaintext of length plaintextLen
// under sid and padAlign, letting a caller size a reusable buffer
// before calling EncodeInto.
func FrameSize(sid string, plaintextLen, padAlign int) int {
	if padAlign <= 0 {
		padAlign = DefaultPadAlign
	}
	return headerSize(sid) + paddedLen(plaintextLen, padAlign) + macSize
}

// Encode turns plaintext into a self-describing, authenticated, padded
// frame and returns a newly allocated buffer holding it, sized exactly
// via FrameSize so EncodeInto can never report insufficient headroom.
//
// If sid is the empty string, Encode returns ErrDoNotEncode: callers
// should then send the plaintext unencoded (Content-Encoding omitted).
func Encode(mode Mode, sid string, secret []byte, plaintext []byte, padAlign int, derivedNonce bool) ([]byte, error) {
	if mode == Identity {
		return plaintext, nil
	}
	if mode != Authenticated {
		return nil, errors.Wrapf(ErrInvalidArgument, "unknown mode %d", mode)
	}
	if sid == "" {
		return nil, ErrDoNotEncode
	}
	dst := make([]byte, FrameSize(sid, len(plaintext), padAlign))
	n, err := EncodeInto(dst, mode, sid, secret, plaintext, padAlign, derivedNonce)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

// EncodeInto is the in-place counterpart of Encode (spec.md §1's "an
// in-place framing... layer"): it writes the frame directly into dst,
// mirroring the teacher's backend/crypt pattern of sizing and reusing a
// caller-owned buffer across many small encodes rather than allocating
// one per call. It returns ErrInsufficientHeadroom, without touching
// dst, if dst is smaller than FrameSize requires.
func EncodeInto(dst []byte, mode Mode, sid string, secret []byte, plaintext []byte, padAlign int, derivedNonce bool) (int, error) {
	if mode == Identity {
		if len(dst) < len(plaintext) {
			return 0, ErrInsufficientHeadroom
		}
		return copy(dst, plaintext), nil
	}
	if mode != Authenticated {
		return 0, errors.Wrapf(ErrInvalidArgument, "unknown mode %d", mode)
	}
	if sid == "" {
		return 0, ErrDoNotEncode
	}
	if len(secret) < 32 {
		return 0, errors.Wrapf(ErrInvalidArgument, "secret for %q is too short (%d bytes)", sid, len(secret))
	}
	if padAlign <= 0 {
		padAlign = DefaultPadAlign
	}

	need := FrameSize(sid, len(plaintext), padAlign)
	if len(dst) < need {
		return 0, errors.Wrapf(ErrInsufficientHeadroom, "need %d bytes, have %d", need, len(dst))
	}

	padded := padPlaintext(plaintext, padAlign)

	var nonce [nonceSize]byte
	if derivedNonce {
		if err := deriveNonce(&nonce, secret, padded); err != nil {
			return 0, err
		}
	} else {
		if err := randomNonce(&nonce); err != nil {
			return 0, err
		}
	}

	var key [32]byte
	copy(key[:], secret[:32])

	hs := headerSize(sid)
	// secretbox.Seal appends to its first argument; passing dst's
	// ciphertext region (length 0, capacity need-hs) keeps the seal
	// in-place within the caller's buffer instead of allocating a new one.
	sealed := secretbox.Seal(dst[hs:hs], padded, &nonce, &key)
	recordsz := uint32(len(sealed))

	copy(dst[0:nonceSize], nonce[:])
	binary.BigEndian.PutUint32(dst[nonceSize:nonceSize+4], recordsz)
	dst[nonceSize+4] = byte(len(sid))
	copy(dst[headerFixedSize:hs], sid)
	return hs + len(sealed), nil
}

// padPlaintext right-pads plaintext with a 0x02 sentinel followed by
// zero or more 0x00 bytes so that the total length is a multiple of
// align.
func padPlaintext(plaintext []byte, align int) []byte {
	total := len(plaintext) + 1
	if rem := total % align; rem != 0 {
		total += align - rem
	}
	out := make([]byte, total)
	copy(out, plaintext)
	out[len(plaintext)] = padSentinel
	return out
}

func randomNonce(nonce *[nonceSize]byte) error {
	_, err := rand.Read(nonce[:])
	if err != nil {
		return errors.Wrap(err, "codec: generating random nonce")
	}
	return nil
}

// deriveNonce computes a deterministic nonce as a keyed hash of the
// (padded) plaintext, using the secret bytes beyond the first 32
// (the secretbox key). This is used for the encrypted-envelope (`e`)
// function so that repeated requests collapse to an identical URL and
// hence an identical cache key at intermediate caches (spec.md §4.2,
// "derived nonce").
func deriveNonce(nonce *[nonceSize]byte, secret []byte, padded []byte) error {
	hashKey := secret[32:]
	if len(hashKey) < 16 {
		return errors.Wrapf(ErrInvalidArgument, "secret too short to derive nonce: need >= 48 bytes, have %d", len(secret))
	}
	mac := hmac.New(sha256.New, hashKey)
	mac.Write(padded)
	sum := mac.Sum(nil)
	copy(nonce[:], sum[:nonceSize])
	return nil
}

// Decode authenticates and unframes a frame produced by Encode,
// returning the plaintext. mode must match the mode Encode was called
// with, and the store must be able to resolve the keyid embedded in
// the frame.
func Decode(mode Mode, frame []byte, store SecretStore) ([]byte, error) {
	if mode == Identity {
		return frame, nil
	}
	if mode != Authenticated {
		return nil, errors.Wrapf(ErrInvalidArgument, "unknown mode %d", mode)
	}
	if len(frame) < headerFixedSize {
		return nil, errors.Wrapf(ErrMalformed, "frame too short (%d bytes)", len(frame))
	}

	var nonce [nonceSize]byte
	copy(nonce[:], frame[0:nonceSize])
	recordsz := binary.BigEndian.Uint32(frame[nonceSize : nonceSize+4])
	idlen := int(frame[nonceSize+4])

	hs := headerFixedSize + idlen
	if len(frame) < hs {
		return nil, errors.Wrapf(ErrMalformed, "frame too short for keyid (%d bytes, idlen %d)", len(frame), idlen)
	}
	sid := string(frame[headerFixedSize:hs])

	if uint64(hs)+uint64(recordsz) != uint64(len(frame)) {
		return nil, errors.Wrapf(ErrMalformed, "recordsz %d inconsistent with frame length %d (header %d)", recordsz, len(frame), hs)
	}
	if recordsz < macSize {
		return nil, errors.Wrapf(ErrMalformed, "recordsz %d shorter than MAC size %d", recordsz, macSize)
	}

	secret, err := store.Get(sid)
	if err != nil {
		return nil, errors.Wrapf(ErrUnknownKey, "%s: %v", sid, err)
	}
	if len(secret) < 32 {
		return nil, errors.Wrapf(ErrUnknownKey, "secret for %q is too short", sid)
	}
	var key [32]byte
	copy(key[:], secret[:32])

	sealed := frame[hs:]
	opened, ok := secretbox.Open(nil, sealed, &nonce, &key)
	if !ok {
		return nil, ErrAuthenticationFailure
	}

	return trimPadding(opened)
}

func trimPadding(padded []byte) ([]byte, error) {
	i := len(padded)
	for i > 0 && padded[i-1] == 0x00 {
		i--
	}
	if i == 0 || padded[i-1] != padSentinel {
		return nil, ErrMalformedPadding
	}
	return padded[:i-1], nil
}

// EncodingForHeader maps the value of an Accept-Encoding /
// Content-Encoding token to a Mode, mirroring
// content_codec::encoding_stoi in the original implementation.
func EncodingForHeader(token string) (Mode, bool) {
	switch token {
	case "", "identity":
		return Identity, true
	case "fs123-secretbox":
		return Authenticated, true
	default:
		return Identity, false
	}
}

// HeaderForEncoding is the inverse of EncodingForHeader.
func HeaderForEncoding(mode Mode) string {
	switch mode {
	case Identity:
		return ""
	case Authenticated:
		return "fs123-secretbox"
	default:
		panic(fmt.Sprintf("codec: invalid mode %d", mode))
	}
}
