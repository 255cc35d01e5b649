package codec

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomSecret(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func store(secrets map[string][]byte) SecretStore {
	return NewSecretStoreFunc(func(sid string) ([]byte, error) {
		s, ok := secrets[sid]
		if !ok {
			return nil, ErrSecretNotFoundForTest
		}
		return s, nil
	})
}

// ErrSecretNotFoundForTest stands in for the secret.Store's own not-found
// error; the codec only cares that Get returned a non-nil error.
var ErrSecretNotFoundForTest = assert.AnError

func TestRoundTripIdentity(t *testing.T) {
	s := randomSecret(t, 32)
	plain := []byte("hello, fs123")
	frame, err := Encode(Authenticated, "k1", s, plain, DefaultPadAlign, false)
	require.NoError(t, err)
	got, err := Decode(Authenticated, frame, store(map[string][]byte{"k1": s}))
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestRoundTripEmptyPlaintext(t *testing.T) {
	s := randomSecret(t, 32)
	frame, err := Encode(Authenticated, "k1", s, nil, DefaultPadAlign, false)
	require.NoError(t, err)
	got, err := Decode(Authenticated, frame, store(map[string][]byte{"k1": s}))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRandomNonceVaries(t *testing.T) {
	s := randomSecret(t, 32)
	plain := []byte("same plaintext every time")
	f1, err := Encode(Authenticated, "k1", s, plain, DefaultPadAlign, false)
	require.NoError(t, err)
	f2, err := Encode(Authenticated, "k1", s, plain, DefaultPadAlign, false)
	require.NoError(t, err)
	assert.NotEqual(t, f1, f2, "random-nonce encodes of identical plaintext must differ")
}

func TestDerivedNonceIsDeterministic(t *testing.T) {
	s := randomSecret(t, 48)
	plain := []byte("same plaintext every time")
	f1, err := Encode(Authenticated, "k1", s, plain, DefaultPadAlign, true)
	require.NoError(t, err)
	f2, err := Encode(Authenticated, "k1", s, plain, DefaultPadAlign, true)
	require.NoError(t, err)
	assert.Equal(t, f1, f2, "derived-nonce encodes of identical plaintext must be identical")
}

func TestDerivedNonceRequiresLongerSecret(t *testing.T) {
	s := randomSecret(t, 32) // too short for derived nonce (need >= 48)
	_, err := Encode(Authenticated, "k1", s, []byte("x"), DefaultPadAlign, true)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestAuthenticationFailureOnMutation(t *testing.T) {
	s := randomSecret(t, 32)
	frame, err := Encode(Authenticated, "k1", s, []byte("authenticate me"), DefaultPadAlign, false)
	require.NoError(t, err)

	for i := len(frame) - 1; i >= len(frame)-4; i-- {
		mutated := make([]byte, len(frame))
		copy(mutated, frame)
		mutated[i] ^= 0xFF
		_, err := Decode(Authenticated, mutated, store(map[string][]byte{"k1": s}))
		assert.ErrorIs(t, err, ErrAuthenticationFailure, "mutated byte %d should fail authentication", i)
	}
}

func TestDoNotEncodeSentinel(t *testing.T) {
	_, err := Encode(Authenticated, "", randomSecret(t, 32), []byte("x"), DefaultPadAlign, false)
	assert.ErrorIs(t, err, ErrDoNotEncode)
}

func TestUnknownKey(t *testing.T) {
	s := randomSecret(t, 32)
	frame, err := Encode(Authenticated, "k1", s, []byte("x"), DefaultPadAlign, false)
	require.NoError(t, err)
	_, err = Decode(Authenticated, frame, store(map[string][]byte{"other": s}))
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestMalformedFrameTooShort(t *testing.T) {
	_, err := Decode(Authenticated, []byte("short"), store(nil))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestPaddingAlignment(t *testing.T) {
	s := randomSecret(t, 32)
	for _, n := range []int{0, 1, 31, 32, 33, 100} {
		plain := bytes.Repeat([]byte{'x'}, n)
		frame, err := Encode(Authenticated, "k1", s, plain, 32, false)
		require.NoError(t, err)
		got, err := Decode(Authenticated, frame, store(map[string][]byte{"k1": s}))
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestEncodeIntoReportsInsufficientHeadroom(t *testing.T) {
	s := randomSecret(t, 32)
	plain := []byte("needs more room than this")
	need := FrameSize("k1", len(plain), DefaultPadAlign)
	small := make([]byte, need-1)
	_, err := EncodeInto(small, Authenticated, "k1", s, plain, DefaultPadAlign, false)
	assert.ErrorIs(t, err, ErrInsufficientHeadroom)
}

func TestEncodeIntoMatchesEncodeExactly(t *testing.T) {
	s := randomSecret(t, 48)
	plain := []byte("deterministic via derived nonce")
	dst := make([]byte, FrameSize("k1", len(plain), DefaultPadAlign))
	n, err := EncodeInto(dst, Authenticated, "k1", s, plain, DefaultPadAlign, true)
	require.NoError(t, err)
	require.Equal(t, len(dst), n, "EncodeInto should fill the exactly-sized buffer FrameSize describes")

	frame, err := Encode(Authenticated, "k1", s, plain, DefaultPadAlign, true)
	require.NoError(t, err)
	assert.Equal(t, frame, dst[:n])
}

func TestIdentityModePassesThrough(t *testing.T) {
	plain := []byte("unchanged")
	frame, err := Encode(Identity, "", nil, plain, 0, false)
	require.NoError(t, err)
	assert.Equal(t, plain, frame)
	got, err := Decode(Identity, frame, store(nil))
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}
