package origin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DEShawResearch/fs123-sub001/internal/codec"
	"github.com/DEShawResearch/fs123-sub001/internal/protocol"
)

type fakeSecrets struct {
	sid     string
	secrets map[string][]byte
}

func (f *fakeSecrets) CurrentEncodingSid() (string, error) { return f.sid, nil }
func (f *fakeSecrets) Get(sid string) ([]byte, error) {
	s, ok := f.secrets[sid]
	if !ok {
		return nil, assert.AnError
	}
	return s, nil
}

func newTestHandler(t *testing.T, allowUnencrypted bool) (*Handler, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("hello\n"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "a"), []byte("A"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b"), []byte("B"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "c"), []byte("C"), 0o644))

	tree, err := NewTree(dir)
	require.NoError(t, err)

	secrets := &fakeSecrets{sid: "k1", secrets: map[string][]byte{"k1": []byte("01234567890123456789012345678901")}}
	h := NewHandler(tree, secrets, Config{
		AllowUnencryptedRequests: allowUnencrypted,
		AllowUnencryptedReplies:  allowUnencrypted,
		AllowLegacyMinor0:        true,
		MtimGranularityNs:        4_000_000,
		MaxAgeShort:              5,
		MaxAgeLong:               86400,
		Estale:                   EstaleNone,
	})
	h.Now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return h, dir
}

func TestServeAttr(t *testing.T) {
	h, _ := newTestHandler(t, true)
	reply, err := h.Serve(context.Background(), "/fs123/7/1/a/f.txt", false, "")
	require.NoError(t, err)
	assert.Equal(t, 200, reply.Status)
	assert.Equal(t, 0, reply.Errno)
	assert.NotEmpty(t, reply.Etag)
}

func TestServeAttrRequiresEncryptionWhenConfigured(t *testing.T) {
	h, _ := newTestHandler(t, false)
	_, err := h.Serve(context.Background(), "/fs123/7/1/a/f.txt", false, "")
	require.Error(t, err)
	var he *HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 406, he.Status)
}

func TestServeAttrNotFound(t *testing.T) {
	h, _ := newTestHandler(t, true)
	reply, err := h.Serve(context.Background(), "/fs123/7/1/a/nosuch.txt", false, "")
	require.NoError(t, err)
	assert.Equal(t, 200, reply.Status)
	assert.Equal(t, int(ErrnoNoEnt), reply.Errno)
}

func TestPathSafetyRejected(t *testing.T) {
	h, _ := newTestHandler(t, true)
	for _, bad := range []string{
		"/fs123/7/1/a/../etc/passwd",
		"/fs123/7/1/a/foo//bar",
		"/fs123/7/1/a/foo/",
	} {
		_, err := h.Serve(context.Background(), bad, false, "")
		require.Error(t, err, bad)
		var he *HandlerError
		require.ErrorAs(t, err, &he, bad)
		assert.Equal(t, 400, he.Status, bad)
	}
}

func TestConditionalGet(t *testing.T) {
	h, _ := newTestHandler(t, true)
	first, err := h.Serve(context.Background(), "/fs123/7/1/a/f.txt", false, "")
	require.NoError(t, err)
	require.NotEmpty(t, first.Etag)

	second, err := h.Serve(context.Background(), "/fs123/7/1/a/f.txt", false, first.Etag)
	require.NoError(t, err)
	assert.Equal(t, 304, second.Status)
	assert.Empty(t, second.Body)
	assert.Equal(t, first.CacheControl, second.CacheControl)
}

func TestEtagStableAcrossRepeatedRequests(t *testing.T) {
	h, _ := newTestHandler(t, true)
	r1, err := h.Serve(context.Background(), "/fs123/7/1/a/f.txt", false, "")
	require.NoError(t, err)
	r2, err := h.Serve(context.Background(), "/fs123/7/1/a/f.txt", false, "")
	require.NoError(t, err)
	assert.Equal(t, r1.Etag, r2.Etag)
}

func TestServeFile(t *testing.T) {
	h, _ := newTestHandler(t, true)
	reply, err := h.Serve(context.Background(), "/fs123/7/2/f/f.txt?128;0", false, "")
	require.NoError(t, err)
	assert.Equal(t, 200, reply.Status)
	body, rest, err := protocol.ParseNetstring(string(reply.Body))
	require.NoError(t, err)
	assert.NotEmpty(t, body)
	assert.Equal(t, "hello\n", rest)
}

func TestServeFileOmitsValidatorPrefixBelowMinor2(t *testing.T) {
	h, _ := newTestHandler(t, true)
	reply, err := h.Serve(context.Background(), "/fs123/7/1/f/f.txt?128;0", false, "")
	require.NoError(t, err)
	assert.Equal(t, 200, reply.Status)
	assert.Equal(t, "hello\n", string(reply.Body), "minor<2 file replies must not carry the netstring content-validator prefix")

	h.Config.AllowLegacyMinor0 = true
	reply0, err := h.Serve(context.Background(), "/fs123/7/f/f.txt?128;0", false, "")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(reply0.Body))
}

func TestServeDirCompleteness(t *testing.T) {
	h, _ := newTestHandler(t, true)

	var names []string
	offset := int64(0)
	begin := true
	for i := 0; i < 10; i++ {
		q := protocol.DirQuery{Kib: 1, Begin: begin, Offset: offset}
		reply, err := h.Serve(context.Background(), "/fs123/7/1/d/sub?"+q.String(), false, "")
		require.NoError(t, err)
		dirents, err := protocol.ParseDirents(string(reply.Body))
		require.NoError(t, err)
		for _, d := range dirents {
			names = append(names, d.Name)
		}
		if reply.AtEOF {
			break
		}
		begin = false
		offset = reply.NextOffset
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, names)
}

func TestServeDirChunking(t *testing.T) {
	h, dir := newTestHandler(t, true)
	manyDir := filepath.Join(dir, "many")
	require.NoError(t, os.Mkdir(manyDir, 0o755))
	const n = 200
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		name := "file" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		require.NoError(t, os.WriteFile(filepath.Join(manyDir, name), nil, 0o644))
		want = append(want, name)
	}

	var names []string
	offset := int64(0)
	begin := true
	chunks := 0
	for i := 0; i < n+5; i++ {
		q := protocol.DirQuery{Kib: 1, Begin: begin, Offset: offset}
		reply, err := h.Serve(context.Background(), "/fs123/7/1/d/many?"+q.String(), false, "")
		require.NoError(t, err)
		dirents, err := protocol.ParseDirents(string(reply.Body))
		require.NoError(t, err)
		for _, d := range dirents {
			names = append(names, d.Name)
		}
		chunks++
		if reply.AtEOF {
			break
		}
		begin = false
		offset = reply.NextOffset
		require.Less(t, i, n+4, "directory traversal did not terminate")
	}
	assert.Greater(t, chunks, 1, "expected the 1KiB budget to force multiple chunks")
	assert.ElementsMatch(t, want, names)
}

func TestServeDirOversizedFirstEntryStillReportsNextOffset(t *testing.T) {
	h, dir := newTestHandler(t, true)
	tiny := filepath.Join(dir, "tiny")
	require.NoError(t, os.Mkdir(tiny, 0o755))
	longName := strings.Repeat("x", 2048)
	require.NoError(t, os.WriteFile(filepath.Join(tiny, longName), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tiny, "short"), nil, 0o644))

	q := protocol.DirQuery{Kib: 1, Begin: true, Offset: 0}
	reply, err := h.Serve(context.Background(), "/fs123/7/1/d/tiny?"+q.String(), false, "")
	require.NoError(t, err)

	assert.False(t, reply.AtEOF, "a single oversized entry must not be reported as the end of the directory")
	assert.True(t, reply.HasNextOffset)
	assert.Equal(t, int64(0), reply.NextOffset)

	headers := reply.Headers()
	assert.Equal(t, "0", headers["fs123-nextoffset"])
}

func TestServeLink(t *testing.T) {
	h, dir := newTestHandler(t, true)
	require.NoError(t, os.Symlink("f.txt", filepath.Join(dir, "link")))
	reply, err := h.Serve(context.Background(), "/fs123/7/1/l/link", false, "")
	require.NoError(t, err)
	assert.Equal(t, "f.txt", string(reply.Body))
}

func TestUnsupportedLegacyMinor0Rejected(t *testing.T) {
	h, _ := newTestHandler(t, true)
	h.Config.AllowLegacyMinor0 = false
	_, err := h.Serve(context.Background(), "/fs123/7/a/f.txt", false, "")
	require.Error(t, err)
	var he *HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 400, he.Status)
}

func TestServeNumbers(t *testing.T) {
	h, _ := newTestHandler(t, true)
	_, err := h.Serve(context.Background(), "/fs123/7/1/a/f.txt", false, "")
	require.NoError(t, err)

	reply, err := h.Serve(context.Background(), "/fs123/7/1/n", false, "")
	require.NoError(t, err)
	assert.Equal(t, 200, reply.Status)
	assert.Contains(t, string(reply.Body), "fs123_requests_total{function=a}: 1")
}

func TestEncryptedReplyRoundTrips(t *testing.T) {
	h, _ := newTestHandler(t, false)
	reply, err := h.Serve(context.Background(), "/fs123/7/1/a/f.txt", true, "")
	require.NoError(t, err)
	assert.Equal(t, "fs123-secretbox", reply.ContentEncoding)
	assert.NotEmpty(t, reply.Body)

	plain, err := codec.Decode(codec.Authenticated, reply.Body, h.Secrets)
	require.NoError(t, err)
	attrLine, _, _ := strings.Cut(string(plain), "\n")
	attrs, err := protocol.ParseAttrs(attrLine)
	require.NoError(t, err)
	assert.Equal(t, int64(6), attrs.Size)
}
