package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetstringRoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "hello world", "has,a,comma"} {
		encoded := Netstring(s)
		got, rest, err := ParseNetstring(encoded + "TAIL")
		require.NoError(t, err)
		assert.Equal(t, s, got)
		assert.Equal(t, "TAIL", rest)
	}
}

func TestParseNetstringMalformed(t *testing.T) {
	for _, s := range []string{"", "x:foo,", "3foo,", "3:fo,"} {
		_, _, err := ParseNetstring(s)
		assert.ErrorIs(t, err, ErrNetstring)
	}
}

func TestValidatePath(t *testing.T) {
	ok := []string{"a", "a/b", "a/b/c.txt"}
	for _, p := range ok {
		assert.NoError(t, ValidatePath(p), p)
	}
	bad := []string{"", "a/", "a//b", "a/../b", "fs123"}
	for _, p := range bad {
		assert.Error(t, ValidatePath(p), p)
	}
}

func TestParseRequestMinor1(t *testing.T) {
	req, err := ParseRequest("/fs123/7/1/a/some/path", true, `"123"`, true)
	require.NoError(t, err)
	assert.Equal(t, 7, req.Major)
	assert.Equal(t, 1, req.Minor)
	assert.Equal(t, FuncAttr, req.Function)
	assert.Equal(t, "some/path", req.Path)
	assert.True(t, req.HasINM)
	assert.Equal(t, uint64(123), req.INM)
}

func TestParseRequestLegacyMinor0(t *testing.T) {
	req, err := ParseRequest("/fs123/7/a/some/path", false, "", true)
	require.NoError(t, err)
	assert.Equal(t, Minor0, req.Minor)
	assert.Equal(t, "some/path", req.Path)

	_, err = ParseRequest("/fs123/7/a/some/path", false, "", false)
	assert.ErrorIs(t, err, ErrLegacyMinor0)
}

func TestParseRequestRoundTripURL(t *testing.T) {
	req, err := ParseRequest("/fs123/7/2/d/a/b/c?10;1;0", false, "", true)
	require.NoError(t, err)
	assert.Equal(t, "/fs123/7/2/d/a/b/c?10;1;0", req.URL())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	req := &Request{Major: 7, Minor: 2, Function: FuncFile, Path: "p/q", Query: "4;0"}
	inner := req.EnvelopeInner()
	fn, path, query, err := ParseEnvelopeInner(inner)
	require.NoError(t, err)
	assert.Equal(t, FuncFile, fn)
	assert.Equal(t, "p/q", path)
	assert.Equal(t, "4;0", query)
}

func TestAttrsRoundTrip(t *testing.T) {
	a := Attrs{Mode: 0100644, Nlink: 1, Uid: 1000, Gid: 1000, Size: 4096, Blocks: 8, Rdev: 0,
		AtimeS: 1, AtimeNs: 2, MtimeS: 3, MtimeNs: 4, CtimeS: 5, CtimeNs: 6}
	got, err := ParseAttrs(a.Marshal())
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestDirentRoundTrip(t *testing.T) {
	var body string
	body += Dirent{Name: "foo", Type: DtReg, EstaleCookie: 42}.Marshal()
	body += Dirent{Name: "bar", Type: DtDir, EstaleCookie: 7}.Marshal()
	body += TerminatingDirentRecord()

	got, err := ParseDirents(body)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "foo", got[0].Name)
	assert.Equal(t, DtReg, got[0].Type)
	assert.Equal(t, uint64(42), got[0].EstaleCookie)
	assert.Equal(t, "bar", got[1].Name)
}

func TestParseDirentsEmptyDirectory(t *testing.T) {
	got, err := ParseDirents(TerminatingDirentRecord())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMonotonicValidator(t *testing.T) {
	const granularity = 4_000_000
	now := uint64(1_000_000_000_000)
	// mtime comfortably in the past: validator equals mtime.
	mtime := now - 10*granularity
	assert.Equal(t, mtime, MonotonicValidator(mtime, now, granularity))
	// mtime very recent: validator is clamped below mtime.
	recent := now - 1
	got := MonotonicValidator(recent, now, granularity)
	assert.Less(t, got, recent)
	assert.Equal(t, now-2*granularity, got)
}

func TestEtagMangleRoundTrip(t *testing.T) {
	inner := ComputeEtag(12345, 1, 4096, "sid1")
	mangled := EtagMangle(inner, "esid")
	assert.Equal(t, inner, InmDemangle(mangled, "esid"))
	// a different esid must not demangle to the same value
	assert.NotEqual(t, inner, InmDemangle(mangled, "othersid"))
}

func TestEtagMangleNoEsid(t *testing.T) {
	inner := ComputeEtag(1, 2, 3, "")
	mangled := EtagMangle(inner, "")
	assert.Equal(t, inner, InmDemangle(mangled, ""))
}

func TestInmDemangleGarbage(t *testing.T) {
	assert.Equal(t, uint64(0), InmDemangle("not-a-quoted-etag", "esid"))
	assert.Equal(t, uint64(0), InmDemangle("", "esid"))
}

func TestDirQueryRoundTrip(t *testing.T) {
	q := DirQuery{Kib: 16, Begin: true, Offset: 0}
	got, err := ParseDirQuery(q.String())
	require.NoError(t, err)
	assert.Equal(t, q, got)
}

func TestFileQueryRoundTrip(t *testing.T) {
	q := FileQuery{Kib: 64, OffsetKi: 128}
	got, err := ParseFileQuery(q.String())
	require.NoError(t, err)
	assert.Equal(t, q, got)
}

func TestXattrQueryRoundTrip(t *testing.T) {
	q := XattrQuery{Kib: 4, Name: "user.some attr"}
	got, err := ParseXattrQuery(q.String())
	require.NoError(t, err)
	assert.Equal(t, q, got)
}

func TestXattrQueryListForm(t *testing.T) {
	got, err := ParseXattrQuery("4;;")
	require.NoError(t, err)
	assert.Equal(t, "", got.Name)
}

func TestCacheControlRendering(t *testing.T) {
	assert.Equal(t, "max-age=60", CacheControl("", 60, 0))
	assert.Equal(t, "public,max-age=60,stale-while-revalidate=30", CacheControl("public", 60, 30))
	assert.Equal(t, "public,max-age=60,stale-while-revalidate=30", CacheControl("public,", 60, 30))
}
