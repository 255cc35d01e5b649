package peer

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerUUIDProbe(t *testing.T) {
	s := &Server{Self: Peer{UUID: "abc-123"}}
	req := httptest.NewRequest(http.MethodGet, "/p/p/uuid", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Body.String())
}

func TestServerForwardsStrippedPath(t *testing.T) {
	var gotPath string
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		io.WriteString(w, "ok")
	})
	s := &Server{Self: Peer{UUID: "abc"}, Upstream: upstream}

	req := httptest.NewRequest(http.MethodGet, "/p/fs123/7/1/a/foo", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, "/fs123/7/1/a/foo", gotPath)
	assert.Equal(t, "ok", w.Body.String())
}

func TestServerRejectsUnrelatedPath(t *testing.T) {
	s := &Server{Self: Peer{UUID: "abc"}}
	req := httptest.NewRequest(http.MethodGet, "/other", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	assert.Equal(t, 404, w.Code)
}
