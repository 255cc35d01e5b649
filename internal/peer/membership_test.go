package peer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleDatagramIgnoresMismatchedScope(t *testing.T) {
	ring := NewRing(Peer{UUID: "self", BaseURL: "http://self"})
	r := &Reflector{Ring: ring, Self: Peer{UUID: "self"}, Scope: "prod", Client: http.DefaultClient}
	r.handleDatagram(context.Background(), encodeDatagram("P", "http://intruder", "dev"))
	assert.False(t, ring.Has("intruder"))
}

func TestHandleDatagramDropsNonconforming(t *testing.T) {
	ring := NewRing(Peer{UUID: "self", BaseURL: "http://self"})
	r := &Reflector{Ring: ring, Self: Peer{UUID: "self"}, Scope: "prod", Client: http.DefaultClient}
	r.handleDatagram(context.Background(), "P http://intruder prod")
	assert.False(t, ring.Has("intruder"))
}

func TestHandleDatagramAdmitsProbedPeer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, "peer-xyz")
	}))
	defer ts.Close()

	ring := NewRing(Peer{UUID: "self", BaseURL: "http://self"})
	r := &Reflector{Ring: ring, Self: Peer{UUID: "self"}, Scope: "prod", Client: &http.Client{Timeout: time.Second}}

	r.handleDatagram(context.Background(), encodeDatagram("P", ts.URL, "prod"))
	require.True(t, ring.Has("peer-xyz"))
}

func TestHandleDatagramDiscourageRemoves(t *testing.T) {
	ring := NewRing(Peer{UUID: "self", BaseURL: "http://self"})
	ring.Insert(Peer{UUID: "gone", BaseURL: "http://gone"})
	r := &Reflector{Ring: ring, Self: Peer{UUID: "self"}, Scope: "prod", Client: http.DefaultClient}

	r.handleDatagram(context.Background(), encodeDatagram("A", "http://gone", "prod"))
	assert.False(t, ring.Has("gone"))
}
