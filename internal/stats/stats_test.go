package stats

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTextIncludesObservedCounters(t *testing.T) {
	r := New()
	r.ObserveRequest("a")
	r.ObserveRequest("a")
	r.ObserveRequest("d")
	r.ObserveErrno(2)
	r.ObserveProtocolError()
	r.ObserveEncryption()

	body, err := r.RenderText()
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, `fs123_requests_total{function=a}: 2`)
	assert.Contains(t, text, `fs123_requests_total{function=d}: 1`)
	assert.Contains(t, text, `fs123_errno_total{errno=2}: 1`)
	assert.Contains(t, text, "fs123_protocol_errors_total: 1")
	assert.Contains(t, text, "fs123_secretbox_encryptions_total: 1")
}

func TestRenderTextIsSortedAndNewlineTerminated(t *testing.T) {
	r := New()
	r.ObserveRequest("a")
	r.ObserveRequest("d")
	body, err := r.RenderText()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(body), "\n"))
	lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
	sorted := append([]string{}, lines...)
	for i := 1; i < len(sorted); i++ {
		assert.LessOrEqual(t, sorted[i-1], sorted[i])
	}
}
