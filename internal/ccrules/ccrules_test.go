package ccrules

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndLookup(t *testing.T) {
	body := `
# comment
releases/* = max-age=86400,swr=3600
releases/nightly/* = max-age=60
scratch/* = max-age=0
`
	rules, err := Parse(strings.NewReader(body))
	require.NoError(t, err)

	r, ok := rules.Lookup("releases/nightly/build123")
	require.True(t, ok)
	assert.Equal(t, 60, r.MaxAge)

	r, ok = rules.Lookup("releases/v1/file")
	require.True(t, ok)
	assert.Equal(t, 86400, r.MaxAge)
	assert.Equal(t, "max-age=86400,stale-while-revalidate=3600", r.CacheControl(""))

	_, ok = rules.Lookup("other/file")
	assert.False(t, ok)
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse(strings.NewReader("not-a-rule-line"))
	assert.ErrorIs(t, err, ErrMalformedRule)
}

func TestParseSkipsBlankAndComments(t *testing.T) {
	rules, err := Parse(strings.NewReader("\n# just a comment\n\n"))
	require.NoError(t, err)
	_, ok := rules.Lookup("anything")
	assert.False(t, ok)
}
