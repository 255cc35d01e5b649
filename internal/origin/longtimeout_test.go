package origin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLongTimeoutTree(t *testing.T) {
	tree := NewLongTimeoutTree([]string{"releases", "archive/2020"})

	assert.True(t, tree.IsLong("releases"))
	assert.True(t, tree.IsLong("releases/v1/file.txt"))
	assert.True(t, tree.IsLong("archive/2020/q1"))

	assert.False(t, tree.IsLong("scratch/file"))
	assert.False(t, tree.IsLong("archive/2021/q1"))
	assert.False(t, tree.IsLong(""))
}

func TestLongTimeoutTreeRootPrefix(t *testing.T) {
	tree := NewLongTimeoutTree([]string{""})
	assert.True(t, tree.IsLong("anything"))
}
