package id

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumDomainSeparation(t *testing.T) {
	seed := []byte("same-seed")

	t.Run("distinct tags never collide", func(t *testing.T) {
		node := Sum(tagNode, seed)
		edge := Sum(tagEdge, seed)
		stateRoot := Sum(DomainStateRoot, seed)
		patch := Sum(DomainPatchDigest, seed)
		commit := Sum(DomainCommitV2, seed)

		assert.NotEqual(t, node, edge)
		assert.NotEqual(t, stateRoot, patch)
		assert.NotEqual(t, patch, commit)
		assert.NotEqual(t, stateRoot, commit)
	})

	t.Run("same tag and seed is deterministic", func(t *testing.T) {
		a := Sum(tagNode, seed)
		b := Sum(tagNode, seed)
		assert.Equal(t, a, b)
	})
}

func TestTypedConstructors(t *testing.T) {
	n := NewNodeID([]byte("n1"))
	e := NewEdgeID([]byte("n1"))

	require.NotEqual(t, Hash(n), Hash(e), "NodeID and EdgeID from the same seed must differ")
	assert.Len(t, n.Bytes(), 32)
	assert.NotEmpty(t, n.String())
}

func TestLess(t *testing.T) {
	a := Hash{0x01}
	b := Hash{0x02}
	assert.True(t, Less(a, b))
	assert.False(t, Less(b, a))
	assert.False(t, Less(a, a))
}

func TestHashIsZero(t *testing.T) {
	var z Hash
	assert.True(t, z.IsZero())

	nz := NewWarpID([]byte("root"))
	assert.False(t, Hash(nz).IsZero())
}
