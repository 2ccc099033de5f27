package footprint

import (
	"math/rand"
	"testing"

	"github.com/flyingrobots/echo/id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodeKey(seed string) id.NodeKey {
	return id.NodeKey{Warp: id.NewWarpID([]byte("w")), Node: id.NewNodeID([]byte(seed))}
}

func TestReserveAdmitsDisjointWrites(t *testing.T) {
	s := NewScheduler()
	s.NewTick()

	fa := New()
	fa.WriteNode(nodeKey("a"))
	fb := New()
	fb.WriteNode(nodeKey("b"))

	d1 := s.Reserve(Candidate{ScopeHash: id.Hash{1}, RuleID: 1, Nonce: 0, Footprint: fa})
	d2 := s.Reserve(Candidate{ScopeHash: id.Hash{2}, RuleID: 2, Nonce: 1, Footprint: fb})

	assert.True(t, d1.Admitted)
	assert.True(t, d2.Admitted)
}

func TestReserveRejectsWriteWriteConflict(t *testing.T) {
	s := NewScheduler()
	s.NewTick()

	k := nodeKey("shared")
	fa := New()
	fa.WriteNode(k)
	fb := New()
	fb.WriteNode(k)

	d1 := s.Reserve(Candidate{ScopeHash: id.Hash{1}, RuleID: 1, Nonce: 0, Footprint: fa})
	d2 := s.Reserve(Candidate{ScopeHash: id.Hash{2}, RuleID: 2, Nonce: 1, Footprint: fb})

	require.True(t, d1.Admitted)
	require.False(t, d2.Admitted)
	require.NotNil(t, d2.Blocker)
	assert.Equal(t, uint32(1), d2.Blocker.RuleID)
}

func TestReserveRejectsReadWriteConflict(t *testing.T) {
	s := NewScheduler()
	s.NewTick()

	k := nodeKey("shared")
	writer := New()
	writer.WriteNode(k)
	reader := New()
	reader.ReadNode(k)

	d1 := s.Reserve(Candidate{ScopeHash: id.Hash{1}, RuleID: 1, Footprint: writer})
	d2 := s.Reserve(Candidate{ScopeHash: id.Hash{2}, RuleID: 2, Footprint: reader})

	require.True(t, d1.Admitted)
	assert.False(t, d2.Admitted)
}

func TestReserveAtomicOnConflict(t *testing.T) {
	s := NewScheduler()
	s.NewTick()

	k1, k2 := nodeKey("one"), nodeKey("two")
	blocker := New()
	blocker.WriteNode(k1)
	s.Reserve(Candidate{ScopeHash: id.Hash{9}, RuleID: 9, Footprint: blocker})

	conflicting := New()
	conflicting.WriteNode(k1)
	conflicting.WriteNode(k2)
	d := s.Reserve(Candidate{ScopeHash: id.Hash{3}, RuleID: 3, Footprint: conflicting})
	require.False(t, d.Admitted)

	// k2 must not have been marked despite being in the rejected candidate's
	// footprint (P6: atomic reserve, no partial marks).
	fresh := New()
	fresh.WriteNode(k2)
	d2 := s.Reserve(Candidate{ScopeHash: id.Hash{4}, RuleID: 4, Footprint: fresh})
	assert.True(t, d2.Admitted)
}

func TestNewTickClearsActiveSet(t *testing.T) {
	s := NewScheduler()
	s.NewTick()
	k := nodeKey("x")
	f := New()
	f.WriteNode(k)
	require.True(t, s.Reserve(Candidate{ScopeHash: id.Hash{1}, Footprint: f}).Admitted)

	s.NewTick()
	f2 := New()
	f2.WriteNode(k)
	assert.True(t, s.Reserve(Candidate{ScopeHash: id.Hash{1}, Footprint: f2}).Admitted)
}

func TestDrainOrderDeterministicAndOrdered(t *testing.T) {
	mk := func(scope byte, rule uint32, nonce uint64) Candidate {
		return Candidate{ScopeHash: id.Hash{scope}, RuleID: rule, Nonce: nonce, Footprint: New()}
	}
	cands := []Candidate{mk(2, 5, 0), mk(1, 9, 2), mk(1, 3, 1), mk(1, 3, 0)}

	out := DrainOrder(cands)
	require.Len(t, out, 4)
	for i := 1; i < len(out); i++ {
		assert.False(t, less(out[i], out[i-1]), "DrainOrder must be non-decreasing")
	}
}

func TestDrainOrderAgreesWithRadixAboveThreshold(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	cands := make([]Candidate, radixThreshold+50)
	for i := range cands {
		var scope id.Hash
		r.Read(scope[:])
		cands[i] = Candidate{
			ScopeHash: scope,
			RuleID:    uint32(r.Intn(10)),
			Nonce:     uint64(i),
			Footprint: New(),
		}
	}

	radixOut := DrainOrder(cands)
	compOut := make([]Candidate, len(cands))
	copy(compOut, cands)
	for i := 1; i < len(compOut); i++ {
		for j := i; j > 0 && less(compOut[j], compOut[j-1]); j-- {
			compOut[j], compOut[j-1] = compOut[j-1], compOut[j]
		}
	}

	require.Len(t, radixOut, len(compOut))
	for i := range radixOut {
		assert.Equal(t, compOut[i].ScopeHash, radixOut[i].ScopeHash)
		assert.Equal(t, compOut[i].RuleID, radixOut[i].RuleID)
		assert.Equal(t, compOut[i].Nonce, radixOut[i].Nonce)
	}
}
