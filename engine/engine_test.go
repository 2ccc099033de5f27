package engine

import (
	"testing"

	"github.com/flyingrobots/echo/footprint"
	"github.com/flyingrobots/echo/graph"
	"github.com/flyingrobots/echo/id"
	"github.com/flyingrobots/echo/mbus"
	"github.com/flyingrobots/echo/warp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	seedType   = id.NewTypeID("Seed")
	childType  = id.NewTypeID("Spawned")
	edgeType   = id.NewTypeID("spawns")
	markerType = id.NewTypeID("marker")
	rootType   = id.NewTypeID("Root")
)

func newSpawnFixture(t *testing.T, seedCount int) (*warp.State, id.WarpID, []id.NodeID) {
	t.Helper()
	root := id.NewWarpID([]byte("root"))
	rootNode := id.NewNodeID([]byte("root-node"))
	state := warp.NewState(root, rootNode)
	store, ok := state.Store(root)
	require.True(t, ok)
	store.InsertNode(rootNode, graph.NodeRecord{Type: rootType})

	seeds := make([]id.NodeID, seedCount)
	for i := 0; i < seedCount; i++ {
		n := id.NewNodeID([]byte{byte('a' + i)})
		store.InsertNode(n, graph.NodeRecord{Type: seedType})
		seeds[i] = n
	}
	return state, root, seeds
}

// spawnRule matches every Seed node with no node attachment yet, and emits a
// child node, a spawning edge, and an attachment marking the seed as spawned.
func spawnRule() Rule {
	return Rule{
		ID:   1,
		Name: "spawn",
		Matcher: func(view *View, warpID id.WarpID) []MatchData {
			store, ok := view.Store(warpID)
			if !ok {
				return nil
			}
			var matches []MatchData
			for _, n := range store.AllNodeIDs() {
				rec, _ := store.Node(n)
				if rec.Type != seedType {
					continue
				}
				if _, has := store.NodeAttachment(n); has {
					continue
				}
				matches = append(matches, n)
			}
			return matches
		},
		Footprint: func(view *View, warpID id.WarpID, match MatchData) *footprint.Footprint {
			seed := match.(id.NodeID)
			fp := footprint.New()
			fp.ReadNode(id.NodeKey{Warp: warpID, Node: seed})
			fp.WriteAttachment(id.AttachmentKey{OwnerWarp: warpID, OwnerNode: seed, Plane: id.PlaneNode})
			return fp
		},
		Executor: func(view *View, warpID id.WarpID, match MatchData, delta *ScopedDelta) {
			seed := match.(id.NodeID)
			child := id.NewNodeID(append([]byte("child:"), seed.Bytes()...))
			delta.InsertNode(child, graph.NodeRecord{Type: childType})
			delta.InsertEdge(graph.EdgeRecord{ID: id.NewEdgeID(append([]byte("edge:"), seed.Bytes()...)), From: seed, To: child, Type: edgeType})
			av := graph.Atom(markerType, []byte("spawned"))
			delta.SetAttachment(id.AttachmentKey{OwnerWarp: warpID, OwnerNode: seed, Plane: id.PlaneNode}, &av)
		},
	}
}

func TestStepSpawnsChildrenAndMarksSeedsOnce(t *testing.T) {
	state, root, seeds := newSpawnFixture(t, 3)
	registry := NewRegistry()
	require.NoError(t, registry.Register(spawnRule()))

	e := New(state, registry, 1, 4, mbus.New())

	result, err := e.Step()
	require.NoError(t, err)
	assert.Len(t, result.Ops, 9, "3 seeds x (insert node, insert edge, set attachment)")
	assert.True(t, result.TouchedWarp[root])

	store, ok := e.State().Store(root)
	require.True(t, ok)
	for _, s := range seeds {
		av, has := store.NodeAttachment(s)
		require.True(t, has)
		assert.False(t, av.IsPortal)
		assert.Equal(t, markerType, av.AtomType)
	}
	assert.Equal(t, 1+3+3, store.NodeCount(), "root + 3 seeds + 3 children")

	second, err := e.Step()
	require.NoError(t, err)
	assert.Empty(t, second.Ops, "already-marked seeds must not match again")
}

func TestStepIsDeterministicAcrossWorkerCounts(t *testing.T) {
	stateA, rootA, _ := newSpawnFixture(t, 12)
	stateB, rootB, _ := newSpawnFixture(t, 12)
	require.Equal(t, rootA, rootB)

	regA := NewRegistry()
	regB := NewRegistry()
	require.NoError(t, regA.Register(spawnRule()))
	require.NoError(t, regB.Register(spawnRule()))

	eA := New(stateA, regA, 1, 1, mbus.New())
	eB := New(stateB, regB, 1, 8, mbus.New())

	resultA, err := eA.Step()
	require.NoError(t, err)
	resultB, err := eB.Step()
	require.NoError(t, err)

	require.Len(t, resultB.Ops, len(resultA.Ops))
	for i := range resultA.Ops {
		assert.Equal(t, resultA.Ops[i].SortKey(), resultB.Ops[i].SortKey(), "op %d order must not depend on worker count", i)
	}

	storeA, _ := eA.State().Store(rootA)
	storeB, _ := eB.State().Store(rootB)
	assert.Equal(t, storeA.CanonicalStateHash(), storeB.CanonicalStateHash())
}

func TestMergeRejectsConflictingOps(t *testing.T) {
	root := id.NewWarpID([]byte("root"))
	key := id.AttachmentKey{OwnerWarp: root, OwnerNode: id.NewNodeID([]byte("n")), Plane: id.PlaneNode}

	d1 := newScopedDelta(root, OpOrigin{IntentID: 0, RuleID: 1, MatchIx: 0}, nil)
	av1 := graph.Atom(markerType, []byte("one"))
	d1.SetAttachment(key, &av1)

	d2 := newScopedDelta(root, OpOrigin{IntentID: 0, RuleID: 2, MatchIx: 0}, nil)
	av2 := graph.Atom(markerType, []byte("two"))
	d2.SetAttachment(key, &av2)

	_, err := merge([]*ScopedDelta{d1, d2})
	require.ErrorIs(t, err, ErrOpConflict)
}

func TestMergeDropsExactDuplicates(t *testing.T) {
	root := id.NewWarpID([]byte("root"))
	n := id.NewNodeID([]byte("n"))
	rec := graph.NodeRecord{Type: seedType}

	d1 := newScopedDelta(root, OpOrigin{IntentID: 0, RuleID: 1, MatchIx: 0}, nil)
	d1.InsertNode(n, rec)
	d2 := newScopedDelta(root, OpOrigin{IntentID: 0, RuleID: 1, MatchIx: 0}, nil)
	d2.InsertNode(n, rec)

	ops, err := merge([]*ScopedDelta{d1, d2})
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestStepPublishesEmitsToBus(t *testing.T) {
	state, _, _ := newSpawnFixture(t, 2)

	countChannel := id.NewChannelID("spawn_count")
	bus := mbus.New()
	require.NoError(t, bus.Declare(mbus.ChannelSpec{ID: countChannel, Reducer: mbus.Sum}))

	base := spawnRule()
	registry := NewRegistry()
	require.NoError(t, registry.Register(Rule{
		ID:        base.ID,
		Name:      base.Name,
		Matcher:   base.Matcher,
		Footprint: base.Footprint,
		Executor: func(view *View, warpID id.WarpID, match MatchData, delta *ScopedDelta) {
			base.Executor(view, warpID, match, delta)
			delta.Emit(countChannel, encodeInt64(1))
		},
	}))

	e := New(state, registry, 1, 2, bus)
	result, err := e.Step()
	require.NoError(t, err)

	got := result.Bus.Channels[countChannel]
	require.Len(t, got, 8)
	assert.Equal(t, encodeInt64(2), got, "one emit per spawned seed, summed")
}

func encodeInt64(v int64) []byte {
	out := make([]byte, 8)
	u := uint64(v)
	for i := 0; i < 8; i++ {
		out[i] = byte(u)
		u >>= 8
	}
	return out
}
