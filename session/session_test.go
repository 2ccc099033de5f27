package session

import (
	"testing"

	"github.com/flyingrobots/echo/engine"
	"github.com/flyingrobots/echo/footprint"
	"github.com/flyingrobots/echo/graph"
	"github.com/flyingrobots/echo/id"
	"github.com/flyingrobots/echo/mbus"
	"github.com/flyingrobots/echo/playback"
	"github.com/flyingrobots/echo/project"
	"github.com/flyingrobots/echo/warp"
	"github.com/flyingrobots/echo/worldline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	seedType = id.NewTypeID("session-seed")
	pingChan = id.NewChannelID("session-ping")
)

// pingRule matches every unattached Seed node, marks it attached, and
// emits its id onto pingChan, so every tick with an unmatched seed
// produces exactly one truth frame.
func pingRule() engine.Rule {
	return engine.Rule{
		ID:   1,
		Name: "ping",
		Matcher: func(view *engine.View, warpID id.WarpID) []engine.MatchData {
			store, ok := view.Store(warpID)
			if !ok {
				return nil
			}
			var matches []engine.MatchData
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
		Footprint: func(view *engine.View, warpID id.WarpID, match engine.MatchData) *footprint.Footprint {
			seed := match.(id.NodeID)
			fp := footprint.New()
			fp.ReadNode(id.NodeKey{Warp: warpID, Node: seed})
			fp.WriteAttachment(id.AttachmentKey{OwnerWarp: warpID, OwnerNode: seed, Plane: id.PlaneNode})
			return fp
		},
		Executor: func(view *engine.View, warpID id.WarpID, match engine.MatchData, delta *engine.ScopedDelta) {
			seed := match.(id.NodeID)
			av := graph.Atom(seedType, []byte("pinged"))
			delta.SetAttachment(id.AttachmentKey{OwnerWarp: warpID, OwnerNode: seed, Plane: id.PlaneNode}, &av)
			delta.Emit(pingChan, seed.Bytes())
		},
	}
}

func newFixture(t *testing.T) (*project.Runner, id.WarpID, *worldline.MemoryStore) {
	t.Helper()
	root := id.NewWarpID([]byte("session-root"))
	rootNode := id.NewNodeID([]byte("session-root-node"))
	state := warp.NewState(root, rootNode)
	store, ok := state.Store(root)
	require.True(t, ok)
	store.InsertNode(rootNode, graph.NodeRecord{Type: id.NewTypeID("Root")})
	seed := id.NewNodeID([]byte("session-seed-0"))
	store.InsertNode(seed, graph.NodeRecord{Type: seedType})

	registry := engine.NewRegistry()
	require.NoError(t, registry.Register(pingRule()))

	bus := mbus.New()
	require.NoError(t, bus.Declare(mbus.ChannelSpec{ID: pingChan, Reducer: mbus.StrictSingle}))

	e := engine.New(state, registry, 7, 2, bus)
	wstore := worldline.NewMemoryStore(nil)
	runner := project.NewRunner(e, wstore)

	_, err := runner.Step()
	require.NoError(t, err)

	return runner, root, wstore
}

func TestSessionPublishesTruthFrameForSubscribedChannel(t *testing.T) {
	runner, root, wstore := newFixture(t)

	mgr := NewManager(wstore)
	cur, err := mgr.CreateCursor(id.NewCursorID([]byte("reader")), root, 0, playback.Reader)
	require.NoError(t, err)
	require.True(t, cur.Started())

	sess, err := mgr.CreateSession(id.NewSessionID([]byte("sess1")), cur.ID)
	require.NoError(t, err)
	require.NoError(t, mgr.SessionSubscribe(sess.ID, pingChan))

	pubs, err := mgr.PublishTick()
	require.NoError(t, err)
	require.Len(t, pubs, 1)

	pub := pubs[0]
	assert.Equal(t, sess.ID, pub.SessionID)
	assert.Equal(t, cur.WorldlineID, pub.Receipt.WorldlineID)
	assert.Equal(t, cur.Tick, pub.Receipt.Tick)
	assert.Equal(t, cur.CommitHash(), pub.Receipt.CommitHash)
	require.Len(t, pub.Frames, 1)
	assert.Equal(t, pingChan, pub.Frames[0].Channel)
	assert.Equal(t, id.Sum("", pub.Frames[0].Value), pub.Frames[0].ValueHash)

	_ = runner // fixture already stepped once; runner retained for symmetry with other tests
}

func TestSessionUnsubscribeStopsFrames(t *testing.T) {
	_, root, wstore := newFixture(t)

	mgr := NewManager(wstore)
	cur, err := mgr.CreateCursor(id.NewCursorID([]byte("reader2")), root, 0, playback.Reader)
	require.NoError(t, err)

	sess, err := mgr.CreateSession(id.NewSessionID([]byte("sess2")), cur.ID)
	require.NoError(t, err)
	require.NoError(t, mgr.SessionSubscribe(sess.ID, pingChan))
	require.NoError(t, mgr.SessionUnsubscribe(sess.ID, pingChan))

	pubs, err := mgr.PublishTick()
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	assert.Empty(t, pubs[0].Frames)
}

func TestTwoSessionsSameCursorPublishIndependently(t *testing.T) {
	_, root, wstore := newFixture(t)

	mgr := NewManager(wstore)
	cur, err := mgr.CreateCursor(id.NewCursorID([]byte("shared-reader")), root, 0, playback.Reader)
	require.NoError(t, err)

	sessA, err := mgr.CreateSession(id.NewSessionID([]byte("sessA")), cur.ID)
	require.NoError(t, err)
	sessB, err := mgr.CreateSession(id.NewSessionID([]byte("sessB")), cur.ID)
	require.NoError(t, err)
	require.NoError(t, mgr.SessionSubscribe(sessA.ID, pingChan))
	// sessB subscribes to nothing.

	pubs, err := mgr.PublishTick()
	require.NoError(t, err)
	require.Len(t, pubs, 2)

	byID := map[id.SessionID]SessionPublish{}
	for _, p := range pubs {
		byID[p.SessionID] = p
	}
	assert.Len(t, byID[sessA.ID].Frames, 1)
	assert.Empty(t, byID[sessB.ID].Frames)
	assert.Equal(t, byID[sessA.ID].Receipt.CommitHash, byID[sessB.ID].Receipt.CommitHash, "both sessions share one cursor, so their receipts agree")
}

func TestSetActiveCursorPublishesImmediately(t *testing.T) {
	_, root, wstore := newFixture(t)

	mgr := NewManager(wstore)
	cur, err := mgr.CreateCursor(id.NewCursorID([]byte("switch-reader")), root, 0, playback.Reader)
	require.NoError(t, err)
	otherCur, err := mgr.CreateCursor(id.NewCursorID([]byte("other-reader")), root, 0, playback.Reader)
	require.NoError(t, err)

	sess, err := mgr.CreateSession(id.NewSessionID([]byte("switcher")), cur.ID)
	require.NoError(t, err)
	require.NoError(t, mgr.SessionSubscribe(sess.ID, pingChan))

	pub, err := mgr.SessionSetActiveCursor(sess.ID, otherCur.ID)
	require.NoError(t, err)
	assert.Equal(t, otherCur.ID, pub.Receipt.CursorID)
	require.Len(t, pub.Frames, 1)
}

func TestEncodeDecodePacketRoundTrips(t *testing.T) {
	_, root, wstore := newFixture(t)

	mgr := NewManager(wstore)
	cur, err := mgr.CreateCursor(id.NewCursorID([]byte("wire-reader")), root, 0, playback.Reader)
	require.NoError(t, err)
	sess, err := mgr.CreateSession(id.NewSessionID([]byte("wire-sess")), cur.ID)
	require.NoError(t, err)
	require.NoError(t, mgr.SessionSubscribe(sess.ID, pingChan))

	pubs, err := mgr.PublishTick()
	require.NoError(t, err)
	require.Len(t, pubs, 1)

	packet := EncodePacket(pubs[0].Receipt, pubs[0].Frames)
	receipt, frames, consumed, err := DecodePacket(packet)
	require.NoError(t, err)
	assert.Equal(t, len(packet), consumed)
	assert.Equal(t, pubs[0].Receipt, receipt)
	require.Len(t, frames, 1)
	assert.Equal(t, pubs[0].Frames[0].Channel, frames[0].Channel)
	assert.Equal(t, pubs[0].Frames[0].Value, frames[0].Value)
	assert.Equal(t, pubs[0].Frames[0].ValueHash, frames[0].ValueHash)
}

func TestDecodePacketRejectsVersionMismatch(t *testing.T) {
	packet := EncodePacket(CursorReceipt{}, nil)
	packet[4] = 0x01 // stomp version low byte: 2 -> 1
	_, _, _, err := DecodePacket(packet)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestDecodePacketRejectsTruncatedValue(t *testing.T) {
	packet := EncodePacket(CursorReceipt{}, []TruthFrame{{Channel: pingChan, Value: []byte("hello"), ValueHash: id.Sum("", []byte("hello"))}})
	truncated := packet[:len(packet)-2] // chop the tail off the last value
	_, _, _, err := DecodePacket(truncated)
	assert.ErrorIs(t, err, ErrTruncatedPacket)
}
