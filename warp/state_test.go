package warp

import (
	"testing"

	"github.com/flyingrobots/echo/graph"
	"github.com/flyingrobots/echo/id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rootNodeID() id.NodeID { return id.NewNodeID([]byte("root-node")) }

func TestReachableInstancesFollowsPortals(t *testing.T) {
	rootID := id.NewWarpID([]byte("root"))
	s := NewState(rootID, rootNodeID())

	store, _ := s.Store(rootID)
	portalNode := id.NewNodeID([]byte("portal"))
	ty := id.NewTypeID("T")
	store.InsertNode(rootNodeID(), graph.NodeRecord{Type: ty})
	store.InsertNode(portalNode, graph.NodeRecord{Type: ty})

	childID := id.NewWarpID([]byte("child"))
	parentKey := id.AttachmentKey{OwnerWarp: rootID, OwnerNode: portalNode, Plane: id.PlaneNode}
	v := graph.Descend(childID)
	store.SetNodeAttachment(portalNode, &v)

	require.NoError(t, s.CreateInstance(Instance{
		WarpID:   childID,
		RootNode: id.NewNodeID([]byte("child-root")),
		Parent:   &parentKey,
	}))

	reachable, err := s.ReachableInstances()
	require.NoError(t, err)
	require.Len(t, reachable, 2)
	assert.Equal(t, rootID, reachable[0].WarpID)
	assert.Equal(t, childID, reachable[1].WarpID)

	assert.NoError(t, s.ValidatePortals())
}

func TestUnreachableInstanceExcluded(t *testing.T) {
	rootID := id.NewWarpID([]byte("root"))
	s := NewState(rootID, rootNodeID())

	orphanID := id.NewWarpID([]byte("orphan"))
	key := id.AttachmentKey{OwnerWarp: rootID, OwnerNode: rootNodeID(), Plane: id.PlaneNode}
	require.NoError(t, s.CreateInstance(Instance{WarpID: orphanID, RootNode: id.NewNodeID([]byte("o")), Parent: &key}))

	// No attachment in the root store actually descends into orphanID, so
	// it must not show up in ReachableInstances even though it is
	// registered (P1).
	reachable, err := s.ReachableInstances()
	require.NoError(t, err)
	require.Len(t, reachable, 1)
	assert.Equal(t, rootID, reachable[0].WarpID)
}

func TestValidatePortalsRejectsOrphan(t *testing.T) {
	rootID := id.NewWarpID([]byte("root"))
	s := NewState(rootID, rootNodeID())

	orphanID := id.NewWarpID([]byte("orphan"))
	key := id.AttachmentKey{OwnerWarp: rootID, OwnerNode: rootNodeID(), Plane: id.PlaneNode}
	require.NoError(t, s.CreateInstance(Instance{WarpID: orphanID, RootNode: id.NewNodeID([]byte("o")), Parent: &key}))

	err := s.ValidatePortals()
	assert.ErrorIs(t, err, ErrOrphanInstance)
}

func TestCreateInstanceDuplicateRejected(t *testing.T) {
	rootID := id.NewWarpID([]byte("root"))
	s := NewState(rootID, rootNodeID())
	key := id.AttachmentKey{OwnerWarp: rootID, OwnerNode: rootNodeID(), Plane: id.PlaneNode}

	err := s.CreateInstance(Instance{WarpID: rootID, RootNode: rootNodeID(), Parent: &key})
	assert.ErrorIs(t, err, ErrInstanceExists)
}
