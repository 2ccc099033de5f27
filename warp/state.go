// Package warp owns the collection of WARP instances that form a single
// parented tree: a root warp plus whatever child warps are reached through
// portal attachments (spec.md §4.3).
package warp

import (
	"errors"
	"sync"

	"github.com/flyingrobots/echo/graph"
	"github.com/flyingrobots/echo/id"
)

// Errors returned by State operations.
var (
	ErrInstanceNotFound  = errors.New("warp: instance not found")
	ErrInstanceExists    = errors.New("warp: instance already exists")
	ErrNoRoot            = errors.New("warp: no root instance")
	ErrOrphanInstance    = errors.New("warp: instance has no valid parent attachment")
	ErrDanglingPortal    = errors.New("warp: portal attachment has no matching instance")
)

// Instance is a single WARP instance: its own graph skeleton, a root node
// within that skeleton, and (for all but the root instance) the attachment
// slot in the parent warp that descends into it.
type Instance struct {
	WarpID   id.WarpID
	RootNode id.NodeID
	// Parent is nil for the root instance.
	Parent *id.AttachmentKey
}

// State is a collection of Instances forming a tree rooted at RootID.
type State struct {
	mu        sync.RWMutex
	RootID    id.WarpID
	instances map[id.WarpID]*Instance
	stores    map[id.WarpID]*graph.Store
}

// NewState creates a WarpState with a single root instance and an empty
// graph store for it.
func NewState(rootID id.WarpID, rootNode id.NodeID) *State {
	s := &State{
		RootID:    rootID,
		instances: make(map[id.WarpID]*Instance),
		stores:    make(map[id.WarpID]*graph.Store),
	}
	s.instances[rootID] = &Instance{WarpID: rootID, RootNode: rootNode}
	s.stores[rootID] = graph.New()
	return s
}

// Store returns the graph store for warpID, if the instance exists.
func (s *State) Store(warpID id.WarpID) (*graph.Store, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stores[warpID]
	return st, ok
}

// Instance returns the instance record for warpID, if it exists.
func (s *State) Instance(warpID id.WarpID) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[warpID]
	return inst, ok
}

// CreateInstance registers a new child warp instance and its empty graph
// store. Used by the OpenPortal op (spec.md §3, "Portal creation is atomic").
func (s *State) CreateInstance(inst Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[inst.WarpID]; exists {
		return ErrInstanceExists
	}
	if inst.Parent == nil {
		return ErrOrphanInstance
	}
	s.instances[inst.WarpID] = &inst
	s.stores[inst.WarpID] = graph.New()
	return nil
}

// ReachableInstances performs a canonical BFS from the root, following
// Descend portals discovered in any attachment plane, and returns the
// reachable instances ordered: root first, then by ascending WarpID among
// the rest (spec.md §4.3, §4.7; P1: unreachable instances never affect the
// state root).
func (s *State) ReachableInstances() ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	root, ok := s.instances[s.RootID]
	if !ok {
		return nil, ErrNoRoot
	}

	seen := map[id.WarpID]bool{s.RootID: true}
	queue := []id.WarpID{s.RootID}
	rest := []*Instance{}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		store := s.stores[cur]
		if store == nil {
			continue
		}
		for _, n := range store.AllNodeIDs() {
			if av, ok := store.NodeAttachment(n); ok && av.IsPortal {
				s.collectPortal(av.ChildWarp, seen, &queue, &rest)
			}
		}
		for _, e := range store.AllEdgeIDs() {
			if av, ok := store.EdgeAttachment(e); ok && av.IsPortal {
				s.collectPortal(av.ChildWarp, seen, &queue, &rest)
			}
		}
	}

	sortInstancesByWarpID(rest)
	return append([]*Instance{root}, rest...), nil
}

func (s *State) collectPortal(child id.WarpID, seen map[id.WarpID]bool, queue *[]id.WarpID, rest *[]*Instance) {
	if seen[child] {
		return
	}
	inst, ok := s.instances[child]
	if !ok {
		// Dangling portal; ReachableInstances callers that need strict
		// validation use ValidatePortals instead of failing here, so that
		// hashing a partially-applied state during a rejected tick does not
		// panic.
		return
	}
	seen[child] = true
	*queue = append(*queue, child)
	*rest = append(*rest, inst)
}

func sortInstancesByWarpID(insts []*Instance) {
	for i := 1; i < len(insts); i++ {
		j := i
		for j > 0 && id.Less(id.Hash(insts[j].WarpID), id.Hash(insts[j-1].WarpID)) {
			insts[j], insts[j-1] = insts[j-1], insts[j]
			j--
		}
	}
}

// ValidatePortals enforces I5: every Descend(W) attachment reachable from
// the root has a matching Instance, and every non-root instance's Parent
// points at an attachment that actually holds Descend(that instance).
func (s *State) ValidatePortals() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for warpID, inst := range s.instances {
		if warpID == s.RootID {
			continue
		}
		if inst.Parent == nil {
			return ErrOrphanInstance
		}
		parentStore, ok := s.stores[inst.Parent.OwnerWarp]
		if !ok {
			return ErrOrphanInstance
		}
		var av graph.AttachmentValue
		var present bool
		switch inst.Parent.Plane {
		case id.PlaneNode:
			av, present = parentStore.NodeAttachment(inst.Parent.OwnerNode)
		case id.PlaneEdge:
			av, present = parentStore.EdgeAttachment(inst.Parent.OwnerEdge)
		}
		if !present || !av.IsPortal || av.ChildWarp != warpID {
			return ErrOrphanInstance
		}
	}

	for warpID, store := range s.stores {
		for _, n := range store.AllNodeIDs() {
			if av, ok := store.NodeAttachment(n); ok && av.IsPortal {
				if err := s.checkPortalTarget(warpID, id.PlaneNode, n, id.EdgeID{}, av.ChildWarp); err != nil {
					return err
				}
			}
		}
		for _, e := range store.AllEdgeIDs() {
			if av, ok := store.EdgeAttachment(e); ok && av.IsPortal {
				if err := s.checkPortalTarget(warpID, id.PlaneEdge, id.NodeID{}, e, av.ChildWarp); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *State) checkPortalTarget(owner id.WarpID, plane id.Plane, n id.NodeID, e id.EdgeID, child id.WarpID) error {
	inst, ok := s.instances[child]
	if !ok {
		return ErrDanglingPortal
	}
	if inst.Parent == nil || inst.Parent.OwnerWarp != owner || inst.Parent.Plane != plane {
		return ErrDanglingPortal
	}
	switch plane {
	case id.PlaneNode:
		if inst.Parent.OwnerNode != n {
			return ErrDanglingPortal
		}
	case id.PlaneEdge:
		if inst.Parent.OwnerEdge != e {
			return ErrDanglingPortal
		}
	}
	return nil
}

// Clone returns a deep copy of the entire instance tree and every warp's
// graph store, independent of further mutation to either copy. Used by the
// engine's apply step to prepare a scratch snapshot before committing a
// tick.
func (s *State) Clone() *State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := &State{
		RootID:    s.RootID,
		instances: make(map[id.WarpID]*Instance, len(s.instances)),
		stores:    make(map[id.WarpID]*graph.Store, len(s.stores)),
	}
	for w, inst := range s.instances {
		instCopy := *inst
		if inst.Parent != nil {
			parentCopy := *inst.Parent
			instCopy.Parent = &parentCopy
		}
		c.instances[w] = &instCopy
	}
	for w, store := range s.stores {
		c.stores[w] = store.Clone()
	}
	return c
}

// AllWarpIDs returns every registered instance's WarpID, no particular
// order guaranteed (use ReachableInstances for canonical order).
func (s *State) AllWarpIDs() []id.WarpID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]id.WarpID, 0, len(s.instances))
	for w := range s.instances {
		out = append(out, w)
	}
	return out
}
