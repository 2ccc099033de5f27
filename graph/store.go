package graph

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/flyingrobots/echo/id"
)

// Store is the in-memory skeleton graph for a single warp instance: nodes,
// directed edges with insertion-order buckets, forward/reverse adjacency
// indexes, and the node/edge attachment planes (spec.md §3, §4.2).
//
// Store is safe for concurrent reads; mutation is expected to happen only
// from the engine's single-threaded apply step (spec.md §5), so writers do
// not need to coordinate with each other, only with in-flight GraphViews.
type Store struct {
	mu sync.RWMutex

	nodes map[id.NodeID]NodeRecord

	// edgesFrom preserves insertion order per spec.md §3; canonical iteration
	// (CanonicalStateHash) re-sorts by EdgeID instead of relying on this order.
	edgesFrom map[id.NodeID][]id.EdgeID
	edgesTo   map[id.NodeID][]id.EdgeID

	edgeRecords  map[id.EdgeID]EdgeRecord
	edgeFromIdx  map[id.EdgeID]id.NodeID // I1
	edgeToIdx    map[id.EdgeID]id.NodeID // I2

	nodeAttachments map[id.NodeID]AttachmentValue
	edgeAttachments map[id.EdgeID]AttachmentValue
}

// New returns an empty graph store.
func New() *Store {
	return &Store{
		nodes:           make(map[id.NodeID]NodeRecord),
		edgesFrom:       make(map[id.NodeID][]id.EdgeID),
		edgesTo:         make(map[id.NodeID][]id.EdgeID),
		edgeRecords:     make(map[id.EdgeID]EdgeRecord),
		edgeFromIdx:     make(map[id.EdgeID]id.NodeID),
		edgeToIdx:       make(map[id.EdgeID]id.NodeID),
		nodeAttachments: make(map[id.NodeID]AttachmentValue),
		edgeAttachments: make(map[id.EdgeID]AttachmentValue),
	}
}

// InsertNode creates or replaces a node record. Replacing an existing node
// does not touch its incident edges or attachment.
func (s *Store) InsertNode(n id.NodeID, rec NodeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[n]; !exists {
		s.edgesFrom[n] = nil
		s.edgesTo[n] = nil
	}
	s.nodes[n] = rec
}

// Node returns the node record for n, if present.
func (s *Store) Node(n id.NodeID) (NodeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.nodes[n]
	return rec, ok
}

// HasNode reports whether n exists in the store.
func (s *Store) HasNode(n id.NodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[n]
	return ok
}

// InsertEdge upserts an edge, re-threading the forward/reverse adjacency
// indexes atomically (I1, I2, I3). If an edge with the same ID already
// exists (possibly under a different From/To), its prior placement is
// removed first.
func (s *Store) InsertEdge(rec EdgeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[rec.From]; !ok {
		return ErrDanglingEdge
	}
	if _, ok := s.nodes[rec.To]; !ok {
		return ErrDanglingEdge
	}

	if prevFrom, exists := s.edgeFromIdx[rec.ID]; exists {
		s.unthreadEdgeLocked(rec.ID, prevFrom)
	}

	s.edgeRecords[rec.ID] = rec
	s.edgeFromIdx[rec.ID] = rec.From
	s.edgeToIdx[rec.ID] = rec.To
	s.edgesFrom[rec.From] = append(s.edgesFrom[rec.From], rec.ID)
	s.edgesTo[rec.To] = append(s.edgesTo[rec.To], rec.ID)
	return nil
}

// unthreadEdgeLocked removes edge e's prior placement from the adjacency
// buckets. Caller must hold s.mu.
func (s *Store) unthreadEdgeLocked(e id.EdgeID, prevFrom id.NodeID) {
	if prevTo, ok := s.edgeToIdx[e]; ok {
		s.edgesTo[prevTo] = removeEdgeID(s.edgesTo[prevTo], e)
	}
	s.edgesFrom[prevFrom] = removeEdgeID(s.edgesFrom[prevFrom], e)
}

func removeEdgeID(bucket []id.EdgeID, e id.EdgeID) []id.EdgeID {
	for i, x := range bucket {
		if x == e {
			return append(bucket[:i], bucket[i+1:]...)
		}
	}
	return bucket
}

// Edge returns the edge record for e, if present.
func (s *Store) Edge(e id.EdgeID) (EdgeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.edgeRecords[e]
	return rec, ok
}

// EdgesFrom returns the edges whose From is n, in insertion order.
func (s *Store) EdgesFrom(n id.NodeID) []id.EdgeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]id.EdgeID, len(s.edgesFrom[n]))
	copy(out, s.edgesFrom[n])
	return out
}

// EdgesTo returns the edges whose To is n, in insertion order (reverse
// adjacency, used by DeleteNodeCascade to avoid an O(total edges) scan).
func (s *Store) EdgesTo(n id.NodeID) []id.EdgeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]id.EdgeID, len(s.edgesTo[n]))
	copy(out, s.edgesTo[n])
	return out
}

// DeleteEdgeExact removes the edge e iff it currently starts at from; it is
// a no-op if the reverse index disagrees, matching spec.md §4.2.
func (s *Store) DeleteEdgeExact(from id.NodeID, e id.EdgeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteEdgeLocked(from, e)
}

func (s *Store) deleteEdgeLocked(from id.NodeID, e id.EdgeID) {
	actualFrom, ok := s.edgeFromIdx[e]
	if !ok || actualFrom != from {
		return
	}
	to := s.edgeToIdx[e]
	s.edgesFrom[from] = removeEdgeID(s.edgesFrom[from], e)
	s.edgesTo[to] = removeEdgeID(s.edgesTo[to], e)
	delete(s.edgeRecords, e)
	delete(s.edgeFromIdx, e)
	delete(s.edgeToIdx, e)
	delete(s.edgeAttachments, e)
}

// DeleteNodeCascade removes n, every edge incident to it (in either
// direction), and their attachments, in O(incident) time via the reverse
// adjacency index (I4).
func (s *Store) DeleteNodeCascade(n id.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range append([]id.EdgeID(nil), s.edgesFrom[n]...) {
		s.deleteEdgeLocked(n, e)
	}
	for _, e := range append([]id.EdgeID(nil), s.edgesTo[n]...) {
		from := s.edgeFromIdx[e]
		s.deleteEdgeLocked(from, e)
	}
	delete(s.nodes, n)
	delete(s.nodeAttachments, n)
	delete(s.edgesFrom, n)
	delete(s.edgesTo, n)
}

// NodeAttachment returns n's attachment value, if set.
func (s *Store) NodeAttachment(n id.NodeID) (AttachmentValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.nodeAttachments[n]
	return v, ok
}

// SetNodeAttachment sets or clears (value == nil) n's attachment.
func (s *Store) SetNodeAttachment(n id.NodeID, value *AttachmentValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.nodeAttachments, n)
		return
	}
	s.nodeAttachments[n] = *value
}

// EdgeAttachment returns e's attachment value, if set.
func (s *Store) EdgeAttachment(e id.EdgeID) (AttachmentValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.edgeAttachments[e]
	return v, ok
}

// SetEdgeAttachment sets or clears (value == nil) e's attachment.
func (s *Store) SetEdgeAttachment(e id.EdgeID, value *AttachmentValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.edgeAttachments, e)
		return
	}
	s.edgeAttachments[e] = *value
}

// AllNodeIDs returns every node ID, ascending by raw hash bytes (canonical
// order).
func (s *Store) AllNodeIDs() []id.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]id.NodeID, 0, len(s.nodes))
	for n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return id.Less(id.Hash(out[i]), id.Hash(out[j])) })
	return out
}

// AllEdgeIDs returns every edge ID, ascending by raw hash bytes (canonical
// order).
func (s *Store) AllEdgeIDs() []id.EdgeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]id.EdgeID, 0, len(s.edgeRecords))
	for e := range s.edgeRecords {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return id.Less(id.Hash(out[i]), id.Hash(out[j])) })
	return out
}

// Clone returns a deep copy of the store, independent of further mutation
// to either copy. Used by the engine's apply step to prepare a scratch
// snapshot before committing a tick (spec.md §4.5 step 5: apply is
// all-or-nothing via a prepare-then-swap, never a partial in-place edit).
func (s *Store) Clone() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := New()
	for n, rec := range s.nodes {
		c.nodes[n] = rec
	}
	for n, bucket := range s.edgesFrom {
		c.edgesFrom[n] = append([]id.EdgeID(nil), bucket...)
	}
	for n, bucket := range s.edgesTo {
		c.edgesTo[n] = append([]id.EdgeID(nil), bucket...)
	}
	for e, rec := range s.edgeRecords {
		c.edgeRecords[e] = rec
	}
	for e, n := range s.edgeFromIdx {
		c.edgeFromIdx[e] = n
	}
	for e, n := range s.edgeToIdx {
		c.edgeToIdx[e] = n
	}
	for n, av := range s.nodeAttachments {
		c.nodeAttachments[n] = av
	}
	for e, av := range s.edgeAttachments {
		c.edgeAttachments[e] = av
	}
	return c
}

// NodeCount and EdgeCount report the current skeleton size.
func (s *Store) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

func (s *Store) EdgeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edgeRecords)
}

// CanonicalStateHash hashes this store's contribution to a state root:
// nodes ascending by NodeID, then all edges globally ascending by EdgeID
// (spec.md §4.2). It does not include the domain tag or warp-tree framing;
// callers combine this with instance headers per §4.7.
func (s *Store) CanonicalStateHash() []byte {
	var buf []byte

	nodeIDs := s.AllNodeIDs()
	edgeIDs := s.AllEdgeIDs()

	buf = appendU64(buf, uint64(len(nodeIDs)))
	buf = appendU64(buf, uint64(len(edgeIDs)))

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, n := range nodeIDs {
		rec := s.nodes[n]
		buf = append(buf, 'N', 0)
		buf = append(buf, n.Bytes()...)
		buf = append(buf, rec.Type.Bytes()...)
		av, ok := s.nodeAttachments[n]
		buf = appendAttachment(buf, av, ok)
	}
	for _, e := range edgeIDs {
		rec := s.edgeRecords[e]
		buf = append(buf, 'E', 0)
		buf = append(buf, e.Bytes()...)
		buf = append(buf, rec.From.Bytes()...)
		buf = append(buf, rec.To.Bytes()...)
		buf = append(buf, rec.Type.Bytes()...)
		av, ok := s.edgeAttachments[e]
		buf = appendAttachment(buf, av, ok)
	}
	return buf
}

func appendAttachment(buf []byte, v AttachmentValue, present bool) []byte {
	if !present {
		buf = append(buf, 0) // absent
		return buf
	}
	if v.IsPortal {
		buf = append(buf, 1) // portal tag
		buf = append(buf, v.ChildWarp.Bytes()...)
		return buf
	}
	buf = append(buf, 2) // atom tag
	buf = append(buf, v.AtomType.Bytes()...)
	buf = appendU64(buf, uint64(len(v.AtomBytes)))
	buf = append(buf, v.AtomBytes...)
	return buf
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
