// Package graph implements the per-warp skeleton graph store: nodes, directed
// edges with insertion-order buckets, forward/reverse adjacency indexes, and
// attachment planes, plus canonical state-root hashing (spec.md §4.2).
package graph

import (
	"errors"

	"github.com/flyingrobots/echo/id"
)

// Errors returned by Store operations.
var (
	ErrNodeNotFound = errors.New("graph: node not found")
	ErrEdgeNotFound = errors.New("graph: edge not found")
	ErrDanglingEdge = errors.New("graph: edge references a missing endpoint")
)

// NodeRecord is the skeleton payload carried by a node: just its type. Any
// domain semantics live in the node's attachment, not here.
type NodeRecord struct {
	Type id.TypeID
}

// EdgeRecord is the skeleton payload carried by an edge.
type EdgeRecord struct {
	ID   id.EdgeID
	From id.NodeID
	To   id.NodeID
	Type id.TypeID
}

// AttachmentValue is either an opaque typed byte payload (Atom) or a portal
// into a child warp instance (Descend). Exactly one of the two is set.
type AttachmentValue struct {
	IsPortal bool

	// Atom fields, valid when IsPortal is false.
	AtomType  id.TypeID
	AtomBytes []byte

	// Portal field, valid when IsPortal is true.
	ChildWarp id.WarpID
}

// Atom constructs a non-portal attachment value.
func Atom(typ id.TypeID, payload []byte) AttachmentValue {
	return AttachmentValue{AtomType: typ, AtomBytes: payload}
}

// Descend constructs a portal attachment value pointing at a child warp.
func Descend(child id.WarpID) AttachmentValue {
	return AttachmentValue{IsPortal: true, ChildWarp: child}
}
