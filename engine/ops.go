package engine

import (
	"github.com/flyingrobots/echo/graph"
	"github.com/flyingrobots/echo/id"
)

// OpKind enumerates the canonical WarpOp variants (spec.md §3).
type OpKind uint8

const (
	OpInsertNode OpKind = iota
	OpDeleteNode
	OpInsertEdge
	OpDeleteEdge
	OpSetAttachment
	OpOpenPortal
	OpRewrite
)

// OpOrigin is the stable, thread-identity-free attribution of an emitted op
// (spec.md §3): which intent, which rule, which match within that rule's
// gather pass, and which emission within that match.
type OpOrigin struct {
	IntentID uint64
	RuleID   uint32
	MatchIx  uint32
	OpIx     uint32
}

// WarpOp is one canonical mutation emitted by a rule executor. Every op
// carries its target warp and the fields relevant to its Kind; unused
// fields are zero.
type WarpOp struct {
	Kind OpKind
	Warp id.WarpID
	Origin OpOrigin

	// InsertNode / DeleteNode
	Node       id.NodeID
	NodeRecord graph.NodeRecord

	// InsertEdge / DeleteEdge
	Edge       id.EdgeID
	EdgeFrom   id.NodeID
	EdgeTo     id.NodeID
	EdgeRecord graph.EdgeRecord

	// SetAttachment / Rewrite
	Attachment id.AttachmentKey
	// Value is nil to clear the attachment slot.
	Value *graph.AttachmentValue

	// OpenPortal
	ChildWarp id.WarpID
	ChildRoot id.NodeID
	Init      *graph.AttachmentValue
}

// SortKey returns the canonical bytes this op sorts by: the op's WarpID
// bytes, then a tag byte identifying Kind, then the target slot's identity
// bytes, per spec.md §3 ("Each op has a total sort_key derived from its target
// slot identity").
func (op WarpOp) SortKey() []byte {
	var buf []byte
	buf = append(buf, op.Warp.Bytes()...)
	switch op.Kind {
	case OpInsertNode, OpDeleteNode:
		buf = append(buf, byte(op.Kind))
		buf = append(buf, op.Node.Bytes()...)
	case OpInsertEdge, OpDeleteEdge:
		buf = append(buf, byte(op.Kind))
		buf = append(buf, op.Edge.Bytes()...)
	case OpSetAttachment, OpRewrite:
		buf = append(buf, byte(op.Kind))
		buf = append(buf, op.Attachment.Bytes()...)
	case OpOpenPortal:
		buf = append(buf, byte(op.Kind))
		buf = append(buf, op.Attachment.Bytes()...)
	}
	return buf
}

// Less implements the canonical (WarpOpKey, OpOrigin) total order used by
// Merge to deduplicate and order ops deterministically (spec.md §4.5 step
// 4).
func Less(a, b WarpOp) bool {
	ak, bk := a.SortKey(), b.SortKey()
	if c := compareBytes(ak, bk); c != 0 {
		return c < 0
	}
	if a.Origin.IntentID != b.Origin.IntentID {
		return a.Origin.IntentID < b.Origin.IntentID
	}
	if a.Origin.RuleID != b.Origin.RuleID {
		return a.Origin.RuleID < b.Origin.RuleID
	}
	if a.Origin.MatchIx != b.Origin.MatchIx {
		return a.Origin.MatchIx < b.Origin.MatchIx
	}
	return a.Origin.OpIx < b.Origin.OpIx
}

// Equal reports whether a and b are the same op on the same slot with the
// same payload (used by Merge to drop true duplicates rather than flag
// them as conflicts).
func Equal(a, b WarpOp) bool {
	if compareBytes(a.SortKey(), b.SortKey()) != 0 {
		return false
	}
	if a.Kind != b.Kind || a.Warp != b.Warp {
		return false
	}
	switch a.Kind {
	case OpInsertNode:
		return a.Node == b.Node && a.NodeRecord == b.NodeRecord
	case OpDeleteNode:
		return a.Node == b.Node
	case OpInsertEdge:
		return a.Edge == b.Edge && a.EdgeRecord == b.EdgeRecord
	case OpDeleteEdge:
		return a.Edge == b.Edge
	case OpSetAttachment, OpRewrite:
		return a.Attachment == b.Attachment && attachmentValueEqual(a.Value, b.Value)
	case OpOpenPortal:
		return a.Attachment == b.Attachment && a.ChildWarp == b.ChildWarp && a.ChildRoot == b.ChildRoot && attachmentValueEqual(a.Init, b.Init)
	}
	return false
}

func attachmentValueEqual(a, b *graph.AttachmentValue) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.IsPortal != b.IsPortal || a.AtomType != b.AtomType || a.ChildWarp != b.ChildWarp {
		return false
	}
	if len(a.AtomBytes) != len(b.AtomBytes) {
		return false
	}
	for i := range a.AtomBytes {
		if a.AtomBytes[i] != b.AtomBytes[i] {
			return false
		}
	}
	return true
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
