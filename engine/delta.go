package engine

import (
	"github.com/flyingrobots/echo/graph"
	"github.com/flyingrobots/echo/id"
	"github.com/flyingrobots/echo/mbus"
	"github.com/flyingrobots/echo/objpool"
)

// opPool reuses each executor's WarpOp scratch buffer across ticks: a
// ScopedDelta is exactly the per-BOAW-task scratch state an executor
// fills, and its ops slice is returned to the pool once merge has copied
// it into the canonical merged slice.
var opPool = objpool.NewPool[WarpOp](32, 4096)

// busSink forwards one materialization bus emission. Set by the engine's
// execute step; a ScopedDelta built without one (e.g. in isolated tests)
// silently drops Emit calls rather than panicking.
type busSink func(mbus.Emission)

// ScopedDelta is the emit-only buffer a rule executor writes WarpOps into.
// Executors never touch the store directly (spec.md §4.5); they call
// ScopedDelta's Insert*/Delete*/SetAttachment/OpenPortal/Rewrite methods,
// which stamp each op with an auto-incrementing OpIx so attribution never
// depends on which worker ran the executor. Emit forwards a materialization
// bus value tagged with the same attribution scheme (spec.md §4.8).
type ScopedDelta struct {
	warp       id.WarpID
	origin     OpOrigin
	nextIx     uint32
	nextEmitIx uint32
	ops        []WarpOp
	emit       busSink
}

// newScopedDelta returns a delta scoped to warp, pre-seeded with the
// origin's intent/rule/match identity. OpIx is assigned per emission. sink
// may be nil, in which case Emit is a no-op.
func newScopedDelta(warp id.WarpID, origin OpOrigin, sink busSink) *ScopedDelta {
	return &ScopedDelta{warp: warp, origin: origin, emit: sink, ops: opPool.Get()}
}

// Release returns d's op buffer to the shared pool. Callers must not use d
// again afterward; merge calls this once a delta's ops have been copied
// into the canonical merged slice (spec.md §4.5 step 4).
func (d *ScopedDelta) Release() {
	opPool.Put(d.ops)
	d.ops = nil
}

// Emit offers value to the materialization bus channel ch, tagged with
// this delta's canonical emission origin (spec.md §4.8).
func (d *ScopedDelta) Emit(ch id.ChannelID, value []byte) {
	if d.emit == nil {
		return
	}
	origin := mbus.EmissionOrigin{
		IntentID: d.origin.IntentID,
		RuleID:   d.origin.RuleID,
		MatchIx:  d.origin.MatchIx,
		OpIx:     d.nextEmitIx,
	}
	d.nextEmitIx++
	d.emit(mbus.Emission{Channel: ch, Origin: origin, Value: value})
}

func (d *ScopedDelta) nextOrigin() OpOrigin {
	o := d.origin
	o.OpIx = d.nextIx
	d.nextIx++
	return o
}

// InsertNode emits an InsertNode op.
func (d *ScopedDelta) InsertNode(n id.NodeID, rec graph.NodeRecord) {
	d.ops = append(d.ops, WarpOp{Kind: OpInsertNode, Warp: d.warp, Origin: d.nextOrigin(), Node: n, NodeRecord: rec})
}

// DeleteNode emits a DeleteNode (cascade) op.
func (d *ScopedDelta) DeleteNode(n id.NodeID) {
	d.ops = append(d.ops, WarpOp{Kind: OpDeleteNode, Warp: d.warp, Origin: d.nextOrigin(), Node: n})
}

// InsertEdge emits an InsertEdge op.
func (d *ScopedDelta) InsertEdge(rec graph.EdgeRecord) {
	d.ops = append(d.ops, WarpOp{
		Kind: OpInsertEdge, Warp: d.warp, Origin: d.nextOrigin(),
		Edge: rec.ID, EdgeFrom: rec.From, EdgeTo: rec.To, EdgeRecord: rec,
	})
}

// DeleteEdge emits a DeleteEdge op. from must match the edge's current
// From endpoint at apply time or the deletion is a no-op (spec.md §4.2).
func (d *ScopedDelta) DeleteEdge(from id.NodeID, e id.EdgeID) {
	d.ops = append(d.ops, WarpOp{Kind: OpDeleteEdge, Warp: d.warp, Origin: d.nextOrigin(), Edge: e, EdgeFrom: from})
}

// SetAttachment emits a SetAttachment op. value == nil clears the slot.
func (d *ScopedDelta) SetAttachment(key id.AttachmentKey, value *graph.AttachmentValue) {
	d.ops = append(d.ops, WarpOp{Kind: OpSetAttachment, Warp: d.warp, Origin: d.nextOrigin(), Attachment: key, Value: value})
}

// Rewrite emits a Rewrite op: a read-modify-write of an attachment payload
// that preserves the slot's identity rather than deleting and recreating
// it. newValue is the value the executor computed after reading the
// current one via the GraphView.
func (d *ScopedDelta) Rewrite(key id.AttachmentKey, newValue graph.AttachmentValue) {
	d.ops = append(d.ops, WarpOp{Kind: OpRewrite, Warp: d.warp, Origin: d.nextOrigin(), Attachment: key, Value: &newValue})
}

// OpenPortal emits an OpenPortal op: atomically creates a portal
// attachment and registers the child instance it descends into.
func (d *ScopedDelta) OpenPortal(key id.AttachmentKey, childWarp id.WarpID, childRoot id.NodeID, init *graph.AttachmentValue) {
	d.ops = append(d.ops, WarpOp{
		Kind: OpOpenPortal, Warp: d.warp, Origin: d.nextOrigin(),
		Attachment: key, ChildWarp: childWarp, ChildRoot: childRoot, Init: init,
	})
}

// Ops returns the buffered ops emitted so far.
func (d *ScopedDelta) Ops() []WarpOp { return d.ops }
