// Package engine implements Echo's rewrite engine core (spec.md §4.5): a
// rule registry, a WarpState, a deterministic scheduler, and the tick
// lifecycle that turns admitted rule matches into a committed graph
// mutation.
package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/flyingrobots/echo/boaw"
	"github.com/flyingrobots/echo/footprint"
	"github.com/flyingrobots/echo/graph"
	"github.com/flyingrobots/echo/id"
	"github.com/flyingrobots/echo/internal/elog"
	"github.com/flyingrobots/echo/mbus"
	"github.com/flyingrobots/echo/warp"
)

// ErrOpConflict is returned when merge discovers two non-identical ops
// targeting the same slot in the same tick: a footprint under-
// approximation bug in one of the contributing rules.
var ErrOpConflict = errors.New("engine: conflicting ops on the same slot (footprint under-approximation)")

// Engine owns a WarpState, a deterministic scheduler, a rule registry, a
// policy id, and a tick counter (spec.md §4.5).
type Engine struct {
	state     *warp.State
	scheduler *footprint.Scheduler
	registry  *Registry
	policyID  uint32
	tick      uint64
	workers   int
	bus       *mbus.Bus
}

// New returns an engine over state, using registry's rules under the given
// policy id. workers <= 0 defers to boaw.WorkerCount's default. bus may be
// nil, in which case executors' Emit calls are no-ops and StepResult.Bus is
// always empty.
func New(state *warp.State, registry *Registry, policyID uint32, workers int, bus *mbus.Bus) *Engine {
	return &Engine{
		state:     state,
		scheduler: footprint.NewScheduler(),
		registry:  registry,
		policyID:  policyID,
		workers:   workers,
		bus:       bus,
	}
}

// State returns the engine's current committed WarpState.
func (e *Engine) State() *warp.State { return e.state }

// Tick returns the tick index that will be produced by the next call to
// Step.
func (e *Engine) Tick() uint64 { return e.tick }

// Registry returns the engine's rule registry, so orchestration above the
// engine (worldline projection) can derive a RulePackID without the engine
// package needing to depend on patch/worldline.
func (e *Engine) Registry() *Registry { return e.registry }

// PolicyID returns the policy id this engine was constructed with.
func (e *Engine) PolicyID() uint32 { return e.policyID }

// execItem is one gathered, footprinted candidate awaiting admission.
type execItem struct {
	rule      *Rule
	warp      id.WarpID
	matchIx   uint32
	match     MatchData
	footprint *footprint.Footprint
	scopeHash id.Hash
	nonce     uint64
}

// StepResult summarizes one committed tick: the merged, applied ops and
// the per-warp set of warps the tick touched. Higher-level orchestration
// (worldline projection, materialization bus outputs) consumes this.
type StepResult struct {
	TickIndex   uint64
	Ops         []WarpOp
	TouchedWarp map[id.WarpID]bool
	Bus         mbus.FinalizeReport
}

// Step runs one full tick: gather, reserve, execute, merge, apply
// (spec.md §4.5 steps 1-5). On success the engine's state is atomically
// replaced with the post-apply snapshot; on failure the engine's state is
// untouched.
func (e *Engine) Step() (*StepResult, error) {
	view := newView(e.state)

	items, err := e.gather(view)
	if err != nil {
		return nil, err
	}

	admitted := e.reserve(items)

	deltas := e.execute(view, admitted)

	ops, err := merge(deltas)
	if err != nil {
		return nil, err
	}

	newState, touched, err := e.apply(ops)
	if err != nil {
		return nil, err
	}

	e.state = newState
	result := &StepResult{TickIndex: e.tick, Ops: ops, TouchedWarp: touched}
	if e.bus != nil {
		result.Bus = e.bus.Finalize()
	}
	elog.Info("tick committed", elog.Fields{
		"tick": e.tick, "ops": len(ops), "warps_touched": len(touched),
	})
	e.tick++
	return result, nil
}

// gather computes, for every registered rule (ascending RuleID) and every
// reachable warp instance (root first, then ascending WarpID), every
// candidate match and its conservative footprint.
func (e *Engine) gather(view *View) ([]execItem, error) {
	instances, err := view.ReachableInstances()
	if err != nil {
		return nil, err
	}

	var items []execItem
	var nonce uint64
	for _, rule := range e.registry.Rules() {
		for _, inst := range instances {
			matches := rule.Matcher(view, inst.WarpID)
			for mi, match := range matches {
				fp := rule.Footprint(view, inst.WarpID, match)
				scope := id.Sum("scope:", inst.WarpID.Bytes(), u32Bytes(rule.ID), u32Bytes(uint32(mi)))
				items = append(items, execItem{
					rule:      rule,
					warp:      inst.WarpID,
					matchIx:   uint32(mi),
					match:     match,
					footprint: fp,
					scopeHash: scope,
					nonce:     nonce,
				})
				nonce++
			}
		}
	}
	return items, nil
}

// reserve offers every gathered candidate to the scheduler in canonical
// drain order; admitted items form the tick batch (spec.md §4.5 step 2).
func (e *Engine) reserve(items []execItem) []execItem {
	e.scheduler.NewTick()

	candidates := make([]footprint.Candidate, len(items))
	byScope := make(map[id.Hash]*execItem, len(items))
	for i := range items {
		candidates[i] = footprint.Candidate{
			ScopeHash: items[i].scopeHash,
			RuleID:    items[i].rule.ID,
			Nonce:     items[i].nonce,
			Footprint: items[i].footprint,
		}
		byScope[items[i].scopeHash] = &items[i]
	}

	ordered := footprint.DrainOrder(candidates)

	admitted := make([]execItem, 0, len(ordered))
	for _, c := range ordered {
		d := e.scheduler.Reserve(c)
		if d.Admitted {
			admitted = append(admitted, *byScope[c.ScopeHash])
		}
	}
	return admitted
}

// execute runs every admitted item's executor in parallel via the BOAW
// pool, grouping items into shard-routed work units per spec.md §4.6.
func (e *Engine) execute(view *View, items []execItem) []*ScopedDelta {
	deltas := make([]*ScopedDelta, len(items))

	byUnit := map[string][]int{}
	var unitOrder []string
	for i, it := range items {
		shard := itemShard(it)
		key := fmt.Sprintf("%s/%d", it.warp.String(), shard)
		if _, ok := byUnit[key]; !ok {
			unitOrder = append(unitOrder, key)
		}
		byUnit[key] = append(byUnit[key], i)
	}

	units := make([]boaw.Unit, 0, len(unitOrder))
	for _, key := range unitOrder {
		idxs := byUnit[key]
		warpID := items[idxs[0]].warp
		shard := itemShard(items[idxs[0]])
		tasks := make([]func(), 0, len(idxs))
		for _, idx := range idxs {
			idx := idx
			tasks = append(tasks, func() {
				it := items[idx]
				var sink busSink
				if e.bus != nil {
					sink = e.bus.Emit
				}
				delta := newScopedDelta(it.warp, OpOrigin{IntentID: e.tick, RuleID: it.rule.ID, MatchIx: it.matchIx}, sink)
				it.rule.Executor(view, it.warp, it.match, delta)
				deltas[idx] = delta
			})
		}
		units = append(units, boaw.Unit{WarpID: warpID, ShardID: shard, Tasks: tasks})
	}

	boaw.Run(units, e.workers)
	return deltas
}

// itemShard resolves the BOAW shard an item routes to: the shard of the
// footprint's primary write node, falling back to its primary read node,
// or shard 0 if neither is present.
func itemShard(it execItem) uint16 {
	for k := range it.footprint.NWrite {
		return boaw.ShardOf(k.Node)
	}
	for k := range it.footprint.NRead {
		return boaw.ShardOf(k.Node)
	}
	return 0
}

// merge concatenates every thread-local delta's ops, sorts by
// (WarpOpKey, OpOrigin), deduplicates identical ops, and fails loudly on a
// genuine conflict (spec.md §4.5 step 4).
func merge(deltas []*ScopedDelta) ([]WarpOp, error) {
	var all []WarpOp
	for _, d := range deltas {
		if d == nil {
			continue
		}
		all = append(all, d.Ops()...)
		d.Release()
	}
	sort.SliceStable(all, func(i, j int) bool { return Less(all[i], all[j]) })

	out := make([]WarpOp, 0, len(all))
	for i, op := range all {
		if i > 0 && compareBytes(op.SortKey(), all[i-1].SortKey()) == 0 {
			if Equal(op, all[i-1]) {
				continue // exact duplicate, drop silently
			}
			elog.Error("merge conflict", elog.Fields{"slot": fmt.Sprintf("%x", op.SortKey())})
			return nil, fmt.Errorf("%w: slot %x", ErrOpConflict, op.SortKey())
		}
		out = append(out, op)
	}
	return out, nil
}

// apply translates sorted ops into mutations of a scratch clone of the
// engine's WarpState, validates portal invariants against the clone, and
// only returns it for the caller to swap in if validation succeeds — the
// committed state is never partially mutated (spec.md §4.5 step 5).
func (e *Engine) apply(ops []WarpOp) (*warp.State, map[id.WarpID]bool, error) {
	scratch := e.state.Clone()
	touched := map[id.WarpID]bool{}

	for _, op := range ops {
		touched[op.Warp] = true
		store, ok := scratch.Store(op.Warp)
		if !ok {
			return nil, nil, fmt.Errorf("engine: op references unknown warp %s", op.Warp)
		}
		if err := ApplyOp(scratch, store, op); err != nil {
			return nil, nil, err
		}
	}

	if err := scratch.ValidatePortals(); err != nil {
		elog.Error("portal invariant violation", elog.Fields{"err": err.Error()})
		return nil, nil, err
	}
	return scratch, touched, nil
}

// ApplyOp mutates store (and, for OpOpenPortal, registers the child
// instance in state) according to op. Shared by the engine's own apply
// step and patch replay so there is exactly one interpretation of a
// WarpOp's effect on a graph.
func ApplyOp(state *warp.State, store *graph.Store, op WarpOp) error {
	switch op.Kind {
	case OpInsertNode:
		store.InsertNode(op.Node, op.NodeRecord)
	case OpDeleteNode:
		store.DeleteNodeCascade(op.Node)
	case OpInsertEdge:
		if err := store.InsertEdge(op.EdgeRecord); err != nil {
			return err
		}
	case OpDeleteEdge:
		store.DeleteEdgeExact(op.EdgeFrom, op.Edge)
	case OpSetAttachment, OpRewrite:
		setAttachment(store, op.Attachment, op.Value)
	case OpOpenPortal:
		setAttachment(store, op.Attachment, op.Init)
		if err := state.CreateInstance(warp.Instance{
			WarpID:   op.ChildWarp,
			RootNode: op.ChildRoot,
			Parent:   &op.Attachment,
		}); err != nil {
			return err
		}
	default:
		return fmt.Errorf("engine: unknown op kind %d", op.Kind)
	}
	return nil
}

func setAttachment(store *graph.Store, key id.AttachmentKey, value *graph.AttachmentValue) {
	if key.Plane == id.PlaneNode {
		store.SetNodeAttachment(key.OwnerNode, value)
		return
	}
	store.SetEdgeAttachment(key.OwnerEdge, value)
}

func u32Bytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
