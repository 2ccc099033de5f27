// Package project wires the engine's tick lifecycle to the worldline
// store: it runs an Engine.Step, then performs the Snapshot/Project steps
// spec.md §4.5 describes as steps 6-7 — computing each touched warp's
// patch digest and chained commit hash and appending the result to a
// ProvenanceStore. It lives above both engine and worldline (rather than
// inside either) because patch, which both steps depend on, already
// imports engine; folding this wiring into engine itself would create an
// import cycle (engine -> patch -> engine).
package project

import (
	"errors"
	"fmt"
	"sort"

	"github.com/flyingrobots/echo/engine"
	"github.com/flyingrobots/echo/id"
	"github.com/flyingrobots/echo/mbus"
	"github.com/flyingrobots/echo/patch"
	"github.com/flyingrobots/echo/warp"
	"github.com/flyingrobots/echo/worldline"
)

// Runner drives an Engine and projects every committed tick into a
// ProvenanceStore, tracking each warp's last commit hash so the next
// tick's commit chains correctly.
type Runner struct {
	engine     *engine.Engine
	store      worldline.ProvenanceStore
	lastCommit map[id.WarpID]id.Hash
}

// NewRunner returns a Runner over e, projecting into store. store may be
// nil, in which case Step behaves exactly like a bare Engine.Step.
func NewRunner(e *engine.Engine, store worldline.ProvenanceStore) *Runner {
	return &Runner{engine: e, store: store, lastCommit: make(map[id.WarpID]id.Hash)}
}

// Engine returns the Runner's underlying engine, so callers that need to
// inspect or modify its state directly can reach it without Runner needing
// to re-expose every Engine method.
func (r *Runner) Engine() *engine.Engine { return r.engine }

// Step runs one engine tick and, if a store is configured, projects the
// result into it: per touched warp, a WorldlineTickPatchV1, its
// HashTriplet, and the tick's finalized materialization bus outputs
// (spec.md §4.5 steps 6-7, §4.9).
func (r *Runner) Step() (*engine.StepResult, error) {
	result, err := r.engine.Step()
	if err != nil {
		return nil, err
	}
	if r.store == nil {
		return result, nil
	}
	if err := r.project(result); err != nil {
		return result, err
	}
	return result, nil
}

func (r *Runner) project(result *engine.StepResult) error {
	state := r.engine.State()

	stateRoot, err := patch.StateRoot(state)
	if err != nil {
		return err
	}
	rulePackID := r.engine.Registry().PackID()
	policyID := r.engine.PolicyID()
	outputs := outputsFromReport(result.Bus)

	for _, warpID := range sortedWarps(result.TouchedWarp) {
		if err := r.ensureRegistered(warpID, state); err != nil {
			return err
		}

		p := patch.WorldlineTickPatchV1{
			PolicyID:   policyID,
			RulePackID: rulePackID,
			WarpID:     warpID,
			Ops:        opsForWarp(result.Ops, warpID),
		}

		digest := patch.Digest(patch.Encode(p))
		var parents []id.Hash
		if parent, ok := r.lastCommit[warpID]; ok && !parent.IsZero() {
			parents = []id.Hash{parent}
		}
		commitHash := patch.CommitHash(parents, stateRoot, digest, policyID)

		triplet := worldline.HashTriplet{StateRoot: stateRoot, PatchDigest: digest, CommitHash: commitHash}
		if err := r.store.Append(warpID, p, triplet, outputs); err != nil {
			return err
		}
		r.lastCommit[warpID] = commitHash
	}
	return nil
}

// ensureRegistered registers warpID's genesis reference with the store the
// first time a tick touches it.
func (r *Runner) ensureRegistered(warpID id.WarpID, state *warp.State) error {
	if _, err := r.store.U0(warpID); err == nil {
		return nil
	} else if !errors.Is(err, worldline.ErrWorldlineNotFound) {
		return err
	}

	inst, ok := state.Instance(warpID)
	if !ok {
		return fmt.Errorf("project: touched warp %s has no instance", warpID)
	}
	return r.store.SetU0(warpID, worldline.U0Ref{WarpID: warpID, RootNode: inst.RootNode})
}

// opsForWarp filters merged ops down to warpID's own, preserving the
// canonical order merge already established.
func opsForWarp(ops []engine.WarpOp, warpID id.WarpID) []engine.WarpOp {
	var out []engine.WarpOp
	for _, op := range ops {
		if op.Warp == warpID {
			out = append(out, op)
		}
	}
	return out
}

// outputsFromReport converts a finalize report's channel map into a
// canonically ordered Output slice (ascending ChannelID bytes), so the
// worldline record is independent of map iteration order.
func outputsFromReport(report mbus.FinalizeReport) []worldline.Output {
	channels := make([]id.ChannelID, 0, len(report.Channels))
	for ch := range report.Channels {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool {
		return id.Less(id.Hash(channels[i]), id.Hash(channels[j]))
	})

	out := make([]worldline.Output, 0, len(channels))
	for _, ch := range channels {
		out = append(out, worldline.Output{Channel: ch, Value: report.Channels[ch]})
	}
	return out
}

// sortedWarps returns touched's keys in ascending WarpID order, so two
// engines with identical ticks project their worldlines in the same order.
func sortedWarps(touched map[id.WarpID]bool) []id.WarpID {
	out := make([]id.WarpID, 0, len(touched))
	for w := range touched {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return id.Less(id.Hash(out[i]), id.Hash(out[j])) })
	return out
}
