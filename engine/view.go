package engine

import (
	"github.com/flyingrobots/echo/graph"
	"github.com/flyingrobots/echo/id"
	"github.com/flyingrobots/echo/warp"
)

// View is the read-only window into WarpState that matchers, footprint
// functions, and executors observe during a tick's gather and execute
// phases (spec.md §4.5, §5). It exposes no mutation methods; the apply
// step is the only path that ever writes to the underlying stores, and it
// runs strictly after every View handed out for this tick has been
// dropped.
type View struct {
	state *warp.State
}

// newView wraps state for read-only access during one tick.
func newView(state *warp.State) *View {
	return &View{state: state}
}

// Store returns the read-only graph store for warpID, if the instance
// exists.
func (v *View) Store(warpID id.WarpID) (*graph.Store, bool) {
	return v.state.Store(warpID)
}

// Instance returns the WARP instance record for warpID, if it exists.
func (v *View) Instance(warpID id.WarpID) (*warp.Instance, bool) {
	return v.state.Instance(warpID)
}

// ReachableInstances returns every instance reachable from the root,
// root first, per warp.State.ReachableInstances.
func (v *View) ReachableInstances() ([]*warp.Instance, error) {
	return v.state.ReachableInstances()
}
