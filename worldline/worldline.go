// Package worldline implements the per-warp provenance store (spec.md
// §4.9): a hexagonal port over the linear sequence of tick patches, their
// expected hash triplets, and recorded output frames that make up one
// warp's worldline, plus the retention policies that govern how much of
// that sequence a backend is obliged to keep addressable.
package worldline

import (
	"fmt"

	"github.com/flyingrobots/echo/id"
	"github.com/flyingrobots/echo/patch"
)

// U0Ref identifies a worldline's genesis instance: the root warp id and
// root node its tick-0 state was seeded with.
type U0Ref struct {
	WarpID   id.WarpID
	RootNode id.NodeID
}

// HashTriplet is the per-warp-per-tick commitment recorded alongside a
// patch: the state root and patch digest that produced it, and the
// chained commit hash (spec.md §3, §4.7).
type HashTriplet struct {
	StateRoot   id.Hash
	PatchDigest id.Hash
	CommitHash  id.Hash
}

// CheckpointRef marks a tick that the retention policy chose as a
// checkpoint, together with that tick's recorded state root. It holds no
// graph state, so nothing can replay from it; playback cursors always
// replay from U0.
type CheckpointRef struct {
	Tick      uint64
	StateRoot id.Hash
}

// Output is one materialization bus channel's finalized value at a tick,
// recorded alongside that tick's patch so the Truth Bus (§4.11) can serve
// it without re-running the tick.
type Output struct {
	Channel id.ChannelID
	Value   []byte
}

// Errors returned by ProvenanceStore implementations. These are
// deterministic: the same (store, worldline, tick) always yields the
// same error, never a transient one (spec.md §4.9, §7).
var (
	// ErrWorldlineNotFound is returned when a worldline id has no SetU0
	// registration yet: there is nothing to Append to, read from, or Fork.
	ErrWorldlineNotFound = fmt.Errorf("worldline: not found")

	// ErrU0AlreadySet is returned by SetU0 when worldline already has a
	// genesis reference: SetU0 is a one-time registration.
	ErrU0AlreadySet = fmt.Errorf("worldline: u0 already set")

	// ErrWorldlineAlreadyExists is returned by Fork when new_id already
	// names a worldline.
	ErrWorldlineAlreadyExists = fmt.Errorf("worldline: already exists")

	// ErrPatchDigestMismatch is returned when a verification step recomputes
	// a patch's digest and finds it does not match the recorded expected
	// triplet.
	ErrPatchDigestMismatch = fmt.Errorf("worldline: patch digest mismatch")

	// ErrCommitHashMismatch is the commit-hash analogue of
	// ErrPatchDigestMismatch.
	ErrCommitHashMismatch = fmt.Errorf("worldline: commit hash mismatch")

	// ErrStateRootMismatch is the state-root analogue of
	// ErrPatchDigestMismatch.
	ErrStateRootMismatch = fmt.Errorf("worldline: state root mismatch")
)

// HistoryUnavailableError is returned when tick is out of a worldline's
// addressable range: either never recorded, or dropped by retention with
// no checkpoint covering it.
type HistoryUnavailableError struct {
	Tick uint64
}

func (e *HistoryUnavailableError) Error() string {
	return fmt.Sprintf("worldline: history unavailable at tick %d", e.Tick)
}

// ProvenanceStore is the port every backend (MemoryStore, BadgerStore)
// implements: per-warp linear storage of tick patches, their expected hash
// triplets, and recorded outputs, addressed by a worldline id (spec.md
// §4.9). A worldline id is a warp id: the primary worldline for a warp
// shares its identity, and Fork mints a new, distinct one for a forked
// lineage.
type ProvenanceStore interface {
	// SetU0 registers worldline's genesis reference. Must be called exactly
	// once per worldline, before any Append.
	SetU0(worldline id.WarpID, u0 U0Ref) error

	// U0 returns worldline's genesis reference.
	U0(worldline id.WarpID) (U0Ref, error)

	// Len returns the number of ticks recorded for worldline (one past the
	// highest addressable tick index).
	Len(worldline id.WarpID) (uint64, error)

	// Patch returns the tick patch recorded at tick. Returns
	// *HistoryUnavailableError if tick is out of range or has been dropped
	// by retention.
	Patch(worldline id.WarpID, tick uint64) (patch.WorldlineTickPatchV1, error)

	// Expected returns the hash triplet recorded at tick. Unlike Patch,
	// Expected must remain available for every tick ever appended — even
	// under KeepRecent/ArchiveToWormhole retention, which drop patches.
	Expected(worldline id.WarpID, tick uint64) (HashTriplet, error)

	// Outputs returns the materialization bus outputs recorded at tick.
	Outputs(worldline id.WarpID, tick uint64) ([]Output, error)

	// CheckpointBefore returns the latest checkpoint at or before tick, if
	// one exists. A nil, nil return means no checkpoint covers tick (replay
	// must start from U0).
	CheckpointBefore(worldline id.WarpID, tick uint64) (*CheckpointRef, error)

	// Append records the next tick's patch, triplet, and outputs onto the
	// end of worldline's sequence.
	Append(worldline id.WarpID, p patch.WorldlineTickPatchV1, triplet HashTriplet, outputs []Output) error

	// Fork copies worldline's (patches, expected, outputs) up to and
	// including fromTick into a new worldline identified by newID. Returns
	// ErrWorldlineAlreadyExists if newID already names a worldline.
	Fork(worldline id.WarpID, fromTick uint64, newID id.WarpID) error
}
