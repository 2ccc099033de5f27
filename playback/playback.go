// Package playback implements playback cursors (spec.md §4.10): ephemeral
// viewpoints that materialize a specific tick of a worldline into a
// private graph store by replaying recorded patches, verifying every
// replayed tick's hashes against the worldline's recorded commitments.
//
// A cursor's tick numbering follows the same convention worldline.Append
// already uses internally: a patch's tick is its index in the worldline,
// and a started cursor at tick N has applied patches 0..N to its private
// store. A freshly constructed
// cursor over an empty worldline starts unstarted (no patch applied yet,
// equivalent to the worldline's U0 genesis state) rather than needing a
// signed "-1" sentinel; the started flag, not the Tick value, is what
// distinguishes "genesis" from "tick 0 applied."
package playback

import (
	"fmt"

	"github.com/flyingrobots/echo/id"
	"github.com/flyingrobots/echo/internal/elog"
	"github.com/flyingrobots/echo/patch"
	"github.com/flyingrobots/echo/project"
	"github.com/flyingrobots/echo/warp"
	"github.com/flyingrobots/echo/worldline"
)

// Role distinguishes a cursor that drives the engine forward (Writer) from
// one that only replays already-recorded history (Reader).
type Role int

const (
	Writer Role = iota
	Reader
)

// ModeKind selects a PlaybackMode variant (spec.md §4.10).
type ModeKind int

const (
	Paused ModeKind = iota
	Play
	StepForward
	StepBack
	SeekMode
)

// Mode is a PlaybackMode value. Target and Then are only meaningful when
// Kind == SeekMode.
type Mode struct {
	Kind   ModeKind
	Target uint64
	Then   ModeKind // Paused or Play
}

// SeekErrorKind names one of the four mismatch kinds spec.md §4.9 defines
// for SeekError.
type SeekErrorKind int

const (
	HistoryUnavailable SeekErrorKind = iota
	PatchDigestMismatch
	CommitHashMismatch
	StateRootMismatch
)

func (k SeekErrorKind) String() string {
	switch k {
	case HistoryUnavailable:
		return "history_unavailable"
	case PatchDigestMismatch:
		return "patch_digest_mismatch"
	case CommitHashMismatch:
		return "commit_hash_mismatch"
	case StateRootMismatch:
		return "state_root_mismatch"
	default:
		return "unknown"
	}
}

// SeekError is returned when a seek or advance fails verification. The
// cursor is left Paused at its last known good tick; Err is the underlying
// cause (a worldline mismatch sentinel, a HistoryUnavailableError, or a
// replay error).
type SeekError struct {
	Kind SeekErrorKind
	Tick uint64
	Err  error
}

func (e *SeekError) Error() string {
	return fmt.Sprintf("playback: seek failed at tick %d (%s): %v", e.Tick, e.Kind, e.Err)
}

func (e *SeekError) Unwrap() error { return e.Err }

// Cursor is a PlaybackCursor (spec.md §4.10). WorldlineID and WarpID are
// the same id.WarpID in this implementation — a worldline id is a warp
// id, and project.Runner records exactly one worldline per warp — but
// both fields are kept, matching the spec's vocabulary, for callers that
// think of them as logically distinct.
type Cursor struct {
	ID          id.CursorID
	WorldlineID id.WarpID
	WarpID      id.WarpID
	Tick        uint64
	Role        Role
	Mode        Mode
	Store       *warp.State

	// PinMaxTick is the Reader's stable upper bound, captured at creation,
	// so a Reader never races a concurrently advancing Writer. Unused by
	// Writer cursors.
	PinMaxTick uint64

	store      worldline.ProvenanceStore
	started    bool
	lastCommit id.Hash
}

// NewCursor materializes a cursor at startTick: it rebuilds the tracked
// worldline's private store from U0 and replays patches 0..=startTick,
// verifying every tick's hashes exactly as Seek would. If the worldline
// has no recorded ticks yet, startTick must be 0 and the cursor starts
// unstarted at genesis.
func NewCursor(cid id.CursorID, store worldline.ProvenanceStore, worldlineID id.WarpID, startTick uint64, role Role) (*Cursor, error) {
	u0, err := store.U0(worldlineID)
	if err != nil {
		return nil, err
	}
	n, err := store.Len(worldlineID)
	if err != nil {
		return nil, err
	}

	c := &Cursor{
		ID:          cid,
		WorldlineID: worldlineID,
		WarpID:      worldlineID,
		Role:        role,
		Mode:        Mode{Kind: Paused},
		Store:       genesisStore(worldlineID, u0),
		store:       store,
	}
	if role == Reader {
		if n > 0 {
			c.PinMaxTick = n - 1
		}
	}

	if n == 0 {
		if startTick != 0 {
			return nil, &SeekError{Kind: HistoryUnavailable, Tick: startTick, Err: fmt.Errorf("playback: worldline has no recorded ticks yet")}
		}
		return c, nil
	}
	if startTick >= n {
		return nil, &SeekError{Kind: HistoryUnavailable, Tick: startTick, Err: fmt.Errorf("playback: tick %d not yet recorded", startTick)}
	}
	if err := c.seekForward(0, startTick); err != nil {
		return nil, err
	}
	return c, nil
}

func genesisStore(warpID id.WarpID, u0 worldline.U0Ref) *warp.State {
	return warp.NewState(warpID, u0.RootNode)
}

// SetMode sets the cursor's mode, per the set_cursor_mode host interface
// (spec.md §6).
func (c *Cursor) SetMode(mode Mode) { c.Mode = mode }

// Advance performs whatever the cursor's current mode dictates for one
// engine step (spec.md §4.10's per-role, per-mode table). Play persists
// across calls — each Advance consumes one more tick and leaves Mode at
// Play, so a host calling Advance once per engine step keeps the cursor
// moving until something else (StepForward's forced pause, Reader's
// pin_max_tick, or a verification failure) stops it. runner is only used
// by a Writer cursor in Play/StepForward mode, to actually run the engine
// tick the cursor then replays and verifies; pass nil for a Reader cursor
// or when the mode doesn't need it.
func (c *Cursor) Advance(runner *project.Runner) error {
	switch c.Mode.Kind {
	case Paused:
		return nil
	case Play:
		return c.advancePlay(runner)
	case StepForward:
		if err := c.advancePlay(runner); err != nil {
			return err
		}
		c.Mode = Mode{Kind: Paused}
		return nil
	case StepBack:
		return c.stepBack()
	case SeekMode:
		return c.Seek(c.Mode.Target, c.Mode.Then)
	default:
		return fmt.Errorf("playback: unknown mode kind %d", c.Mode.Kind)
	}
}

func (c *Cursor) advancePlay(runner *project.Runner) error {
	switch c.Role {
	case Writer:
		return c.advanceWriter(runner)
	case Reader:
		return c.advanceReader()
	default:
		return fmt.Errorf("playback: unknown role %d", c.Role)
	}
}

// advanceWriter is the cursor acting as the engine's advancing head: it
// runs one engine tick (extending the worldline), then replays and
// verifies the tick it just caused to exist (spec.md §4.10, "Writer +
// Play").
func (c *Cursor) advanceWriter(runner *project.Runner) error {
	if _, err := runner.Step(); err != nil {
		return err
	}
	return c.applyTick(c.nextTick())
}

// advanceReader consumes one more tick of existing worldline history,
// pausing at pin_max_tick rather than racing a concurrently advancing
// Writer (spec.md §4.10, "Reader + Play").
func (c *Cursor) advanceReader() error {
	next := c.nextTick()
	if next > c.PinMaxTick {
		c.Mode = Mode{Kind: Paused}
		return nil
	}
	return c.applyTick(next)
}

func (c *Cursor) stepBack() error {
	if !c.started {
		return nil
	}
	return c.Seek(c.Tick-1, Paused)
}

func (c *Cursor) nextTick() uint64 {
	if !c.started {
		return 0
	}
	return c.Tick + 1
}

// Seek reaches target exactly as spec.md §4.10's seek algorithm describes:
// forward by replaying patches tick+1..=target, backward by rebuilding
// from U0 and replaying 0..=target. target == current tick is a no-op.
func (c *Cursor) Seek(target uint64, then ModeKind) error {
	if c.started && target == c.Tick {
		c.Mode = Mode{Kind: then}
		return nil
	}
	if c.started && target > c.Tick {
		if err := c.seekForward(c.Tick+1, target); err != nil {
			return err
		}
		c.Mode = Mode{Kind: then}
		return nil
	}

	c.Store = genesisStore(c.WorldlineID, mustU0(c.store, c.WorldlineID))
	c.started = false
	c.Tick = 0
	c.lastCommit = id.Hash{}
	if err := c.seekForward(0, target); err != nil {
		return err
	}
	c.Mode = Mode{Kind: then}
	return nil
}

func mustU0(store worldline.ProvenanceStore, worldlineID id.WarpID) worldline.U0Ref {
	u0, _ := store.U0(worldlineID)
	return u0
}

func (c *Cursor) seekForward(from, to uint64) error {
	for t := from; t <= to; t++ {
		if err := c.applyTick(t); err != nil {
			return err
		}
	}
	return nil
}

// applyTick replays tick onto a scratch clone of the cursor's store and
// verifies the replayed state against the worldline's recorded hash
// triplet; the cursor only adopts the scratch state and advances Tick on
// full success, so a mismatch leaves it exactly at its last known good
// tick (spec.md §4.10).
func (c *Cursor) applyTick(tick uint64) error {
	p, err := c.store.Patch(c.WorldlineID, tick)
	if err != nil {
		return c.fail(HistoryUnavailable, tick, err)
	}
	triplet, err := c.store.Expected(c.WorldlineID, tick)
	if err != nil {
		return c.fail(HistoryUnavailable, tick, err)
	}

	scratch := c.Store.Clone()
	if err := patch.Replay(scratch, p); err != nil {
		return c.fail(StateRootMismatch, tick, err)
	}
	stateRoot, err := patch.StateRoot(scratch)
	if err != nil {
		return c.fail(StateRootMismatch, tick, err)
	}
	if stateRoot != triplet.StateRoot {
		return c.fail(StateRootMismatch, tick, worldline.ErrStateRootMismatch)
	}

	digest := patch.Digest(patch.Encode(p))
	if digest != triplet.PatchDigest {
		return c.fail(PatchDigestMismatch, tick, worldline.ErrPatchDigestMismatch)
	}

	var parents []id.Hash
	if c.started {
		parents = []id.Hash{c.lastCommit}
	}
	commitHash := patch.CommitHash(parents, stateRoot, digest, p.PolicyID)
	if commitHash != triplet.CommitHash {
		return c.fail(CommitHashMismatch, tick, worldline.ErrCommitHashMismatch)
	}

	c.Store = scratch
	c.Tick = tick
	c.started = true
	c.lastCommit = commitHash
	return nil
}

func (c *Cursor) fail(kind SeekErrorKind, tick uint64, cause error) error {
	c.Mode = Mode{Kind: Paused}
	elog.Warn("cursor seek failed", elog.Fields{
		"cursor": c.ID.String(), "tick": tick, "kind": kind.String(), "err": cause.Error(),
	})
	return &SeekError{Kind: kind, Tick: tick, Err: cause}
}

// CommitHash returns the cursor's current tick's chained commit hash, or
// the zero hash if the cursor has not applied any tick yet (genesis).
func (c *Cursor) CommitHash() id.Hash {
	return c.lastCommit
}

// Started reports whether the cursor has applied at least one patch (as
// opposed to sitting at the worldline's U0 genesis state).
func (c *Cursor) Started() bool { return c.started }
