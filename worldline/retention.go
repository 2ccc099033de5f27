package worldline

import (
	"fmt"

	"github.com/flyingrobots/echo/config"
)

// RetentionPolicy decides, after each appended tick, whether that tick
// gets a checkpoint and how far back a backend may drop patches/outputs
// (spec.md §4.9). HashTriplet values are
// never subject to the drop floor — Expected must answer for every tick
// ever appended, checkpoint or not.
type RetentionPolicy interface {
	// Decide returns whether tick should receive a checkpoint, and the new
	// drop floor: patches/outputs at ticks < floor may be discarded. A
	// floor of 0 means nothing may be dropped yet.
	Decide(tick uint64) (checkpoint bool, dropFloor uint64)
}

// KeepAllPolicy never checkpoints and never drops anything; every tick
// ever appended stays addressable forever (spec.md §4.9, required
// baseline policy).
type KeepAllPolicy struct{}

// Decide implements RetentionPolicy.
func (KeepAllPolicy) Decide(tick uint64) (bool, uint64) { return false, 0 }

// CheckpointEveryPolicy checkpoints every K ticks and never drops patches
// (spec.md §4.9, required alongside KeepAll). K must be > 0.
type CheckpointEveryPolicy struct {
	K uint64
}

// Decide implements RetentionPolicy.
func (p CheckpointEveryPolicy) Decide(tick uint64) (bool, uint64) {
	return tick%p.K == 0, 0
}

// KeepRecentPolicy checkpoints every CheckpointEvery ticks and drops
// patches/outputs older than Window ticks behind the current tick. A
// checkpoint records only a state root, so ticks below the floor can no
// longer be replayed.
type KeepRecentPolicy struct {
	Window          uint64
	CheckpointEvery uint64
}

// Decide implements RetentionPolicy.
func (p KeepRecentPolicy) Decide(tick uint64) (bool, uint64) {
	checkpoint := tick%p.CheckpointEvery == 0
	if tick < p.Window {
		return checkpoint, 0
	}
	return checkpoint, tick - p.Window + 1
}

// ArchiveToWormholePolicy is mechanically identical to KeepRecentPolicy:
// ticks older than After are dropped from the hot store rather than
// compressed into a wormhole segment, since wormhole (tick-range)
// compression itself is out of scope (spec.md §1 Non-goals). The distinct
// type exists so callers and DESIGN.md can name the conceptual difference
// even though the drop/checkpoint arithmetic is shared.
type ArchiveToWormholePolicy struct {
	After           uint64
	CheckpointEvery uint64
}

// Decide implements RetentionPolicy.
func (p ArchiveToWormholePolicy) Decide(tick uint64) (bool, uint64) {
	return KeepRecentPolicy{Window: p.After, CheckpointEvery: p.CheckpointEvery}.Decide(tick)
}

// FromConfig builds the RetentionPolicy named by cfg, matching
// config.LoadFromEnv's ECHO_RETENTION parsing.
func FromConfig(cfg config.RetentionConfig) (RetentionPolicy, error) {
	switch cfg.Kind {
	case config.RetentionKeepAll:
		return KeepAllPolicy{}, nil
	case config.RetentionCheckpointEvery:
		return CheckpointEveryPolicy{K: uint64(cfg.N)}, nil
	case config.RetentionKeepRecent:
		return KeepRecentPolicy{Window: uint64(cfg.N), CheckpointEvery: uint64(cfg.N)}, nil
	case config.RetentionArchiveWormhole:
		return ArchiveToWormholePolicy{After: uint64(cfg.N), CheckpointEvery: uint64(cfg.N)}, nil
	default:
		return nil, fmt.Errorf("worldline: unknown retention kind %q", cfg.Kind)
	}
}
