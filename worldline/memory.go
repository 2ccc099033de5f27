package worldline

import (
	"sync"

	"github.com/flyingrobots/echo/id"
	"github.com/flyingrobots/echo/patch"
)

// worldlineLog is one worldline's in-memory sequence: three ticks-indexed
// slices (patches, triplets, outputs) plus checkpoints, generalizing
// nornicdb's write-ahead-log shape (a mutex-guarded, monotonically
// appended slice behind a sequence counter) from "log of storage
// mutations" to "log of tick patches."
type worldlineLog struct {
	u0    U0Ref
	hasU0 bool

	patches  []patch.WorldlineTickPatchV1
	triplets []HashTriplet
	outputs  [][]Output

	checkpoints []CheckpointRef

	// droppedBefore is the retention floor: patches/outputs at ticks below
	// this index have been cleared from patches/outputs (left as zero
	// values) but triplets never are.
	droppedBefore uint64
}

// MemoryStore is the reference ProvenanceStore backend: every worldline's
// sequence lives in a plain Go slice, guarded by a single mutex. It never
// touches disk and is the backend used by the project, playback and
// session tests.
type MemoryStore struct {
	mu        sync.RWMutex
	logs      map[id.WarpID]*worldlineLog
	retention RetentionPolicy
}

// NewMemoryStore returns an empty MemoryStore governed by retention. A nil
// retention defaults to KeepAllPolicy.
func NewMemoryStore(retention RetentionPolicy) *MemoryStore {
	if retention == nil {
		retention = KeepAllPolicy{}
	}
	return &MemoryStore{
		logs:      make(map[id.WarpID]*worldlineLog),
		retention: retention,
	}
}

// SetU0 implements ProvenanceStore.
func (m *MemoryStore) SetU0(worldline id.WarpID, u0 U0Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log, ok := m.logs[worldline]; ok && log.hasU0 {
		return ErrU0AlreadySet
	}
	m.logs[worldline] = &worldlineLog{u0: u0, hasU0: true}
	return nil
}

// U0 implements ProvenanceStore.
func (m *MemoryStore) U0(worldline id.WarpID) (U0Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log, ok := m.logs[worldline]
	if !ok {
		return U0Ref{}, ErrWorldlineNotFound
	}
	return log.u0, nil
}

// Len implements ProvenanceStore.
func (m *MemoryStore) Len(worldline id.WarpID) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log, ok := m.logs[worldline]
	if !ok {
		return 0, ErrWorldlineNotFound
	}
	return uint64(len(log.patches)), nil
}

// Patch implements ProvenanceStore.
func (m *MemoryStore) Patch(worldline id.WarpID, tick uint64) (patch.WorldlineTickPatchV1, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log, ok := m.logs[worldline]
	if !ok {
		return patch.WorldlineTickPatchV1{}, ErrWorldlineNotFound
	}
	if tick >= uint64(len(log.patches)) || tick < log.droppedBefore {
		return patch.WorldlineTickPatchV1{}, &HistoryUnavailableError{Tick: tick}
	}
	return log.patches[tick], nil
}

// Expected implements ProvenanceStore. Unlike Patch, triplets are never
// subject to the retention drop floor (spec.md §4.9).
func (m *MemoryStore) Expected(worldline id.WarpID, tick uint64) (HashTriplet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log, ok := m.logs[worldline]
	if !ok {
		return HashTriplet{}, ErrWorldlineNotFound
	}
	if tick >= uint64(len(log.triplets)) {
		return HashTriplet{}, &HistoryUnavailableError{Tick: tick}
	}
	return log.triplets[tick], nil
}

// Outputs implements ProvenanceStore.
func (m *MemoryStore) Outputs(worldline id.WarpID, tick uint64) ([]Output, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log, ok := m.logs[worldline]
	if !ok {
		return nil, ErrWorldlineNotFound
	}
	if tick >= uint64(len(log.outputs)) || tick < log.droppedBefore {
		return nil, &HistoryUnavailableError{Tick: tick}
	}
	return log.outputs[tick], nil
}

// CheckpointBefore implements ProvenanceStore.
func (m *MemoryStore) CheckpointBefore(worldline id.WarpID, tick uint64) (*CheckpointRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	log, ok := m.logs[worldline]
	if !ok {
		return nil, ErrWorldlineNotFound
	}
	var best *CheckpointRef
	for i := range log.checkpoints {
		cp := log.checkpoints[i]
		if cp.Tick <= tick && (best == nil || cp.Tick > best.Tick) {
			c := cp
			best = &c
		}
	}
	return best, nil
}

// Append implements ProvenanceStore. The new tick's index is len(patches);
// callers must append ticks in order (the engine always does, since Step
// projects exactly one tick at a time).
func (m *MemoryStore) Append(worldline id.WarpID, p patch.WorldlineTickPatchV1, triplet HashTriplet, outputs []Output) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.logs[worldline]
	if !ok {
		return ErrWorldlineNotFound
	}

	tick := uint64(len(log.patches))
	log.patches = append(log.patches, p)
	log.triplets = append(log.triplets, triplet)
	log.outputs = append(log.outputs, outputs)

	checkpoint, floor := m.retention.Decide(tick)
	if checkpoint {
		log.checkpoints = append(log.checkpoints, CheckpointRef{Tick: tick, StateRoot: triplet.StateRoot})
	}
	if floor > log.droppedBefore {
		m.sweepLocked(log, floor)
	}
	return nil
}

// sweepLocked clears patches/outputs below floor, leaving triplets intact
// so Expected keeps answering for every tick ever appended.
func (m *MemoryStore) sweepLocked(log *worldlineLog, floor uint64) {
	for t := log.droppedBefore; t < floor && t < uint64(len(log.patches)); t++ {
		log.patches[t] = patch.WorldlineTickPatchV1{}
		log.outputs[t] = nil
	}
	log.droppedBefore = floor
}

// Fork implements ProvenanceStore.
func (m *MemoryStore) Fork(worldline id.WarpID, fromTick uint64, newID id.WarpID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.logs[worldline]
	if !ok {
		return ErrWorldlineNotFound
	}
	if _, exists := m.logs[newID]; exists {
		return ErrWorldlineAlreadyExists
	}
	if fromTick >= uint64(len(src.patches)) {
		return &HistoryUnavailableError{Tick: fromTick}
	}
	if fromTick < src.droppedBefore {
		return &HistoryUnavailableError{Tick: fromTick}
	}

	n := fromTick + 1
	fork := &worldlineLog{
		u0:       src.u0,
		hasU0:    true,
		patches:  append([]patch.WorldlineTickPatchV1(nil), src.patches[:n]...),
		triplets: append([]HashTriplet(nil), src.triplets[:n]...),
		outputs:  append([][]Output(nil), src.outputs[:n]...),
	}
	for _, cp := range src.checkpoints {
		if cp.Tick < n {
			fork.checkpoints = append(fork.checkpoints, cp)
		}
	}
	m.logs[newID] = fork
	return nil
}
