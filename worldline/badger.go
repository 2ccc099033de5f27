package worldline

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/flyingrobots/echo/id"
	"github.com/flyingrobots/echo/patch"
)

// ErrStoreClosed is returned by any BadgerStore method called after Close.
var ErrStoreClosed = errors.New("worldline: store closed")

// Key prefixes, one byte each, mirroring the single-byte-prefix key scheme
// nornicdb's BadgerEngine uses to partition record kinds within one
// keyspace.
const (
	prefixU0         byte = 0x10
	prefixMeta       byte = 0x11
	prefixPatch      byte = 0x12
	prefixTriplet    byte = 0x13
	prefixOutputs    byte = 0x14
	prefixCheckpoint byte = 0x15
)

// BadgerOptions configures a BadgerStore, mirroring the teacher's
// BadgerOptions shape (DataDir plus a handful of mode toggles) rather than
// exposing every badger.Options knob.
type BadgerOptions struct {
	DataDir    string
	InMemory   bool
	SyncWrites bool
}

// BadgerStore is the persistent ProvenanceStore backend: every worldline's
// patches, triplets, outputs, and checkpoints live in one badger.DB,
// keyed by a one-byte record-kind prefix, the worldline id, and (for
// per-tick records) the tick index big-endian so iteration order matches
// tick order.
type BadgerStore struct {
	mu        sync.RWMutex
	db        *badger.DB
	retention RetentionPolicy
	closed    bool
}

// NewBadgerStore opens (or creates) a BadgerStore at opts.DataDir. A nil
// retention defaults to KeepAllPolicy.
func NewBadgerStore(opts BadgerOptions, retention RetentionPolicy) (*BadgerStore, error) {
	if retention == nil {
		retention = KeepAllPolicy{}
	}

	badgerOpts := badger.DefaultOptions(opts.DataDir).WithLogger(nil)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("worldline: opening badger store: %w", err)
	}
	return &BadgerStore{db: db, retention: retention}, nil
}

// Close releases the underlying badger.DB. Safe to call more than once.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// Sync forces badger to fsync pending writes.
func (b *BadgerStore) Sync() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStoreClosed
	}
	return b.db.Sync()
}

type metaRecord struct {
	Len           uint64
	DroppedBefore uint64
}

func worldlineKey(prefix byte, worldline id.WarpID) []byte {
	key := make([]byte, 0, 1+32)
	key = append(key, prefix)
	key = append(key, worldline.Bytes()...)
	return key
}

func tickKey(prefix byte, worldline id.WarpID, tick uint64) []byte {
	key := make([]byte, 0, 1+32+8)
	key = append(key, prefix)
	key = append(key, worldline.Bytes()...)
	var tb [8]byte
	binary.BigEndian.PutUint64(tb[:], tick)
	key = append(key, tb[:]...)
	return key
}

func (b *BadgerStore) readMeta(txn *badger.Txn, worldline id.WarpID) (metaRecord, error) {
	item, err := txn.Get(worldlineKey(prefixMeta, worldline))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return metaRecord{}, ErrWorldlineNotFound
	}
	if err != nil {
		return metaRecord{}, err
	}
	var meta metaRecord
	err = item.Value(func(val []byte) error { return json.Unmarshal(val, &meta) })
	return meta, err
}

// SetU0 implements ProvenanceStore.
func (b *BadgerStore) SetU0(worldline id.WarpID, u0 U0Ref) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStoreClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(worldlineKey(prefixMeta, worldline)); err == nil {
			return ErrU0AlreadySet
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		u0Bytes, err := json.Marshal(u0)
		if err != nil {
			return err
		}
		if err := txn.Set(worldlineKey(prefixU0, worldline), u0Bytes); err != nil {
			return err
		}
		metaBytes, err := json.Marshal(metaRecord{})
		if err != nil {
			return err
		}
		return txn.Set(worldlineKey(prefixMeta, worldline), metaBytes)
	})
}

// U0 implements ProvenanceStore.
func (b *BadgerStore) U0(worldline id.WarpID) (U0Ref, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return U0Ref{}, ErrStoreClosed
	}

	var u0 U0Ref
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(worldlineKey(prefixU0, worldline))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrWorldlineNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &u0) })
	})
	return u0, err
}

// Len implements ProvenanceStore.
func (b *BadgerStore) Len(worldline id.WarpID) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrStoreClosed
	}

	var n uint64
	err := b.db.View(func(txn *badger.Txn) error {
		meta, err := b.readMeta(txn, worldline)
		if err != nil {
			return err
		}
		n = meta.Len
		return nil
	})
	return n, err
}

// Patch implements ProvenanceStore.
func (b *BadgerStore) Patch(worldline id.WarpID, tick uint64) (patch.WorldlineTickPatchV1, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return patch.WorldlineTickPatchV1{}, ErrStoreClosed
	}

	var p patch.WorldlineTickPatchV1
	err := b.db.View(func(txn *badger.Txn) error {
		meta, err := b.readMeta(txn, worldline)
		if err != nil {
			return err
		}
		if tick >= meta.Len || tick < meta.DroppedBefore {
			return &HistoryUnavailableError{Tick: tick}
		}
		item, err := txn.Get(tickKey(prefixPatch, worldline, tick))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &HistoryUnavailableError{Tick: tick}
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := patch.Decode(val)
			if err != nil {
				return err
			}
			p = decoded
			return nil
		})
	})
	return p, err
}

// Expected implements ProvenanceStore. Triplets are written for every tick
// ever appended and never removed by sweep, regardless of retention.
func (b *BadgerStore) Expected(worldline id.WarpID, tick uint64) (HashTriplet, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return HashTriplet{}, ErrStoreClosed
	}

	var triplet HashTriplet
	err := b.db.View(func(txn *badger.Txn) error {
		meta, err := b.readMeta(txn, worldline)
		if err != nil {
			return err
		}
		if tick >= meta.Len {
			return &HistoryUnavailableError{Tick: tick}
		}
		item, err := txn.Get(tickKey(prefixTriplet, worldline, tick))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &triplet) })
	})
	return triplet, err
}

// Outputs implements ProvenanceStore.
func (b *BadgerStore) Outputs(worldline id.WarpID, tick uint64) ([]Output, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStoreClosed
	}

	var outputs []Output
	err := b.db.View(func(txn *badger.Txn) error {
		meta, err := b.readMeta(txn, worldline)
		if err != nil {
			return err
		}
		if tick >= meta.Len || tick < meta.DroppedBefore {
			return &HistoryUnavailableError{Tick: tick}
		}
		item, err := txn.Get(tickKey(prefixOutputs, worldline, tick))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &HistoryUnavailableError{Tick: tick}
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &outputs) })
	})
	return outputs, err
}

// CheckpointBefore implements ProvenanceStore by scanning the worldline's
// checkpoint key range, which is sparse (one entry per retention interval)
// so a linear scan is cheap.
func (b *BadgerStore) CheckpointBefore(worldline id.WarpID, tick uint64) (*CheckpointRef, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStoreClosed
	}

	var best *CheckpointRef
	err := b.db.View(func(txn *badger.Txn) error {
		if _, err := b.readMeta(txn, worldline); err != nil {
			return err
		}
		prefix := worldlineKey(prefixCheckpoint, worldline)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var cp CheckpointRef
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &cp) }); err != nil {
				return err
			}
			if cp.Tick <= tick && (best == nil || cp.Tick > best.Tick) {
				c := cp
				best = &c
			}
		}
		return nil
	})
	return best, err
}

// Append implements ProvenanceStore, writing the patch (via patch's own
// canonical codec), triplet, and outputs (via encoding/json, mirroring the
// teacher's badger_serialization.go approach for auxiliary records) in a
// single transaction alongside the updated meta record.
func (b *BadgerStore) Append(worldline id.WarpID, p patch.WorldlineTickPatchV1, triplet HashTriplet, outputs []Output) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStoreClosed
	}

	return b.db.Update(func(txn *badger.Txn) error {
		meta, err := b.readMeta(txn, worldline)
		if err != nil {
			return err
		}
		tick := meta.Len

		if err := txn.Set(tickKey(prefixPatch, worldline, tick), patch.Encode(p)); err != nil {
			return err
		}
		tripletBytes, err := json.Marshal(triplet)
		if err != nil {
			return err
		}
		if err := txn.Set(tickKey(prefixTriplet, worldline, tick), tripletBytes); err != nil {
			return err
		}
		outputBytes, err := json.Marshal(outputs)
		if err != nil {
			return err
		}
		if err := txn.Set(tickKey(prefixOutputs, worldline, tick), outputBytes); err != nil {
			return err
		}

		checkpoint, floor := b.retention.Decide(tick)
		if checkpoint {
			cpBytes, err := json.Marshal(CheckpointRef{Tick: tick, StateRoot: triplet.StateRoot})
			if err != nil {
				return err
			}
			if err := txn.Set(tickKey(prefixCheckpoint, worldline, tick), cpBytes); err != nil {
				return err
			}
		}
		if floor > meta.DroppedBefore {
			if err := b.sweep(txn, worldline, meta.DroppedBefore, floor); err != nil {
				return err
			}
			meta.DroppedBefore = floor
		}

		meta.Len = tick + 1
		metaBytes, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return txn.Set(worldlineKey(prefixMeta, worldline), metaBytes)
	})
}

// sweep deletes patch and output records for ticks in [from, to) — leaving
// triplet records untouched so Expected keeps answering for every tick
// ever appended.
func (b *BadgerStore) sweep(txn *badger.Txn, worldline id.WarpID, from, to uint64) error {
	for t := from; t < to; t++ {
		if err := txn.Delete(tickKey(prefixPatch, worldline, t)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Delete(tickKey(prefixOutputs, worldline, t)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
	}
	return nil
}

// Fork implements ProvenanceStore by copying every per-tick record up to
// and including fromTick into newID's own keyspace, in one transaction.
func (b *BadgerStore) Fork(worldline id.WarpID, fromTick uint64, newID id.WarpID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStoreClosed
	}

	return b.db.Update(func(txn *badger.Txn) error {
		srcMeta, err := b.readMeta(txn, worldline)
		if err != nil {
			return err
		}
		if _, err := txn.Get(worldlineKey(prefixMeta, newID)); err == nil {
			return ErrWorldlineAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if fromTick >= srcMeta.Len || fromTick < srcMeta.DroppedBefore {
			return &HistoryUnavailableError{Tick: fromTick}
		}

		u0Item, err := txn.Get(worldlineKey(prefixU0, worldline))
		if err != nil {
			return err
		}
		u0Bytes, err := u0Item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Set(worldlineKey(prefixU0, newID), u0Bytes); err != nil {
			return err
		}

		for t := uint64(0); t <= fromTick; t++ {
			if err := copyTick(txn, prefixPatch, worldline, newID, t); err != nil {
				return err
			}
			if err := copyTick(txn, prefixTriplet, worldline, newID, t); err != nil {
				return err
			}
			if err := copyTick(txn, prefixOutputs, worldline, newID, t); err != nil {
				return err
			}
		}
		for t := uint64(0); t <= fromTick; t++ {
			if err := copyTick(txn, prefixCheckpoint, worldline, newID, t); err != nil {
				return err
			}
		}

		newMeta := metaRecord{Len: fromTick + 1}
		metaBytes, err := json.Marshal(newMeta)
		if err != nil {
			return err
		}
		return txn.Set(worldlineKey(prefixMeta, newID), metaBytes)
	})
}

// copyTick copies one per-tick record from src to dst under the same
// prefix and tick, if it exists; a missing record (e.g. a swept patch, or
// no checkpoint at that tick) is not an error.
func copyTick(txn *badger.Txn, prefix byte, src, dst id.WarpID, tick uint64) error {
	item, err := txn.Get(tickKey(prefix, src, tick))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	return txn.Set(tickKey(prefix, dst, tick), val)
}
