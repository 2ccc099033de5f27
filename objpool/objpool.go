// Package objpool provides sync.Pool-backed reuse of the byte buffers and
// slices Echo allocates once per tick, to keep the rewrite loop's steady
// state allocation-free.
package objpool

import "sync"

// Config configures pooling behavior.
type Config struct {
	Enabled bool
	MaxSize int
}

var globalConfig = Config{Enabled: true, MaxSize: 1024}

// Configure sets global pool configuration. Call early, before the first
// tick runs.
func Configure(c Config) {
	globalConfig = c
	initPools()
}

func initPools() {
	byteBufferPool = sync.Pool{New: func() any { return make([]byte, 0, 4096) }}
	hashBufferPool = sync.Pool{New: func() any { return make([]byte, 0, 64) }}
	candidateSlicePool = sync.Pool{New: func() any { return make([]CandidateSlot, 0, 256) }}
}

// IsEnabled reports whether pooling is active.
func IsEnabled() bool { return globalConfig.Enabled }

// =============================================================================
// Byte buffer pool: canonical encoding scratch space (state hashing, patch
// encoding, Badger key construction).
// =============================================================================

var byteBufferPool = sync.Pool{New: func() any { return make([]byte, 0, 4096) }}

// GetByteBuffer returns a zero-length buffer from the pool.
func GetByteBuffer() []byte {
	if !globalConfig.Enabled {
		return make([]byte, 0, 4096)
	}
	return byteBufferPool.Get().([]byte)[:0]
}

// PutByteBuffer returns buf to the pool.
func PutByteBuffer(buf []byte) {
	if !globalConfig.Enabled {
		return
	}
	if cap(buf) > 1024*1024 {
		return
	}
	byteBufferPool.Put(buf[:0])
}

// =============================================================================
// Hash buffer pool: small fixed-purpose scratch for domain-tagged hash
// input assembly (id.Sum callers).
// =============================================================================

var hashBufferPool = sync.Pool{New: func() any { return make([]byte, 0, 64) }}

// GetHashBuffer returns a zero-length small buffer from the pool.
func GetHashBuffer() []byte {
	if !globalConfig.Enabled {
		return make([]byte, 0, 64)
	}
	return hashBufferPool.Get().([]byte)[:0]
}

// PutHashBuffer returns buf to the pool.
func PutHashBuffer(buf []byte) {
	if !globalConfig.Enabled {
		return
	}
	if cap(buf) > 4096 {
		return
	}
	hashBufferPool.Put(buf[:0])
}

// =============================================================================
// Candidate slot pool: per-tick scheduler admission buffer.
// =============================================================================

// CandidateSlot is a minimal, allocation-reusable stand-in for whatever
// per-rule match the caller is collecting before handing it to the
// scheduler; the footprint package's own Candidate is richer, but engine
// code collects matches before footprints are computed.
type CandidateSlot struct {
	ScopeHash [32]byte
	RuleID    uint32
	Nonce     uint64
}

var candidateSlicePool = sync.Pool{New: func() any { return make([]CandidateSlot, 0, 256) }}

// GetCandidateSlice returns a zero-length slice from the pool.
func GetCandidateSlice() []CandidateSlot {
	if !globalConfig.Enabled {
		return make([]CandidateSlot, 0, 256)
	}
	return candidateSlicePool.Get().([]CandidateSlot)[:0]
}

// PutCandidateSlice returns s to the pool.
func PutCandidateSlice(s []CandidateSlot) {
	if !globalConfig.Enabled {
		return
	}
	if cap(s) > globalConfig.MaxSize {
		return
	}
	candidateSlicePool.Put(s[:0])
}

// =============================================================================
// Generic slice pool: every other per-tick scratch slice whose element type
// is owned by a package objpool can't import without cycling back (e.g. the
// engine package's WarpOp). Pool[T] gets the same Configure/Enabled/
// max-size-eviction treatment as the fixed-type pools above, parameterized
// instead of duplicated per caller.
// =============================================================================

// Pool is a sync.Pool-backed reusable slice pool for element type T.
type Pool[T any] struct {
	pool       sync.Pool
	initialCap int
	maxSize    int
}

// NewPool returns a Pool whose fresh slices start at initialCap capacity;
// Put discards (rather than pools) any slice whose capacity exceeds maxSize,
// so one oversized tick can't permanently bloat the pool.
func NewPool[T any](initialCap, maxSize int) *Pool[T] {
	p := &Pool[T]{initialCap: initialCap, maxSize: maxSize}
	p.pool.New = func() any { return make([]T, 0, initialCap) }
	return p
}

// Get returns a zero-length slice from the pool.
func (p *Pool[T]) Get() []T {
	if !globalConfig.Enabled {
		return make([]T, 0, p.initialCap)
	}
	return p.pool.Get().([]T)[:0]
}

// Put returns s to the pool.
func (p *Pool[T]) Put(s []T) {
	if !globalConfig.Enabled {
		return
	}
	if cap(s) > p.maxSize {
		return
	}
	p.pool.Put(s[:0])
}
