// Package boaw is the batch-of-admitted-work parallel executor: a fixed
// worker pool that claims work units atomically off a shared queue, in the
// style of the teacher's atomic sequence counters (pkg/storage/wal.go),
// generalized from "advance a log sequence" to "claim the next unit of
// work".
package boaw

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/flyingrobots/echo/id"
)

// NumShards is the protocol-frozen shard count for scope routing.
const NumShards = 256

// ShardOf returns the shard a node's scope routes to. NodeID is already a
// domain-separated BLAKE3 digest, so its leading byte is uniform; no
// further mixing is needed for a byte-stable hash mod 256.
func ShardOf(n id.NodeID) uint16 {
	b := n.Bytes()
	return uint16(b[0])
}

// WorkerCount resolves the requested worker count against the pool's
// ceiling: min(GOMAXPROCS, NumShards), or the caller's explicit request if
// positive and within bounds.
func WorkerCount(requested int) int {
	if requested > 0 {
		if requested > NumShards {
			return NumShards
		}
		return requested
	}
	n := runtime.GOMAXPROCS(0)
	if n > NumShards {
		return NumShards
	}
	if n < 1 {
		return 1
	}
	return n
}

// Unit is one shard's worth of admitted work: a warp-scoped, shard-routed
// batch of executor tasks. Tasks within a unit run sequentially on whichever
// worker claims the unit; units themselves run concurrently.
type Unit struct {
	WarpID  id.WarpID
	ShardID uint16
	Tasks   []func()
}

// Run claims and executes every unit using a fixed pool of workers. Workers
// claim units via an atomic index into the queue, never spawning nested
// goroutines, matching the teacher's single-level worker-pool discipline.
// The merge step downstream of Run is what makes the result deterministic;
// Run itself only guarantees every task in every unit executes exactly
// once before it returns.
func Run(units []Unit, workers int) {
	if len(units) == 0 {
		return
	}
	workers = WorkerCount(workers)
	if workers > len(units) {
		workers = len(units)
	}

	var cursor atomic.Int64
	total := int64(len(units))

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for {
				i := cursor.Add(1) - 1
				if i >= total {
					return
				}
				for _, task := range units[i].Tasks {
					task()
				}
			}
		}()
	}
	wg.Wait()
}
