package footprint

import (
	"sort"
	"sync"

	"github.com/flyingrobots/echo/id"
)

// Candidate is one pending rewrite offered to the scheduler: its footprint
// plus the identity used for deterministic drain ordering and blocker
// attribution.
type Candidate struct {
	ScopeHash id.Hash
	RuleID    uint32
	Nonce     uint64
	Footprint *Footprint
}

// Decision records the scheduler's verdict for one candidate.
type Decision struct {
	Candidate Candidate
	Admitted  bool
	// Blocker is the first previously-admitted candidate (this tick) whose
	// write set intersected Candidate's footprint, if rejected. It is nil
	// when the rejection is a write to a resource that admitted candidates
	// only read.
	Blocker *Candidate
}

// Scheduler tracks the per-tick active set and admits pending rewrites in
// deterministic drain order, two-phase (check then mark), per spec.md §4.4.
type Scheduler struct {
	mu sync.Mutex

	nodes       *genSet[id.NodeKey]
	edges       *genSet[id.EdgeKey]
	attachments *genSet[id.AttachmentKey]
	ports       *genSet[id.PortKey]

	// writers records, for the current tick, which candidate last wrote
	// each resource, for blocker attribution.
	nodeWriter       map[id.NodeKey]*Candidate
	edgeWriter       map[id.EdgeKey]*Candidate
	attachmentWriter map[id.AttachmentKey]*Candidate
	portWriter       map[id.PortKey]*Candidate

	nodeWriteSet       *genSet[id.NodeKey]
	edgeWriteSet       *genSet[id.EdgeKey]
	attachmentWriteSet *genSet[id.AttachmentKey]
	portWriteSet       *genSet[id.PortKey]
}

// NewScheduler returns a scheduler with an empty active set.
func NewScheduler() *Scheduler {
	return &Scheduler{
		nodes:              newGenSet[id.NodeKey](),
		edges:              newGenSet[id.EdgeKey](),
		attachments:        newGenSet[id.AttachmentKey](),
		ports:              newGenSet[id.PortKey](),
		nodeWriteSet:       newGenSet[id.NodeKey](),
		edgeWriteSet:       newGenSet[id.EdgeKey](),
		attachmentWriteSet: newGenSet[id.AttachmentKey](),
		portWriteSet:       newGenSet[id.PortKey](),
	}
}

// NewTick resets the active set for a new tick in O(1) by bumping the
// generation counter on every resource kind's genSet.
func (s *Scheduler) NewTick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes.advance()
	s.edges.advance()
	s.attachments.advance()
	s.ports.advance()
	s.nodeWriteSet.advance()
	s.edgeWriteSet.advance()
	s.attachmentWriteSet.advance()
	s.portWriteSet.advance()
	s.nodeWriter = make(map[id.NodeKey]*Candidate)
	s.edgeWriter = make(map[id.EdgeKey]*Candidate)
	s.attachmentWriter = make(map[id.AttachmentKey]*Candidate)
	s.portWriter = make(map[id.PortKey]*Candidate)
}

// Reserve performs the two-phase check-then-mark reservation for c. On
// conflict, no partial marking occurs (P6).
func (s *Scheduler) Reserve(c Candidate) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if blocker, conflict := s.check(c.Footprint); conflict {
		return Decision{Candidate: c, Admitted: false, Blocker: blocker}
	}
	s.mark(c)
	return Decision{Candidate: c, Admitted: true}
}

// check reports whether c.Footprint conflicts with the current active set,
// together with the first blocking writer (nil when the conflict is a
// write to a resource that admitted candidates only read).
func (s *Scheduler) check(f *Footprint) (*Candidate, bool) {
	for k := range f.NWrite {
		if s.nodes.has(k) {
			return s.nodeWriter[k], true
		}
	}
	for k := range f.NRead {
		if s.nodeWriteSet.has(k) {
			return s.nodeWriter[k], true
		}
	}
	for k := range f.EWrite {
		if s.edges.has(k) {
			return s.edgeWriter[k], true
		}
	}
	for k := range f.ERead {
		if s.edgeWriteSet.has(k) {
			return s.edgeWriter[k], true
		}
	}
	for k := range f.AWrite {
		if s.attachments.has(k) {
			return s.attachmentWriter[k], true
		}
	}
	for k := range f.ARead {
		if s.attachmentWriteSet.has(k) {
			return s.attachmentWriter[k], true
		}
	}
	for k := range f.PWrite {
		if s.ports.has(k) {
			return s.portWriter[k], true
		}
	}
	for k := range f.PRead {
		if s.portWriteSet.has(k) {
			return s.portWriter[k], true
		}
	}
	return nil, false
}

// mark inserts every resource in c.Footprint into the active set. Callers
// must already have verified that check(c.Footprint) reports no conflict.
func (s *Scheduler) mark(c Candidate) {
	for k := range c.Footprint.NRead {
		s.nodes.mark(k)
	}
	for k := range c.Footprint.NWrite {
		s.nodes.mark(k)
		s.nodeWriteSet.mark(k)
		cc := c
		s.nodeWriter[k] = &cc
	}
	for k := range c.Footprint.ERead {
		s.edges.mark(k)
	}
	for k := range c.Footprint.EWrite {
		s.edges.mark(k)
		s.edgeWriteSet.mark(k)
		cc := c
		s.edgeWriter[k] = &cc
	}
	for k := range c.Footprint.ARead {
		s.attachments.mark(k)
	}
	for k := range c.Footprint.AWrite {
		s.attachments.mark(k)
		s.attachmentWriteSet.mark(k)
		cc := c
		s.attachmentWriter[k] = &cc
	}
	for k := range c.Footprint.PRead {
		s.ports.mark(k)
	}
	for k := range c.Footprint.PWrite {
		s.ports.mark(k)
		s.portWriteSet.mark(k)
		cc := c
		s.portWriter[k] = &cc
	}
	s.nodes.compact()
	s.edges.compact()
	s.attachments.compact()
	s.ports.compact()
}

// radixThreshold is the pending-item count above which DrainOrder switches
// from a stable comparison sort to LSD radix (spec.md §4.4, §9). The exact
// crossover is empirical and platform-sensitive; both paths produce the
// same total order.
const radixThreshold = 1024

// DrainOrder returns candidates in the engine's deterministic total order:
// ascending by (ScopeHash, RuleID, Nonce), with Nonce (the enqueue counter
// the caller assigns) breaking ties so that insertion order is preserved among
// otherwise-identical keys.
func DrainOrder(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	if len(out) <= radixThreshold {
		sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
		return out
	}
	return radixSort(out)
}

func less(a, b Candidate) bool {
	if a.ScopeHash != b.ScopeHash {
		return id.Less(a.ScopeHash, b.ScopeHash)
	}
	if a.RuleID != b.RuleID {
		return a.RuleID < b.RuleID
	}
	return a.Nonce < b.Nonce
}

// radixSort implements the same (ScopeHash, RuleID, Nonce) total order as
// the comparison sort above, but in O(n) via LSD radix passes over a
// fixed-width key built as ScopeHash || RuleID || Nonce: LSD radix processes
// the least-significant byte (the key's last byte, part of Nonce) first and
// the most-significant byte (the key's first byte, part of ScopeHash) last,
// so the final pass — and therefore the dominant field in the resulting
// order — is ScopeHash, matching the comparison sort's priority.
//
// The key is 44 bytes (32-byte ScopeHash + 4-byte RuleID + 8-byte Nonce),
// processed in 22 passes of 16 bits each; spec.md §9 calls this crossover
// and the exact byte width an implementation-tunable detail as long as both
// sort paths agree on the total order, which this key construction
// guarantees by construction.
func radixSort(items []Candidate) []Candidate {
	const keyLen = 44
	keys := make([][keyLen]byte, len(items))
	for i, c := range items {
		var k [keyLen]byte
		copy(k[0:32], c.ScopeHash[:])
		putU32(k[32:36], c.RuleID)
		putU64(k[36:44], c.Nonce)
		keys[i] = k
	}

	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}

	buf := make([]int, len(items))
	for pass := 0; pass < keyLen/2; pass++ {
		byteHi := keyLen - 1 - pass*2
		byteLo := byteHi - 1
		var counts [65536 + 1]int
		for _, i := range idx {
			d := int(keys[i][byteLo])<<8 | int(keys[i][byteHi])
			counts[d+1]++
		}
		for d := 0; d < 65536; d++ {
			counts[d+1] += counts[d]
		}
		for _, i := range idx {
			d := int(keys[i][byteLo])<<8 | int(keys[i][byteHi])
			buf[counts[d]] = i
			counts[d]++
		}
		idx, buf = buf, idx
	}

	out := make([]Candidate, len(items))
	for i, j := range idx {
		out[i] = items[j]
	}
	return out
}

func putU64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func putU32(b []byte, v uint32) {
	for i := 3; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
