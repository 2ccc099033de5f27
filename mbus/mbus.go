// Package mbus implements the materialization bus: per-tick typed
// emissions to named channels, reduced to one authoritative value per
// channel per tick (spec.md §4.8).
//
// The accumulation buffer reuses the teacher's bounded-map-plus-sweep
// cache shape (pkg/cache/query_cache.go): emissions accumulate in a map
// keyed by channel for the duration of one tick, and Finalize both drains
// and clears it, the same "evict everything on sweep" shape the teacher
// uses for TTL expiry, repurposed here to "never carry emissions across
// ticks" instead of "never carry entries past their TTL".
package mbus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/flyingrobots/echo/id"
)

// ReducerKind selects how a channel's per-tick emissions collapse into
// one authoritative value (spec.md §4.8).
type ReducerKind uint8

const (
	// StrictSingle admits at most one distinct value per tick; a second,
	// differing emission is a non-fatal StrictSingleConflict.
	StrictSingle ReducerKind = iota
	// Last resolves to the emission with the greatest canonical
	// emission key, not the latest wall-clock or goroutine-completion
	// order.
	Last
	// Sum adds emitted 8-byte little-endian int64 payloads.
	Sum
	// ConcatSorted concatenates emitted payloads ascending by canonical
	// emission key.
	ConcatSorted
)

// ErrDuplicateChannel is returned by Declare for an already-declared
// channel id.
var ErrDuplicateChannel = fmt.Errorf("mbus: channel already declared")

// EmissionOrigin is the canonical ordering key for one emission: which
// intent/rule/match/op produced it. It deliberately mirrors the engine's
// OpOrigin shape without importing the engine package, so mbus has no
// dependency on engine (the engine constructs one of these when it
// forwards an executor's Emit call).
type EmissionOrigin struct {
	IntentID uint64
	RuleID   uint32
	MatchIx  uint32
	OpIx     uint32
}

func (o EmissionOrigin) less(other EmissionOrigin) bool {
	if o.IntentID != other.IntentID {
		return o.IntentID < other.IntentID
	}
	if o.RuleID != other.RuleID {
		return o.RuleID < other.RuleID
	}
	if o.MatchIx != other.MatchIx {
		return o.MatchIx < other.MatchIx
	}
	return o.OpIx < other.OpIx
}

// Emission is one value offered to a channel during the current tick.
type Emission struct {
	Channel id.ChannelID
	Origin  EmissionOrigin
	Value   []byte
}

// ChannelSpec declares a channel's reduction behavior.
type ChannelSpec struct {
	ID      id.ChannelID
	Reducer ReducerKind
}

// FinalizeError reports a non-fatal reduction problem discovered while
// finalizing one channel.
type FinalizeError struct {
	Channel id.ChannelID
	Kind    string
	Detail  string
}

// FinalizeReport is the bus's output for one tick: one authoritative
// value per channel that received emissions, plus any non-fatal errors
// (spec.md §4.8).
type FinalizeReport struct {
	Channels map[id.ChannelID][]byte
	Errors   []FinalizeError
}

// Bus accumulates emissions for the current tick and reduces them on
// Finalize. Safe for concurrent Emit calls from parallel executors.
type Bus struct {
	mu        sync.Mutex
	specs     map[id.ChannelID]ChannelSpec
	emissions map[id.ChannelID][]Emission
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		specs:     map[id.ChannelID]ChannelSpec{},
		emissions: map[id.ChannelID][]Emission{},
	}
}

// Declare registers a channel's reducer. Declaring the same channel id
// twice is an error.
func (b *Bus) Declare(spec ChannelSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.specs[spec.ID]; exists {
		return ErrDuplicateChannel
	}
	b.specs[spec.ID] = spec
	return nil
}

// Emit buffers e for the current tick's finalize pass. Channels that were
// never declared are accepted and reduced as StrictSingle by default,
// since emit-only executors must never fail on a forgotten declaration.
func (b *Bus) Emit(e Emission) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e.Value = append([]byte(nil), e.Value...)
	b.emissions[e.Channel] = append(b.emissions[e.Channel], e)
}

// Finalize reduces every channel that received an emission this tick to
// one authoritative value, then clears the accumulation buffer so the
// next tick starts empty.
func (b *Bus) Finalize() FinalizeReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	report := FinalizeReport{Channels: map[id.ChannelID][]byte{}}
	channels := make([]id.ChannelID, 0, len(b.emissions))
	for ch := range b.emissions {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return id.Less(id.Hash(channels[i]), id.Hash(channels[j])) })

	for _, ch := range channels {
		emissions := sortedByOrigin(b.emissions[ch])
		reducer := b.reducerFor(ch)
		value, errs := reduce(reducer, ch, emissions)
		report.Channels[ch] = value
		report.Errors = append(report.Errors, errs...)
	}

	b.emissions = map[id.ChannelID][]Emission{}
	return report
}

func (b *Bus) reducerFor(ch id.ChannelID) ReducerKind {
	if spec, ok := b.specs[ch]; ok {
		return spec.Reducer
	}
	return StrictSingle
}

func sortedByOrigin(emissions []Emission) []Emission {
	out := make([]Emission, len(emissions))
	copy(out, emissions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Origin.less(out[j].Origin) })
	return out
}

func reduce(kind ReducerKind, ch id.ChannelID, emissions []Emission) ([]byte, []FinalizeError) {
	if len(emissions) == 0 {
		return nil, nil
	}
	switch kind {
	case Last:
		return emissions[len(emissions)-1].Value, nil
	case Sum:
		return reduceSum(ch, emissions)
	case ConcatSorted:
		var buf []byte
		for _, e := range emissions {
			buf = append(buf, e.Value...)
		}
		return buf, nil
	default: // StrictSingle
		return reduceStrictSingle(ch, emissions)
	}
}

func reduceStrictSingle(ch id.ChannelID, emissions []Emission) ([]byte, []FinalizeError) {
	first := emissions[0].Value
	for _, e := range emissions[1:] {
		if !bytesEqual(e.Value, first) {
			return first, []FinalizeError{{
				Channel: ch,
				Kind:    "strict_single_conflict",
				Detail:  "more than one distinct value emitted in a single tick",
			}}
		}
	}
	return first, nil
}

func reduceSum(ch id.ChannelID, emissions []Emission) ([]byte, []FinalizeError) {
	var total int64
	var errs []FinalizeError
	for _, e := range emissions {
		if len(e.Value) != 8 {
			errs = append(errs, FinalizeError{
				Channel: ch,
				Kind:    "sum_invalid_payload",
				Detail:  "sum reducer requires 8-byte little-endian int64 payloads",
			})
			continue
		}
		var v int64
		for i := 7; i >= 0; i-- {
			v = v<<8 | int64(e.Value[i])
		}
		total += v
	}
	out := make([]byte, 8)
	u := uint64(total)
	for i := 0; i < 8; i++ {
		out[i] = byte(u)
		u >>= 8
	}
	return out, errs
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
