package mbus

import (
	"math/rand"
	"testing"

	"github.com/flyingrobots/echo/id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrictSingleAcceptsRepeatedIdenticalValue(t *testing.T) {
	b := New()
	ch := id.NewChannelID("pos")
	require.NoError(t, b.Declare(ChannelSpec{ID: ch, Reducer: StrictSingle}))

	b.Emit(Emission{Channel: ch, Origin: EmissionOrigin{RuleID: 1, OpIx: 0}, Value: []byte("x")})
	b.Emit(Emission{Channel: ch, Origin: EmissionOrigin{RuleID: 1, OpIx: 1}, Value: []byte("x")})

	report := b.Finalize()
	assert.Equal(t, []byte("x"), report.Channels[ch])
	assert.Empty(t, report.Errors)
}

func TestStrictSingleFlagsConflict(t *testing.T) {
	b := New()
	ch := id.NewChannelID("pos")
	require.NoError(t, b.Declare(ChannelSpec{ID: ch, Reducer: StrictSingle}))

	b.Emit(Emission{Channel: ch, Origin: EmissionOrigin{RuleID: 1, OpIx: 0}, Value: []byte("x")})
	b.Emit(Emission{Channel: ch, Origin: EmissionOrigin{RuleID: 2, OpIx: 0}, Value: []byte("y")})

	report := b.Finalize()
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "strict_single_conflict", report.Errors[0].Kind)
}

func TestLastResolvesByCanonicalKeyNotInsertionOrder(t *testing.T) {
	b := New()
	ch := id.NewChannelID("score")
	require.NoError(t, b.Declare(ChannelSpec{ID: ch, Reducer: Last}))

	// Emitted out of canonical order; Last must still pick the emission
	// with the greatest (IntentID, RuleID, MatchIx, OpIx), not the one
	// emitted last in wall-clock/goroutine-completion order.
	b.Emit(Emission{Channel: ch, Origin: EmissionOrigin{RuleID: 5}, Value: []byte("later-key")})
	b.Emit(Emission{Channel: ch, Origin: EmissionOrigin{RuleID: 1}, Value: []byte("earlier-key")})

	report := b.Finalize()
	assert.Equal(t, []byte("later-key"), report.Channels[ch])
}

func TestSumAddsLittleEndianInt64Payloads(t *testing.T) {
	b := New()
	ch := id.NewChannelID("total")
	require.NoError(t, b.Declare(ChannelSpec{ID: ch, Reducer: Sum}))

	b.Emit(Emission{Channel: ch, Origin: EmissionOrigin{RuleID: 1}, Value: encodeInt64(3)})
	b.Emit(Emission{Channel: ch, Origin: EmissionOrigin{RuleID: 2}, Value: encodeInt64(4)})

	report := b.Finalize()
	assert.Equal(t, encodeInt64(7), report.Channels[ch])
}

func TestConcatSortedIsPermutationInvariant(t *testing.T) {
	ch := id.NewChannelID("log")
	emissions := []Emission{
		{Channel: ch, Origin: EmissionOrigin{RuleID: 1}, Value: []byte("a")},
		{Channel: ch, Origin: EmissionOrigin{RuleID: 2}, Value: []byte("b")},
		{Channel: ch, Origin: EmissionOrigin{RuleID: 3}, Value: []byte("c")},
	}

	var want []byte
	for perm := 0; perm < 6; perm++ {
		shuffled := append([]Emission(nil), emissions...)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		b := New()
		require.NoError(t, b.Declare(ChannelSpec{ID: ch, Reducer: ConcatSorted}))
		for _, e := range shuffled {
			b.Emit(e)
		}
		got := b.Finalize().Channels[ch]
		if want == nil {
			want = got
		}
		assert.Equal(t, want, got, "ConcatSorted must be permutation-invariant under emission order")
	}
}

func TestFinalizeClearsBufferBetweenTicks(t *testing.T) {
	b := New()
	ch := id.NewChannelID("pos")
	require.NoError(t, b.Declare(ChannelSpec{ID: ch, Reducer: Last}))

	b.Emit(Emission{Channel: ch, Value: []byte("one")})
	first := b.Finalize()
	assert.Equal(t, []byte("one"), first.Channels[ch])

	second := b.Finalize()
	_, ok := second.Channels[ch]
	assert.False(t, ok, "a tick with no emissions must not carry over the previous tick's value")
}

func encodeInt64(v int64) []byte {
	out := make([]byte, 8)
	u := uint64(v)
	for i := 0; i < 8; i++ {
		out[i] = byte(u)
		u >>= 8
	}
	return out
}
