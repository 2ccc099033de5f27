package worldline

import (
	"errors"
	"testing"

	"github.com/flyingrobots/echo/id"
	"github.com/flyingrobots/echo/patch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePatch(warpID id.WarpID) patch.WorldlineTickPatchV1 {
	return patch.WorldlineTickPatchV1{PolicyID: 1, WarpID: warpID}
}

func TestMemoryStoreAppendAndRead(t *testing.T) {
	store := NewMemoryStore(nil)
	w := id.NewWarpID([]byte("w"))
	require.NoError(t, store.SetU0(w, U0Ref{WarpID: w}))

	p := samplePatch(w)
	triplet := HashTriplet{StateRoot: id.Sum("a")}
	outs := []Output{{Channel: id.NewChannelID("c"), Value: []byte("v")}}
	require.NoError(t, store.Append(w, p, triplet, outs))

	n, err := store.Len(w)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	got, err := store.Patch(w, 0)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	gotTriplet, err := store.Expected(w, 0)
	require.NoError(t, err)
	assert.Equal(t, triplet, gotTriplet)

	gotOuts, err := store.Outputs(w, 0)
	require.NoError(t, err)
	assert.Equal(t, outs, gotOuts)
}

func TestMemoryStorePatchOutOfRangeIsHistoryUnavailable(t *testing.T) {
	store := NewMemoryStore(nil)
	w := id.NewWarpID([]byte("w"))
	require.NoError(t, store.SetU0(w, U0Ref{WarpID: w}))

	_, err := store.Patch(w, 5)
	var hu *HistoryUnavailableError
	require.ErrorAs(t, err, &hu)
	assert.Equal(t, uint64(5), hu.Tick)
}

func TestMemoryStoreSetU0TwiceFails(t *testing.T) {
	store := NewMemoryStore(nil)
	w := id.NewWarpID([]byte("w"))
	require.NoError(t, store.SetU0(w, U0Ref{WarpID: w}))
	err := store.SetU0(w, U0Ref{WarpID: w})
	require.ErrorIs(t, err, ErrU0AlreadySet)
}

func TestMemoryStoreUnknownWorldlineNotFound(t *testing.T) {
	store := NewMemoryStore(nil)
	w := id.NewWarpID([]byte("nope"))
	_, err := store.U0(w)
	require.ErrorIs(t, err, ErrWorldlineNotFound)
	_, err = store.Len(w)
	require.ErrorIs(t, err, ErrWorldlineNotFound)
}

func TestMemoryStoreKeepRecentDropsPatchesButKeepsTriplets(t *testing.T) {
	store := NewMemoryStore(KeepRecentPolicy{Window: 2, CheckpointEvery: 2})
	w := id.NewWarpID([]byte("w"))
	require.NoError(t, store.SetU0(w, U0Ref{WarpID: w}))

	for i := 0; i < 5; i++ {
		triplet := HashTriplet{StateRoot: id.Sum("tick", []byte{byte(i)})}
		require.NoError(t, store.Append(w, samplePatch(w), triplet, nil))
	}

	// Ticks 0, 1, 2 are now swept: the last append is tick 4, so the floor
	// is 4-2+1 = 3.
	_, err := store.Patch(w, 0)
	var hu *HistoryUnavailableError
	require.ErrorAs(t, err, &hu)

	// Tick 4 (the latest) must still be readable.
	_, err = store.Patch(w, 4)
	require.NoError(t, err)

	// Expected (the triplet) must remain available even for swept ticks.
	_, err = store.Expected(w, 0)
	require.NoError(t, err)

	cp, err := store.CheckpointBefore(w, 4)
	require.NoError(t, err)
	require.NotNil(t, cp)
}

func TestMemoryStoreForkCopiesPrefix(t *testing.T) {
	store := NewMemoryStore(nil)
	w := id.NewWarpID([]byte("w"))
	require.NoError(t, store.SetU0(w, U0Ref{WarpID: w}))
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(w, samplePatch(w), HashTriplet{}, nil))
	}

	forked := id.NewWarpID([]byte("forked"))
	require.NoError(t, store.Fork(w, 1, forked))

	n, err := store.Len(forked)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n, "fork up to and including tick 1 copies ticks 0 and 1")

	err = store.Fork(w, 1, forked)
	require.True(t, errors.Is(err, ErrWorldlineAlreadyExists))
}
