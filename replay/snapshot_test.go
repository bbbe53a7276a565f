package replay

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// ToState/InitFromState must round-trip both the occupied rows and the
// in-flight without-replacement sample order, so a restored buffer
// draws the identical next rows the original would have — spec.md §8
// property #3.
func TestSnapshotRoundTripPreservesSampleSequence(t *testing.T) {
	buf, err := New(8, 1)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		require.NoError(t, buf.Add(map[string][]float32{"x": {float32(i)}}, 1))
	}

	// Consume part of the current shuffle so the snapshot captures a
	// buffer mid-permutation, not just a freshly-filled one.
	_, err = buf.Sample(3)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, buf.ToState(&out, 1))

	restored, err := InitFromState(&out)
	require.NoError(t, err)
	require.Equal(t, buf.Size(), restored.Size())
	require.True(t, restored.Full())
	require.Equal(t, buf.NumSample(), restored.NumSample())

	// The remaining 5 entries of the shuffle are identical in both
	// buffers, so every draw up to exhausting it must match exactly.
	for i := 0; i < 5; i++ {
		want, err := buf.Sample(1)
		require.NoError(t, err)
		got, err := restored.Sample(1)
		require.NoError(t, err)
		require.Equal(t, want["x"], got["x"])
	}
}

// A partially-filled (not full) buffer must also round-trip its
// occupied rows and continue accepting new Add calls afterward.
func TestSnapshotRoundTripPartialBuffer(t *testing.T) {
	buf, err := New(8, 7)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, buf.Add(map[string][]float32{"x": {float32(10 + i)}}, 1))
	}

	var out bytes.Buffer
	require.NoError(t, buf.ToState(&out, 7))

	restored, err := InitFromState(&out)
	require.NoError(t, err)
	require.Equal(t, 3, restored.Size())
	require.False(t, restored.Full())

	require.NoError(t, restored.Add(map[string][]float32{"x": {99}}, 1))
	require.Equal(t, 4, restored.Size())

	rows, err := restored.Sample(4)
	require.NoError(t, err)
	require.ElementsMatch(t, []float32{10, 11, 12, 99}, rows["x"])
}
