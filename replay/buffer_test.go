package replay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// E3 — Replay buffer round trip: capacity 8, seed 1; add 10 rows keyed
// "x" with sequential values 0..9; sample(4) returns 4 distinct rows
// drawn from {2,3,4,5,6,7,8,9} (the first two were overwritten).
func TestBufferRoundTrip(t *testing.T) {
	buf, err := New(8, 1)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, buf.Add(map[string][]float32{"x": {float32(i)}}, 1))
	}
	require.Equal(t, 8, buf.Size())
	require.True(t, buf.Full())
	require.Equal(t, int64(10), buf.NumAdd())

	out, err := buf.Sample(4)
	require.NoError(t, err)
	rows := out["x"]
	require.Len(t, rows, 4)

	seen := make(map[float32]bool)
	for _, v := range rows {
		require.False(t, seen[v], "sample without replacement must not repeat a row")
		seen[v] = true
		require.GreaterOrEqual(t, v, float32(2))
		require.LessOrEqual(t, v, float32(9))
	}
	require.Equal(t, int64(4), buf.NumSample())
}

func TestBufferReshufflesOnceExhausted(t *testing.T) {
	buf, err := New(4, 7)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, buf.Add(map[string][]float32{"x": {float32(i)}}, 1))
	}

	for round := 0; round < 3; round++ {
		out, err := buf.Sample(4)
		require.NoError(t, err)
		require.Len(t, out["x"], 4)
	}
}
