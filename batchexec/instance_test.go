package batchexec

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/selfplay/core/game"
	"github.com/selfplay/core/tube"
)

// finalValuesFor must tally a draw-counter increment on a tied outcome
// (spec.md §3's GameInstance "draw counter") and leave it untouched on
// a decisive result or a resignation.
func TestFinalValuesForIncrementsDrawCountOnTie(t *testing.T) {
	r := rand.New(rand.NewSource(1))

	tie := newGameInstance(game.NewToyMDP([]float32{0, 0, 0}), r)
	tie.state.Forward(0)
	finalValuesFor(tie)
	require.Equal(t, 1, tie.drawCount)

	win := newGameInstance(game.NewToyMDP([]float32{1, 1, 1}), r)
	win.state.Forward(0)
	finalValuesFor(win)
	require.Equal(t, 0, win.drawCount)

	resigned := newGameInstance(game.NewToyMDP([]float32{0, 0, 0}), r)
	resigned.resigned = true
	resigned.resignedSlot = 0
	finalValuesFor(resigned)
	require.Equal(t, 0, resigned.drawCount)
}

// advanceShadow must replay the move history accumulated so far into a
// freshly-built shadow engine, then keep stepping it in lockstep with
// every subsequent move, so a shadow built mid-game (after an opening
// prefix) still ends up on the same ply as the authoritative state.
func TestAdvanceShadowKeepsLockstepAfterPrefix(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	g := newGameInstance(game.NewToyMDP([]float32{-1, 1, 0}), r)

	// Simulate a random opening prefix already having been played.
	g.moves = append(g.moves, game.Action{Index: 1})

	newShadow := func() game.GameState { return game.NewToyMDP([]float32{-1, 1, 0}) }

	shadow := g.ensureShadow(0, newShadow)
	require.NotNil(t, shadow)
	require.True(t, shadow.Terminated(), "shadow must replay the existing move history on creation")

	require.Nil(t, g.ensureShadow(1, nil))

	// advanceShadow on an unconfigured slot must not panic.
	g.advanceShadow(1, nil, 0)
}

// pushEpisode must backfill predictPi/predictPiMask/predictEndState
// predictNStates plies ahead (clamped to the last ply) when enabled,
// and push them into the corresponding trajectories.
func TestPushEpisodeBackfillsPredictColumns(t *testing.T) {
	recs := []stepRecord{
		{feature: []float32{0}, pi: []float32{1, 0}, piMask: []float32{1, 1}, predV: 0.1},
		{feature: []float32{1}, pi: []float32{0, 1}, piMask: []float32{1, 1}, predV: 0.2},
		{feature: []float32{2}, pi: []float32{0.5, 0.5}, piMask: []float32{1, 1}, predV: 0.3},
	}

	feature := tube.NewEpisodicTrajectory(1)
	pi := tube.NewEpisodicTrajectory(2)
	piMask := tube.NewEpisodicTrajectory(2)
	actionPi := tube.NewEpisodicTrajectory(1)
	v := tube.NewEpisodicTrajectory(1)
	predV := tube.NewEpisodicTrajectory(1)
	predictPi := tube.NewEpisodicTrajectory(2)
	predictPiMask := tube.NewEpisodicTrajectory(2)
	predictEndState := tube.NewEpisodicTrajectory(1)

	pushEpisode(recs, 1, false, true, 1, feature, pi, piMask, actionPi, v, predV, predictPi, predictPiMask, predictEndState)

	require.Equal(t, []float32{0, 1}, recs[0].predictPi, "ply 0 predicts ply 1's policy")
	require.Equal(t, []float32{0.5, 0.5}, recs[1].predictPi, "ply 1 predicts ply 2's policy (the last ply)")
	require.Equal(t, []float32{0.5, 0.5}, recs[2].predictPi, "the last ply predicts itself")
	for i := range recs {
		require.Equal(t, []float32{2}, recs[i].predictEndState, "every ply predicts the terminal features")
	}

	// PrepareForSend pops the most-recently pushed row (LIFO), so the
	// first row popped is ply 2's (the episode's last-pushed record).
	row := make([]float32, 2)
	require.True(t, predictPi.PrepareForSend(row))
	require.Equal(t, []float32{0.5, 0.5}, row)
}
