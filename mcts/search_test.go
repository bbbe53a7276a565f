package mcts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/selfplay/core/game"
)

// E4 — a deterministic 3-action MDP with rewards [-1, 1, 0]; MCTS given
// enough rollouts and a uniform prior must pick the actually-best
// action (index 1) and return a visit-count policy that is a
// probability distribution over the three actions.
func TestSearchPicksBestToyAction(t *testing.T) {
	mdp := game.NewToyMDP([]float32{-1, 1, 0})
	policy := game.ToyPolicy{ActionSpace: 3}

	opt := DefaultOption()
	opt.NumRolloutPerThread = 200
	opt.NumWorkers = 4
	opt.RootDirichletEpsilon = 0 // deterministic test, no exploration noise

	s := New(policy, opt)
	res, err := s.Search(context.Background(), mdp)
	require.NoError(t, err)

	require.Equal(t, 1, res.BestAction.Index)
	require.Len(t, res.Policy, 3)

	var sum float32
	for _, p := range res.Policy {
		require.GreaterOrEqual(t, p, float32(0))
		sum += p
	}
	require.InDelta(t, 1.0, sum, 1e-4)
}

// pickBestRejectionWeighted must always land on a legal index and,
// given a policy sharply peaked on one action, pick that action far
// more often than a uniform one would, per SamplingMCTS's
// exp(p*p*2)-weighted rejection scheme.
func TestPickBestRejectionWeightedFavorsPeakedPolicy(t *testing.T) {
	s := New(game.ToyPolicy{ActionSpace: 3}, DefaultOption())
	children := []NodeID{1, 2, 3}
	policy := []float32{0.9, 0.05, 0.05}

	counts := make(map[int]int)
	for i := 0; i < 500; i++ {
		idx := s.pickBestRejectionWeighted(children, policy)
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, 3)
		counts[idx]++
	}
	require.Greater(t, counts[0], counts[1]+counts[2])
}

// SampleBeforeStepIdx and SamplingMCTS must compose rather than collapse
// into one flag: with SamplingMCTS on, Search still returns a legal
// action and a properly normalized policy even though
// pickBestRejectionWeighted (not pickBest's temperature scheme) chose it.
func TestSearchWithSamplingMCTSOption(t *testing.T) {
	mdp := game.NewToyMDP([]float32{-1, 1, 0})
	policy := game.ToyPolicy{ActionSpace: 3}

	opt := DefaultOption()
	opt.NumRolloutPerThread = 200
	opt.NumWorkers = 4
	opt.RootDirichletEpsilon = 0
	opt.SampleBeforeStepIdx = 1
	opt.SamplingMCTS = true

	s := New(policy, opt)
	res, err := s.Search(context.Background(), mdp)
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.BestAction.Index, 0)
	require.Less(t, res.BestAction.Index, 3)

	var sum float32
	for _, p := range res.Policy {
		sum += p
	}
	require.InDelta(t, 1.0, sum, 1e-4)
}

// A masked two-action-same-logit scenario: two actions sharing an
// action-plane cell must not double the probability mass.
func TestMaskTwoActionSameLogitPreservesUnitMass(t *testing.T) {
	s := New(game.ToyPolicy{ActionSpace: 2}, DefaultOption())
	policy := []float32{0.6, 0.4}
	legal := []game.Action{
		{Plane: 0, Y: 0, X: 0, Index: 0, Hash: 7},
		{Plane: 0, Y: 0, X: 1, Index: 1, Hash: 7}, // same Hash as action 0
	}
	out := s.maskTwoActionSameLogit(policy, legal)
	require.Len(t, out, 2)
	require.InDelta(t, 1.0, out[0]+out[1], 1e-6)
	require.Equal(t, float32(0), out[1])
}
