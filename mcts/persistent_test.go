package mcts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/selfplay/core/game"
)

// E6 — PersistentTree.Advance must promote the child matching the
// played action to root and discard every sibling subtree, instead of
// throwing away the whole tree the way a fresh Searcher would.
func TestPersistentTreeAdvanceReusesMatchingChild(t *testing.T) {
	mdp := game.NewToyMDP([]float32{-1, 1, 0})
	policy := game.ToyPolicy{ActionSpace: 3}

	opt := DefaultOption()
	opt.NumRolloutPerThread = 50
	opt.NumWorkers = 2
	opt.RootDirichletEpsilon = 0

	s := New(policy, opt)
	_, err := s.Search(context.Background(), mdp)
	require.NoError(t, err)

	oldRoot := s.Root()
	root := s.Storage().Node(oldRoot)

	var wantChild NodeID = NoNode
	for _, id := range root.children {
		if s.Storage().Node(id).Action().Index == 1 {
			wantChild = id
			break
		}
	}
	require.NotEqual(t, NoNode, wantChild)

	pt := NewPersistentTree(s)
	pt.Advance(1)

	require.Equal(t, wantChild, s.Root())
	require.Equal(t, 1, s.Storage().Node(s.Root()).Action().Index)
}

// When the played action doesn't match any child the root was expanded
// with (e.g. a stochastic reset changed the legal actions underneath
// it), Advance falls back to a full reset rather than leaving the
// caller pointed at a stale or mismatched subtree.
func TestPersistentTreeAdvanceResetsOnNoMatch(t *testing.T) {
	mdp := game.NewToyMDP([]float32{-1, 1, 0})
	policy := game.ToyPolicy{ActionSpace: 3}

	opt := DefaultOption()
	opt.NumRolloutPerThread = 20
	opt.NumWorkers = 1
	opt.RootDirichletEpsilon = 0

	s := New(policy, opt)
	_, err := s.Search(context.Background(), mdp)
	require.NoError(t, err)
	require.NotEqual(t, NoNode, s.Root())

	pt := NewPersistentTree(s)
	pt.Advance(99) // no child was expanded with this action index

	require.Equal(t, NoNode, s.Root())
}

// Advance on a never-searched Searcher is a no-op: there is no root to
// promote a child under.
func TestPersistentTreeAdvanceNoRootIsNoop(t *testing.T) {
	s := New(game.ToyPolicy{ActionSpace: 3}, DefaultOption())
	pt := NewPersistentTree(s)
	pt.Advance(0)
	require.Equal(t, NoNode, s.Root())
}
