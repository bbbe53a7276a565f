package mcts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/selfplay/core/game"
)

// twoPlyMDP is a deterministic 2-ply fixture (unlike game.ToyMDP, which
// terminates after one move): from the root, each of 2 actions reaches
// a non-terminal depth-1 state, whose 2 actions each reach a terminal
// leaf.
// Needed because RNN state is only threaded through expand's
// non-terminal branch, so a single-ply fixture would never exercise it
// below the root.
type twoPlyMDP struct {
	step int
	acts []int
}

func (m *twoPlyMDP) Initialize()        {}
func (m *twoPlyMDP) Reset()             { m.step = 0; m.acts = nil }
func (m *twoPlyMDP) Clone() game.GameState {
	cp := *m
	cp.acts = append([]int(nil), m.acts...)
	return &cp
}
func (m *twoPlyMDP) CurrentPlayer() int { return 0 }
func (m *twoPlyMDP) Status() game.Status {
	if m.step < 2 {
		return game.P0Turn
	}
	return game.P0Win
}
func (m *twoPlyMDP) Terminated() bool { return m.step >= 2 }
func (m *twoPlyMDP) LegalActions() []game.Action {
	if m.step >= 2 {
		return nil
	}
	return []game.Action{
		{Plane: 0, Y: 0, X: 0, Index: 0, Hash: uint64(m.step)*10 + 0},
		{Plane: 0, Y: 0, X: 1, Index: 1, Hash: uint64(m.step)*10 + 1},
	}
}
func (m *twoPlyMDP) Forward(actionIndex int) bool {
	if m.step >= 2 {
		return false
	}
	m.acts = append(m.acts, actionIndex)
	m.step++
	return true
}
func (m *twoPlyMDP) GetFeatures() []float32       { return []float32{float32(m.step)} }
func (m *twoPlyMDP) GetFeatureSize() game.Size     { return game.Size{C: 1, H: 1, W: 1} }
func (m *twoPlyMDP) GetRawFeatures() []float32     { return m.GetFeatures() }
func (m *twoPlyMDP) GetRawFeatureSize() game.Size  { return m.GetFeatureSize() }
func (m *twoPlyMDP) GetActionSize() game.Size      { return game.Size{C: 1, H: 1, W: 2} }
func (m *twoPlyMDP) GetReward(player int) float32  {
	if m.step < 2 {
		return 0
	}
	return 1
}
func (m *twoPlyMDP) GetStepIdx() int { return m.step }
func (m *twoPlyMDP) GetMoves() []game.Action {
	out := make([]game.Action, len(m.acts))
	for i, a := range m.acts {
		out[i] = game.Action{Index: a}
	}
	return out
}
func (m *twoPlyMDP) History() string                         { return "" }
func (m *twoPlyMDP) GetRandomRolloutReward(player int) float32 { return 0 }
func (m *twoPlyMDP) IsStochastic() bool                       { return false }
func (m *twoPlyMDP) StochasticReset()                         {}
func (m *twoPlyMDP) OverrideAction() *int                     { return nil }

// toyRNNPolicy is a minimal RNNEvaluator fixture: it increments a
// 1-wide hidden state by one on every call, so a test can assert that
// each expanded node's stored state reflects one more step than its
// parent's.
type toyRNNPolicy struct {
	actionSpace int
}

func (p toyRNNPolicy) Infer(state game.GameState) ([]float32, float32) {
	policy, value, _ := p.InferRNN(state, nil)
	return policy, value
}

func (p toyRNNPolicy) InferRNN(_ game.GameState, rnnIn []float32) (policy []float32, value float32, rnnOut []float32) {
	policy = make([]float32, p.actionSpace)
	prob := float32(1) / float32(p.actionSpace)
	for i := range policy {
		policy[i] = prob
	}
	h := float32(0)
	if len(rnnIn) == 1 {
		h = rnnIn[0]
	}
	return policy, 0, []float32{h + 1}
}

// A Searcher whose Evaluator implements RNNEvaluator must thread each
// node's hidden state down from its parent (nil at the root) and store
// the updated state on the node it just expanded.
func TestExpandThreadsRNNStateFromParent(t *testing.T) {
	mdp := &twoPlyMDP{}
	policy := toyRNNPolicy{actionSpace: 2}

	opt := DefaultOption()
	opt.NumRolloutPerThread = 50
	opt.NumWorkers = 2
	opt.RootDirichletEpsilon = 0

	s := New(policy, opt)
	_, err := s.Search(context.Background(), mdp)
	require.NoError(t, err)

	root := s.Storage().Node(s.Root())
	require.Equal(t, []float32{1}, root.RNNState(), "root has no parent state, so its own hidden state starts at 1")

	root.mu.Lock()
	children := append([]NodeID(nil), root.children...)
	root.mu.Unlock()
	require.NotEmpty(t, children)

	var sawDepthTwo bool
	for _, id := range children {
		child := s.Storage().Node(id)
		if state := child.RNNState(); state != nil {
			require.Equal(t, []float32{2}, state, "a child expanded below the root must carry the root's hidden state forward")
			sawDepthTwo = true
		}
	}
	require.True(t, sawDepthTwo, "at least one depth-1 child should have been expanded given 50 rollouts")
}

// A plain (non-recurrent) Evaluator must never touch Node.rnnState.
func TestExpandLeavesRNNStateNilWithoutRNNEvaluator(t *testing.T) {
	mdp := game.NewToyMDP([]float32{-1, 1, 0})
	policy := game.ToyPolicy{ActionSpace: 3}

	opt := DefaultOption()
	opt.NumRolloutPerThread = 20
	opt.NumWorkers = 1
	opt.RootDirichletEpsilon = 0

	s := New(policy, opt)
	_, err := s.Search(context.Background(), mdp)
	require.NoError(t, err)

	root := s.Storage().Node(s.Root())
	require.Nil(t, root.RNNState())
}
