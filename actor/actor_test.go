package actor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/selfplay/core/dualnet"
	"github.com/selfplay/core/game"
	"github.com/selfplay/core/model"
)

func tinyConf() dualnet.Config {
	return dualnet.Config{
		K:            1,
		SharedLayers: 0,
		FC:           2,
		BatchSize:    4,
		Width:        1,
		Height:       1,
		Features:     1,
		ActionSpace:  3,
	}
}

// Infer's single-evaluate path dispatches a feature row through the act
// DataChannel an ActThread goroutine consumes; the returned policy must
// sum to 1 over the legal actions.
func TestActorInferDispatchesThroughManager(t *testing.T) {
	conf := tinyConf()
	mgr, err := model.NewManager(model.Config{Net: conf, NumReplicas: 1, ReplayCap: 4, ReplaySeed: 1})
	require.NoError(t, err)
	go mgr.ActThread(0)

	a, err := New(mgr, 0, conf, 0, true, true)
	require.NoError(t, err)

	mdp := game.NewToyMDP([]float32{-1, 1, 0})
	policy, _ := a.Infer(mdp)
	require.Len(t, policy, conf.ActionSpace)

	var sum float32
	for _, p := range policy {
		sum += p
	}
	require.InDelta(t, 1.0, sum, 1e-3)
}

// Infer with usePolicy=false and useValue=false must return a uniform
// policy without ever touching the DataChannel (no consumer goroutine
// is started).
func TestActorInferUniformPolicyWithoutValue(t *testing.T) {
	conf := tinyConf()
	mgr, err := model.NewManager(model.Config{Net: conf, NumReplicas: 1, ReplayCap: 4, ReplaySeed: 1})
	require.NoError(t, err)

	a, err := New(mgr, 0, conf, 0, false, false)
	require.NoError(t, err)

	mdp := game.NewToyMDP([]float32{-1, 1, 0})
	policy, value := a.Infer(mdp)
	require.Equal(t, []float32{1.0 / 3, 1.0 / 3, 1.0 / 3}, policy)
	// the rollout value averages the three rewards {-1, 1, 0}, which
	// is 0.
	require.Equal(t, float32(0), value)
}

// BatchEvaluate drives model.Manager.BatchAct synchronously (no
// DataChannel/consumer goroutine needed) and Result reads back each
// row's policy/value.
func TestActorBatchEvaluateRoundTrip(t *testing.T) {
	conf := tinyConf()
	mgr, err := model.NewManager(model.Config{Net: conf, NumReplicas: 1, ReplayCap: 4, ReplaySeed: 1})
	require.NoError(t, err)

	a, err := New(mgr, 0, conf, 0, true, true)
	require.NoError(t, err)

	states := []game.GameState{
		game.NewToyMDP([]float32{-1, 1, 0}),
		game.NewToyMDP([]float32{1, -1, 0}),
	}
	a.BatchResize(len(states))
	for i, s := range states {
		a.Prepare(i, s)
	}
	require.NoError(t, a.BatchEvaluate(len(states)))

	for i := range states {
		pi := make([]float32, conf.ActionSpace)
		_ = a.Result(i, pi)
		require.Len(t, pi, conf.ActionSpace)
	}
	require.Greater(t, a.BatchTimingMs(), 0.0)
}

// collapseValue must softmax a 3-logit {win, lose, draw} head and
// return p(win) - p(lose), per spec.md §4.6, instead of passing a raw
// logit through unchanged.
func TestCollapseValueSoftmaxesLogitHead(t *testing.T) {
	require.Equal(t, float32(0), collapseValue([]float32{0, 0, 0}))

	got := collapseValue([]float32{2, 0, 0})
	require.Greater(t, got, float32(0))
	require.Less(t, got, float32(1))

	// A scalar head passes through unchanged.
	require.Equal(t, float32(0.42), collapseValue([]float32{0.42}))
}

// With dualnet.Config.LogitValue set, BatchEvaluate/Result must carry
// 3 values per row through the act DataChannel's "v" block and collapse
// them via softmax rather than returning a bare logit.
func TestActorResultCollapsesLogitValueHead(t *testing.T) {
	conf := tinyConf()
	conf.LogitValue = true
	mgr, err := model.NewManager(model.Config{Net: conf, NumReplicas: 1, ReplayCap: 4, ReplaySeed: 1})
	require.NoError(t, err)

	a, err := New(mgr, 0, conf, 0, true, true)
	require.NoError(t, err)

	states := []game.GameState{game.NewToyMDP([]float32{-1, 1, 0})}
	a.BatchResize(len(states))
	a.Prepare(0, states[0])
	require.NoError(t, a.BatchEvaluate(len(states)))

	pi := make([]float32, conf.ActionSpace)
	v := a.Result(0, pi)
	require.GreaterOrEqual(t, v, float32(-1))
	require.LessOrEqual(t, v, float32(1))
}

// Evaluate(states) is the API surface spec.md §9 marks unreachable.
func TestActorEvaluatePanics(t *testing.T) {
	conf := tinyConf()
	mgr, err := model.NewManager(model.Config{Net: conf, NumReplicas: 1, ReplayCap: 4, ReplaySeed: 1})
	require.NoError(t, err)
	a, err := New(mgr, 0, conf, 0, true, true)
	require.NoError(t, err)

	require.PanicsWithError(t, ErrUnreachable.Error(), func() {
		_, _, _ = a.Evaluate(nil)
	})
}
