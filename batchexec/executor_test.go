package batchexec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/selfplay/core/actor"
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

// A forward-only-only executor over game.ToyMDP (a single-ply,
// single-player fixture) must keep replenishing finished slots and
// recording a "game_length" stat for each one, exercising
// step/stepForward/finishTerminated/freshGame end to end without
// needing an mcts.Searcher or a DataChannel consumer goroutine (forward
// mode calls model.Manager.BatchAct directly).
func TestExecutorForwardOnlyReplaysToyGames(t *testing.T) {
	conf := tinyConf()
	mgr, err := model.NewManager(model.Config{Net: conf, NumReplicas: 1, ReplayCap: 64, ReplaySeed: 1})
	require.NoError(t, err)

	act, err := actor.New(mgr, 0, conf, 0, true, true)
	require.NoError(t, err)

	players := [2]PlayerSpec{
		{Kind: KindForward, Act: act, Temperature: 1},
		{Kind: KindForward, Act: act, Temperature: 1},
	}

	exec := New(Config{
		PerThreadBatchSize: 4,
		MaxRewinds:         0,
		ActionSpace:        conf.ActionSpace,
		Players:            players,
		NewGame:            func() game.GameState { return game.NewToyMDP([]float32{-1, 1, 0}) },
		Seed:               2,
	})

	done := make(chan struct{})
	go func() {
		exec.MainLoop()
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	var played float64
	for time.Now().Before(deadline) {
		if st, ok := exec.Stats()["game_length"]; ok && st.Count > 0 {
			played = st.Count
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	exec.Terminate()
	<-done

	require.Greater(t, played, 0.0)
}
