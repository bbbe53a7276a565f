package selfplay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/selfplay/core/dualnet"
	"github.com/selfplay/core/mcts"
	"github.com/selfplay/core/model"
	"github.com/selfplay/core/netrpc"
)

func tinyNNConf() dualnet.Config {
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

// SaveCheckpoint/LoadMeta/LoadCheckpoint must round-trip both the
// meta.json side (NNConf/MCTSConf) and the gob-encoded weights,
// mirroring the teacher's SaveAZ/Load pair.
func TestSaveAndLoadCheckpointRoundTrips(t *testing.T) {
	dir := t.TempDir()

	conf := Config{NNConf: tinyNNConf(), MCTSConf: mcts.DefaultOption()}
	mgr, err := model.NewManager(conf.managerConfig())
	require.NoError(t, err)

	require.NoError(t, SaveCheckpoint(dir, conf, mgr))

	meta, err := LoadMeta(dir)
	require.NoError(t, err)
	require.Equal(t, conf.NNConf, meta.NNConf)
	require.Equal(t, conf.MCTSConf, meta.MCTSConf)

	mgr2, err := model.NewManager(conf.managerConfig())
	require.NoError(t, err)
	require.NoError(t, LoadCheckpoint(dir, mgr2))

	// StateDictWire's order follows a map iteration internally, so
	// compare by tensor name rather than slice order.
	require.Equal(t, wireByName(mgr.StateDictWire()), wireByName(mgr2.StateDictWire()))
}

func wireByName(sd []netrpc.TensorWire) map[string]netrpc.TensorWire {
	out := make(map[string]netrpc.TensorWire, len(sd))
	for _, t := range sd {
		out[t.Name] = t
	}
	return out
}

// LoadCheckpoint on a directory with no checkpoint.model must fail
// rather than silently leaving the manager's weights untouched.
func TestLoadCheckpointMissingFileErrors(t *testing.T) {
	dir := t.TempDir()
	conf := Config{NNConf: tinyNNConf(), MCTSConf: mcts.DefaultOption()}
	mgr, err := model.NewManager(conf.managerConfig())
	require.NoError(t, err)

	require.Error(t, LoadCheckpoint(dir, mgr))
}
