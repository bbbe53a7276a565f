// Package selfplay wires the ModelManager, the batch executors, and a
// tube.Context into the single top-level Engine spec.md §5 describes,
// plus the checkpoint format the learner and actor binaries share.
// Grounded on the teacher's agogo.go (AZ, MetaData, SaveAZ/Load), with
// Arena's single in-process self-play loop replaced by N Context-owned
// batchexec.Executors feeding a model.Manager over DataChannels.
package selfplay

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/selfplay/core/dualnet"
	"github.com/selfplay/core/game"
	"github.com/selfplay/core/mcts"
	"github.com/selfplay/core/model"
	"github.com/selfplay/core/netrpc"
)

const (
	metaFile   = "meta.json"
	modelFile  = "checkpoint.model"
	replayFile = "replay.snapshot"
)

// ModelFilePath returns the path SaveCheckpoint/LoadCheckpoint use for
// the gob-encoded weights inside dirName, exported so callers can watch
// it for external updates (e.g. the learner binary's reload loop).
func ModelFilePath(dirName string) string { return filepath.Join(dirName, modelFile) }

// ReplaySnapshotPath returns the path a replay.Buffer snapshot should be
// written to/read from inside dirName.
func ReplaySnapshotPath(dirName string) string { return filepath.Join(dirName, replayFile) }

// MetaData is the JSON-serialized sibling of the gob-encoded weights,
// matching the teacher's agogo.MetaData field-for-field.
type MetaData struct {
	NNConf   dualnet.Config `json:"nn_conf"`
	MCTSConf mcts.Option    `json:"mcts_conf"`
}

// Config bundles everything Engine needs: the network/replay/manager
// shape, per-thread game-thread counts, and the two players' search
// options (spec.md §4.7's two-slot PlayerSpec, resolved here into
// batchexec.PlayerSpec once an Engine's Actors exist).
type Config struct {
	NNConf   dualnet.Config
	MCTSConf mcts.Option

	NumReplicas    int
	ReplayCap      int
	ReplaySeed     int64
	NumGameThreads int
	PerThreadGames int
	MaxRewinds     int

	NewGame func() game.GameState

	// ForwardPlayer, if true, drives slot 1 with the forward-only
	// (policy-gradient) path instead of a second MCTS searcher, per
	// spec.md §4.7 point 7.
	ForwardPlayer bool
	Temperature   float32

	ListenAddr string // learner's network address, empty to stay local
	LearnerURL string // actor's upstream learner address, empty to stay local
}

// managerConfig converts Config's network-shaped fields into the
// model.Config NewManager expects.
func (c Config) managerConfig() model.Config {
	return model.Config{
		Net:         c.NNConf,
		NumReplicas: c.NumReplicas,
		ReplayCap:   c.ReplayCap,
		ReplaySeed:  c.ReplaySeed,
	}
}

// SaveCheckpoint writes dirName/meta.json and dirName/checkpoint.model
// from mgr's replica-0 weights, mirroring the teacher's AZ.SaveAZ.
func SaveCheckpoint(dirName string, conf Config, mgr *model.Manager) error {
	if err := os.MkdirAll(dirName, 0755); err != nil {
		return fmt.Errorf("selfplay: mkdir checkpoint dir: %w", err)
	}

	meta := MetaData{NNConf: conf.NNConf, MCTSConf: conf.MCTSConf}
	metaBytes, err := json.MarshalIndent(meta, "", "\t")
	if err != nil {
		return fmt.Errorf("selfplay: marshal meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dirName, metaFile), metaBytes, 0644); err != nil {
		return fmt.Errorf("selfplay: write meta: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dirName, modelFile), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("selfplay: open checkpoint model: %w", err)
	}
	defer f.Close()

	sd := mgr.StateDictWire()
	if err := gob.NewEncoder(f).Encode(sd); err != nil {
		return fmt.Errorf("selfplay: encode checkpoint: %w", err)
	}
	return nil
}

// LoadMeta reads dirName/meta.json into a Config's NN/MCTS fields,
// mirroring the teacher's package-level Load's metaPath read.
func LoadMeta(dirName string) (MetaData, error) {
	var meta MetaData
	b, err := os.ReadFile(filepath.Join(dirName, metaFile))
	if err != nil {
		return meta, fmt.Errorf("selfplay: read meta: %w", err)
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return meta, fmt.Errorf("selfplay: unmarshal meta: %w", err)
	}
	return meta, nil
}

// LoadCheckpoint decodes dirName/checkpoint.model's gob-encoded
// state dict and applies it to mgr via UpdateModel, mirroring the
// teacher's AZ.Load.
func LoadCheckpoint(dirName string, mgr *model.Manager) error {
	f, err := os.Open(filepath.Join(dirName, modelFile))
	if err != nil {
		return fmt.Errorf("selfplay: open checkpoint model: %w", err)
	}
	defer f.Close()

	var sd []netrpc.TensorWire
	if err := gob.NewDecoder(f).Decode(&sd); err != nil {
		return fmt.Errorf("selfplay: decode checkpoint: %w", err)
	}
	return mgr.LoadWireStateDict("checkpoint", sd)
}
