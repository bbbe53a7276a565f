// Command learner runs the learner/server role: it accepts actor
// connections over the netrpc websocket protocol, folds incoming
// trajectories into the replay buffer, periodically snapshots the
// buffer to disk, and watches the on-disk checkpoint for updates
// written by an external trainer, broadcasting any new weights to
// connected actors as they appear. Grounded on the teacher's
// cmd/train/main.go wiring shape and cmd/infer/main.go's
// load-existing-checkpoint path, recombined around model.Manager's
// network server role instead of a single in-process NN — spec.md's
// Non-goals exclude training of weights, so the learner consumes
// checkpoints rather than producing them.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/selfplay/core/dualnet"
	"github.com/selfplay/core/game"
	"github.com/selfplay/core/mcts"
	"github.com/selfplay/core/model"
	"github.com/selfplay/core/replay"
	"github.com/selfplay/core/selfplay"
)

type CLI struct {
	ModelPath     string        `kong:"default='checkpoint',help='Directory to load the model checkpoint from and snapshot the replay buffer into'"`
	Addr          string        `kong:"default=':8090',help='Listen address for actor connections'"`
	NumReplicas   int           `kong:"default='1',help='Scripted-model replicas behind the ModelManager'"`
	ReplayCap     int           `kong:"default='1048576',help='Replay buffer capacity in rows'"`
	Seed          int64         `kong:"default='1',help='Base RNG seed'"`
	CheckEvery    time.Duration `kong:"default='30s',help='How often to check the checkpoint directory for an external model update'"`
	SnapshotEvery time.Duration `kong:"default='5m',help='How often to snapshot the replay buffer to disk'"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("learner"),
		kong.Description("Learner/server: ingests trajectories from actors and serves model updates written by an external trainer"),
		kong.UsageOnError(),
	)

	logger := log.Default().WithPrefix("cmd.learner")

	g := game.NewChessGame()
	featSz := g.GetFeatureSize()
	actSz := g.GetActionSize()
	nnConf := dualnet.DefaultConf(featSz.H, featSz.W, actSz.C*actSz.H*actSz.W)
	nnConf.Features = featSz.C

	conf := selfplay.Config{
		NNConf:         nnConf,
		MCTSConf:       mcts.DefaultOption(),
		NumReplicas:    cli.NumReplicas,
		ReplayCap:      cli.ReplayCap,
		ReplaySeed:     cli.Seed,
		NumGameThreads: 0,
		PerThreadGames: 0,
		NewGame:        func() game.GameState { return game.NewChessGame() },
	}

	// selfplay.New is used purely to obtain a wired *model.Manager
	// (replicas, replay buffer, act/train channels); with
	// NumGameThreads 0 no batchexec.Executor is ever pushed onto the
	// Context. Engine.Start is not called, so neither self-play games
	// nor the manager's Act/Train consumer loops run here; inbound
	// trajectories reach the replay buffer through StartServer.
	engine, err := selfplay.New(conf)
	kctx.FatalIfErrorf(err)
	mgr := engine.Manager()

	var lastModTime time.Time
	if meta, err := selfplay.LoadMeta(cli.ModelPath); err == nil {
		conf.NNConf = meta.NNConf
		conf.MCTSConf = meta.MCTSConf
		if err := selfplay.LoadCheckpoint(cli.ModelPath, mgr); err != nil {
			logger.Warn("failed to load checkpoint, starting from scratch", "err", err)
		} else {
			logger.Info("loaded checkpoint", "path", cli.ModelPath)
			lastModTime = checkpointModTime(cli.ModelPath)
		}
	}
	if err := loadReplaySnapshot(cli.ModelPath, mgr); err != nil {
		logger.Warn("no replay buffer snapshot loaded, starting empty", "err", err)
	} else {
		logger.Info("loaded replay buffer snapshot", "path", cli.ModelPath, "size", mgr.Replay().Size())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErr := make(chan error, 1)
	go func() { serverErr <- mgr.StartServer(ctx, cli.Addr) }()
	logger.Info("learner listening", "addr", cli.Addr)

	checkTicker := time.NewTicker(cli.CheckEvery)
	defer checkTicker.Stop()
	snapshotTicker := time.NewTicker(cli.SnapshotEvery)
	defer snapshotTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case err := <-serverErr:
			if err != nil {
				logger.Error("learner server exited", "err", err)
			}
			return
		case <-sigCh:
			logger.Info("shutting down")
			cancel()
			if err := snapshotReplay(cli.ModelPath, mgr.Replay(), cli.Seed); err != nil {
				logger.Error("failed to snapshot replay buffer", "err", err)
			}
			return
		case <-snapshotTicker.C:
			if err := snapshotReplay(cli.ModelPath, mgr.Replay(), cli.Seed); err != nil {
				logger.Error("failed to snapshot replay buffer", "err", err)
				continue
			}
			logger.Info("snapshotted replay buffer", "size", mgr.Replay().Size())
		case <-checkTicker.C:
			modTime := checkpointModTime(cli.ModelPath)
			if modTime.IsZero() || !modTime.After(lastModTime) {
				continue
			}
			if err := selfplay.LoadCheckpoint(cli.ModelPath, mgr); err != nil {
				logger.Error("failed to reload updated checkpoint", "err", err)
				continue
			}
			lastModTime = modTime
			logger.Info("reloaded and broadcast updated checkpoint", "path", cli.ModelPath)
		}
	}
}

// checkpointModTime returns checkpoint.model's mtime inside dirName, or
// the zero time if it cannot be stat'd.
func checkpointModTime(dirName string) time.Time {
	info, err := os.Stat(selfplay.ModelFilePath(dirName))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// snapshotReplay persists the replay buffer's current contents next to
// the checkpoint directory, the "replay-buffer snapshots" persistence
// spec.md explicitly keeps in scope.
func snapshotReplay(dirName string, buf *replay.Buffer, seed int64) error {
	f, err := os.OpenFile(selfplay.ReplaySnapshotPath(dirName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return buf.ToState(f, seed)
}

// loadReplaySnapshot reloads a prior snapshotReplay write into mgr, so
// a restarted learner resumes sampling instead of starting empty.
func loadReplaySnapshot(dirName string, mgr *model.Manager) error {
	f, err := os.Open(selfplay.ReplaySnapshotPath(dirName))
	if err != nil {
		return err
	}
	defer f.Close()
	return mgr.LoadReplaySnapshot(f)
}
