// Command selfplay runs a self-play worker: it drives NumGameThreads
// concurrent batches of games against a local (or learner-fed)
// model.Manager, streaming finished trajectories to the train channel.
// Grounded on the teacher's cmd/train/main.go wiring shape (flag
// parsing -> agogo.Config -> agogo.New -> run), replacing its flag
// package and single-process HDFS upload pipeline with a kong CLI
// (lox-pokerforbots/cmd/*/main.go's idiom) and selfplay.Engine.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/selfplay/core/dualnet"
	"github.com/selfplay/core/game"
	"github.com/selfplay/core/mcts"
	"github.com/selfplay/core/selfplay"
)

// CLI is the selfplay worker's command-line surface, following
// lox-pokerforbots/cmd/server/main.go's kong-struct-tag convention.
type CLI struct {
	ModelPath      string `kong:"default='checkpoint',help='Directory to load/save the model checkpoint'"`
	NumReplicas    int    `kong:"default='2',help='Scripted-model replicas behind the ModelManager'"`
	NumGameThreads int    `kong:"default='4',help='Concurrent batchexec.Executor game threads'"`
	PerThreadGames int    `kong:"default='16',help='Games each game thread drives concurrently'"`
	ReplayCap      int    `kong:"default='1048576',help='Replay buffer capacity in rows'"`
	MaxRewinds     int    `kong:"default='2',help='Maximum rewinds per game (spec.md 4.7 point 6)'"`
	ForwardPlayer  bool   `kong:"default='false',help='Drive board slot 1 with the forward-only policy-gradient player'"`
	Seed           int64  `kong:"default='1',help='Base RNG seed'"`
	LearnerURL     string `kong:"help='Upstream learner websocket URL; omit to run fully local'"`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("selfplay"),
		kong.Description("Self-play worker: plays games and streams trajectories to the train channel"),
		kong.UsageOnError(),
	)

	logger := log.Default().WithPrefix("cmd.selfplay")

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
		NumGameThreads: cli.NumGameThreads,
		PerThreadGames: cli.PerThreadGames,
		MaxRewinds:     cli.MaxRewinds,
		ForwardPlayer:  cli.ForwardPlayer,
		Temperature:    1,
		NewGame:        func() game.GameState { return game.NewChessGame() },
	}

	engine, err := selfplay.New(conf)
	kctx.FatalIfErrorf(err)

	if meta, err := selfplay.LoadMeta(cli.ModelPath); err == nil {
		conf.NNConf = meta.NNConf
		conf.MCTSConf = meta.MCTSConf
		if err := selfplay.LoadCheckpoint(cli.ModelPath, engine.Manager()); err != nil {
			logger.Warn("failed to load checkpoint, starting from scratch", "err", err)
		} else {
			logger.Info("loaded checkpoint", "path", cli.ModelPath)
		}
	}

	if cli.LearnerURL != "" {
		if err := engine.Manager().StartClient(cli.LearnerURL, false); err != nil {
			kctx.FatalIfErrorf(err)
		}
		logger.Info("connected to learner", "url", cli.LearnerURL)
	}

	logger.Info("starting self-play",
		"num_replicas", cli.NumReplicas,
		"num_game_threads", cli.NumGameThreads,
		"per_thread_games", cli.PerThreadGames,
	)
	engine.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	engine.Terminate()
	logger.Info(engine.StatsString())

	if cli.LearnerURL == "" {
		if err := selfplay.SaveCheckpoint(cli.ModelPath, conf, engine.Manager()); err != nil {
			logger.Error("failed to save checkpoint", "err", err)
		}
	}
}
