package selfplay

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/selfplay/core/actor"
	"github.com/selfplay/core/batchexec"
	"github.com/selfplay/core/model"
	"github.com/selfplay/core/tube"
)

// Engine is the top-level self-play process (spec.md §5): a
// model.Manager fed by NumReplicas act threads and one train thread,
// driving NumGameThreads batchexec.Executors under a single
// tube.Context. Grounded on the teacher's agogo.AZ, with AZ.LearnAZ's
// sequential "self-play episode, then train" loop replaced by the
// always-running producer/consumer pipeline spec.md §4/§5 describe.
type Engine struct {
	conf Config
	mgr  *model.Manager
	ctx  *tube.Context

	logger *log.Logger
}

// New builds an Engine: a model.Manager sized per conf, one *actor.Actor
// per board slot (slot 0 on replica 0's act channel, slot 1 on replica
// 1's when there is more than one replica, else replica 0's), and conf.NumGameThreads
// batchexec.Executors each driving conf.PerThreadGames concurrent games,
// all registered with a fresh tube.Context (not yet started).
func New(conf Config) (*Engine, error) {
	mgr, err := model.NewManager(conf.managerConfig())
	if err != nil {
		return nil, fmt.Errorf("selfplay: new manager: %w", err)
	}

	e := &Engine{
		conf:   conf,
		mgr:    mgr,
		ctx:    tube.NewContext(),
		logger: log.Default().WithPrefix("selfplay"),
	}

	if err := e.buildGameThreads(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) buildGameThreads() error {
	p0, err := actor.New(e.mgr, 0, e.conf.NNConf, /*priority*/ 1<<20, true, true)
	if err != nil {
		return fmt.Errorf("selfplay: slot 0 actor: %w", err)
	}

	players := [2]batchexec.PlayerSpec{
		{Kind: batchexec.KindMCTS, Act: p0, Opt: e.conf.MCTSConf},
	}

	replicaForSlot1 := 0
	if e.mgr.NumReplicas() > 1 {
		replicaForSlot1 = 1
	}
	p1, err := actor.New(e.mgr, replicaForSlot1, e.conf.NNConf, 1<<20, true, true)
	if err != nil {
		return fmt.Errorf("selfplay: slot 1 actor: %w", err)
	}
	if e.conf.ForwardPlayer {
		players[1] = batchexec.PlayerSpec{Kind: batchexec.KindForward, Act: p1, Temperature: e.conf.Temperature}
	} else {
		players[1] = batchexec.PlayerSpec{Kind: batchexec.KindMCTS, Act: p1, Opt: e.conf.MCTSConf}
	}

	trainDispatcher, err := tube.NewDispatcher(e.mgr.TrainChannel(),
		[]tube.DataBlock{
			tube.NewDataBlock("feature", e.conf.NNConf.Features*e.conf.NNConf.Height*e.conf.NNConf.Width),
			tube.NewDataBlock("pi", e.conf.NNConf.ActionSpace),
			tube.NewDataBlock("pi_mask", e.conf.NNConf.ActionSpace),
			tube.NewDataBlock("v", 1),
		},
		[]tube.DataBlock{tube.NewDataBlock("ack", 1)},
	)
	if err != nil {
		return fmt.Errorf("selfplay: train dispatcher: %w", err)
	}

	for t := 0; t < e.conf.NumGameThreads; t++ {
		exec := batchexec.New(batchexec.Config{
			PerThreadBatchSize: e.conf.PerThreadGames,
			MaxRewinds:         e.conf.MaxRewinds,
			ActionSpace:        e.conf.NNConf.ActionSpace,
			Players:            players,
			NewGame:            e.conf.NewGame,
			TrainDispatcher:    trainDispatcher,
			Seed:               e.conf.ReplaySeed + int64(t),
		})
		e.ctx.PushEnvThread(exec)
	}
	return nil
}

// Start launches every act/train consumer goroutine plus the
// Context's registered game threads.
func (e *Engine) Start() {
	for i := 0; i < e.mgr.NumReplicas(); i++ {
		go e.mgr.ActThread(i)
	}
	go e.mgr.TrainThread()
	e.ctx.Start()
}

// Terminate stops every game thread and waits for them to exit.
func (e *Engine) Terminate() { e.ctx.Terminate() }

// StatsString renders the owned Context's aggregated per-thread stats.
func (e *Engine) StatsString() string { return e.ctx.StatsString() }

// Manager exposes the underlying model.Manager, e.g. so a learner
// binary can drive UpdateModel/StartServer directly.
func (e *Engine) Manager() *model.Manager { return e.mgr }
