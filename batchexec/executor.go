package batchexec

import (
	"context"
	"math"
	"math/rand"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/selfplay/core/actor"
	"github.com/selfplay/core/game"
	"github.com/selfplay/core/mcts"
	"github.com/selfplay/core/priority"
	"github.com/selfplay/core/tube"
)

// PlayerKind distinguishes a full MCTS searcher from a forward-only
// (policy-gradient) player per spec.md §4.7 point 7.
type PlayerKind int

const (
	KindMCTS PlayerKind = iota
	KindForward
)

// PlayerSpec configures one board slot's player: either a shared
// *actor.Actor driven through mcts.Searcher (dispatched one rollout at
// a time through the actor's DataChannel, where concurrent games
// naturally form NN batches), or a shared *actor.Actor driven directly
// through its BatchResize/Prepare/BatchEvaluate/Result triplet (where
// this executor explicitly batches every live game's turn together).
type PlayerSpec struct {
	Kind PlayerKind
	Act  *actor.Actor
	Opt  mcts.Option

	// Temperature softens the forward player's action sampling
	// distribution; ignored for KindMCTS (mcts.Option.Temperature
	// governs that instead).
	Temperature float32

	// Shadow, if set, constructs a fresh GameState in a different game
	// engine than Config.NewGame's authoritative one (spec.md §4.7
	// point 5's "opponent in other implementation"); gameInstance keeps
	// it in lockstep with the authoritative state via the same action
	// sequence. Left nil when both players share the authoritative
	// engine (the common case).
	Shadow func() game.GameState
}

// Config bundles everything one BatchExecutor needs to drive
// per_thread_batch_size concurrent games.
type Config struct {
	PerThreadBatchSize int
	MaxRewinds         int
	ActionSpace        int

	Players [2]PlayerSpec

	// AlignPlayers implements spec.md §4.7 point 3's `align_players=true`:
	// when set, step() only calls the player with the larger current
	// backlog (ties broken toward slot 0) instead of both slots every
	// iteration, so opposing batches of very different forward latency
	// don't force the faster player to wait on the slower one every
	// single ply. False (the default) processes "each player in turn",
	// i.e. every slot with a live game, every iteration.
	AlignPlayers bool

	// PredictEndState enables spec.md §4.7 point 7's optional
	// predict_pi/predict_pi_mask/predict_end_state trajectory columns
	// (spec.md §6 names it alongside predict_n_states as a top-level
	// config field the core must honor). PredictNStates is how many
	// plies ahead of each step the predict_pi/predict_pi_mask target is
	// drawn from (clamped to the episode's last ply); predict_end_state
	// itself is always the terminal ply's features. Ignored when
	// PredictEndState is false.
	PredictEndState bool
	PredictNStates  int

	// NewGame returns a fresh starting state for a replenished slot.
	NewGame func() game.GameState

	// TrainDispatcher sends finished-episode rows to the model
	// manager's train DataChannel (spec.md §4.4's train_thread); a
	// nil TrainDispatcher means trajectories are computed but
	// dropped (useful for eval-mode runs that never train).
	TrainDispatcher *tube.Dispatcher

	Seed int64
}

// Executor is the BatchExecutor (C11): it drives Config.PerThreadBatchSize
// concurrent GameInstances, aligning player turns by board slot,
// bookkeeping resignation/draw/rewind state, and emitting trajectories
// to the train channel as games finish. Implements tube.EnvThread so a
// tube.Context can own a pool of Executors.
type Executor struct {
	tube.StatRecorder

	cfg    Config
	rng    *rand.Rand
	pool   *priority.TaskPool
	logger *log.Logger

	games []*gameInstance

	avgGameLen float64

	terminated int32
}

// New allocates an Executor and fills its game pool to cfg.PerThreadBatchSize
// fresh games.
func New(cfg Config) *Executor {
	e := &Executor{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		pool:   priority.NewTaskPool(cfg.PerThreadBatchSize),
		logger: log.Default().WithPrefix("batchexec"),
	}
	for i := 0; i < cfg.PerThreadBatchSize; i++ {
		e.games = append(e.games, e.freshGame())
	}
	return e
}

func (e *Executor) freshGame() *gameInstance {
	state := e.cfg.NewGame()
	g := newGameInstance(state, e.rng)

	prefix := e.randomPrefixLen()
	for i := 0; i < prefix; i++ {
		legal := g.state.LegalActions()
		if len(legal) == 0 {
			break
		}
		a := legal[e.rng.Intn(len(legal))]
		g.state.Forward(a.Index)
		g.moves = append(g.moves, a)
	}
	g.startMoves = prefix
	if prefix > 0 {
		g.validTournament = false
	}
	return g
}

// randomPrefixLen draws a random opening-prefix length proportional to
// the running average finished-game length, per spec.md §4.7 point 8.
func (e *Executor) randomPrefixLen() int {
	if e.avgGameLen <= 0 || e.rng.Float64() > 0.25 {
		return 0
	}
	max := int(e.avgGameLen * 0.1)
	if max <= 0 {
		return 0
	}
	return e.rng.Intn(max + 1)
}

// MainLoop drives every owned game one ply at a time until Terminate
// is called. Ported in spirit from the teacher's Arena.Play, expanded
// from one game to PerThreadBatchSize concurrently-replenished games.
func (e *Executor) MainLoop() {
	ctx := context.Background()
	for atomic.LoadInt32(&e.terminated) == 0 {
		e.step(ctx)
	}
}

// Terminate asks MainLoop to exit at the top of its next iteration,
// per spec.md §5's cancellation model ("game threads exit their loops
// at the top of the next iteration").
func (e *Executor) Terminate() { atomic.StoreInt32(&e.terminated, 1) }

// step advances every live game by one ply, grouping instances by
// which board slot is to move so that a KindForward slot's turn is
// explicitly batched through BatchResize/Prepare/BatchEvaluate/Result,
// while a KindMCTS slot's turn runs each game's own Searcher
// concurrently (NN batching for that case happens naturally at the
// shared actor's DataChannel).
func (e *Executor) step(ctx context.Context) {
	var byslot [2][]*gameInstance
	for _, g := range e.games {
		if isDone(g) {
			continue
		}
		slot := g.slotForCurrentPlayer()
		byslot[slot] = append(byslot[slot], g)
	}

	slots := []int{0, 1}
	if e.cfg.AlignPlayers {
		// spec.md §4.7 point 3: act only for the player with the
		// largest backlog this iteration, instead of every slot in
		// turn. Ties favor slot 0.
		if len(byslot[1]) > len(byslot[0]) {
			slots = []int{1}
		} else {
			slots = []int{0}
		}
	}

	for _, slot := range slots {
		live := byslot[slot]
		if len(live) == 0 {
			continue
		}
		spec := e.cfg.Players[slot]
		switch spec.Kind {
		case KindForward:
			e.stepForward(slot, spec, live)
		default:
			e.stepMCTS(ctx, slot, spec, live)
		}
	}

	e.finishTerminated()
}

// stepMCTS runs each live game's persistent-tree search concurrently
// via priority.TaskPool, applies the chosen action, and records the
// per-ply training example.
func (e *Executor) stepMCTS(ctx context.Context, slot int, spec PlayerSpec, live []*gameInstance) {
	tasks := make([]func(context.Context) error, len(live))
	for i, g := range live {
		g := g
		tasks[i] = func(ctx context.Context) error {
			tree := g.treeFor(slot, spec)
			result, err := tree.Search(ctx, g.state)
			if err != nil {
				e.logger.Error("mcts search failed", "err", err)
				return nil
			}

			legal := g.state.LegalActions()
			piFull := make([]float32, e.cfg.ActionSpace)
			for i, a := range legal {
				if i < len(result.Policy) {
					piFull[a.Index] = result.Policy[i]
				}
			}

			rec := stepRecord{
				feature: g.state.GetFeatures(),
				pi:      piFull,
				piMask:  legalMask(legal, e.cfg.ActionSpace),
				predV:   result.RootValue,
			}
			g.recordMove(slot, rec, result.RootValue)
			if g.shouldResign(slot) {
				g.resigned = true
				g.resignedSlot = slot
				return nil
			}

			actionIdx := result.BestAction.Index
			if p := e.maybeRandomMove(g, legal); p != nil {
				actionIdx = p.Index
			}
			g.state.Forward(actionIdx)
			g.moves = append(g.moves, legal[actionIdxOf(legal, actionIdx)])
			g.advanceShadow(slot, spec.Shadow, actionIdx)
			tree.Advance(actionIdx)
			return nil
		}
	}
	if err := e.pool.Run(ctx, tasks...); err != nil {
		e.logger.Error("mcts step pool", "err", err)
	}
}

// stepForward batches live's states through spec.Act's explicit
// BatchResize/Prepare/BatchEvaluate/Result triplet, samples an action
// per row from the (masked, renormalized) policy, and records a
// per-ply example with a zero reward everywhere except the final ply,
// where the terminal value becomes the sparse episode reward (the GAE
// targets in instance.go's pushEpisode backfill the rest).
func (e *Executor) stepForward(slot int, spec PlayerSpec, live []*gameInstance) {
	n := len(live)
	spec.Act.BatchResize(n)
	for i, g := range live {
		spec.Act.Prepare(i, g.state)
	}
	if err := spec.Act.BatchEvaluate(n); err != nil {
		e.logger.Error("forward batch evaluate failed", "err", err)
		return
	}

	for i, g := range live {
		legal := g.state.LegalActions()
		raw := make([]float32, e.cfg.ActionSpace)
		v := spec.Act.Result(i, raw)

		policy, sum := maskAndNormalize(raw, legal)
		actionIdx, logP := sampleAction(e.rng, policy, legal, sum, spec.Temperature)

		piFull := make([]float32, e.cfg.ActionSpace)
		for i, a := range legal {
			piFull[a.Index] = policy[i]
		}

		rec := stepRecord{
			feature:  g.state.GetFeatures(),
			pi:       piFull,
			piMask:   legalMask(legal, e.cfg.ActionSpace),
			actionPi: logP,
			predV:    v,
		}
		g.recordMove(slot, rec, v)
		if g.shouldResign(slot) {
			g.resigned = true
			g.resignedSlot = slot
			continue
		}
		g.state.Forward(actionIdx)
		g.moves = append(g.moves, legal[actionIdxOf(legal, actionIdx)])
		g.advanceShadow(slot, spec.Shadow, actionIdx)
	}
}

func isDone(g *gameInstance) bool {
	return g.resigned || g.state.Terminated()
}

// maybeRandomMove implements spec.md §4.7 point 4's decaying
// exploration probability (4/(step+10)^2): with that probability it
// returns a uniformly random legal action and marks the game
// non-tournament, otherwise it returns nil (keep the searcher's pick).
func (e *Executor) maybeRandomMove(g *gameInstance, legal []game.Action) *game.Action {
	step := g.state.GetStepIdx()
	p := 4.0 / float64((step+10)*(step+10))
	if e.rng.Float64() >= p {
		return nil
	}
	g.validTournament = false
	a := legal[e.rng.Intn(len(legal))]
	return &a
}

func actionIdxOf(legal []game.Action, index int) int {
	for i, a := range legal {
		if a.Index == index {
			return i
		}
	}
	return 0
}

func maskAndNormalize(policy []float32, legal []game.Action) ([]float32, float32) {
	out := make([]float32, len(legal))
	var sum float32
	for i, a := range legal {
		if a.Index < len(policy) {
			out[i] = policy[a.Index]
		}
		sum += out[i]
	}
	if sum <= 0 {
		u := float32(1) / float32(len(legal))
		for i := range out {
			out[i] = u
		}
		sum = 1
	} else {
		for i := range out {
			out[i] /= sum
		}
	}
	return out, sum
}

func sampleAction(rng *rand.Rand, policy []float32, legal []game.Action, _ float32, temperature float32) (actionIdx int, logP float32) {
	if temperature <= 0 {
		temperature = 1
	}
	if temperature != 1 {
		tempered := make([]float32, len(policy))
		var total float32
		for i, p := range policy {
			tempered[i] = float32(math.Pow(float64(p), 1/float64(temperature)))
			total += tempered[i]
		}
		if total > 0 {
			for i := range tempered {
				tempered[i] /= total
			}
			policy = tempered
		}
	}
	r := rng.Float32()
	var accum float32
	chosen := len(policy) - 1
	for i, p := range policy {
		accum += p
		if r <= accum {
			chosen = i
			break
		}
	}
	p := policy[chosen]
	if p <= 0 {
		p = 1e-8
	}
	return legal[chosen].Index, float32(math.Log(float64(p)))
}

// finishTerminated emits trajectories for every game that ended this
// step, handles the rewind rule, and replenishes the slot with a fresh
// game.
func (e *Executor) finishTerminated() {
	for idx, g := range e.games {
		if !isDone(g) {
			continue
		}

		if e.tryRewind(g) {
			continue
		}

		e.emit(g)
		e.Record("game_length", float64(len(g.moves)))
		e.Record("draw_count", float64(g.drawCount))
		e.avgGameLen = 0.95*e.avgGameLen + 0.05*float64(len(g.moves))

		e.games[idx] = e.freshGame()
	}
}

// tryRewind implements spec.md §4.7 point 6: if the losing slot's
// recorded root value had been positive earlier in the game, seek back
// to that ply and replay from there, discarding the accumulated
// training data for both slots and restarting the move counter at
// startMoves. Bounded by cfg.MaxRewinds per game.
func (e *Executor) tryRewind(g *gameInstance) bool {
	if e.cfg.MaxRewinds <= 0 || g.rewindCount >= e.cfg.MaxRewinds {
		return false
	}
	var loserSlot int
	if g.resigned {
		loserSlot = g.resignedSlot
	} else {
		status := g.state.Status()
		if status == game.Tie {
			return false
		}
		loserPlayer := 0
		if status == game.P0Win {
			loserPlayer = 1
		}
		loserSlot = g.playerSlot[loserPlayer]
	}

	hist := g.rootValueHistory[loserSlot]
	turningPly := -1
	for i, v := range hist {
		if v > 0 {
			turningPly = i
			break
		}
	}
	if turningPly < 0 {
		return false
	}

	fresh := e.cfg.NewGame()
	replayTo := g.startMoves + turningPly
	if replayTo > len(g.moves) {
		replayTo = len(g.moves)
	}
	for i := 0; i < replayTo; i++ {
		fresh.Forward(g.moves[i].Index)
	}

	g.state = fresh
	g.moves = g.moves[:replayTo]
	g.examples = [2][]stepRecord{}
	g.rootValueHistory = [2][]float32{}
	g.resignStreak = [2]int{}
	g.resigned = false
	g.resignedSlot = 0
	g.trees[0], g.trees[1] = nil, nil
	g.shadow[0], g.shadow[1] = nil, nil
	g.rewindCount++
	return true
}

// emit converts a finished game's per-slot examples into Episodic
// trajectories and dispatches each row to the train channel.
func (e *Executor) emit(g *gameInstance) {
	finals := finalValuesFor(g)

	for slot := 0; slot < 2; slot++ {
		recs := g.examples[slot]
		if len(recs) == 0 {
			continue
		}
		forward := e.cfg.Players[slot].Kind == KindForward
		if forward && len(recs) > 0 {
			recs[len(recs)-1].reward = finals[slot]
		}

		feature := tube.NewEpisodicTrajectory(e.featLen())
		pi := tube.NewEpisodicTrajectory(e.cfg.ActionSpace)
		piMask := tube.NewEpisodicTrajectory(e.cfg.ActionSpace)
		actionPi := tube.NewEpisodicTrajectory(1)
		v := tube.NewEpisodicTrajectory(1)
		predV := tube.NewEpisodicTrajectory(1)

		predictEnabled := e.cfg.PredictEndState
		var predictPi, predictPiMask, predictEndState *tube.EpisodicTrajectory
		if predictEnabled {
			predictPi = tube.NewEpisodicTrajectory(e.cfg.ActionSpace)
			predictPiMask = tube.NewEpisodicTrajectory(e.cfg.ActionSpace)
			predictEndState = tube.NewEpisodicTrajectory(e.featLen())
		}

		pushEpisode(recs, finals[slot], forward, e.cfg.PredictEndState, e.cfg.PredictNStates, feature, pi, piMask, actionPi, v, predV, predictPi, predictPiMask, predictEndState)

		if e.cfg.TrainDispatcher == nil {
			continue
		}
		for {
			fRow := make([]float32, e.featLen())
			piRow := make([]float32, e.cfg.ActionSpace)
			maskRow := make([]float32, e.cfg.ActionSpace)
			vRow := make([]float32, 1)
			if !feature.PrepareForSend(fRow) {
				break
			}
			pi.PrepareForSend(piRow)
			piMask.PrepareForSend(maskRow)
			v.PrepareForSend(vRow)

			row := map[string][]float32{
				"feature": fRow,
				"pi":      piRow,
				"pi_mask": maskRow,
				"v":       vRow,
			}
			if predictEnabled {
				predPiRow := make([]float32, e.cfg.ActionSpace)
				predMaskRow := make([]float32, e.cfg.ActionSpace)
				predEndRow := make([]float32, e.featLen())
				predictPi.PrepareForSend(predPiRow)
				predictPiMask.PrepareForSend(predMaskRow)
				predictEndState.PrepareForSend(predEndRow)
				row["predict_pi"] = predPiRow
				row["predict_pi_mask"] = predMaskRow
				row["predict_end_state"] = predEndRow
			}

			e.cfg.TrainDispatcher.DispatchNoReply(row)
		}
	}
}

func (e *Executor) featLen() int {
	if len(e.games) == 0 {
		return 0
	}
	return len(e.games[0].state.GetFeatures())
}

// treeFor lazily builds slot's persistent tree for g, sharing spec's
// actor (and so its DataChannel) across every game this Executor
// drives.
func (g *gameInstance) treeFor(slot int, spec PlayerSpec) *mcts.PersistentTree {
	if g.trees[slot] == nil {
		searcher := mcts.New(spec.Act, spec.Opt)
		g.trees[slot] = mcts.NewPersistentTree(searcher)
	}
	return g.trees[slot]
}
