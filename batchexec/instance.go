// Package batchexec implements the BatchExecutor / game thread (C11,
// spec.md §4.7): the per-thread driver of many concurrently in-flight
// games, player alignment, resignation/draw bookkeeping, rewind, and
// trajectory emission. Grounded on the teacher's arena.go (Arena.Play's
// per-ply loop, switchPlayer, example accumulation), generalized from
// "one game, two fixed agents" to "N concurrent games, shared
// per-player-slot searchers, rewind, slot replenishment".
package batchexec

import (
	"math/rand"

	"github.com/selfplay/core/game"
	"github.com/selfplay/core/mcts"
	"github.com/selfplay/core/tube"
)

// resignThreshold/resignStreakNeed are the spec.md §4.7 point 4 constants:
// a player resigns if its value estimate stays below resignThreshold
// for resignStreakNeed consecutive moves, and only if canResign was
// rolled true (with probability resignProb) for this game. The rule is
// applied to every game the executor drives; it does not check the
// number of players or whether the game is an eval game.
const (
	resignThreshold  = -0.95
	resignStreakNeed = 7
	resignProb       = 2.0 / 3.0
)

// stepRecord is one slot's accumulated per-ply training example,
// buffered until the game ends (or, in forward/policy-gradient mode,
// GAE can be computed over the whole episode).
type stepRecord struct {
	feature []float32
	pi      []float32
	piMask  []float32
	actionPi float32 // log-prob of the chosen action, for policy-gradient mode
	predV   float32
	reward  float32 // per-step reward, forward/policy-gradient mode only

	// predictPi/predictPiMask/predictEndState are spec.md §4.7 point 7's
	// optional end-state-prediction columns: the policy/mask/features
	// cfg.PredictNStates plies ahead of this one (clamped to the episode's
	// last ply), filled in by pushEpisode once the whole episode is
	// buffered. Left nil when Config.PredictEndState is false.
	predictPi       []float32
	predictPiMask   []float32
	predictEndState []float32
}

// gameInstance is one of the BatchExecutor's concurrently-driven games
// (spec.md §3's GameInstance). perm[slot] holds the player index (0 or
// 1) occupying board-slot `slot`; playerSlot is its inverse.
type gameInstance struct {
	state game.GameState

	perm       [2]int
	playerSlot [2]int

	examples [2][]stepRecord

	resignStreak  [2]int
	canResign     bool
	drawCount     int
	resigned      bool
	resignedSlot  int

	moves             []game.Action
	validTournament   bool
	startMoves        int
	rewindCount       int

	// rootValueHistory[slot] tracks, for each ply that slot moved,
	// the root value the searcher reported — used by the rewind rule
	// (spec.md §4.7 point 6): if the eventually-losing player's
	// signed value had been positive earlier, seek back to that ply.
	rootValueHistory [2][]float32

	// trees[slot] is lazily built the first time slot's turn comes up
	// (see executor.go's treeFor) and carried across this instance's
	// own moves via PersistentTree.Advance; reset (nilled) on rewind
	// or replenishment.
	trees [2]*mcts.PersistentTree

	// shadow[slot] is a parallel GameState kept in lockstep with state
	// via the same action sequence, for a player whose PlayerSpec.Shadow
	// game engine differs from the authoritative one (spec.md §4.7
	// point 5, spec.md's glossary "Shadow state"). Lazily built the
	// first time slot's move is applied; nil when PlayerSpec.Shadow is
	// unset for that slot.
	shadow [2]game.GameState
}

func newGameInstance(state game.GameState, r *rand.Rand) *gameInstance {
	g := &gameInstance{state: state}
	g.perm = [2]int{0, 1}
	if r.Intn(2) == 1 {
		g.perm = [2]int{1, 0}
	}
	for slot, player := range g.perm {
		g.playerSlot[player] = slot
	}
	g.canResign = r.Float64() < resignProb
	g.validTournament = true
	return g
}

// slotForCurrentPlayer returns the board-slot (0/1) the state's
// current player occupies.
func (g *gameInstance) slotForCurrentPlayer() int {
	return g.playerSlot[g.state.CurrentPlayer()]
}

// ensureShadow lazily builds slot's shadow GameState (spec.md §4.7
// point 5) the first time it's needed, replaying this instance's move
// history so far into newShadow()'s fresh state so the shadow engine
// starts in lockstep with the authoritative one even if it was created
// mid-game (e.g. after a random opening prefix). Returns nil if
// newShadow is nil (slot has no shadow engine configured).
func (g *gameInstance) ensureShadow(slot int, newShadow func() game.GameState) game.GameState {
	if newShadow == nil {
		return nil
	}
	if g.shadow[slot] == nil {
		s := newShadow()
		for _, a := range g.moves {
			s.Forward(a.Index)
		}
		g.shadow[slot] = s
	}
	return g.shadow[slot]
}

// advanceShadow steps slot's shadow engine (if configured) by the same
// action index just applied to the authoritative state, keeping the
// two in lockstep per spec.md §4.7 point 5.
func (g *gameInstance) advanceShadow(slot int, newShadow func() game.GameState, actionIdx int) {
	if s := g.ensureShadow(slot, newShadow); s != nil {
		s.Forward(actionIdx)
	}
}

// recordMove appends one ply's training example to the acting slot's
// buffer and updates the resign streak / rewind bookkeeping.
func (g *gameInstance) recordMove(slot int, rec stepRecord, rootValue float32) {
	g.examples[slot] = append(g.examples[slot], rec)
	g.rootValueHistory[slot] = append(g.rootValueHistory[slot], rootValue)

	if rootValue < resignThreshold {
		g.resignStreak[slot]++
	} else {
		g.resignStreak[slot] = 0
	}
}

// shouldResign reports whether slot has been below resignThreshold for
// resignStreakNeed consecutive moves and this game allows resignation.
func (g *gameInstance) shouldResign(slot int) bool {
	return g.canResign && g.resignStreak[slot] >= resignStreakNeed
}

// finalValuesFor converts a finished gameInstance into per-slot
// terminal values. A resignation (spec.md §4.7 point 4) short-circuits
// state.Status() entirely, since the resigning slot's loss is decided
// by the resign rule rather than by the game reaching a terminal
// position — mirroring the teacher's arena.go, which breaks its play
// loop on game.ResignMove instead of calling Apply.
func finalValuesFor(g *gameInstance) [2]float32 {
	if g.resigned {
		var out [2]float32
		for slot := range out {
			if slot == g.resignedSlot {
				out[slot] = -1
			} else {
				out[slot] = 1
			}
		}
		return out
	}
	if g.state.Status() == game.Tie {
		g.drawCount++
	}
	return finalValues(g.state.Status(), g.perm)
}

// finalValues converts the terminal game.Status into a per-slot
// terminal value in {-1, 0, 1}, mirroring the teacher's arena.go
// post-game winner-to-value conversion.
func finalValues(status game.Status, perm [2]int) [2]float32 {
	var out [2]float32
	switch status {
	case game.Tie:
		return out
	case game.P0Win:
		for slot, player := range perm {
			if player == 0 {
				out[slot] = 1
			} else {
				out[slot] = -1
			}
		}
	case game.P1Win:
		for slot, player := range perm {
			if player == 1 {
				out[slot] = 1
			} else {
				out[slot] = -1
			}
		}
	}
	return out
}

// gaeValues computes GAE(γ=0.997, λ=0.95) targets over one slot's
// episode of per-step rewards/predicted values, replacing the
// plain terminal-result target used by the non-forward (pure MCTS)
// player, per spec.md §4.7 point 7's "forward (policy-gradient) mode".
func gaeValues(recs []stepRecord) []float32 {
	const gamma = 0.997
	const lambda = 0.95

	out := make([]float32, len(recs))
	var nextV float32
	var gae float32
	for i := len(recs) - 1; i >= 0; i-- {
		delta := recs[i].reward + gamma*nextV - recs[i].predV
		gae = delta + gamma*lambda*gae
		out[i] = gae + recs[i].predV
		nextV = recs[i].predV
	}
	return out
}

// pushEpisode drains slot's buffered examples into the given Episodic
// trajectories (one per named field, matching spec.md §4.7 point 7's
// field list), assigning terminalValue (or GAE targets, if forward is
// true) as the v column. When predictEndState is true, it first
// backfills each record's predictPi/predictPiMask/predictEndState from
// the episode's own future (spec.md §4.7 point 7's "optional
// predict_pi/predict_pi_mask for end-state prediction", spec.md §6's
// predict_end_state/predict_n_states config fields): the policy/mask
// predictNStates plies ahead (clamped to the episode's last ply, so
// predictNStates=0 targets the current ply itself) and the terminal
// ply's features.
func pushEpisode(recs []stepRecord, terminalValue float32, forward, predictEndState bool, predictNStates int, feature, pi, piMask, actionPi, v, predV, predictPi, predictPiMask, predictEndStateTraj *tube.EpisodicTrajectory) {
	var vTargets []float32
	if forward {
		vTargets = gaeValues(recs)
	}
	if predictEndState && len(recs) > 0 {
		last := len(recs) - 1
		for i := range recs {
			target := i + predictNStates
			if target > last {
				target = last
			}
			if target < 0 {
				target = 0
			}
			recs[i].predictPi = recs[target].pi
			recs[i].predictPiMask = recs[target].piMask
			recs[i].predictEndState = recs[last].feature
		}
	}
	for i, rec := range recs {
		feature.Push(rec.feature)
		pi.Push(rec.pi)
		piMask.Push(rec.piMask)
		actionPi.Push([]float32{rec.actionPi})
		predV.Push([]float32{rec.predV})
		if forward {
			v.Push([]float32{vTargets[i]})
		} else {
			v.Push([]float32{terminalValue})
		}
		if predictPi != nil {
			predictPi.Push(rec.predictPi)
			predictPiMask.Push(rec.predictPiMask)
			predictEndStateTraj.Push(rec.predictEndState)
		}
	}
}

func legalMask(legal []game.Action, actionSpace int) []float32 {
	m := make([]float32, actionSpace)
	for _, a := range legal {
		m[a.Index] = 1
	}
	return m
}
