// Package actor implements the Actor (spec.md §4.6): the per-game-
// thread adapter between MCTS/forward-only players and the
// ModelManager's forward pass.
//
// Two modes coexist, matching spec.md §4.6 exactly:
//   - Single evaluate (Infer): dispatches a single-row feature block
//     through a DataChannel/Dispatcher pair the ModelManager's
//     ActThread consumes, so that many concurrently-dispatching
//     actors naturally form a batch on the consumer side. Infer
//     implements mcts.Evaluator, so an *Actor is handed straight to
//     mcts.New as the search's NN source.
//   - Batched evaluate (BatchResize/Prepare/BatchEvaluate/Result): used
//     directly by batchexec for forward-only (non-MCTS) players,
//     calling model.Manager.BatchAct synchronously on an explicit
//     batch the caller assembled itself, bypassing the DataChannel.
//
// Grounded on the teacher's agent.go (Agent.Infer's replica-channel
// idea, SwitchToInference's pre-allocated inferer pool).
package actor

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/selfplay/core/dualnet"
	"github.com/selfplay/core/game"
	"github.com/selfplay/core/model"
	"github.com/selfplay/core/tube"
)

// ErrUnreachable is the value Evaluate panics with, mirroring spec.md §9's open
// question: the source's evaluate(vector_of_states) is marked
// unreachable (std::terminate on entry) but kept in the API surface.
// Batching goes through BatchResize/Prepare/BatchEvaluate/Result instead.
var ErrUnreachable = errors.New("actor: Evaluate(states) is unreachable; use BatchResize/Prepare/BatchEvaluate/Result")

// Actor is one game thread's handle onto the shared ModelManager.
type Actor struct {
	mgr  *model.Manager
	conf dualnet.Config

	dispatcher *tube.Dispatcher

	useValue  bool
	usePolicy bool

	priority int
	rng      *rand.Rand

	// batched-evaluate state, lazily allocated on first BatchResize.
	batchFeat []float32
	batchPi   []float32
	batchV    []float32
	n         int

	ewmaBatchMs float64
}

// New builds an Actor bound to replica index replicaIdx's act
// DataChannel for its single-evaluate path, and to mgr.BatchAct for its
// batched-evaluate path. priority is the caller's fixed priority.Mutex
// priority for BatchAct calls (spec.md §4.4: "actor forward calls use
// a moderate priority derived from the thread id").
func New(mgr *model.Manager, replicaIdx int, conf dualnet.Config, priority int, useValue, usePolicy bool) (*Actor, error) {
	featLen := conf.Features * conf.Height * conf.Width
	send := []tube.DataBlock{tube.NewDataBlock("feat", featLen)}
	reply := []tube.DataBlock{
		tube.NewDataBlock("pi", conf.ActionSpace),
		tube.NewDataBlock("v", conf.ValueDims()),
	}
	dispatcher, err := tube.NewDispatcher(mgr.ActChannel(replicaIdx), send, reply)
	if err != nil {
		return nil, fmt.Errorf("actor: new dispatcher: %w", err)
	}
	return &Actor{
		mgr:       mgr,
		conf:      conf,
		dispatcher: dispatcher,
		useValue:  useValue,
		usePolicy: usePolicy,
		priority:  priority,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Infer is the single-evaluate path (spec.md §4.6): fills the
// per-actor feature block, dispatches through the DataChannel, and
// reads back value/policy. If usePolicy is false the policy is uniform
// over the legal actions; if useValue is false the value comes from a
// random-rollout reward instead of the NN. The DataChannel is skipped
// only when both are false. A dispatch failure (ChannelTerminated/NoSlot per spec.md §7)
// degrades to the same uniform-policy/random-rollout fallback rather
// than erroring, so self-play keeps running.
func (a *Actor) Infer(state game.GameState) (policy []float32, value float32) {
	legal := state.LegalActions()
	if !a.usePolicy {
		policy = uniformPolicy(legal, a.conf.ActionSpace)
	}
	if !a.useValue {
		value = state.GetRandomRolloutReward(state.CurrentPlayer())
	}
	if a.usePolicy || a.useValue {
		feat := state.GetFeatures()
		send := map[string][]float32{"feat": feat}
		pi := make([]float32, a.conf.ActionSpace)
		v := make([]float32, a.conf.ValueDims())
		recv := map[string][]float32{"pi": pi, "v": v}
		switch a.dispatcher.Dispatch(send, recv) {
		case tube.DispatchNoErr:
			if a.usePolicy {
				policy = pi
			}
			if a.useValue {
				value = collapseValue(v)
			}
		default:
			if a.usePolicy {
				policy = uniformPolicy(legal, a.conf.ActionSpace)
			}
			if a.useValue {
				value = state.GetRandomRolloutReward(state.CurrentPlayer())
			}
		}
	}
	return policy, value
}

// Evaluate is the batched-signature entry spec.md §9 marks unreachable
// in the source; preserved here purely as an API surface marker.
func (a *Actor) Evaluate(states []game.GameState) ([]float32, []float32, error) {
	panic(ErrUnreachable)
}

// BatchResize (lazily) allocates pinned batch buffers sized for n rows,
// growing them in place rather than reallocating every call, matching
// spec.md §4.6's "lazily allocates pinned-memory batch tensors".
func (a *Actor) BatchResize(n int) {
	featLen := a.conf.Features * a.conf.Height * a.conf.Width
	valueDims := a.conf.ValueDims()
	if cap(a.batchFeat) < n*featLen {
		a.batchFeat = make([]float32, n*featLen)
		a.batchPi = make([]float32, n*a.conf.ActionSpace)
		a.batchV = make([]float32, n*valueDims)
	}
	a.batchFeat = a.batchFeat[:n*featLen]
	a.batchPi = a.batchPi[:n*a.conf.ActionSpace]
	a.batchV = a.batchV[:n*valueDims]
	a.n = n
}

// Prepare fills row i of the batch buffer with state's features.
func (a *Actor) Prepare(i int, state game.GameState) {
	featLen := a.conf.Features * a.conf.Height * a.conf.Width
	copy(a.batchFeat[i*featLen:(i+1)*featLen], state.GetFeatures())
}

// BatchEvaluate runs the first n rows through model.Manager.BatchAct
// and records an exponentially-smoothed batch timing, per spec.md
// §4.6. Named distinctly from Evaluate(states) above since Go has no
// method overloading and the two spec.md signatures collide on name.
func (a *Actor) BatchEvaluate(n int) error {
	start := time.Now()
	featLen := a.conf.Features * a.conf.Height * a.conf.Width
	pi, v, _, err := a.mgr.BatchAct(a.priority, a.batchFeat[:n*featLen], n)
	if err != nil {
		return fmt.Errorf("actor: batch evaluate: %w", err)
	}
	copy(a.batchPi, pi)
	copy(a.batchV, v)

	elapsedMs := float64(time.Since(start).Microseconds()) / 1000.0
	const alpha = 0.1
	if a.ewmaBatchMs == 0 {
		a.ewmaBatchMs = elapsedMs
	} else {
		a.ewmaBatchMs = alpha*elapsedMs + (1-alpha)*a.ewmaBatchMs
	}
	return nil
}

// Result reads row i's policy/value out of the last BatchEvaluate
// call, applying softmax on the value head if the model is a 3-logit
// {win, lose, draw} value (spec.md §4.6).
func (a *Actor) Result(i int, piOut []float32) (value float32) {
	copy(piOut, a.batchPi[i*a.conf.ActionSpace:(i+1)*a.conf.ActionSpace])
	valueDims := a.conf.ValueDims()
	return collapseValue(a.batchV[i*valueDims : (i+1)*valueDims])
}

// collapseValue turns a model v-head output into the scalar pi_val
// spec.md §4.6 and §6 describe: a 1-wide head passes through
// unchanged; a 3-wide {win, lose, draw} logit head is softmaxed and
// collapsed to p(win) - p(lose), matching original_source/src/core/
// actor.h:121-126's softmax_+value_->data[0]-value_->data[1].
func collapseValue(v []float32) float32 {
	if len(v) == 1 {
		return v[0]
	}

	max := v[0]
	for _, x := range v[1:] {
		if x > max {
			max = x
		}
	}
	var sum float32
	exp := make([]float32, len(v))
	for i, x := range v {
		e := float32(math.Exp(float64(x - max)))
		exp[i] = e
		sum += e
	}
	pWin := exp[0] / sum
	pLose := exp[1] / sum
	return pWin - pLose
}

// BatchTimingMs returns the exponentially-smoothed per-batch forward
// latency, used by batchexec to pick a per-thread batch size.
func (a *Actor) BatchTimingMs() float64 { return a.ewmaBatchMs }

func uniformPolicy(legal []game.Action, actionSpace int) []float32 {
	p := make([]float32, actionSpace)
	if len(legal) == 0 {
		return p
	}
	share := 1.0 / float32(len(legal))
	for _, act := range legal {
		p[act.Index] = share
	}
	return p
}
