// Package mcts implements the MCTS engine (spec.md §4.5): PUCT
// selection, virtual loss, forced playouts, the two-action-same-logit
// masking rule, persistent-tree subtree reuse, and the node/child
// storage those operations traverse.
//
// Nodes live in an arena addressed by integer NodeID handles rather
// than the teacher's pointer-in-a-uintptr ("Naughty") trick, so the
// engine never has to reason about pointer lifetime across frees —
// spec.md §9 calls this out directly as the redesign the teacher's
// approach needs for a GameState-capability-generic, multi-player
// engine.
package mcts

import (
	"sync"

	"github.com/selfplay/core/game"
)

// NodeID is an arena handle; the zero value is never a valid
// allocated node (NoNode is used for "no node").
type NodeID int32

// NoNode marks the absence of a node (a nil-pointer equivalent for the
// arena-handle scheme).
const NoNode NodeID = -1

// Node is one MCTS tree node. Grounded on the teacher's mcts/node.go
// Node struct (qsa/psa/visits/hasChildren), generalized to:
//   - an explicit `player` field (the GameState's CurrentPlayer() at
//     this node) so backup can flip sign per player instead of
//     assuming two alternating colors;
//   - a `terminal` flag (the terminal reward is stored in valueSum when
//     the leaf is expanded) so Search never re-evaluates a terminal
//     leaf through the NN;
//   - a `virtualLoss` counter so concurrent selection can diverge
//     (spec.md §4.5's "Virtual loss is added atomically on the
//     descent").
type Node struct {
	mu sync.Mutex

	parent      NodeID
	action      game.Action
	prior       float32
	visits      uint32
	valueSum    float32
	virtualLoss float32
	forcedN     uint32 // forced-playout floor, spec.md §4.5's forced_rollouts_multiplier

	expanded bool
	terminal bool

	player int

	children []NodeID

	sumChildV  float32 // running sum of expanded children's values, for use_value_prior
	numChildV  int

	// rnnState holds the Evaluator's hidden-state output at this node
	// when the model is recurrent (spec.md §3's MCTS Node "RNN state
	// tensor when the model is recurrent"), so a persistent-tree reuse
	// can resume a recurrent rollout from the right hidden state instead
	// of replaying from scratch. It is filled only when the Searcher's
	// Evaluator implements RNNEvaluator; actor.Actor and model.Manager
	// neither produce nor consume a hidden state, so it stays nil when
	// they drive the search (see DESIGN.md).
	rnnState []float32
}

func (n *Node) reset() {
	n.parent = NoNode
	n.action = game.Action{}
	n.prior = 0
	n.visits = 0
	n.valueSum = 0
	n.virtualLoss = 0
	n.forcedN = 0
	n.expanded = false
	n.terminal = false
	n.player = 0
	n.children = n.children[:0]
	n.sumChildV = 0
	n.numChildV = 0
	n.rnnState = nil
}

// RNNState returns the hidden state the Evaluator produced when this
// node was expanded (nil for a non-recurrent model).
func (n *Node) RNNState() []float32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rnnState
}

// SetRNNState stores the hidden state an Evaluator produced while
// expanding this node.
func (n *Node) SetRNNState(state []float32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rnnState = state
}

// Q returns the node's current mean value estimate net of any
// transient virtual loss, mirroring spec.md §4.5's
// `Q = (value - virtual_loss) / (num_visit + eps)`.
func (n *Node) Q() float32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.qLocked()
}

func (n *Node) qLocked() float32 {
	const eps = 1e-8
	if n.visits == 0 && n.virtualLoss == 0 {
		return 0
	}
	return (n.valueSum - n.virtualLoss) / (float32(n.visits) + eps)
}

// Visits returns the node's visit count.
func (n *Node) Visits() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.visits
}

// Prior returns the node's policy prior P(s,a).
func (n *Node) Prior() float32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.prior
}

// Action returns the action this node represents (i.e. the move that
// was applied to the parent's state to reach this node).
func (n *Node) Action() game.Action {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.action
}

// Storage is the node arena: a growable slice plus a freelist, exactly
// mirroring the teacher's MCTS.alloc/free/freelist fields but without
// the tree also doubling as the allocator (Storage is its own type so
// Tree/Searcher can hold just a *Storage).
type Storage struct {
	mu       sync.Mutex
	nodes    []Node
	freelist []NodeID
}

// NewStorage returns an empty arena with capacity preallocated, as the
// teacher's `make([]Node, 0, 12288)` does.
func NewStorage(capacity int) *Storage {
	return &Storage{
		nodes:    make([]Node, 0, capacity),
		freelist: make([]NodeID, 0, capacity/4),
	}
}

// Alloc returns a fresh or recycled NodeID, reset to its zero content
// except for the fields the caller fills in immediately after.
func (s *Storage) Alloc() NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l := len(s.freelist); l > 0 {
		id := s.freelist[l-1]
		s.freelist = s.freelist[:l-1]
		s.nodes[id].reset()
		return id
	}
	s.nodes = append(s.nodes, Node{parent: NoNode})
	return NodeID(len(s.nodes) - 1)
}

// Free returns id to the freelist for reuse. Callers must guarantee no
// other goroutine still holds a reference to id.
func (s *Storage) Free(id NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freelist = append(s.freelist, id)
}

// Node returns a pointer to id's backing storage. The pointer is only
// valid until the next Storage mutation that could reallocate the
// backing slice (Alloc past capacity); callers within a single Search
// call are safe because NewStorage preallocates generously and the
// engine never shrinks mid-search.
func (s *Storage) Node(id NodeID) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &s.nodes[id]
}

// Len reports the number of nodes ever allocated (including freed
// ones still occupying a slot).
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

// Reset empties the arena entirely, used when a fresh tree is desired
// (no PersistentTree carried across moves).
func (s *Storage) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = s.nodes[:0]
	s.freelist = s.freelist[:0]
}
