package mcts

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chewxy/math32"
	distrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/selfplay/core/game"
)

// Evaluator is the neural-network-shaped policy/value source a Searcher
// drives at expansion time. Its shape matches both game.ToyPolicy (the
// E4 test fixture) and actor.Actor's single-evaluate path.
type Evaluator interface {
	Infer(state game.GameState) (policy []float32, value float32)
}

// RNNEvaluator is Evaluator's optional recurrent extension (spec.md §3's
// per-node "RNN state tensor when the model is recurrent", §4.6's
// "Recurrent models: pre-allocate per-actor rnn-state stack"). InferRNN
// takes the parent node's hidden state (nil at the root, where the
// Evaluator supplies its own zero/initial state) and returns the
// updated hidden state alongside policy/value, so expand can store it
// on the newly-allocated node for a later persistent-tree reuse to pick
// up from. A Searcher whose Evaluator doesn't implement this falls back
// to the plain Infer path and never touches Node.rnnState.
type RNNEvaluator interface {
	Evaluator
	InferRNN(state game.GameState, rnnIn []float32) (policy []float32, value float32, rnnOut []float32)
}

// Option configures one Searcher, mirroring spec.md §4.5's MctsOption
// field table.
type Option struct {
	TotalTime           time.Duration
	TimeRatio           float64
	NumRolloutPerThread int
	NumWorkers          int

	PUCT        float32
	VirtualLoss float32

	// SampleBeforeStepIdx gates *whether* result() samples at all: for
	// game steps before this index it samples the move instead of
	// taking the argmax by visits (spec.md §4.5's opening-exploration
	// knob). SamplingMCTS then chooses *which* sampling mechanism runs
	// during that window — they compose rather than collapse into one
	// flag.
	SampleBeforeStepIdx int
	Temperature         float32

	UseValuePrior bool

	StoreStateInterval int
	RandomizedRollouts bool

	// SamplingMCTS selects original_source/src/mcts/utils.h:211-226's
	// rejection-sampling weight exp(pival*pival*2) over the normalized
	// visit-count policy, instead of the temperature/visits^(1/temp)
	// scheme pickBest otherwise uses when sampling is active.
	SamplingMCTS bool

	ForcedRolloutsMultiplier float32

	RootDirichletAlpha   float64
	RootDirichletEpsilon float32
}

// DefaultOption returns sane defaults matching the teacher's
// mcts.DefaultConfig PUCT=1.0, generalized with the rest of spec.md
// §4.5's knobs.
func DefaultOption() Option {
	return Option{
		NumRolloutPerThread: 400,
		NumWorkers:          1,
		PUCT:                1.0,
		VirtualLoss:         1,
		Temperature:         1,
		RootDirichletAlpha:  0.3,
	}
}

// Result is the outcome of one Search call: the chosen action, the
// visit-count policy target over the root's legal actions (same order
// as root.LegalActions()), and the root's averaged value.
type Result struct {
	BestAction game.Action
	Policy     []float32
	RootValue  float32
}

// Searcher runs MCTS over a Storage arena. The root and the arena are
// kept after Search returns: a later Search call on the same Searcher
// continues from that root, whatever state it is given, until Reset
// discards the tree or SetRoot replaces the root. PersistentTree (see
// persistent.go) moves the root to the played child between moves.
type Searcher struct {
	storage *Storage
	eval    Evaluator
	opt     Option
	rng     *rand.Rand

	root NodeID
}

// New returns a Searcher with a fresh (empty) arena.
func New(eval Evaluator, opt Option) *Searcher {
	return &Searcher{
		storage: NewStorage(4096),
		eval:    eval,
		opt:     opt,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		root:    NoNode,
	}
}

// Storage exposes the underlying arena, e.g. for PersistentTree.
func (s *Searcher) Storage() *Storage { return s.storage }

// Root returns the current root NodeID, or NoNode if no search has run
// yet.
func (s *Searcher) Root() NodeID { return s.root }

// SetRoot forces the next Search to reuse the subtree rooted at id
// (used by PersistentTree.Advance); NoNode starts a fresh tree.
func (s *Searcher) SetRoot(id NodeID) { s.root = id }

// Search runs rollouts from state until the configured budget is
// exhausted, then returns the chosen action and the visit-count policy
// target. state is never mutated; every rollout clones it.
func (s *Searcher) Search(ctx context.Context, state game.GameState) (Result, error) {
	if s.root == NoNode {
		s.root = s.storage.Alloc()
		root := s.storage.Node(s.root)
		root.parent = NoNode
		root.player = state.CurrentPlayer()
	}
	root := s.storage.Node(s.root)
	if !root.expanded {
		s.expand(root, state.Clone(), nil)
	}
	s.addRootNoise(root)

	budget := s.rolloutBudget()
	deadline := s.deadline()

	var iter int32
	numWorkers := s.opt.NumWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				if !deadline.IsZero() && time.Now().After(deadline) {
					return
				}
				if budget > 0 && atomic.AddInt32(&iter, 1) > int32(budget) {
					return
				}
				s.playout(state)
			}
		}()
	}
	wg.Wait()

	return s.result(root, state), nil
}

func (s *Searcher) rolloutBudget() int {
	n := s.opt.NumRolloutPerThread
	if s.opt.TotalTime > 0 {
		return 0 // time-bounded instead
	}
	if n <= 0 {
		n = DefaultOption().NumRolloutPerThread
	}
	if s.opt.RandomizedRollouts {
		jitter := 0.75 + 0.5*s.rng.Float64()
		n = int(float64(n) * jitter)
		if n < 1 {
			n = 1
		}
	}
	return n
}

func (s *Searcher) deadline() time.Time {
	if s.opt.TotalTime <= 0 {
		return time.Time{}
	}
	ratio := s.opt.TimeRatio
	if ratio <= 0 {
		ratio = 1
	}
	return time.Now().Add(time.Duration(float64(s.opt.TotalTime) * ratio))
}

// addRootNoise mixes Dirichlet exploration noise into the root's
// children priors, grounded on the teacher's mcts/tree.go dirichletSample
// field (gonum's distmv.Dirichlet + golang.org/x/exp/rand).
func (s *Searcher) addRootNoise(root *Node) {
	root.mu.Lock()
	n := len(root.children)
	root.mu.Unlock()
	if n == 0 || s.opt.RootDirichletEpsilon <= 0 {
		return
	}
	alpha := make([]float64, n)
	for i := range alpha {
		alpha[i] = s.opt.RootDirichletAlpha
	}
	dist := distmv.NewDirichlet(alpha, distrand.NewSource(uint64(time.Now().UnixNano())))
	noise := dist.Rand(nil)

	root.mu.Lock()
	defer root.mu.Unlock()
	eps := s.opt.RootDirichletEpsilon
	for i, childID := range root.children {
		child := s.storage.Node(childID)
		child.mu.Lock()
		child.prior = (1-eps)*child.prior + eps*float32(noise[i])
		child.mu.Unlock()
	}
}

// playout runs one SELECT -> EXPAND -> BACKUP pass from the root.
func (s *Searcher) playout(rootState game.GameState) {
	state := rootState.Clone()
	path := []NodeID{s.root}

	cur := s.root
	for {
		node := s.storage.Node(cur)
		node.mu.Lock()
		expanded := node.expanded
		terminal := node.terminal
		node.mu.Unlock()
		if terminal || !expanded {
			break
		}

		child := s.selectChild(node)
		if child == NoNode {
			break
		}
		childNode := s.storage.Node(child)
		action := childNode.Action()

		if !state.Forward(action.Index) {
			break
		}
		childNode.mu.Lock()
		childNode.player = state.CurrentPlayer()
		childNode.mu.Unlock()
		s.addVirtualLoss(childNode)
		path = append(path, child)
		cur = child
	}

	leaf := s.storage.Node(cur)
	leaf.mu.Lock()
	alreadyExpanded := leaf.expanded
	terminal := leaf.terminal
	leaf.mu.Unlock()

	var value float32
	if terminal {
		leaf.mu.Lock()
		value = leaf.valueSum / float32(maxU32(leaf.visits, 1))
		leaf.visits++
		leaf.valueSum += value
		leaf.mu.Unlock()
	} else if !alreadyExpanded {
		var parentRNN []float32
		if len(path) >= 2 {
			parentRNN = s.storage.Node(path[len(path)-2]).RNNState()
		}
		value = s.expand(leaf, state, parentRNN)
	} else {
		// Another worker expanded this leaf concurrently; treat its
		// current average as the value for this playout's backup.
		value = leaf.Q()
		leaf.mu.Lock()
		leaf.visits++
		leaf.valueSum += value
		leaf.mu.Unlock()
	}

	s.backup(path, value)
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// selectChild picks the child maximizing Q + c*puct*prior*sqrt(N)/(1+n),
// from the selecting node's perspective. child.Q() is stored from the
// child's own mover's perspective: it is negated only when that mover
// differs from the selecting node's mover, so games that don't
// strictly alternate (e.g. game.ToyMDP, a single-player MDP fixture)
// are handled the same way as ones that do. Forced playouts bypass the
// PUCT comparison outright for underexplored high-prior children, per
// spec.md §4.5.
func (s *Searcher) selectChild(node *Node) NodeID {
	node.mu.Lock()
	children := append([]NodeID(nil), node.children...)
	parentVisits := node.visits
	parentPlayer := node.player
	avgChildV := float32(0)
	if node.numChildV > 0 {
		avgChildV = node.sumChildV / float32(node.numChildV)
	}
	node.mu.Unlock()
	if len(children) == 0 {
		return NoNode
	}

	sqrtN := math32.Sqrt(float32(parentVisits) + 1)

	if s.opt.ForcedRolloutsMultiplier > 0 {
		for _, id := range children {
			c := s.storage.Node(id)
			c.mu.Lock()
			visits := c.visits
			prior := c.prior
			c.mu.Unlock()
			forced := uint32(s.opt.ForcedRolloutsMultiplier * math32.Sqrt(prior*float32(parentVisits)))
			if visits < forced {
				return id
			}
		}
	}

	best := NoNode
	bestScore := math32.Inf(-1)
	for _, id := range children {
		c := s.storage.Node(id)
		c.mu.Lock()
		visits := c.visits
		prior := c.prior
		vl := c.virtualLoss
		childPlayer := c.player
		var q float32
		if visits == 0 && vl == 0 {
			if s.opt.UseValuePrior {
				q = -avgChildV
			} else {
				q = 0
			}
		} else if childPlayer == parentPlayer {
			q = c.qLocked()
		} else {
			q = -c.qLocked()
		}
		c.mu.Unlock()

		score := q + s.opt.PUCT*prior*sqrtN/(1+float32(visits))
		if score > bestScore {
			bestScore = score
			best = id
		}
	}
	return best
}

func (s *Searcher) addVirtualLoss(n *Node) {
	if s.opt.VirtualLoss == 0 {
		return
	}
	n.mu.Lock()
	n.virtualLoss += s.opt.VirtualLoss
	n.mu.Unlock()
}

// expand evaluates state at leaf, masks+renormalizes the policy to
// legal actions (applying the two-action-same-logit rule), and
// allocates child placeholders. Returns the value to back up, from
// leaf's own mover's perspective. parentRNN is the hidden state carried
// down from leaf's parent (nil for the root or a non-recurrent model);
// if s.eval implements RNNEvaluator, its output hidden state is stored
// on leaf for descendants to pick up.
func (s *Searcher) expand(leaf *Node, state game.GameState, parentRNN []float32) float32 {
	if state.Terminated() {
		player := state.CurrentPlayer()
		v := state.GetReward(player)
		leaf.mu.Lock()
		leaf.player = player
		leaf.terminal = true
		leaf.expanded = true
		leaf.visits = 1
		leaf.valueSum = v
		leaf.mu.Unlock()
		return v
	}

	var policy []float32
	var value float32
	if re, ok := s.eval.(RNNEvaluator); ok {
		var rnnOut []float32
		policy, value, rnnOut = re.InferRNN(state, parentRNN)
		leaf.SetRNNState(rnnOut)
	} else {
		policy, value = s.eval.Infer(state)
	}
	legal := state.LegalActions()

	priors := s.maskTwoActionSameLogit(policy, legal)

	leaf.mu.Lock()
	leaf.player = state.CurrentPlayer()
	leaf.children = leaf.children[:0]
	for i, a := range legal {
		id := s.storage.Alloc()
		child := s.storage.Node(id)
		child.parent = NoNode // arena is handle-based; path tracks ancestry, not back-pointers
		child.action = a
		child.prior = priors[i]
		leaf.children = append(leaf.children, id)
	}
	leaf.expanded = true
	leaf.visits = 1
	leaf.valueSum = value
	leaf.mu.Unlock()

	return value
}

// maskTwoActionSameLogit applies spec.md §4.5's rule: when multiple
// legal actions address the same policy cell (identified by Action.Hash
// when it is nonzero, otherwise by the (plane,y,x) triple), the first
// legal action consuming a cell keeps that cell's mass and every later
// action mapping to the same cell gets zero, then the result is
// renormalized over legal actions. The teacher's Polygames ancestor
// does this in logit space with a -400 sentinel (~exp(-400)=0); this
// actor's policy head is already a softmax probability vector (see
// dualnet.Dual.Forward), so the equivalent here zeroes the
// probability mass directly instead of subtracting 400 from a logit.
func (s *Searcher) maskTwoActionSameLogit(policy []float32, legal []game.Action) []float32 {
	out := make([]float32, len(legal))
	seen := make(map[uint64]bool, len(legal))
	var sum float32
	for i, a := range legal {
		key := a.Hash
		if key == 0 {
			key = uint64(a.Plane)<<40 | uint64(a.Y)<<20 | uint64(a.X)
		}
		if seen[key] {
			out[i] = 0
			continue
		}
		seen[key] = true
		idx := planeIndex(a, policy)
		var p float32
		if idx >= 0 && idx < len(policy) {
			p = policy[idx]
		}
		out[i] = p
		sum += p
	}
	if sum > math32.SmallestNonzeroFloat32 {
		for i := range out {
			out[i] /= sum
		}
	} else {
		uniform := float32(1) / float32(len(out))
		for i := range out {
			out[i] = uniform
		}
	}
	return out
}

// planeIndex flattens an Action's (Plane,Y,X) triple against a policy
// array shaped [P,H,W] in row-major order. Games with a 1-D action
// space (e.g. game.ToyMDP) report Plane=0, Y=0 and address the array
// directly by X.
func planeIndex(a game.Action, policy []float32) int {
	if a.Plane == 0 && a.Y == 0 && len(policy) > a.X {
		return a.X
	}
	return a.Index
}

// backup walks path from leaf to root, crediting each node with
// leafValue as-is if that node shares the leaf's mover, or its
// negation otherwise, and clearing virtual loss, per spec.md §4.5's
// "Backup" paragraph. path[0] is the root; path[len-1] is the leaf,
// whose own visit and value were already recorded by expand (first
// visit) or by playout (a revisited terminal or already-expanded leaf).
//
// Comparing movers per-node (instead of flipping sign at every level,
// which assumes strict 2-player alternation) keeps non-alternating
// games correct too: game.ToyMDP's single decision never hands the
// move to a second player, so its root and leaf share a mover and no
// flip should happen between them.
func (s *Searcher) backup(path []NodeID, leafValue float32) {
	leaf := s.storage.Node(path[len(path)-1])
	leaf.mu.Lock()
	leafPlayer := leaf.player
	leaf.mu.Unlock()

	for i := len(path) - 1; i >= 0; i-- {
		n := s.storage.Node(path[i])
		n.mu.Lock()
		v := leafValue
		if n.player != leafPlayer {
			v = -leafValue
		}
		if i != len(path)-1 {
			n.visits++
			n.valueSum += v
		}
		n.virtualLoss = 0
		n.mu.Unlock()

		if i > 0 {
			parent := s.storage.Node(path[i-1])
			parent.mu.Lock()
			parent.sumChildV += v
			parent.numChildV++
			parent.mu.Unlock()
		}
	}
}

func (s *Searcher) result(root *Node, state game.GameState) Result {
	root.mu.Lock()
	children := append([]NodeID(nil), root.children...)
	rootVisits := root.visits
	rootValueSum := root.valueSum
	root.mu.Unlock()

	policy := make([]float32, len(children))
	var totalVisits float32
	for i, id := range children {
		c := s.storage.Node(id)
		v := float32(c.Visits())
		policy[i] = v
		totalVisits += v
	}
	if totalVisits > 0 {
		for i := range policy {
			policy[i] /= totalVisits
		}
	}

	stepIdx := state.GetStepIdx()
	sampling := stepIdx < s.opt.SampleBeforeStepIdx

	var bestIdx int
	switch {
	case sampling && s.opt.SamplingMCTS:
		bestIdx = s.pickBestRejectionWeighted(children, policy)
	default:
		bestIdx = s.pickBest(children, sampling)
	}

	var best game.Action
	if bestIdx >= 0 {
		best = s.storage.Node(children[bestIdx]).Action()
	}

	rootValue := float32(0)
	if rootVisits > 0 {
		rootValue = rootValueSum / float32(rootVisits)
	}

	return Result{BestAction: best, Policy: policy, RootValue: rootValue}
}

// pickBest returns argmax-by-visits, or (when sample is set) a
// temperature-weighted sample over visit counts, grounded on the
// teacher's mcts/tree.go sampleChild (visits^(1/temperature), cumulative
// distribution sampling).
func (s *Searcher) pickBest(children []NodeID, sample bool) int {
	if len(children) == 0 {
		return -1
	}
	if !sample {
		best := 0
		bestVisits := uint32(0)
		for i, id := range children {
			v := s.storage.Node(id).Visits()
			if v > bestVisits {
				bestVisits = v
				best = i
			}
		}
		return best
	}

	temp := s.opt.Temperature
	if temp <= 0 {
		temp = 1
	}
	weights := make([]float32, len(children))
	var total float32
	for i, id := range children {
		v := float32(s.storage.Node(id).Visits())
		w := math32.Pow(v, 1/temp)
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return 0
	}
	r := s.rng.Float32() * total
	var accum float32
	for i, w := range weights {
		accum += w
		if r <= accum {
			return i
		}
	}
	return len(weights) - 1
}

// pickBestRejectionWeighted implements SamplingMCTS's distinct
// selection rule, ported line-for-line from original_source/src/mcts/
// utils.h:211-226's MctsResult::sample(): weight(p) =
// exp(p*p*2) - (1 - 0.5/n) over the already-normalized visit-count
// policy, selected by up to 4 rounds of rejection sampling against the
// policy's own max weight before falling back to exact weighted
// (CDF) sampling — distinct from pickBest's temperature/visits^(1/temp)
// scheme, which this never calls into.
func (s *Searcher) pickBestRejectionWeighted(children []NodeID, policy []float32) int {
	n := len(children)
	if n == 0 {
		return -1
	}

	weight := func(p float32) float32 {
		return math32.Exp(p*p*2) - (1 - 0.5/float32(n))
	}

	maxPolicy := float32(0)
	for _, p := range policy {
		if p > maxPolicy {
			maxPolicy = p
		}
	}
	maxWeight := weight(maxPolicy)

	for attempt := 0; attempt < 4; attempt++ {
		idx := s.rng.Intn(n)
		if s.rng.Float32() <= weight(policy[idx])/maxWeight {
			return idx
		}
	}

	weights := make([]float32, n)
	var sum float32
	for i, p := range policy {
		w := weight(p)
		weights[i] = w
		sum += w
	}
	if sum <= 0 {
		return 0
	}
	r := s.rng.Float32() * sum
	var accum float32
	for i, w := range weights {
		accum += w
		if r <= accum {
			return i
		}
	}
	return n - 1
}

// Reset discards the arena entirely, forcing the next Search to build
// a fresh tree from scratch.
func (s *Searcher) Reset() {
	s.storage.Reset()
	s.root = NoNode
}
