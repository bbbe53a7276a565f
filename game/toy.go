package game

// ToyMDP is a deterministic single-player fixture used to exercise the
// mcts package against a known-good answer (spec.md §8 E4): three
// actions from the root, each leading straight to a terminal state with
// a fixed reward. It requires no neural network: ToyPolicy below
// supplies a uniform prior so tests can run mcts against it directly.
type ToyMDP struct {
	rewards []float32
	acted   bool
	action  int
	step    int
}

// NewToyMDP builds a toy MDP with the given terminal rewards, one per
// root action.
func NewToyMDP(rewards []float32) *ToyMDP {
	return &ToyMDP{rewards: rewards}
}

func (t *ToyMDP) Initialize() {}
func (t *ToyMDP) Reset() {
	t.acted = false
	t.action = -1
	t.step = 0
}

func (t *ToyMDP) Clone() GameState {
	cp := *t
	return &cp
}

func (t *ToyMDP) CurrentPlayer() int { return 0 }

func (t *ToyMDP) Status() Status {
	if !t.acted {
		return P0Turn
	}
	if t.rewards[t.action] > 0 {
		return P0Win
	}
	return Tie
}

func (t *ToyMDP) Terminated() bool { return t.acted }

func (t *ToyMDP) LegalActions() []Action {
	if t.acted {
		return nil
	}
	actions := make([]Action, len(t.rewards))
	for i := range t.rewards {
		actions[i] = Action{Plane: 0, Y: 0, X: i, Index: i}
	}
	return actions
}

func (t *ToyMDP) Forward(actionIndex int) bool {
	if t.acted || actionIndex < 0 || actionIndex >= len(t.rewards) {
		return false
	}
	t.acted = true
	t.action = actionIndex
	t.step++
	return true
}

func (t *ToyMDP) GetFeatures() []float32 { return []float32{float32(t.step)} }
func (t *ToyMDP) GetFeatureSize() Size   { return Size{C: 1, H: 1, W: 1} }
func (t *ToyMDP) GetRawFeatures() []float32 { return t.GetFeatures() }
func (t *ToyMDP) GetRawFeatureSize() Size   { return t.GetFeatureSize() }
func (t *ToyMDP) GetActionSize() Size       { return Size{C: 1, H: 1, W: len(t.rewards)} }

func (t *ToyMDP) GetReward(player int) float32 {
	if !t.acted {
		return 0
	}
	r := t.rewards[t.action]
	if player != 0 {
		return -r
	}
	return r
}

func (t *ToyMDP) GetStepIdx() int { return t.step }
func (t *ToyMDP) GetMoves() []Action {
	if !t.acted {
		return nil
	}
	return []Action{{Index: t.action}}
}
func (t *ToyMDP) History() string { return "" }

func (t *ToyMDP) GetRandomRolloutReward(player int) float32 {
	// Deterministic MDP: average of all actions approximates a
	// uniform-random policy rollout.
	var sum float32
	for _, r := range t.rewards {
		sum += r
	}
	avg := sum / float32(len(t.rewards))
	if player != 0 {
		return -avg
	}
	return avg
}

func (t *ToyMDP) IsStochastic() bool    { return false }
func (t *ToyMDP) StochasticReset()      {}
func (t *ToyMDP) OverrideAction() *int  { return nil }

// ToyPolicy is a trivial Inferencer-style policy: uniform prior over
// ActionSpace, zero value. Used so mcts tests can evaluate leaves
// without needing dualnet wired up.
type ToyPolicy struct {
	ActionSpace int
}

// Infer returns a uniform policy over ActionSpace and a value of 0;
// the actual leaf value used by mcts tests comes from terminal rewards.
func (p ToyPolicy) Infer(_ GameState) ([]float32, float32) {
	policy := make([]float32, p.ActionSpace)
	prob := float32(1) / float32(p.ActionSpace)
	for i := range policy {
		policy[i] = prob
	}
	return policy, 0
}
