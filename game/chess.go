package game

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/notnil/chess"
)

// chessActionPlanes follows the standard AlphaZero chess encoding: 56
// queen-move planes (8 directions x 7 distances), 8 knight-move planes,
// and 9 underpromotion planes (3 directions x {knight, bishop, rook}).
const chessActionPlanes = 73

var queenDirs = [8][2]int{
	{0, 1}, {1, 1}, {1, 0}, {1, -1},
	{0, -1}, {-1, -1}, {-1, 0}, {-1, 1},
}

var knightDirs = [8][2]int{
	{1, 2}, {2, 1}, {2, -1}, {1, -2},
	{-1, -2}, {-2, -1}, {-2, 1}, {-1, 2},
}

var underpromoPieces = [3]chess.PieceType{chess.Knight, chess.Bishop, chess.Rook}

// Chess is a reference GameState implementation wrapping notnil/chess.
// It is a fixture used by tests and the eval binary to demonstrate how
// an external game plugs into the core, not part of the core itself
// (spec.md §1's concrete-game-implementations non-goal).
type Chess struct {
	mu      sync.Mutex
	history []*chess.Game
	ptr     int
	step    int
}

// NewChessGame returns a fresh Chess state at the standard starting
// position.
func NewChessGame() *Chess {
	return &Chess{
		history: []*chess.Game{chess.NewGame(chess.UseNotation(chess.UCINotation{}))},
	}
}

func (g *Chess) game() *chess.Game { return g.history[g.ptr] }

func (g *Chess) Initialize() {}

func (g *Chess) Reset() {
	g.history = g.history[:1]
	g.ptr = 0
	g.step = 0
}

func (g *Chess) Clone() GameState {
	g.mu.Lock()
	defer g.mu.Unlock()
	hist := make([]*chess.Game, len(g.history))
	copy(hist, g.history)
	return &Chess{history: hist, ptr: g.ptr, step: g.step}
}

func (g *Chess) CurrentPlayer() int {
	if g.game().Position().Turn() == chess.White {
		return 0
	}
	return 1
}

func (g *Chess) Status() Status {
	switch g.game().Outcome() {
	case chess.NoOutcome:
		if g.CurrentPlayer() == 0 {
			return P0Turn
		}
		return P1Turn
	case chess.Draw:
		return Tie
	case chess.WhiteWon:
		return P0Win
	default:
		return P1Win
	}
}

func (g *Chess) Terminated() bool { return g.game().Outcome() != chess.NoOutcome }

func (g *Chess) LegalActions() []Action {
	if g.Terminated() {
		return nil
	}
	moves := g.game().ValidMoves()
	actions := make([]Action, len(moves))
	for i, m := range moves {
		plane, y, x := encodeChessMove(m)
		actions[i] = Action{Plane: plane, Y: y, X: x, Index: i, Hash: uint64(m.S1())<<16 | uint64(m.S2())}
	}
	return actions
}

// Forward applies the legal move at the given position in the current
// LegalActions() list.
func (g *Chess) Forward(actionIndex int) bool {
	moves := g.game().ValidMoves()
	if actionIndex < 0 || actionIndex >= len(moves) {
		return false
	}
	newG := g.game().Clone()
	if err := newG.Move(moves[actionIndex]); err != nil {
		return false
	}
	g.ptr++
	if g.ptr >= len(g.history) {
		g.history = append(g.history, newG)
	} else {
		g.history[g.ptr] = newG
	}
	g.step++
	return true
}

// GetFeatures encodes the board as a single plane of piece values plus a
// side-to-move plane, folding in what the teacher's InputEncoder did.
func (g *Chess) GetFeatures() []float32 {
	board := g.game().Position().Board()
	m := board.SquareMap()
	pieces := make([]float32, 8*8)
	for sq, piece := range m {
		if piece == chess.NoPiece {
			pieces[int(sq)] = 0.001
		} else {
			pieces[int(sq)] = float32(piece)
		}
	}
	turn := make([]float32, 8*8)
	t := float32(g.game().Position().Turn())
	for i := range turn {
		turn[i] = t
	}
	return append(pieces, turn...)
}

func (g *Chess) GetFeatureSize() Size { return Size{C: 2, H: 8, W: 8} }

func (g *Chess) GetRawFeatures() []float32 { return g.GetFeatures() }
func (g *Chess) GetRawFeatureSize() Size   { return g.GetFeatureSize() }

func (g *Chess) GetActionSize() Size { return Size{C: chessActionPlanes, H: 8, W: 8} }

func (g *Chess) GetReward(player int) float32 {
	switch g.game().Outcome() {
	case chess.Draw, chess.NoOutcome:
		return 0
	case chess.WhiteWon:
		if player == 0 {
			return 1
		}
		return -1
	default:
		if player == 1 {
			return 1
		}
		return -1
	}
}

func (g *Chess) GetStepIdx() int { return g.step }

func (g *Chess) GetMoves() []Action {
	moves := g.game().Moves()
	actions := make([]Action, len(moves))
	for i, m := range moves {
		plane, y, x := encodeChessMove(m)
		actions[i] = Action{Plane: plane, Y: y, X: x, Index: i}
	}
	return actions
}

func (g *Chess) History() string { return g.game().String() }

func (g *Chess) GetRandomRolloutReward(player int) float32 {
	var sum float32
	for i := 0; i < RolloutSamples; i++ {
		cp := g.Clone().(*Chess)
		for !cp.Terminated() {
			moves := cp.LegalActions()
			if len(moves) == 0 {
				break
			}
			if !cp.Forward(moves[rand.Intn(len(moves))].Index) {
				break
			}
		}
		sum += cp.GetReward(player)
	}
	return sum / RolloutSamples
}

func (g *Chess) IsStochastic() bool   { return false }
func (g *Chess) StochasticReset()     {}
func (g *Chess) OverrideAction() *int { return nil }

// ShowBoard prints the current board, used by cmd/eval's human mode.
func (g *Chess) ShowBoard() {
	fmt.Println(g.game().Position().Board().Draw())
}

// encodeChessMove maps a legal move to a (plane, y, x) cell in the
// 73x8x8 policy tensor using the standard AlphaZero chess encoding.
func encodeChessMove(m *chess.Move) (plane, y, x int) {
	from, to := m.S1(), m.S2()
	fx, fy := int(from)%8, int(from)/8
	tx, ty := int(to)%8, int(to)/8
	dx, dy := tx-fx, ty-fy

	if promo := m.Promo(); promo != chess.NoPieceType && promo != chess.Queen {
		dir := dx
		for i, pt := range underpromoPieces {
			if pt == promo {
				plane = 64 + (dir+1)*3 + i
				break
			}
		}
		return plane, fy, fx
	}

	for i, d := range knightDirs {
		if d[0] == dx && d[1] == dy {
			return 56 + i, fy, fx
		}
	}

	for i, d := range queenDirs {
		if dist := chebyshevSteps(dx, dy, d); dist > 0 {
			return i*7 + (dist - 1), fy, fx
		}
	}
	return 0, fy, fx
}

// chebyshevSteps returns the number of unit steps of direction d needed
// to reach (dx, dy), or 0 if (dx, dy) is not a multiple of d.
func chebyshevSteps(dx, dy int, d [2]int) int {
	if d[0] == 0 {
		if dx != 0 || dy == 0 || (dy > 0) != (d[1] > 0) {
			return 0
		}
		return abs(dy)
	}
	if d[1] == 0 {
		if dy != 0 || dx == 0 || (dx > 0) != (d[0] > 0) {
			return 0
		}
		return abs(dx)
	}
	if dx == 0 || dy == 0 || abs(dx) != abs(dy) {
		return 0
	}
	if (dx > 0) != (d[0] > 0) || (dy > 0) != (d[1] > 0) {
		return 0
	}
	return abs(dx)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
