package mcts

import (
	"context"

	"github.com/selfplay/core/game"
)

// PersistentTree lets a caller keep a Searcher's arena alive across
// moves, reusing the subtree under the action actually played instead
// of discarding the whole tree and re-expanding from scratch next
// turn. Grounded on the teacher's mcts/search.go updateRoot/
// newRootState/cleanup trio, generalized to the NodeID-handle arena:
// instead of walking move history to rediscover the new root
// (newRootState's UndoLastMove/Fwd replay dance), Advance takes the
// action index directly, since batchexec always knows exactly which
// action it just applied.
type PersistentTree struct {
	searcher *Searcher
}

// NewPersistentTree wraps searcher so its tree survives across Advance
// calls instead of being rebuilt by every Search.
func NewPersistentTree(searcher *Searcher) *PersistentTree {
	return &PersistentTree{searcher: searcher}
}

// Search delegates straight to the wrapped Searcher.
func (p *PersistentTree) Search(ctx context.Context, state game.GameState) (Result, error) {
	return p.searcher.Search(ctx, state)
}

// Advance moves the persistent root to the child matching actionIndex
// (the just-played action's position in the list the root was expanded
// with) and frees every sibling subtree, mirroring the teacher's
// cleanup(oldRoot, newRoot). If the root was never expanded, or no
// child matches, the tree is simply reset so the next Search starts
// fresh.
func (p *PersistentTree) Advance(actionIndex int) {
	s := p.searcher
	root := s.Root()
	if root == NoNode {
		return
	}
	node := s.storage.Node(root)
	node.mu.Lock()
	children := append([]NodeID(nil), node.children...)
	node.mu.Unlock()

	var newRoot NodeID = NoNode
	for _, id := range children {
		child := s.storage.Node(id)
		if child.Action().Index == actionIndex {
			newRoot = id
			break
		}
	}
	if newRoot == NoNode {
		s.Reset()
		return
	}

	for _, id := range children {
		if id != newRoot {
			p.freeSubtree(id)
		}
	}
	p.freeNodeOnly(root)
	s.SetRoot(newRoot)
}

// freeSubtree recursively returns id and its descendants to the arena.
func (p *PersistentTree) freeSubtree(id NodeID) {
	s := p.searcher
	node := s.storage.Node(id)
	node.mu.Lock()
	children := append([]NodeID(nil), node.children...)
	node.mu.Unlock()
	for _, c := range children {
		p.freeSubtree(c)
	}
	p.freeNodeOnly(id)
}

func (p *PersistentTree) freeNodeOnly(id NodeID) {
	p.searcher.storage.Free(id)
}
