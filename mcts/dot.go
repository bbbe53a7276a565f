package mcts

import (
	"fmt"

	"github.com/awalterschulze/gographviz"
)

// DOT renders the current tree rooted at s.Root() as a Graphviz DOT
// document, for offline debugging of search behavior. Grounded on
// spec.md's allowance for an optional tree dump; the teacher's go.mod
// already carries gographviz for exactly this kind of ad-hoc structure
// visualization.
func (s *Searcher) DOT() (string, error) {
	g := gographviz.NewGraph()
	if err := g.SetName("mcts"); err != nil {
		return "", err
	}
	if err := g.SetDir(true); err != nil {
		return "", err
	}
	if s.root == NoNode {
		return g.String(), nil
	}
	if err := s.dotWalk(g, s.root, nil); err != nil {
		return "", err
	}
	return g.String(), nil
}

func (s *Searcher) dotWalk(g *gographviz.Graph, id NodeID, parentLabel *string) error {
	n := s.storage.Node(id)
	n.mu.Lock()
	visits := n.visits
	prior := n.prior
	q := n.qLocked()
	children := append([]NodeID(nil), n.children...)
	n.mu.Unlock()

	label := fmt.Sprintf("n%d", id)
	attrs := map[string]string{
		"label": fmt.Sprintf("\"N=%d P=%.3f Q=%.3f\"", visits, prior, q),
	}
	if err := g.AddNode("mcts", label, attrs); err != nil {
		return err
	}
	if parentLabel != nil {
		if err := g.AddEdge(*parentLabel, label, true, nil); err != nil {
			return err
		}
	}
	for _, c := range children {
		if err := s.dotWalk(g, c, &label); err != nil {
			return err
		}
	}
	return nil
}
