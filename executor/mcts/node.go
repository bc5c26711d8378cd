package mcts

import (
	"context"

	"github.com/brensch/hexzero/game"
)

// Root is the arena index of the root node. NoNode marks the root's parent.
const (
	Root   int32 = 0
	NoNode int32 = -1
)

// Node is one position in the search tree. Nodes live in Tree.Nodes and refer
// to each other by index; Parent is a back reference only.
//
// ValueSum is accumulated from the perspective of ToMove, the player about
// to move at this node.
type Node struct {
	Move    game.Move
	HasMove bool
	Parent  int32

	// Children are created together during expansion and occupy
	// Nodes[FirstChild : FirstChild+NumChildren] in legal-move order.
	FirstChild  int32
	NumChildren int32

	VisitCount int
	ValueSum   float64
	PriorProb  float64
	ToMove     game.Player
}

// Tree is an arena of nodes for a single move decision. It is discarded once
// the move is chosen.
type Tree struct {
	Nodes []Node
	// RootEncoding is the root position encoded for the root mover.
	RootEncoding []float32
	Size         int
}

func NewTree(size int, capacity int) *Tree {
	if capacity < 1 {
		capacity = 1
	}
	return &Tree{Size: size, Nodes: make([]Node, 0, capacity)}
}

func (t *Tree) addRoot(toMove game.Player) int32 {
	t.Nodes = append(t.Nodes[:0], Node{Parent: NoNode, FirstChild: NoNode, ToMove: toMove})
	return Root
}

// Expand appends one child per move with the given priors. Children move for
// the opponent of the parent. A node is expanded at most once.
func (t *Tree) Expand(parent int32, moves []game.Move, priors []float64) {
	if t.Nodes[parent].NumChildren > 0 || len(moves) == 0 {
		return
	}
	toMove := t.Nodes[parent].ToMove.Opponent()
	first := int32(len(t.Nodes))
	for i, m := range moves {
		t.Nodes = append(t.Nodes, Node{
			Move:       m,
			HasMove:    true,
			Parent:     parent,
			FirstChild: NoNode,
			PriorProb:  priors[i],
			ToMove:     toMove,
		})
	}
	p := &t.Nodes[parent]
	p.FirstChild = first
	p.NumChildren = int32(len(moves))
}

// Children returns the child nodes of idx. The slice aliases the arena and is
// invalidated by the next Expand.
func (t *Tree) Children(idx int32) []Node {
	n := t.Nodes[idx]
	if n.NumChildren == 0 {
		return nil
	}
	return t.Nodes[n.FirstChild : n.FirstChild+n.NumChildren]
}

// ChildIndex looks up the child of idx reached by m.
func (t *Tree) ChildIndex(idx int32, m game.Move) (int32, bool) {
	n := t.Nodes[idx]
	for c := n.FirstChild; c >= 0 && c < n.FirstChild+n.NumChildren; c++ {
		if t.Nodes[c].Move == m {
			return c, true
		}
	}
	return NoNode, false
}

// MostVisitedChild returns the first child with the highest visit count.
func (t *Tree) MostVisitedChild(idx int32) (int32, bool) {
	n := t.Nodes[idx]
	if n.NumChildren == 0 {
		return NoNode, false
	}
	best := n.FirstChild
	for c := n.FirstChild + 1; c < n.FirstChild+n.NumChildren; c++ {
		if t.Nodes[c].VisitCount > t.Nodes[best].VisitCount {
			best = c
		}
	}
	return best, true
}

// Q is the mean value of idx from its own mover's perspective.
func (t *Tree) Q(idx int32) float64 {
	n := t.Nodes[idx]
	if n.VisitCount == 0 {
		return 0
	}
	return n.ValueSum / float64(n.VisitCount)
}

// Depth counts edges from the root to idx.
func (t *Tree) Depth(idx int32) int {
	d := 0
	for t.Nodes[idx].Parent != NoNode {
		idx = t.Nodes[idx].Parent
		d++
	}
	return d
}

func (t *Tree) backpropagate(idx int32, value float64) {
	for idx != NoNode {
		n := &t.Nodes[idx]
		n.VisitCount++
		n.ValueSum += value
		value = -value
		idx = n.Parent
	}
}

// Config holds MCTS configuration
type Config struct {
	Cpuct            float64
	DirichletAlpha   float64
	DirichletEpsilon float64
}

// Predictor defines the interface for inference. Predict blocks the calling
// goroutine until the batched result is available.
type Predictor interface {
	Predict(ctx context.Context, input []float32) ([]float32, float32, error)
}

// ChildSummary is a compact representation of a child at the root level
type ChildSummary struct {
	Row        int     `json:"row"`
	Col        int     `json:"col"`
	VisitCount int     `json:"n"`
	Q          float64 `json:"q"`
	PriorProb  float64 `json:"p"`
}

// Summarize lists root children with Q from the root mover's perspective.
func Summarize(t *Tree) []ChildSummary {
	children := t.Children(Root)
	out := make([]ChildSummary, 0, len(children))
	for i, c := range children {
		out = append(out, ChildSummary{
			Row:        c.Move.Row,
			Col:        c.Move.Col,
			VisitCount: c.VisitCount,
			Q:          -t.Q(t.Nodes[Root].FirstChild + int32(i)),
			PriorProb:  c.PriorProb,
		})
	}
	return out
}
