package mcts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/brensch/hexzero/executor/convert"
	"github.com/brensch/hexzero/game"
)

// InferenceError wraps a failed Predict call. It is fatal to the search that
// issued it and is never retried.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return "inference failed: " + e.Err.Error()
}

func (e *InferenceError) Unwrap() error { return e.Err }

var ErrNilBoard = errors.New("search needs a board")

// MCTS holds the search context. An instance is owned by one game; Rng is
// not safe for concurrent use.
type MCTS struct {
	Config Config
	Client Predictor
	Rng    *rand.Rand
}

// Search runs iterations of PUCT selection, batched leaf evaluation and
// backpropagation from board with toMove to play. The root is expanded
// before the first iteration. With training set, Dirichlet noise is mixed
// into the root priors.
//
// board is never modified; a single working copy is walked with apply/undo.
func (m *MCTS) Search(ctx context.Context, board *game.Board, toMove game.Player, iterations int, training bool) (*Tree, error) {
	if board == nil {
		return nil, ErrNilBoard
	}
	if m.Client == nil {
		return nil, errors.New("search needs a predictor")
	}
	if iterations < 0 {
		iterations = 0
	}

	work := board.CheapCopy()
	size := work.Size()
	tree := NewTree(size, 1+4*len(work.LegalMoves()))
	tree.addRoot(toMove)
	if work.IsTerminal() {
		return tree, nil
	}

	tree.RootEncoding = convert.Encode(work, toMove)
	value, err := m.expand(ctx, tree, Root, work, tree.RootEncoding)
	if err != nil {
		return nil, fmt.Errorf("expand root: %w", err)
	}
	tree.backpropagate(Root, value)

	if training {
		AddDirichletNoise(tree, m.Rng, m.Config.DirichletAlpha, m.Config.DirichletEpsilon)
	}

	for i := 0; i < iterations; i++ {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("search iteration %d: %w", i, ctx.Err())
			default:
			}
		}
		if err := m.iterate(ctx, tree, work); err != nil {
			return nil, fmt.Errorf("search iteration %d: %w", i, err)
		}
	}
	return tree, nil
}

// pathGuard tracks moves applied to the working board so every exit path
// restores the root position.
type pathGuard struct {
	board   *game.Board
	applied int
}

func (g *pathGuard) apply(mv game.Move, p game.Player) error {
	if err := g.board.Apply(mv, p); err != nil {
		return err
	}
	g.applied++
	return nil
}

func (g *pathGuard) undo() {
	for ; g.applied > 0; g.applied-- {
		g.board.Undo()
	}
}

func (m *MCTS) iterate(ctx context.Context, tree *Tree, work *game.Board) error {
	path := pathGuard{board: work}
	defer path.undo()

	// Selection
	idx := Root
	for tree.Nodes[idx].NumChildren > 0 {
		mover := tree.Nodes[idx].ToMove
		idx = m.selectChild(tree, idx)
		if err := path.apply(tree.Nodes[idx].Move, mover); err != nil {
			return fmt.Errorf("apply selected move: %w", err)
		}
	}

	// Expansion & Evaluation
	var value float64
	if work.IsTerminal() {
		value = terminalValue(work, tree.Nodes[idx].ToMove)
	} else {
		size := work.Size()
		ptr := convert.GetFloatBuffer(size)
		convert.EncodeInto(*ptr, work, tree.Nodes[idx].ToMove)
		v, err := m.expand(ctx, tree, idx, work, *ptr)
		if err != nil {
			// The request may still be queued; let the buffer go to the GC.
			return err
		}
		convert.PutFloatBuffer(size, ptr)
		value = v
	}

	// Backpropagation
	tree.backpropagate(idx, value)
	return nil
}

func (m *MCTS) selectChild(tree *Tree, idx int32) int32 {
	parent := tree.Nodes[idx]
	sqrtN := math.Sqrt(float64(parent.VisitCount))

	best := parent.FirstChild
	bestScore := math.Inf(-1)
	for c := parent.FirstChild; c < parent.FirstChild+parent.NumChildren; c++ {
		child := &tree.Nodes[c]
		q := 0.0
		if child.VisitCount > 0 {
			// child values are stored for the opponent
			q = -child.ValueSum / float64(child.VisitCount)
		}
		// PUCT: Q(s,a) + C_puct * P(s,a) * sqrt(N(s)) / (1 + N(s,a))
		u := m.Config.Cpuct * child.PriorProb * sqrtN / (1 + float64(child.VisitCount))
		if score := q + u; score > bestScore {
			bestScore = score
			best = c
		}
	}
	return best
}

// expand evaluates the position at idx, creates its children and returns
// the value from the mover's perspective.
func (m *MCTS) expand(ctx context.Context, tree *Tree, idx int32, work *game.Board, input []float32) (float64, error) {
	policy, value, err := m.Client.Predict(ctx, input)
	if err != nil {
		return 0, &InferenceError{Err: err}
	}

	mover := tree.Nodes[idx].ToMove
	size := work.Size()
	moves := work.LegalMoves()
	priors := make([]float64, len(moves))
	sum := 0.0
	for i, mv := range moves {
		pi := convert.PolicyIndex(mv, mover, size)
		if pi >= len(policy) {
			continue
		}
		p := float64(policy[pi])
		if p > 0 && !math.IsInf(p, 0) {
			priors[i] = p
			sum += p
		}
	}
	normalizePriors(priors, sum)
	tree.Expand(idx, moves, priors)

	v := float64(value)
	if math.IsNaN(v) {
		v = 0
	}
	return math.Max(-1, math.Min(1, v)), nil
}

// normalizePriors scales priors to sum to 1, or sets them uniform when the
// raw mass is not positive.
func normalizePriors(priors []float64, sum float64) {
	if len(priors) == 0 {
		return
	}
	if !(sum > 0) || math.IsInf(sum, 0) {
		u := 1 / float64(len(priors))
		for i := range priors {
			priors[i] = u
		}
		return
	}
	for i := range priors {
		priors[i] /= sum
	}
}

// terminalValue scores a decided board for toMove.
func terminalValue(board *game.Board, toMove game.Player) float64 {
	if board.Winner() == toMove {
		return 1
	}
	return -1
}
