package mcts

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/brensch/hexzero/game"
	"github.com/stretchr/testify/require"
)

// mockPredictor returns a fixed policy and value for every position.
type mockPredictor struct {
	policy func(n int) []float32
	value  float32
	err    error
	calls  int
}

func (m *mockPredictor) Predict(ctx context.Context, input []float32) ([]float32, float32, error) {
	m.calls++
	if m.err != nil {
		return nil, 0, m.err
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	n := len(input) / 3
	return m.policy(n), m.value, nil
}

func uniformPolicy(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1 / float32(n)
	}
	return out
}

func rampPolicy(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i + 1)
	}
	return out
}

func zeroPolicy(n int) []float32 { return make([]float32, n) }

func newSearch(p Predictor) *MCTS {
	return &MCTS{
		Config: Config{Cpuct: 1.5, DirichletAlpha: 0.3, DirichletEpsilon: 0.25},
		Client: p,
		Rng:    rand.New(rand.NewPCG(1, 2)),
	}
}

func sumPriors(t *Tree, idx int32) float64 {
	s := 0.0
	for _, c := range t.Children(idx) {
		s += c.PriorProb
	}
	return s
}

func TestSearchVisitInvariant(t *testing.T) {
	m := newSearch(&mockPredictor{policy: uniformPolicy, value: 0.1})
	board := game.NewBoard(4)

	for _, iterations := range []int{0, 1, 10, 200} {
		tree, err := m.Search(context.Background(), board, game.Red, iterations, false)
		require.NoError(t, err)

		total := 0
		for _, c := range tree.Children(Root) {
			total += c.VisitCount
		}
		require.Equal(t, iterations, total)
		require.Equal(t, iterations+1, tree.Nodes[Root].VisitCount)
	}
	require.Equal(t, 0, board.MoveCount(), "search must not touch the caller's board")
}

func TestExpansionPriorsSumToOne(t *testing.T) {
	cases := []struct {
		name   string
		policy func(int) []float32
	}{
		{"ramp", rampPolicy},
		{"uniform", uniformPolicy},
		{"zero mass falls back to uniform", zeroPolicy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newSearch(&mockPredictor{policy: tc.policy})
			board := game.NewBoard(3)
			require.NoError(t, board.Apply(game.Move{Row: 1, Col: 1}, game.Red))

			tree, err := m.Search(context.Background(), board, game.Black, 30, false)
			require.NoError(t, err)
			for idx := range tree.Nodes {
				if tree.Nodes[idx].NumChildren == 0 {
					continue
				}
				require.InDelta(t, 1.0, sumPriors(tree, int32(idx)), 1e-9)
			}
		})
	}
}

func TestZeroPolicyIsUniform(t *testing.T) {
	m := newSearch(&mockPredictor{policy: zeroPolicy})
	tree, err := m.Search(context.Background(), game.NewBoard(2), game.Red, 0, false)
	require.NoError(t, err)
	for _, c := range tree.Children(Root) {
		require.InDelta(t, 0.25, c.PriorProb, 1e-12)
	}
}

func TestBlackPriorsUseTransposedIndex(t *testing.T) {
	m := newSearch(&mockPredictor{policy: rampPolicy})
	tree, err := m.Search(context.Background(), game.NewBoard(2), game.Black, 0, false)
	require.NoError(t, err)

	// ramp 1..4 over canonical indices; black's (0,1) is canonical index 2.
	idx, ok := tree.ChildIndex(Root, game.Move{Row: 0, Col: 1})
	require.True(t, ok)
	require.InDelta(t, 3.0/10.0, tree.Nodes[idx].PriorProb, 1e-9)
}

func TestBackpropagationAlternatesSign(t *testing.T) {
	tree := NewTree(3, 8)
	tree.addRoot(game.Red)
	tree.Expand(Root, []game.Move{{Row: 0, Col: 0}}, []float64{1})
	child := tree.Nodes[Root].FirstChild
	tree.Expand(child, []game.Move{{Row: 1, Col: 1}}, []float64{1})
	grandchild := tree.Nodes[child].FirstChild

	tree.backpropagate(grandchild, 0.5)

	leafDepth := tree.Depth(grandchild)
	for _, idx := range []int32{Root, child, grandchild} {
		want := 0.5
		if (leafDepth-tree.Depth(idx))%2 == 1 {
			want = -0.5
		}
		require.Equal(t, want, tree.Nodes[idx].ValueSum)
		require.Equal(t, 1, tree.Nodes[idx].VisitCount)
	}
	require.Equal(t, game.Black, tree.Nodes[child].ToMove)
	require.Equal(t, game.Red, tree.Nodes[grandchild].ToMove)
}

func TestSizeOneBoard(t *testing.T) {
	p := &mockPredictor{policy: uniformPolicy}
	m := newSearch(p)
	for _, iterations := range []int{1, 5, 64} {
		p.calls = 0
		tree, err := m.Search(context.Background(), game.NewBoard(1), game.Red, iterations, true)
		require.NoError(t, err)

		children := tree.Children(Root)
		require.Len(t, children, 1)
		require.Equal(t, game.Move{}, children[0].Move)
		require.Equal(t, iterations, children[0].VisitCount)
		// only the root expansion reaches the network; the single child is terminal
		require.Equal(t, 1, p.calls)
		require.Equal(t, float64(-iterations), children[0].ValueSum)
	}
}

func TestFindsWinningMove(t *testing.T) {
	board := game.NewBoard(3)
	require.NoError(t, board.Apply(game.Move{Row: 0, Col: 0}, game.Red))
	require.NoError(t, board.Apply(game.Move{Row: 0, Col: 2}, game.Black))
	require.NoError(t, board.Apply(game.Move{Row: 1, Col: 0}, game.Red))
	require.NoError(t, board.Apply(game.Move{Row: 1, Col: 2}, game.Black))

	m := newSearch(&mockPredictor{policy: uniformPolicy})
	tree, err := m.Search(context.Background(), board, game.Red, 150, false)
	require.NoError(t, err)

	win, ok := tree.ChildIndex(Root, game.Move{Row: 2, Col: 0})
	require.True(t, ok)
	for i, c := range tree.Children(Root) {
		idx := tree.Nodes[Root].FirstChild + int32(i)
		if idx == win {
			continue
		}
		require.Greater(t, tree.Nodes[win].VisitCount, c.VisitCount, "move %s", c.Move)
	}
	best, _ := tree.MostVisitedChild(Root)
	require.Equal(t, win, best)
}

func TestTieBreakIsRowMajor(t *testing.T) {
	m := newSearch(&mockPredictor{policy: uniformPolicy})
	tree, err := m.Search(context.Background(), game.NewBoard(3), game.Red, 1, false)
	require.NoError(t, err)
	first := tree.Children(Root)[0]
	require.Equal(t, game.Move{Row: 0, Col: 0}, first.Move)
	require.Equal(t, 1, first.VisitCount)
}

func TestInferenceFailureIsFatal(t *testing.T) {
	boom := errors.New("session exploded")
	m := newSearch(&mockPredictor{policy: uniformPolicy, err: boom})
	board := game.NewBoard(3)

	_, err := m.Search(context.Background(), board, game.Red, 10, false)
	require.Error(t, err)
	var infErr *InferenceError
	require.True(t, errors.As(err, &infErr))
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, board.MoveCount())
}

// failAfter succeeds for the first n calls.
type failAfter struct {
	n     int
	calls int
}

func (f *failAfter) Predict(ctx context.Context, input []float32) ([]float32, float32, error) {
	f.calls++
	if f.calls > f.n {
		return nil, 0, errors.New("worker gone")
	}
	return uniformPolicy(len(input) / 3), 0, nil
}

func TestMidSearchFailureLeavesWorkingBoardIntact(t *testing.T) {
	p := &failAfter{n: 3}
	m := newSearch(p)
	_, err := m.Search(context.Background(), game.NewBoard(3), game.Red, 20, false)
	var infErr *InferenceError
	require.True(t, errors.As(err, &infErr))
	require.Equal(t, 4, p.calls)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := newSearch(&mockPredictor{policy: uniformPolicy})
	_, err := m.Search(ctx, game.NewBoard(3), game.Red, 5, false)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTerminalRootIsNotExpanded(t *testing.T) {
	board := game.NewBoard(1)
	require.NoError(t, board.Apply(game.Move{}, game.Red))
	p := &mockPredictor{policy: uniformPolicy}
	tree, err := newSearch(p).Search(context.Background(), board, game.Black, 10, false)
	require.NoError(t, err)
	require.Empty(t, tree.Children(Root))
	require.Zero(t, p.calls)
}

func visitTree(visits []int) *Tree {
	tree := NewTree(2, 8)
	tree.addRoot(game.Red)
	moves := []game.Move{{Row: 0, Col: 0}, {Row: 0, Col: 1}, {Row: 1, Col: 0}, {Row: 1, Col: 1}}
	tree.Expand(Root, moves[:len(visits)], make([]float64, len(visits)))
	for i, v := range visits {
		tree.Nodes[tree.Nodes[Root].FirstChild+int32(i)].VisitCount = v
	}
	return tree
}

func TestSearchPolicyTemperature(t *testing.T) {
	t.Run("zero temperature is one-hot on max", func(t *testing.T) {
		policy := SearchPolicy(visitTree([]int{3, 9, 9, 1}), 0)
		require.Equal(t, []float32{0, 1, 0, 0}, policy)
	})

	t.Run("unit temperature is proportional", func(t *testing.T) {
		policy := SearchPolicy(visitTree([]int{1, 2, 3, 4}), 1)
		for i, want := range []float64{0.1, 0.2, 0.3, 0.4} {
			require.InDelta(t, want, policy[i], 1e-6)
		}
	})

	t.Run("low temperature sharpens", func(t *testing.T) {
		policy := SearchPolicy(visitTree([]int{1, 2, 3, 4}), 0.5)
		sum := float32(0)
		for _, p := range policy {
			sum += p
		}
		require.InDelta(t, 1.0, sum, 1e-6)
		require.InDelta(t, 16.0/30.0, policy[3], 1e-6)
	})

	t.Run("black policy uses canonical indices", func(t *testing.T) {
		tree := visitTree([]int{0, 5, 0, 0})
		tree.Nodes[Root].ToMove = game.Black
		policy := SearchPolicy(tree, 0)
		// black (0,1) -> canonical index 2
		require.Equal(t, float32(1), policy[2])
	})
}

func TestDirichletNoiseKeepsSimplex(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	for trial := 0; trial < 50; trial++ {
		m := newSearch(&mockPredictor{policy: rampPolicy})
		tree, err := m.Search(context.Background(), game.NewBoard(5), game.Red, 0, false)
		require.NoError(t, err)

		AddDirichletNoise(tree, rng, 0.03+float64(trial)*0.05, 0.25)
		sum := 0.0
		for _, c := range tree.Children(Root) {
			require.GreaterOrEqual(t, c.PriorProb, 0.0)
			require.False(t, math.IsNaN(c.PriorProb))
			sum += c.PriorProb
		}
		require.InDelta(t, 1.0, sum, 1e-9)
	}
}

func TestSampleIndexSkipsZeros(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	probs := []float32{0, 0.5, 0, 0.5}
	for i := 0; i < 200; i++ {
		idx := SampleIndex(rng, probs)
		require.Contains(t, []int{1, 3}, idx)
	}
}

func TestPolicyByMove(t *testing.T) {
	tree := visitTree([]int{1, 3})
	tree.Nodes[Root].ToMove = game.Black
	byMove := PolicyByMove(tree, 1)
	require.Len(t, byMove, 2)
	require.InDelta(t, 0.25, byMove[game.Move{Row: 0, Col: 0}], 1e-6)
	require.InDelta(t, 0.75, byMove[game.Move{Row: 0, Col: 1}], 1e-6)
}
