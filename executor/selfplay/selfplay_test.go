package selfplay

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brensch/hexzero/config"
	"github.com/brensch/hexzero/executor/convert"
	"github.com/brensch/hexzero/executor/inference"
	"github.com/brensch/hexzero/executor/mcts"
	"github.com/brensch/hexzero/game"
	"github.com/brensch/hexzero/model"
	"github.com/brensch/hexzero/store"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/require"
)

// uniformPredictor answers every position with a flat policy and value 0.
type uniformPredictor struct{}

func (uniformPredictor) Predict(ctx context.Context, input []float32) ([]float32, float32, error) {
	n := len(input) / convert.Planes
	policy := make([]float32, n)
	for i := range policy {
		policy[i] = 1 / float32(n)
	}
	return policy, 0, ctx.Err()
}

func newSearcher(seed uint64) *mcts.MCTS {
	return &mcts.MCTS{
		Config: mcts.Config{Cpuct: 1.5, DirichletAlpha: 0.3, DirichletEpsilon: 0.25},
		Client: uniformPredictor{},
		Rng:    rand.New(rand.NewPCG(seed, seed+1)),
	}
}

func TestPlayGameRecordsEveryPly(t *testing.T) {
	moves := 0
	examples, result, err := PlayGame(context.Background(), newSearcher(1), 3, GameOptions{Iterations: 16, Temperature: 1}, func() { moves++ })
	require.NoError(t, err)

	require.NotEqual(t, game.Empty, result.Winner)
	require.Equal(t, result.Plies, len(examples))
	require.Equal(t, result.Plies, moves)

	for i, ex := range examples {
		require.Equal(t, i, ex.Ply)
		require.Len(t, ex.Encoding, convert.InputSize(3))
		require.Len(t, ex.Policy, 9)
		want := game.Red
		if i%2 == 1 {
			want = game.Black
		}
		require.Equal(t, want, ex.Mover)

		sum := float32(0)
		for _, p := range ex.Policy {
			sum += p
		}
		require.InDelta(t, 1.0, sum, 1e-5)

		if ex.Mover == result.Winner {
			require.Equal(t, float32(1), ex.Value)
		} else {
			require.Equal(t, float32(-1), ex.Value)
		}
		if i > 0 {
			require.Equal(t, -examples[i-1].Value, ex.Value, "value sign alternates with ply")
		}
	}
	// the last mover made the connection
	require.Equal(t, result.Winner, examples[len(examples)-1].Mover)
}

func TestPlayGameTemperatureDrop(t *testing.T) {
	examples, _, err := PlayGame(context.Background(), newSearcher(2), 4, GameOptions{Iterations: 12, Temperature: 1, TemperatureMoves: 2}, nil)
	require.NoError(t, err)
	require.Greater(t, len(examples), 2)

	for _, ex := range examples[2:] {
		ones := 0
		for _, p := range ex.Policy {
			switch p {
			case 0:
			case 1:
				ones++
			default:
				t.Fatalf("ply %d: policy is not one-hot: %v", ex.Ply, ex.Policy)
			}
		}
		require.Equal(t, 1, ones)
	}
}

func TestPlayGameSizeOne(t *testing.T) {
	examples, result, err := PlayGame(context.Background(), newSearcher(3), 1, GameOptions{Iterations: 4, Temperature: 1}, nil)
	require.NoError(t, err)
	require.Equal(t, game.Red, result.Winner)
	require.Len(t, examples, 1)
	require.Equal(t, []float32{1}, examples[0].Policy)
	require.Equal(t, float32(1), examples[0].Value)
}

func TestPlayGameCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := PlayGame(ctx, newSearcher(4), 3, GameOptions{Iterations: 4, Temperature: 1}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAssignOutcome(t *testing.T) {
	examples := []Example{{Mover: game.Red}, {Mover: game.Black}, {Mover: game.Red}}
	AssignOutcome(examples, game.Black)
	require.Equal(t, []float32{-1, 1, -1}, []float32{examples[0].Value, examples[1].Value, examples[2].Value})
}

func TestPlayMatchAlternatesColors(t *testing.T) {
	a := RandomPlayer{Rng: rand.New(rand.NewPCG(1, 1))}
	b := RandomPlayer{Rng: rand.New(rand.NewPCG(2, 2))}
	res, err := PlayMatch(context.Background(), 3, a, b, 9)
	require.NoError(t, err)
	require.Equal(t, 9, res.Games)
	require.Equal(t, 9, res.Wins+res.Losses)
	require.Equal(t, res.Wins, res.WinsAsRed+res.WinsAsBlack)
	require.InDelta(t, float64(res.Wins)/9, res.WinRate(), 1e-12)

	// size one: red always wins, so the candidate wins exactly its red games
	res, err = PlayMatch(context.Background(), 1, a, b, 5)
	require.NoError(t, err)
	require.Equal(t, 3, res.Wins)
	require.Equal(t, 3, res.WinsAsRed)
	require.Zero(t, res.WinsAsBlack)

	require.Zero(t, MatchResult{}.WinRate())
}

func TestSearchPlayerTakesWin(t *testing.T) {
	board := game.NewBoard(3)
	require.NoError(t, board.Apply(game.Move{Row: 0, Col: 0}, game.Red))
	require.NoError(t, board.Apply(game.Move{Row: 0, Col: 2}, game.Black))
	require.NoError(t, board.Apply(game.Move{Row: 1, Col: 0}, game.Red))
	require.NoError(t, board.Apply(game.Move{Row: 1, Col: 2}, game.Black))

	p := SearchPlayer{Searcher: newSearcher(5), Iterations: 150}
	move, err := p.SelectMove(context.Background(), board, game.Red)
	require.NoError(t, err)
	require.Equal(t, game.Move{Row: 2, Col: 0}, move)
}

func TestRenderBoardAscii(t *testing.T) {
	board := game.NewBoard(2)
	require.NoError(t, board.Apply(game.Move{Row: 0, Col: 0}, game.Red))
	require.NoError(t, board.Apply(game.Move{Row: 1, Col: 1}, game.Black))

	want := "" +
		"   a b \n" +
		" 1 R . \n" +
		" 2  . B \n"
	require.Equal(t, want, RenderBoard(board, termenv.Ascii))
}

func trainerConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Build(config.Default(),
		config.WithBoardSize(3),
		config.WithHiddenUnits(8),
		config.WithGamesPerGeneration(4),
		config.WithEpochs(1),
		config.WithEvalGames(2),
		config.WithEvalIterations(4),
		config.WithSnapshotPath(filepath.Join(dir, "models", "hex.snapshot")),
		config.WithDataDir(filepath.Join(dir, "data")),
		config.WithSeed(7),
		config.WithMaxBatchSize(4),
		config.WithMaxBatchWait(time.Millisecond),
	)
	require.NoError(t, err)
	return cfg
}

type replicaSet struct {
	master   *model.Network
	replicas []*model.Network
	pool     *inference.Pool
}

func newReplicaSet(t *testing.T, cfg config.Config, workers int) replicaSet {
	t.Helper()
	master, err := model.New(cfg.BoardSize, cfg.HiddenUnits, rand.New(rand.NewPCG(cfg.Seed, 0)))
	require.NoError(t, err)

	rs := replicaSet{master: master}
	engines := make([]inference.Engine, workers)
	for i := range engines {
		r := master.Clone()
		rs.replicas = append(rs.replicas, r)
		engines[i] = r
	}
	rs.pool, err = inference.NewPool(engines, inference.BatcherConfig{
		MaxBatchSize: cfg.MaxBatchSize,
		MaxWait:      cfg.MaxBatchWait,
		InputSize:    convert.InputSize(cfg.BoardSize),
		PolicySize:   cfg.BoardSize * cfg.BoardSize,
	})
	require.NoError(t, err)
	t.Cleanup(rs.pool.Stop)
	return rs
}

func TestTrainerEndToEnd(t *testing.T) {
	cfg := trainerConfig(t)
	rs := newReplicaSet(t, cfg, 2)
	before := rs.master.Params()

	tr, err := NewTrainer(cfg, rs.master, rs.pool)
	require.NoError(t, err)
	tr.StatsInterval = 10 * time.Millisecond

	require.NoError(t, tr.Train(context.Background(), 6, 8))
	require.Equal(t, 2, tr.Generation())

	require.NotEqual(t, before, rs.master.Params(), "training must move the master weights")
	for _, r := range rs.replicas {
		require.Equal(t, rs.master.Params(), r.Params())
	}

	loaded, err := model.Load(cfg.SnapshotPath)
	require.NoError(t, err)
	require.Equal(t, rs.master.Params(), loaded.Params())

	files, err := filepath.Glob(filepath.Join(cfg.DataDir, "gen_*.parquet"))
	require.NoError(t, err)
	require.Len(t, files, 2)

	games := map[string]bool{}
	for _, f := range files {
		rows, err := store.ReadRows(f)
		require.NoError(t, err)
		require.NotEmpty(t, rows)
		for _, r := range rows {
			games[r.GameID] = true
			require.Len(t, r.Input, convert.InputSize(3))
			require.Contains(t, []float32{-1, 1}, r.Value)
		}
	}
	require.Len(t, games, 6)

	st := rs.pool.Stats()
	require.Positive(t, st.TotalItems)
	require.LessOrEqual(t, st.LastBatchSize, int64(cfg.MaxBatchSize))
}

func TestTrainerZeroGames(t *testing.T) {
	cfg := trainerConfig(t)
	rs := newReplicaSet(t, cfg, 1)
	tr, err := NewTrainer(cfg, rs.master, rs.pool)
	require.NoError(t, err)
	require.NoError(t, tr.Train(context.Background(), 0, 4))
	require.Zero(t, tr.Generation())
	_, err = os.Stat(cfg.SnapshotPath)
	require.True(t, os.IsNotExist(err))

	var cfgErr *config.ConfigurationError
	require.ErrorAs(t, tr.Train(context.Background(), 1, 0), &cfgErr)
}

// brokenPool fails every prediction.
type brokenPool struct {
	pauses int
}

func (p *brokenPool) Predict(ctx context.Context, input []float32) ([]float32, float32, error) {
	return nil, 0, errors.New("replica crashed")
}
func (p *brokenPool) Pause()                                        { p.pauses++ }
func (p *brokenPool) Resume()                                       {}
func (p *brokenPool) UpdateWeights(src inference.ParamSource) error { return nil }
func (p *brokenPool) Stats() inference.RuntimeStats                 { return inference.RuntimeStats{} }

func TestTrainerAbortsGenerationOnGameFailure(t *testing.T) {
	cfg := trainerConfig(t)
	net, err := model.New(cfg.BoardSize, cfg.HiddenUnits, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)
	pool := &brokenPool{}

	tr, err := NewTrainer(cfg, net, pool)
	require.NoError(t, err)
	err = tr.Train(context.Background(), 4, 4)

	var infErr *mcts.InferenceError
	require.ErrorAs(t, err, &infErr)
	require.Zero(t, tr.Generation())
	require.Zero(t, pool.pauses, "training must not start after a failed generation")
}

func TestNewTrainerValidation(t *testing.T) {
	cfg := trainerConfig(t)
	net, err := model.New(5, 4, rand.New(rand.NewPCG(1, 1)))
	require.NoError(t, err)

	var cfgErr *config.ConfigurationError
	_, err = NewTrainer(cfg, net, &brokenPool{})
	require.ErrorAs(t, err, &cfgErr)
	_, err = NewTrainer(cfg, nil, &brokenPool{})
	require.ErrorAs(t, err, &cfgErr)
	_, err = NewTrainer(cfg, net, nil)
	require.ErrorAs(t, err, &cfgErr)
}
