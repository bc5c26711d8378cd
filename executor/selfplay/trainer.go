package selfplay

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/brensch/hexzero/config"
	"github.com/brensch/hexzero/executor/inference"
	"github.com/brensch/hexzero/executor/mcts"
	"github.com/brensch/hexzero/game"
	"github.com/brensch/hexzero/model"
	"github.com/brensch/hexzero/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Pool is the inference side the trainer drives: searches predict through
// it, and it is paused while the network trains and refreshed afterwards.
type Pool interface {
	mcts.Predictor
	Pause()
	Resume()
	UpdateWeights(src inference.ParamSource) error
	Stats() inference.RuntimeStats
}

// Trainer alternates self-play generations with network updates. It owns
// the master network; the pool holds replicas that are refreshed after
// every generation.
type Trainer struct {
	cfg  config.Config
	net  *model.Network
	pool Pool
	rng  *rand.Rand

	generation int

	// StatsInterval is the period of progress logs while a generation plays.
	StatsInterval time.Duration
}

// GenerationReport summarises one completed generation.
type GenerationReport struct {
	Generation int
	Games      int
	Examples   int
	RedWins    int
	Train      model.TrainStats
	Eval       MatchResult
	DataPath   string
	Duration   time.Duration
}

func NewTrainer(cfg config.Config, net *model.Network, pool Pool) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if net == nil {
		return nil, config.Invalid("network", "must not be nil")
	}
	if pool == nil {
		return nil, config.Invalid("pool", "must not be nil")
	}
	if net.Size() != cfg.BoardSize {
		return nil, config.Invalid("network", fmt.Sprintf("is sized for %d, board is %d", net.Size(), cfg.BoardSize))
	}
	return &Trainer{
		cfg:           cfg,
		net:           net,
		pool:          pool,
		rng:           rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		StatsInterval: 5 * time.Second,
	}, nil
}

func (t *Trainer) Generation() int { return t.generation }

func (t *Trainer) mctsConfig() mcts.Config {
	return mcts.Config{
		Cpuct:            t.cfg.CPuct,
		DirichletAlpha:   t.cfg.DirichletAlpha,
		DirichletEpsilon: t.cfg.DirichletEpsilon,
	}
}

func (t *Trainer) newSearcher() *mcts.MCTS {
	return &mcts.MCTS{
		Config: t.mctsConfig(),
		Client: t.pool,
		Rng:    rand.New(rand.NewPCG(t.rng.Uint64(), t.rng.Uint64())),
	}
}

// Train plays totalGames self-play games with iterationsPerMove searches
// per move, in generations of at most GamesPerGeneration concurrent games.
// Any failed game aborts its generation and is returned.
func (t *Trainer) Train(ctx context.Context, totalGames, iterationsPerMove int) error {
	if totalGames < 0 {
		return config.Invalid("totalGames", "must be non-negative")
	}
	if iterationsPerMove < 1 {
		return config.Invalid("iterationsPerMove", "must be at least 1")
	}

	remaining := totalGames
	for remaining > 0 {
		games := min(remaining, t.cfg.GamesPerGeneration)
		report, err := t.RunGeneration(ctx, games, iterationsPerMove)
		if err != nil {
			return fmt.Errorf("generation %d: %w", t.generation, err)
		}
		log.Info().
			Int("generation", report.Generation).
			Int("games", report.Games).
			Int("examples", report.Examples).
			Int("red_wins", report.RedWins).
			Float64("policy_loss", report.Train.PolicyLoss).
			Float64("value_loss", report.Train.ValueLoss).
			Float64("win_rate_vs_random", report.Eval.WinRate()).
			Dur("took", report.Duration).
			Msg("generation complete")
		remaining -= games
	}
	return nil
}

// RunGeneration plays games concurrently, trains on their examples,
// broadcasts the new weights and evaluates against the random baseline.
func (t *Trainer) RunGeneration(ctx context.Context, games, iterationsPerMove int) (GenerationReport, error) {
	start := time.Now()
	report := GenerationReport{Generation: t.generation, Games: games}

	examples, redWins, err := t.playGames(ctx, games, iterationsPerMove)
	if err != nil {
		return report, err
	}
	report.Examples = len(examples)
	report.RedWins = redWins

	stats, err := t.updateNetwork(examples)
	if err != nil {
		return report, err
	}
	report.Train = stats

	if t.cfg.SnapshotPath != "" {
		if err := t.net.Save(t.cfg.SnapshotPath); err != nil {
			return report, fmt.Errorf("save snapshot: %w", err)
		}
		log.Debug().Str("path", t.cfg.SnapshotPath).Msg("snapshot saved")
	}

	if t.cfg.DataDir != "" {
		path, err := t.export(examples)
		if err != nil {
			return report, fmt.Errorf("export examples: %w", err)
		}
		report.DataPath = path
	}

	if t.cfg.EvalGames > 0 {
		candidate := SearchPlayer{Searcher: t.newSearcher(), Iterations: t.cfg.EvalIterations}
		baseline := RandomPlayer{Rng: rand.New(rand.NewPCG(t.rng.Uint64(), t.rng.Uint64()))}
		res, err := PlayMatch(ctx, t.cfg.BoardSize, candidate, baseline, t.cfg.EvalGames)
		if err != nil {
			return report, fmt.Errorf("evaluate: %w", err)
		}
		report.Eval = res
		log.Info().Msgf("generation %d vs random: won %d/%d (red %d, black %d)",
			t.generation, res.Wins, res.Games, res.WinsAsRed, res.WinsAsBlack)
	}

	report.Duration = time.Since(start)
	t.generation++
	return report, nil
}

func (t *Trainer) playGames(ctx context.Context, games, iterations int) ([]Example, int, error) {
	var moves atomic.Int64
	stopStats := t.logStats(&moves)
	defer stopStats()

	opts := GameOptions{
		Iterations:       iterations,
		Temperature:      t.cfg.Temperature,
		TemperatureMoves: t.cfg.TemperatureMoves,
	}

	g, gctx := errgroup.WithContext(ctx)
	perGame := make([][]Example, games)
	winners := make([]GameResult, games)
	for i := 0; i < games; i++ {
		searcher := t.newSearcher()
		// one game per goroutine; only the first one traces its moves
		gameOpts := opts
		gameOpts.Verbose = i == 0
		g.Go(func() error {
			ex, res, err := PlayGame(gctx, searcher, t.cfg.BoardSize, gameOpts, func() { moves.Add(1) })
			if err != nil {
				return fmt.Errorf("game %d: %w", i, err)
			}
			perGame[i] = ex
			winners[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	total := 0
	for _, ex := range perGame {
		total += len(ex)
	}
	examples := make([]Example, 0, total)
	redWins := 0
	for i, ex := range perGame {
		examples = append(examples, ex...)
		if winners[i].Winner == game.Red {
			redWins++
		}
	}
	return examples, redWins, nil
}

// updateNetwork trains the master copy with the pool paused and copies the
// result into every replica.
func (t *Trainer) updateNetwork(examples []Example) (model.TrainStats, error) {
	t.pool.Pause()
	defer t.pool.Resume()

	samples := make([]model.Sample, len(examples))
	for i, ex := range examples {
		samples[i] = model.Sample{Input: ex.Encoding, Policy: ex.Policy, Value: ex.Value}
	}
	stats, err := t.net.Train(samples, model.TrainConfig{
		Epochs:        t.cfg.Epochs,
		MinibatchSize: t.cfg.MinibatchSize,
		LearningRate:  t.cfg.LearningRate,
		WeightDecay:   t.cfg.WeightDecay,
	}, t.rng)
	if err != nil {
		return stats, fmt.Errorf("train: %w", err)
	}
	if err := t.pool.UpdateWeights(t.net); err != nil {
		return stats, fmt.Errorf("broadcast weights: %w", err)
	}
	return stats, nil
}

func (t *Trainer) export(examples []Example) (string, error) {
	w, err := store.NewBatchWriter(t.cfg.DataDir, fmt.Sprintf("gen_%04d", t.generation))
	if err != nil {
		return "", err
	}
	gameID := 0
	rows := make([]store.ExampleRow, 0, t.cfg.BoardSize*t.cfg.BoardSize)
	flush := func() error {
		err := w.WriteGame(rows)
		rows = rows[:0]
		gameID++
		return err
	}
	for i, ex := range examples {
		// ply 0 starts a new game
		if i > 0 && ex.Ply == 0 {
			if err := flush(); err != nil {
				return "", err
			}
		}
		rows = append(rows, store.ExampleRow{
			GameID:     fmt.Sprintf("g%04d_%05d", t.generation, gameID),
			Generation: int32(t.generation),
			Ply:        int32(ex.Ply),
			Mover:      ex.Mover.String(),
			Size:       int32(t.cfg.BoardSize),
			Input:      ex.Encoding,
			Policy:     ex.Policy,
			Value:      ex.Value,
		})
	}
	if len(rows) > 0 {
		if err := flush(); err != nil {
			return "", err
		}
	}
	path, nRows, nGames, err := w.Finalize()
	if err != nil {
		return "", err
	}
	log.Info().Msgf("parquet flush ok: %s (games=%d rows=%d)", path, nGames, nRows)
	return path, nil
}

// logStats logs throughput until the returned func is called.
func (t *Trainer) logStats(moves *atomic.Int64) func() {
	if t.StatsInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	startTime := time.Now()
	startItems := t.pool.Stats().TotalItems

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(t.StatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				secs := time.Since(startTime).Seconds()
				st := t.pool.Stats()
				log.Info().Msgf("Stats: Moves/s: %.2f, Inf/s: %.2f | batch avg=%.1f last=%d q=%d run avg=%.2fms",
					float64(moves.Load())/secs,
					float64(st.TotalItems-startItems)/secs,
					st.AvgBatchSize, st.LastBatchSize, st.QueueLen, st.AvgRunMs)
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}
