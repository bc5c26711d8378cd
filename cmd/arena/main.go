package main

import (
	"context"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/brensch/hexzero/config"
	"github.com/brensch/hexzero/executor/convert"
	"github.com/brensch/hexzero/executor/inference"
	"github.com/brensch/hexzero/executor/mcts"
	"github.com/brensch/hexzero/executor/selfplay"
	"github.com/brensch/hexzero/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = "usage: arena <model path> [games] [iterations]"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if len(os.Args) < 2 {
		log.Fatal().Msg(usage)
	}
	modelPath := os.Args[1]

	base := config.FromEnv(config.Default())
	games := positionalInt(2, base.EvalGames)
	iterations := positionalInt(3, base.EvalIterations)

	cfg, err := config.Build(base, config.WithEvalGames(games), config.WithEvalIterations(iterations))
	if err != nil {
		log.Fatal().Err(err).Msg("bad configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	replicas, size, closeAll, err := loadReplicas(modelPath, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("model", modelPath).Msg("load model")
	}
	defer closeAll()

	pool, err := inference.NewPool(replicas, inference.BatcherConfig{
		MaxBatchSize: cfg.MaxBatchSize,
		MaxWait:      cfg.MaxBatchWait,
		InputSize:    convert.InputSize(size),
		PolicySize:   size * size,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create inference pool")
	}
	defer pool.Stop()

	candidate := selfplay.SearchPlayer{
		Searcher: &mcts.MCTS{
			Config: mcts.Config{Cpuct: cfg.CPuct},
			Client: pool,
			Rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)),
		},
		Iterations: cfg.EvalIterations,
	}
	baseline := selfplay.RandomPlayer{Rng: rand.New(rand.NewPCG(cfg.Seed+2, cfg.Seed+3))}

	log.Info().Msgf("Playing %d games on %dx%d, %d iterations/move vs random", cfg.EvalGames, size, size, cfg.EvalIterations)
	start := time.Now()
	res, err := selfplay.PlayMatch(ctx, size, candidate, baseline, cfg.EvalGames)
	if err != nil {
		log.Fatal().Err(err).Msg("match failed")
	}
	st := pool.Stats()
	log.Info().
		Int("games", res.Games).
		Int("wins", res.Wins).
		Int("losses", res.Losses).
		Int("wins_as_red", res.WinsAsRed).
		Int("wins_as_black", res.WinsAsBlack).
		Float64("win_rate", res.WinRate()).
		Float64("avg_batch", st.AvgBatchSize).
		Dur("took", time.Since(start).Round(time.Millisecond)).
		Msg("match complete")
}

func positionalInt(i, def int) int {
	if len(os.Args) <= i {
		return def
	}
	v, err := strconv.Atoi(os.Args[i])
	if err != nil || v < 0 {
		log.Fatal().Str("arg", os.Args[i]).Msg(usage)
	}
	return v
}

// loadReplicas builds one engine per worker. ONNX graphs carry no board
// size, so the configured size is used for them.
func loadReplicas(path string, cfg config.Config) ([]inference.Engine, int, func(), error) {
	replicas := make([]inference.Engine, cfg.Workers)
	if filepath.Ext(path) == ".onnx" {
		engines := make([]*inference.OnnxEngine, 0, cfg.Workers)
		closeAll := func() {
			for _, e := range engines {
				_ = e.Close()
			}
		}
		for i := range replicas {
			e, err := inference.NewOnnxEngine(path, cfg.BoardSize)
			if err != nil {
				closeAll()
				return nil, 0, nil, err
			}
			engines = append(engines, e)
			replicas[i] = e
		}
		return replicas, cfg.BoardSize, closeAll, nil
	}

	net, err := model.Load(path)
	if err != nil {
		return nil, 0, nil, err
	}
	for i := range replicas {
		replicas[i] = net.Clone()
	}
	return replicas, net.Size(), func() {}, nil
}
