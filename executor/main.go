package main

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/brensch/hexzero/config"
	"github.com/brensch/hexzero/executor/convert"
	"github.com/brensch/hexzero/executor/inference"
	"github.com/brensch/hexzero/executor/selfplay"
	"github.com/brensch/hexzero/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultTotalGames = 50000
	defaultIterations = 50
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	if lvl, err := zerolog.ParseLevel(os.Getenv("HEXZERO_LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	totalGames := positionalInt(1, defaultTotalGames)
	iterations := positionalInt(2, defaultIterations)

	cfg, err := config.Build(config.FromEnv(config.Default()), config.WithIterations(iterations))
	if err != nil {
		log.Fatal().Err(err).Msg("bad configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	net, err := loadOrInit(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load network")
	}

	replicas := make([]inference.Engine, cfg.Workers)
	for i := range replicas {
		replicas[i] = net.Clone()
	}
	pool, err := inference.NewPool(replicas, inference.BatcherConfig{
		MaxBatchSize: cfg.MaxBatchSize,
		MaxWait:      cfg.MaxBatchWait,
		InputSize:    convert.InputSize(cfg.BoardSize),
		PolicySize:   cfg.BoardSize * cfg.BoardSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create inference pool")
	}
	defer pool.Stop()

	trainer, err := selfplay.NewTrainer(cfg, net, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("create trainer")
	}

	log.Info().Msgf("Starting self-play: %d games, %d iterations/move, board %dx%d, %d inference workers",
		totalGames, cfg.Iterations, cfg.BoardSize, cfg.BoardSize, cfg.Workers)
	start := time.Now()
	if err := trainer.Train(ctx, totalGames, cfg.Iterations); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn().Int("generations", trainer.Generation()).Msg("shutdown requested; stopped mid-generation")
			return
		}
		log.Fatal().Err(err).Msg("training failed")
	}
	log.Info().
		Int("generations", trainer.Generation()).
		Dur("took", time.Since(start).Round(time.Second)).
		Msg("training complete")
}

// positionalInt reads os.Args[i] as a positive integer, falling back to def
// when the argument is absent.
func positionalInt(i, def int) int {
	if len(os.Args) <= i {
		return def
	}
	v, err := strconv.Atoi(os.Args[i])
	if err != nil || v < 0 {
		log.Fatal().Str("arg", os.Args[i]).Msg("usage: executor [totalGames] [iterationsPerMove]")
	}
	return v
}

// loadOrInit resumes from the configured snapshot when it exists.
func loadOrInit(cfg config.Config) (*model.Network, error) {
	if cfg.SnapshotPath != "" {
		if _, err := os.Stat(cfg.SnapshotPath); err == nil {
			net, err := model.Load(cfg.SnapshotPath)
			if err != nil {
				return nil, err
			}
			if net.Size() != cfg.BoardSize {
				return nil, config.Invalid("snapshot", "board size "+strconv.Itoa(net.Size())+" does not match config")
			}
			log.Info().Str("path", cfg.SnapshotPath).Int("hidden", net.Hidden()).Msg("resuming from snapshot")
			return net, nil
		}
	}
	log.Info().Msg("no snapshot found; starting from random weights")
	return model.New(cfg.BoardSize, cfg.HiddenUnits, rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)))
}
