// Package config holds the immutable engine and training configuration.
//
// Values start from Default, can be overridden from HEXZERO_* environment
// variables, and are finalised by Build which validates every field.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"
)

// Config is a value type. Copies are independent and nothing mutates a
// Config after Build returns it.
type Config struct {
	BoardSize int

	// Search
	CPuct            float64
	DirichletEpsilon float64
	DirichletAlpha   float64
	Temperature      float64
	// TemperatureMoves is the number of plies sampled at Temperature before
	// self-play switches to greedy move selection. Zero keeps Temperature
	// for the whole game.
	TemperatureMoves int
	Iterations       int

	// Inference
	MaxBatchSize int
	MaxBatchWait time.Duration
	Workers      int

	// Training
	GamesPerGeneration int
	Epochs             int
	MinibatchSize      int
	LearningRate       float64
	WeightDecay        float64
	HiddenUnits        int
	EvalGames          int
	EvalIterations     int

	SnapshotPath string
	// DataDir receives a parquet file of examples per generation. Empty disables it.
	DataDir string
	Seed    uint64
}

// ConfigurationError reports an invalid constructor or config argument.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// Invalid is a shorthand used by constructors across the module.
func Invalid(field, reason string) error {
	return &ConfigurationError{Field: field, Reason: reason}
}

func Default() Config {
	return Config{
		BoardSize:          7,
		CPuct:              1.5,
		DirichletEpsilon:   0.25,
		DirichletAlpha:     0.3,
		Temperature:        1.0,
		TemperatureMoves:   8,
		Iterations:         50,
		MaxBatchSize:       64,
		MaxBatchWait:       2 * time.Millisecond,
		Workers:            2,
		GamesPerGeneration: 256,
		Epochs:             4,
		MinibatchSize:      64,
		LearningRate:       0.01,
		WeightDecay:        1e-4,
		HiddenUnits:        128,
		EvalGames:          20,
		EvalIterations:     50,
		SnapshotPath:       "models/hexzero.snapshot",
		DataDir:            "",
		Seed:               uint64(time.Now().UnixNano()),
	}
}

// Option mutates a Config under construction.
type Option func(*Config)

func WithBoardSize(n int) Option { return func(c *Config) { c.BoardSize = n } }
func WithCPuct(v float64) Option { return func(c *Config) { c.CPuct = v } }
func WithIterations(n int) Option { return func(c *Config) { c.Iterations = n } }
func WithWorkers(n int) Option { return func(c *Config) { c.Workers = n } }
func WithGamesPerGeneration(n int) Option { return func(c *Config) { c.GamesPerGeneration = n } }
func WithSnapshotPath(p string) Option { return func(c *Config) { c.SnapshotPath = p } }
func WithDataDir(p string) Option { return func(c *Config) { c.DataDir = p } }
func WithSeed(s uint64) Option { return func(c *Config) { c.Seed = s } }
func WithEvalGames(n int) Option { return func(c *Config) { c.EvalGames = n } }
func WithEpochs(n int) Option { return func(c *Config) { c.Epochs = n } }
func WithHiddenUnits(n int) Option { return func(c *Config) { c.HiddenUnits = n } }
func WithTemperature(t float64) Option { return func(c *Config) { c.Temperature = t } }
func WithTemperatureMoves(n int) Option { return func(c *Config) { c.TemperatureMoves = n } }
func WithEvalIterations(n int) Option { return func(c *Config) { c.EvalIterations = n } }
func WithMaxBatchWait(d time.Duration) Option {
	return func(c *Config) { c.MaxBatchWait = d }
}
func WithMaxBatchSize(n int) Option { return func(c *Config) { c.MaxBatchSize = n } }
func WithDirichlet(alpha, epsilon float64) Option {
	return func(c *Config) {
		c.DirichletAlpha = alpha
		c.DirichletEpsilon = epsilon
	}
}

// Build applies opts on top of base and validates the result.
func Build(base Config, opts ...Option) (Config, error) {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.BoardSize < 1:
		return Invalid("BoardSize", "must be at least 1")
	case !finite(c.CPuct) || c.CPuct < 0:
		return Invalid("CPuct", "must be a non-negative number")
	case !finite(c.DirichletEpsilon) || c.DirichletEpsilon < 0 || c.DirichletEpsilon > 1:
		return Invalid("DirichletEpsilon", "must be within [0,1]")
	case !finite(c.DirichletAlpha) || c.DirichletAlpha <= 0:
		return Invalid("DirichletAlpha", "must be positive")
	case !finite(c.Temperature) || c.Temperature < 0:
		return Invalid("Temperature", "must be non-negative")
	case c.TemperatureMoves < 0:
		return Invalid("TemperatureMoves", "must be non-negative")
	case c.Iterations < 1:
		return Invalid("Iterations", "must be at least 1")
	case c.MaxBatchSize < 1:
		return Invalid("MaxBatchSize", "must be at least 1")
	case c.MaxBatchWait <= 0:
		return Invalid("MaxBatchWait", "must be positive")
	case c.Workers < 1:
		return Invalid("Workers", "must be at least 1")
	case c.GamesPerGeneration < 1:
		return Invalid("GamesPerGeneration", "must be at least 1")
	case c.Epochs < 0:
		return Invalid("Epochs", "must be non-negative")
	case c.MinibatchSize < 1:
		return Invalid("MinibatchSize", "must be at least 1")
	case !finite(c.LearningRate) || c.LearningRate <= 0:
		return Invalid("LearningRate", "must be positive")
	case !finite(c.WeightDecay) || c.WeightDecay < 0:
		return Invalid("WeightDecay", "must be non-negative")
	case c.HiddenUnits < 1:
		return Invalid("HiddenUnits", "must be at least 1")
	case c.EvalGames < 0:
		return Invalid("EvalGames", "must be non-negative")
	case c.EvalIterations < 1:
		return Invalid("EvalIterations", "must be at least 1")
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// FromEnv overlays HEXZERO_* environment variables on base. Unparseable
// values keep the base value.
func FromEnv(base Config) Config {
	c := base
	c.BoardSize = getEnvIntOrDefault("HEXZERO_BOARD_SIZE", c.BoardSize)
	c.CPuct = getEnvFloatOrDefault("HEXZERO_CPUCT", c.CPuct)
	c.DirichletEpsilon = getEnvFloatOrDefault("HEXZERO_DIRICHLET_EPSILON", c.DirichletEpsilon)
	c.DirichletAlpha = getEnvFloatOrDefault("HEXZERO_DIRICHLET_ALPHA", c.DirichletAlpha)
	c.Temperature = getEnvFloatOrDefault("HEXZERO_TEMPERATURE", c.Temperature)
	c.TemperatureMoves = getEnvIntOrDefault("HEXZERO_TEMPERATURE_MOVES", c.TemperatureMoves)
	c.MaxBatchSize = getEnvIntOrDefault("HEXZERO_BATCH_SIZE", c.MaxBatchSize)
	c.MaxBatchWait = getEnvDurationOrDefault("HEXZERO_BATCH_WAIT", c.MaxBatchWait)
	c.Workers = getEnvIntOrDefault("HEXZERO_WORKERS", c.Workers)
	c.GamesPerGeneration = getEnvIntOrDefault("HEXZERO_GAMES_PER_GENERATION", c.GamesPerGeneration)
	c.Epochs = getEnvIntOrDefault("HEXZERO_EPOCHS", c.Epochs)
	c.MinibatchSize = getEnvIntOrDefault("HEXZERO_MINIBATCH", c.MinibatchSize)
	c.LearningRate = getEnvFloatOrDefault("HEXZERO_LEARNING_RATE", c.LearningRate)
	c.WeightDecay = getEnvFloatOrDefault("HEXZERO_WEIGHT_DECAY", c.WeightDecay)
	c.HiddenUnits = getEnvIntOrDefault("HEXZERO_HIDDEN", c.HiddenUnits)
	c.EvalGames = getEnvIntOrDefault("HEXZERO_EVAL_GAMES", c.EvalGames)
	c.EvalIterations = getEnvIntOrDefault("HEXZERO_EVAL_ITERATIONS", c.EvalIterations)
	c.SnapshotPath = getEnvOrDefault("HEXZERO_SNAPSHOT", c.SnapshotPath)
	c.DataDir = getEnvOrDefault("HEXZERO_DATA_DIR", c.DataDir)
	if v := os.Getenv("HEXZERO_SEED"); v != "" {
		if s, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Seed = s
		}
	}
	return c
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloatOrDefault(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
