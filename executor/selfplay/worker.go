package selfplay

import (
	"context"
	"errors"
	"fmt"

	"github.com/brensch/hexzero/executor/convert"
	"github.com/brensch/hexzero/executor/mcts"
	"github.com/brensch/hexzero/game"
	"github.com/muesli/termenv"
	"github.com/rs/zerolog/log"
)

// Example is one recorded self-play position. Value stays zero until the
// game ends and is then set from Mover's perspective.
type Example struct {
	Encoding []float32
	Policy   []float32
	Value    float32
	Mover    game.Player
	Ply      int
}

type GameResult struct {
	Winner game.Player
	Plies  int
}

type GameOptions struct {
	Iterations  int
	Temperature float64
	// TemperatureMoves plies are sampled at Temperature; later moves are
	// greedy. Zero keeps Temperature for the whole game.
	TemperatureMoves int
	Verbose          bool
}

// PlayGame plays one game against itself from an empty board of the given
// size. Every position gets a training-mode search; the move is sampled from
// the temperature-weighted visit distribution, which is also the recorded
// policy target. onMove, if set, is called after every ply.
func PlayGame(ctx context.Context, m *mcts.MCTS, size int, opts GameOptions, onMove func()) ([]Example, GameResult, error) {
	if m == nil || m.Rng == nil {
		return nil, GameResult{}, errors.New("play game: searcher needs an rng")
	}
	board := game.NewBoard(size)
	toMove := game.Red
	examples := make([]Example, 0, size*size)

	for !board.IsTerminal() {
		ply := board.MoveCount()
		tree, err := m.Search(ctx, board, toMove, opts.Iterations, true)
		if err != nil {
			return nil, GameResult{}, fmt.Errorf("ply %d: %w", ply, err)
		}

		temperature := opts.Temperature
		if opts.TemperatureMoves > 0 && ply >= opts.TemperatureMoves {
			temperature = 0
		}
		policy := mcts.SearchPolicy(tree, temperature)
		idx := mcts.SampleIndex(m.Rng, policy)
		move := convert.MoveAt(idx, toMove, size)

		examples = append(examples, Example{
			Encoding: tree.RootEncoding,
			Policy:   policy,
			Mover:    toMove,
			Ply:      ply,
		})

		if err := board.Apply(move, toMove); err != nil {
			return nil, GameResult{}, fmt.Errorf("ply %d: apply %s: %w", ply, move, err)
		}
		if opts.Verbose {
			log.Debug().
				Int("ply", ply).
				Stringer("player", toMove).
				Stringer("move", move).
				Interface("root", mcts.Summarize(tree)).
				Msg("self-play move")
			log.Debug().Msg("\n" + RenderBoard(board, termenv.EnvColorProfile()))
		}
		if onMove != nil {
			onMove()
		}
		toMove = toMove.Opponent()
	}

	result := GameResult{Winner: board.Winner(), Plies: board.MoveCount()}
	AssignOutcome(examples, result.Winner)
	return examples, result, nil
}

// AssignOutcome sets every example's value to +1 if its mover won and -1
// otherwise. Movers alternate by ply, so the sign alternates with parity.
func AssignOutcome(examples []Example, winner game.Player) {
	for i := range examples {
		if examples[i].Mover == winner {
			examples[i].Value = 1
		} else {
			examples[i].Value = -1
		}
	}
}
