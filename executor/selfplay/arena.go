package selfplay

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/brensch/hexzero/executor/mcts"
	"github.com/brensch/hexzero/game"
)

// Player picks a move for toMove on a non-terminal board.
type Player interface {
	SelectMove(ctx context.Context, board *game.Board, toMove game.Player) (game.Move, error)
}

// RandomPlayer plays a uniformly random legal move.
type RandomPlayer struct {
	Rng *rand.Rand
}

func (p RandomPlayer) SelectMove(ctx context.Context, board *game.Board, toMove game.Player) (game.Move, error) {
	moves := board.LegalMoves()
	if len(moves) == 0 {
		return game.Move{}, errors.New("random player: no legal moves")
	}
	return moves[p.Rng.IntN(len(moves))], nil
}

// SearchPlayer plays the most visited root move of an evaluation-mode
// search: no Dirichlet noise and temperature zero.
type SearchPlayer struct {
	Searcher   *mcts.MCTS
	Iterations int
}

func (p SearchPlayer) SelectMove(ctx context.Context, board *game.Board, toMove game.Player) (game.Move, error) {
	tree, err := p.Searcher.Search(ctx, board, toMove, p.Iterations, false)
	if err != nil {
		return game.Move{}, err
	}
	best, ok := tree.MostVisitedChild(mcts.Root)
	if !ok {
		return game.Move{}, errors.New("search player: no legal moves")
	}
	return tree.Nodes[best].Move, nil
}

type MatchResult struct {
	Games       int
	Wins        int
	Losses      int
	WinsAsRed   int
	WinsAsBlack int
}

func (r MatchResult) WinRate() float64 {
	if r.Games == 0 {
		return 0
	}
	return float64(r.Wins) / float64(r.Games)
}

// PlayMatch plays games between candidate and opponent on size×size boards.
// The candidate takes Red in even-numbered games and Black in odd ones.
func PlayMatch(ctx context.Context, size int, candidate, opponent Player, games int) (MatchResult, error) {
	var res MatchResult
	for i := 0; i < games; i++ {
		candidateColor := game.Red
		if i%2 == 1 {
			candidateColor = game.Black
		}
		winner, err := playOne(ctx, size, candidate, opponent, candidateColor)
		if err != nil {
			return res, fmt.Errorf("match game %d: %w", i, err)
		}
		res.Games++
		if winner == candidateColor {
			res.Wins++
			if candidateColor == game.Red {
				res.WinsAsRed++
			} else {
				res.WinsAsBlack++
			}
		} else {
			res.Losses++
		}
	}
	return res, nil
}

func playOne(ctx context.Context, size int, candidate, opponent Player, candidateColor game.Player) (game.Player, error) {
	board := game.NewBoard(size)
	toMove := game.Red
	for !board.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return game.Empty, err
		}
		p := opponent
		if toMove == candidateColor {
			p = candidate
		}
		move, err := p.SelectMove(ctx, board, toMove)
		if err != nil {
			return game.Empty, fmt.Errorf("ply %d: %w", board.MoveCount(), err)
		}
		if err := board.Apply(move, toMove); err != nil {
			return game.Empty, fmt.Errorf("ply %d: apply %s: %w", board.MoveCount(), move, err)
		}
		toMove = toMove.Opponent()
	}
	return board.Winner(), nil
}
