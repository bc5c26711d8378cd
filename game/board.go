// Package game defines the Hex board consumed by the search engine.
//
// Red moves first and connects the top and bottom rows. Black connects the
// left and right columns. The board keeps a move stack so the search can
// apply and undo moves on a single working copy instead of cloning.
package game

import (
	"errors"
	"fmt"
)

// Player is the owner of a cell, or the side to move.
type Player int8

const (
	Empty Player = iota
	Red
	Black
)

// Opponent returns the other side. Empty maps to Empty.
func (p Player) Opponent() Player {
	switch p {
	case Red:
		return Black
	case Black:
		return Red
	default:
		return Empty
	}
}

func (p Player) String() string {
	switch p {
	case Red:
		return "red"
	case Black:
		return "black"
	default:
		return "empty"
	}
}

// Move is a board coordinate. It is a plain value and safe to use as a map key.
type Move struct {
	Row int
	Col int
}

func (m Move) String() string {
	return fmt.Sprintf("(%d,%d)", m.Row, m.Col)
}

var (
	ErrOutOfBounds = errors.New("move out of bounds")
	ErrOccupied    = errors.New("cell already occupied")
	ErrGameOver    = errors.New("game already decided")
	ErrNoPlayer    = errors.New("move needs a red or black player")
)

type placement struct {
	move   Move
	player Player
}

// Board is a size x size Hex board with an undo stack.
type Board struct {
	size    int
	cells   []Player
	history []placement

	winner Player
	// winPly is len(history) right after the winning placement.
	winPly int

	// scratch for flood fills
	mark  []uint32
	stamp uint32
	stack []int
}

// NewBoard returns an empty board. Size must be at least 1.
func NewBoard(size int) *Board {
	if size < 1 {
		panic(fmt.Sprintf("invalid board size %d", size))
	}
	return &Board{
		size:    size,
		cells:   make([]Player, size*size),
		history: make([]placement, 0, size*size),
	}
}

func (b *Board) Size() int { return b.size }

// MoveCount is the number of stones on the board.
func (b *Board) MoveCount() int { return len(b.history) }

func (b *Board) InBounds(m Move) bool {
	return m.Row >= 0 && m.Row < b.size && m.Col >= 0 && m.Col < b.size
}

// Cell returns the owner of m. Out of bounds coordinates read as Empty.
func (b *Board) Cell(m Move) Player {
	if !b.InBounds(m) {
		return Empty
	}
	return b.cells[m.Row*b.size+m.Col]
}

var neighborOffsets = [6][2]int{
	{-1, 0}, {-1, 1},
	{0, -1}, {0, 1},
	{1, -1}, {1, 0},
}

// Neighbors returns the in-bounds hex neighbours of m.
func (b *Board) Neighbors(m Move) []Move {
	out := make([]Move, 0, 6)
	for _, off := range neighborOffsets {
		n := Move{Row: m.Row + off[0], Col: m.Col + off[1]}
		if b.InBounds(n) {
			out = append(out, n)
		}
	}
	return out
}

// LegalMoves lists the empty cells in row-major order. A decided board has none.
func (b *Board) LegalMoves() []Move {
	if b.IsTerminal() {
		return nil
	}
	moves := make([]Move, 0, len(b.cells)-len(b.history))
	for i, c := range b.cells {
		if c == Empty {
			moves = append(moves, Move{Row: i / b.size, Col: i % b.size})
		}
	}
	return moves
}

// Apply places a stone for p. It fails on occupied cells, out of bounds
// coordinates, or once the game is decided.
func (b *Board) Apply(m Move, p Player) error {
	if p != Red && p != Black {
		return ErrNoPlayer
	}
	if !b.InBounds(m) {
		return fmt.Errorf("apply %s: %w", m, ErrOutOfBounds)
	}
	if b.winner != Empty {
		return fmt.Errorf("apply %s: %w", m, ErrGameOver)
	}
	idx := m.Row*b.size + m.Col
	if b.cells[idx] != Empty {
		return fmt.Errorf("apply %s: %w", m, ErrOccupied)
	}

	b.cells[idx] = p
	b.history = append(b.history, placement{move: m, player: p})
	if b.connects(idx, p) {
		b.winner = p
		b.winPly = len(b.history)
	}
	return nil
}

// Undo removes the most recent stone. It reports false on an empty board.
func (b *Board) Undo() (Move, bool) {
	n := len(b.history)
	if n == 0 {
		return Move{}, false
	}
	last := b.history[n-1]
	b.history = b.history[:n-1]
	b.cells[last.move.Row*b.size+last.move.Col] = Empty
	if b.winner != Empty && b.winPly == n {
		b.winner = Empty
		b.winPly = 0
	}
	return last.move, true
}

// LastMove returns the most recent move and who played it.
func (b *Board) LastMove() (Move, Player, bool) {
	if len(b.history) == 0 {
		return Move{}, Empty, false
	}
	last := b.history[len(b.history)-1]
	return last.move, last.player, true
}

// IsTerminal reports whether a side has connected. Hex has no draws, so a
// full board is always decided.
func (b *Board) IsTerminal() bool {
	return b.winner != Empty || len(b.history) == len(b.cells)
}

func (b *Board) RedWins() bool   { return b.winner == Red }
func (b *Board) BlackWins() bool { return b.winner == Black }

// Winner returns the connected side, or Empty while the game is open.
func (b *Board) Winner() Player { return b.winner }

// CheapCopy duplicates cells and history. Scratch buffers are not shared, so
// the copy can be used from another goroutine.
func (b *Board) CheapCopy() *Board {
	out := &Board{
		size:    b.size,
		cells:   make([]Player, len(b.cells)),
		history: make([]placement, len(b.history), cap(b.history)),
		winner:  b.winner,
		winPly:  b.winPly,
	}
	copy(out.cells, b.cells)
	copy(out.history, b.history)
	return out
}

// connects flood-fills the group containing idx and reports whether it
// touches both goal edges of p.
func (b *Board) connects(idx int, p Player) bool {
	if b.mark == nil {
		b.mark = make([]uint32, len(b.cells))
	}
	b.stamp++
	if b.stamp == 0 {
		clear(b.mark)
		b.stamp = 1
	}

	var start, end bool
	b.stack = append(b.stack[:0], idx)
	b.mark[idx] = b.stamp
	for len(b.stack) > 0 {
		cur := b.stack[len(b.stack)-1]
		b.stack = b.stack[:len(b.stack)-1]
		r, c := cur/b.size, cur%b.size

		edge := r
		if p == Black {
			edge = c
		}
		if edge == 0 {
			start = true
		}
		if edge == b.size-1 {
			end = true
		}
		if start && end {
			return true
		}

		for _, off := range neighborOffsets {
			nr, nc := r+off[0], c+off[1]
			if nr < 0 || nr >= b.size || nc < 0 || nc >= b.size {
				continue
			}
			n := nr*b.size + nc
			if b.mark[n] == b.stamp || b.cells[n] != p {
				continue
			}
			b.mark[n] = b.stamp
			b.stack = append(b.stack, n)
		}
	}
	return false
}
