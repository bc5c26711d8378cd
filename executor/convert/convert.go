package convert

import (
	"sync"

	"github.com/brensch/hexzero/game"
)

// Plane layout (C, H, W), always from the mover's perspective:
// 0: mover stones
// 1: opponent stones
// 2: turn indicator (ones when the mover is red)
const Planes = 3

// InputSize is the encoded length for a board of the given side.
func InputSize(size int) int { return Planes * size * size }

var floatPools sync.Map // size -> *sync.Pool

func poolFor(size int) *sync.Pool {
	if p, ok := floatPools.Load(size); ok {
		return p.(*sync.Pool)
	}
	p, _ := floatPools.LoadOrStore(size, &sync.Pool{
		New: func() interface{} {
			b := make([]float32, InputSize(size))
			return &b
		},
	})
	return p.(*sync.Pool)
}

// GetFloatBuffer returns a zeroed encoding buffer from the pool.
func GetFloatBuffer(size int) *[]float32 {
	ptr := poolFor(size).Get().(*[]float32)
	clear(*ptr)
	return ptr
}

func PutFloatBuffer(size int, b *[]float32) {
	poolFor(size).Put(b)
}

// Encode returns a freshly allocated encoding of board for mover.
func Encode(board *game.Board, mover game.Player) []float32 {
	out := make([]float32, InputSize(board.Size()))
	EncodeInto(out, board, mover)
	return out
}

// EncodeInto writes the encoding into dst, which must be InputSize long.
// Black's view is transposed so its goal axis lines up with red's.
func EncodeInto(dst []float32, board *game.Board, mover game.Player) {
	n := board.Size()
	clear(dst[:InputSize(n)])
	opp := mover.Opponent()

	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			owner := board.Cell(game.Move{Row: r, Col: c})
			if owner == game.Empty {
				continue
			}
			idx := PolicyIndex(game.Move{Row: r, Col: c}, mover, n)
			switch owner {
			case mover:
				dst[idx] = 1
			case opp:
				dst[n*n+idx] = 1
			}
		}
	}

	if mover == game.Red {
		turn := dst[2*n*n : 3*n*n]
		for i := range turn {
			turn[i] = 1
		}
	}
}

// PolicyIndex maps a move to its canonical index: row-major for red,
// column-major (transposed) for black.
func PolicyIndex(m game.Move, mover game.Player, size int) int {
	if mover == game.Black {
		return m.Col*size + m.Row
	}
	return m.Row*size + m.Col
}

// MoveAt is the inverse of PolicyIndex.
func MoveAt(idx int, mover game.Player, size int) game.Move {
	a, b := idx/size, idx%size
	if mover == game.Black {
		return game.Move{Row: b, Col: a}
	}
	return game.Move{Row: a, Col: b}
}
