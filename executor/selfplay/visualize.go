// visualize.go - Console rendering of Hex boards for debug logs.
package selfplay

import (
	"fmt"
	"strings"

	"github.com/brensch/hexzero/game"
	"github.com/muesli/termenv"
)

// RenderBoard draws the board as a rhombus, one row per line, each row
// shifted right by half a cell. Red stones are "R", Black "B". The last
// move is bold. Colors follow profile; termenv.Ascii gives plain text.
func RenderBoard(b *game.Board, profile termenv.Profile) string {
	n := b.Size()
	last, _, hasLast := b.LastMove()

	red := profile.Color("9")
	black := profile.Color("12")

	var sb strings.Builder
	sb.WriteString("   ")
	for c := 0; c < n; c++ {
		sb.WriteString(fmt.Sprintf("%c ", 'a'+rune(c%26)))
	}
	sb.WriteString("\n")

	for r := 0; r < n; r++ {
		sb.WriteString(fmt.Sprintf("%2d ", r+1))
		sb.WriteString(strings.Repeat(" ", r))
		for c := 0; c < n; c++ {
			m := game.Move{Row: r, Col: c}
			var cell termenv.Style
			switch b.Cell(m) {
			case game.Red:
				cell = profile.String("R").Foreground(red)
			case game.Black:
				cell = profile.String("B").Foreground(black)
			default:
				cell = profile.String(".")
			}
			if hasLast && m == last {
				cell = cell.Bold()
			}
			sb.WriteString(cell.String())
			sb.WriteString(" ")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
