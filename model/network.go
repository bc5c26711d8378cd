// Package model is a small batched policy/value network for Hex positions.
//
// The network is a single hidden-layer perceptron: the 3·n·n board encoding
// feeds a ReLU layer that is shared by a softmax policy head over n·n
// canonical moves and a tanh value head. Every parameter lives in one flat
// float32 vector so replicas can be refreshed with a single copy.
package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/brensch/hexzero/config"
	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Network is not safe for concurrent use. In the pool each replica is owned
// by one infer loop; the master copy is only touched while the pool is paused.
type Network struct {
	size   int
	hidden int
	in     int
	out    int

	theta []float32
	p     params
}

// params are views into a flat vector laid out as
// W1[in×h] b1[h] Wp[h×out] bp[out] Wv[h×1] bv[1].
type params struct {
	w1, wp, wv blas32.General
	b1, bp, bv []float32
}

func layout(flat []float32, in, hidden, out int) params {
	off := 0
	take := func(n int) []float32 {
		s := flat[off : off+n : off+n]
		off += n
		return s
	}
	var p params
	p.w1 = blas32.General{Rows: in, Cols: hidden, Stride: hidden, Data: take(in * hidden)}
	p.b1 = take(hidden)
	p.wp = blas32.General{Rows: hidden, Cols: out, Stride: out, Data: take(hidden * out)}
	p.bp = take(out)
	p.wv = blas32.General{Rows: hidden, Cols: 1, Stride: 1, Data: take(hidden)}
	p.bv = take(1)
	return p
}

func paramCount(in, hidden, out int) int {
	return in*hidden + hidden + hidden*out + out + hidden + 1
}

func newNetwork(size, hidden int) *Network {
	in := 3 * size * size
	out := size * size
	n := &Network{size: size, hidden: hidden, in: in, out: out}
	n.theta = make([]float32, paramCount(in, hidden, out))
	n.p = layout(n.theta, in, hidden, out)
	return n
}

// New builds a network for size×size boards with He-initialised weights.
func New(size, hidden int, rng *rand.Rand) (*Network, error) {
	if size < 1 {
		return nil, config.Invalid("size", "must be at least 1")
	}
	if hidden < 1 {
		return nil, config.Invalid("hidden", "must be at least 1")
	}
	if rng == nil {
		return nil, config.Invalid("rng", "must not be nil")
	}

	n := newNetwork(size, hidden)
	initWeights(n.p.w1.Data, n.in, rng)
	initWeights(n.p.wp.Data, hidden, rng)
	initWeights(n.p.wv.Data, hidden, rng)
	// small heads start close to uniform policy and zero value
	blas32.Scal(0.1, vec(n.p.wp.Data))
	blas32.Scal(0.1, vec(n.p.wv.Data))
	return n, nil
}

func initWeights(w []float32, fanIn int, rng *rand.Rand) {
	std := math.Sqrt(2 / float64(fanIn))
	for i := range w {
		w[i] = float32(rng.NormFloat64() * std)
	}
}

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

func (n *Network) Size() int      { return n.size }
func (n *Network) Hidden() int    { return n.hidden }
func (n *Network) InputSize() int { return n.in }
func (n *Network) NumParams() int { return len(n.theta) }

// Params returns a copy of the flat parameter vector.
func (n *Network) Params() []float32 {
	return append([]float32(nil), n.theta...)
}

func (n *Network) SetParams(params []float32) error {
	if len(params) != len(n.theta) {
		return fmt.Errorf("set params: got %d values, network has %d", len(params), len(n.theta))
	}
	copy(n.theta, params)
	return nil
}

func (n *Network) Clone() *Network {
	c := newNetwork(n.size, n.hidden)
	copy(c.theta, n.theta)
	return c
}

// activations holds one forward pass over a batch.
type activations struct {
	rows   int
	hidden blas32.General // post-ReLU
	probs  blas32.General // softmax output
	value  blas32.General // tanh output
}

func (n *Network) newActivations(rows int) *activations {
	return &activations{
		rows:   rows,
		hidden: blas32.General{Rows: rows, Cols: n.hidden, Stride: n.hidden, Data: make([]float32, rows*n.hidden)},
		probs:  blas32.General{Rows: rows, Cols: n.out, Stride: n.out, Data: make([]float32, rows*n.out)},
		value:  blas32.General{Rows: rows, Cols: 1, Stride: 1, Data: make([]float32, rows)},
	}
}

func broadcastRows(dst blas32.General, bias []float32) {
	for r := 0; r < dst.Rows; r++ {
		copy(dst.Data[r*dst.Stride:r*dst.Stride+dst.Cols], bias)
	}
}

func (n *Network) forward(x blas32.General, a *activations) {
	broadcastRows(a.hidden, n.p.b1)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, x, n.p.w1, 1, a.hidden)
	for i, v := range a.hidden.Data {
		if v < 0 {
			a.hidden.Data[i] = 0
		}
	}

	broadcastRows(a.probs, n.p.bp)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, a.hidden, n.p.wp, 1, a.probs)
	for r := 0; r < a.rows; r++ {
		softmax(a.probs.Data[r*n.out : (r+1)*n.out])
	}

	broadcastRows(a.value, n.p.bv)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, a.hidden, n.p.wv, 1, a.value)
	for i, v := range a.value.Data {
		a.value.Data[i] = math32.Tanh(v)
	}
}

func softmax(row []float32) {
	maxV := row[0]
	for _, v := range row[1:] {
		if v > maxV {
			maxV = v
		}
	}
	var sum float32
	for i, v := range row {
		e := math32.Exp(v - maxV)
		row[i] = e
		sum += e
	}
	for i := range row {
		row[i] /= sum
	}
}

// Infer evaluates batch stacked encodings. It returns batch·n·n policy
// probabilities and batch values in [-1, 1].
func (n *Network) Infer(input []float32, batch int) ([]float32, []float32, error) {
	if batch < 1 {
		return nil, nil, fmt.Errorf("infer: batch %d", batch)
	}
	if len(input) != batch*n.in {
		return nil, nil, fmt.Errorf("infer: input has %d floats, want %d", len(input), batch*n.in)
	}
	x := blas32.General{Rows: batch, Cols: n.in, Stride: n.in, Data: input}
	a := n.newActivations(batch)
	n.forward(x, a)
	return a.probs.Data, a.value.Data, nil
}
