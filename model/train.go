package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/brensch/hexzero/config"
	"github.com/chewxy/math32"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Sample is one supervised target: an encoding, the search policy over
// canonical indices and the game outcome for the mover.
type Sample struct {
	Input  []float32
	Policy []float32
	Value  float32
}

type TrainConfig struct {
	Epochs        int
	MinibatchSize int
	LearningRate  float64
	WeightDecay   float64
}

func (c TrainConfig) validate() error {
	switch {
	case c.Epochs < 0:
		return config.Invalid("Epochs", "must be non-negative")
	case c.MinibatchSize < 1:
		return config.Invalid("MinibatchSize", "must be at least 1")
	case !(c.LearningRate > 0) || math.IsInf(c.LearningRate, 0):
		return config.Invalid("LearningRate", "must be positive")
	case !(c.WeightDecay >= 0) || math.IsInf(c.WeightDecay, 0):
		return config.Invalid("WeightDecay", "must be non-negative")
	}
	return nil
}

// TrainStats reports mean losses over the final epoch.
type TrainStats struct {
	Samples    int
	Epochs     int
	Steps      int
	PolicyLoss float64
	ValueLoss  float64
}

const probFloor = 1e-7

func (n *Network) checkSample(i int, s Sample) error {
	if len(s.Input) != n.in {
		return fmt.Errorf("sample %d: input has %d floats, want %d", i, len(s.Input), n.in)
	}
	if len(s.Policy) != n.out {
		return fmt.Errorf("sample %d: policy has %d floats, want %d", i, len(s.Policy), n.out)
	}
	return nil
}

// gradients mirror params over a second flat vector plus per-batch scratch.
type gradients struct {
	flat []float32
	g    params

	dLogits blas32.General
	dValue  blas32.General
	dHidden blas32.General
}

func (n *Network) newGradients(rows int) *gradients {
	flat := make([]float32, len(n.theta))
	return &gradients{
		flat:    flat,
		g:       layout(flat, n.in, n.hidden, n.out),
		dLogits: blas32.General{Rows: rows, Cols: n.out, Stride: n.out, Data: make([]float32, rows*n.out)},
		dValue:  blas32.General{Rows: rows, Cols: 1, Stride: 1, Data: make([]float32, rows)},
		dHidden: blas32.General{Rows: rows, Cols: n.hidden, Stride: n.hidden, Data: make([]float32, rows*n.hidden)},
	}
}

// rows restricts the scratch matrices to the first r rows.
func (g *gradients) rows(r int) (dl, dv, dh blas32.General) {
	dl = g.dLogits
	dl.Rows, dl.Data = r, dl.Data[:r*dl.Stride]
	dv = g.dValue
	dv.Rows, dv.Data = r, dv.Data[:r*dv.Stride]
	dh = g.dHidden
	dh.Rows, dh.Data = r, dh.Data[:r*dh.Stride]
	return dl, dv, dh
}

func sumRows(dst []float32, m blas32.General) {
	for i := range dst {
		dst[i] = 0
	}
	for r := 0; r < m.Rows; r++ {
		row := m.Data[r*m.Stride : r*m.Stride+m.Cols]
		for c, v := range row {
			dst[c] += v
		}
	}
}

// lossTerms returns summed cross-entropy and squared error for a batch.
func lossTerms(a *activations, policy, value []float32, out int) (float64, float64) {
	var ce, se float64
	for r := 0; r < a.rows; r++ {
		probs := a.probs.Data[r*out : (r+1)*out]
		target := policy[r*out : (r+1)*out]
		for j, t := range target {
			if t > 0 {
				ce -= float64(t) * float64(math32.Log(math32.Max(probs[j], probFloor)))
			}
		}
		d := float64(a.value.Data[r] - value[r])
		se += d * d
	}
	return ce, se
}

// step runs forward and backward passes on one minibatch and applies SGD
// with L2 weight decay.
func (n *Network) step(x blas32.General, policy, value []float32, a *activations, g *gradients, lr, wd float32) (float64, float64) {
	rows := x.Rows
	n.forward(x, a)
	ce, se := lossTerms(a, policy, value, n.out)

	inv := 1 / float32(rows)
	dl, dv, dh := g.rows(rows)
	for i, p := range a.probs.Data {
		dl.Data[i] = (p - policy[i]) * inv
	}
	for i, v := range a.value.Data {
		dv.Data[i] = 2 * (v - value[i]) * (1 - v*v) * inv
	}

	blas32.Gemm(blas.Trans, blas.NoTrans, 1, a.hidden, dl, 0, g.g.wp)
	sumRows(g.g.bp, dl)
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, a.hidden, dv, 0, g.g.wv)
	sumRows(g.g.bv, dv)

	blas32.Gemm(blas.NoTrans, blas.Trans, 1, dl, n.p.wp, 0, dh)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, dv, n.p.wv, 1, dh)
	for i, h := range a.hidden.Data {
		if h <= 0 {
			dh.Data[i] = 0
		}
	}
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, x, dh, 0, g.g.w1)
	sumRows(g.g.b1, dh)

	theta := vec(n.theta)
	if wd > 0 {
		blas32.Scal(1-lr*wd, theta)
	}
	blas32.Axpy(-lr, vec(g.flat), theta)
	return ce, se
}

// Train fits the network to samples with shuffled minibatch SGD.
// Loss is policy cross-entropy plus value mean squared error.
func (n *Network) Train(samples []Sample, cfg TrainConfig, rng *rand.Rand) (TrainStats, error) {
	if err := cfg.validate(); err != nil {
		return TrainStats{}, err
	}
	if rng == nil {
		return TrainStats{}, config.Invalid("rng", "must not be nil")
	}
	for i, s := range samples {
		if err := n.checkSample(i, s); err != nil {
			return TrainStats{}, err
		}
	}

	stats := TrainStats{Samples: len(samples)}
	if len(samples) == 0 || cfg.Epochs == 0 {
		return stats, nil
	}

	mb := min(cfg.MinibatchSize, len(samples))
	xData := make([]float32, mb*n.in)
	policy := make([]float32, mb*n.out)
	value := make([]float32, mb)
	a := n.newActivations(mb)
	g := n.newGradients(mb)
	lr := float32(cfg.LearningRate)
	wd := float32(cfg.WeightDecay)

	order := make([]int, len(samples))
	for i := range order {
		order[i] = i
	}

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var ce, se float64
		for start := 0; start < len(order); start += mb {
			end := min(start+mb, len(order))
			rows := end - start
			for r, idx := range order[start:end] {
				s := samples[idx]
				copy(xData[r*n.in:(r+1)*n.in], s.Input)
				copy(policy[r*n.out:(r+1)*n.out], s.Policy)
				value[r] = s.Value
			}

			x := blas32.General{Rows: rows, Cols: n.in, Stride: n.in, Data: xData[:rows*n.in]}
			batch := a
			if rows != mb {
				batch = n.newActivations(rows)
			}
			c, e := n.step(x, policy[:rows*n.out], value[:rows], batch, g, lr, wd)
			ce += c
			se += e
			stats.Steps++
		}

		stats.Epochs = epoch + 1
		stats.PolicyLoss = ce / float64(len(samples))
		stats.ValueLoss = se / float64(len(samples))
		log.Debug().
			Int("epoch", epoch+1).
			Float64("policy_loss", stats.PolicyLoss).
			Float64("value_loss", stats.ValueLoss).
			Msg("train epoch")
	}
	return stats, nil
}

// Loss evaluates mean policy cross-entropy and value squared error without
// changing the parameters.
func (n *Network) Loss(samples []Sample) (policyLoss, valueLoss float64, err error) {
	if len(samples) == 0 {
		return 0, 0, nil
	}
	const chunk = 256
	var ce, se float64
	for start := 0; start < len(samples); start += chunk {
		end := min(start+chunk, len(samples))
		rows := end - start
		x := make([]float32, rows*n.in)
		policy := make([]float32, rows*n.out)
		value := make([]float32, rows)
		for r, s := range samples[start:end] {
			if err := n.checkSample(start+r, s); err != nil {
				return 0, 0, err
			}
			copy(x[r*n.in:], s.Input)
			copy(policy[r*n.out:], s.Policy)
			value[r] = s.Value
		}
		a := n.newActivations(rows)
		n.forward(blas32.General{Rows: rows, Cols: n.in, Stride: n.in, Data: x}, a)
		c, e := lossTerms(a, policy, value, n.out)
		ce += c
		se += e
	}
	return ce / float64(len(samples)), se / float64(len(samples)), nil
}
