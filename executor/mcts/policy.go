package mcts

import (
	"math"
	"math/rand/v2"

	"github.com/brensch/hexzero/executor/convert"
	"github.com/brensch/hexzero/game"
	"gonum.org/v1/gonum/stat/distuv"
)

// GreedyTemperature is the threshold below which SearchPolicy is one-hot.
const GreedyTemperature = 1e-3

// SearchPolicy turns root visit counts into a distribution over canonical
// policy indices of the root mover. Below GreedyTemperature it is one-hot on
// the most visited child; otherwise each child gets visits^(1/T).
func SearchPolicy(t *Tree, temperature float64) []float32 {
	size := t.Size
	policy := make([]float32, size*size)
	root := t.Nodes[Root]
	if root.NumChildren == 0 {
		return policy
	}
	mover := root.ToMove
	children := t.Children(Root)

	if temperature < GreedyTemperature {
		best, _ := t.MostVisitedChild(Root)
		policy[convert.PolicyIndex(t.Nodes[best].Move, mover, size)] = 1
		return policy
	}

	maxVisits := 0
	for _, c := range children {
		if c.VisitCount > maxVisits {
			maxVisits = c.VisitCount
		}
	}

	weights := make([]float64, len(children))
	total := 0.0
	for i, c := range children {
		if c.VisitCount == 0 {
			continue
		}
		if temperature == 1 {
			weights[i] = float64(c.VisitCount)
		} else {
			// (n/max)^(1/T) keeps large exponents finite
			weights[i] = math.Exp(math.Log(float64(c.VisitCount)/float64(maxVisits)) / temperature)
		}
		total += weights[i]
	}

	if total <= 0 {
		// no visits yet: uniform over legal moves
		for i := range weights {
			weights[i] = 1
		}
		total = float64(len(weights))
	}
	for i, c := range children {
		policy[convert.PolicyIndex(c.Move, mover, size)] = float32(weights[i] / total)
	}
	return policy
}

// PolicyByMove is SearchPolicy keyed by board move instead of canonical index.
func PolicyByMove(t *Tree, temperature float64) map[game.Move]float32 {
	policy := SearchPolicy(t, temperature)
	mover := t.Nodes[Root].ToMove
	out := make(map[game.Move]float32, t.Nodes[Root].NumChildren)
	for _, c := range t.Children(Root) {
		out[c.Move] = policy[convert.PolicyIndex(c.Move, mover, t.Size)]
	}
	return out
}

// SampleIndex draws an index from a probability vector. Zero entries are
// never selected unless every entry is zero.
func SampleIndex(rng *rand.Rand, probs []float32) int {
	r := rng.Float64()
	cumulative := 0.0
	last := -1
	for i, p := range probs {
		if p <= 0 {
			continue
		}
		last = i
		cumulative += float64(p)
		if r < cumulative {
			return i
		}
	}
	if last >= 0 {
		return last // rounding
	}
	return argmax(probs)
}

func argmax(probs []float32) int {
	bestIdx := 0
	bestVal := float32(math.Inf(-1))
	for i, p := range probs {
		if p > bestVal {
			bestVal = p
			bestIdx = i
		}
	}
	return bestIdx
}

// AddDirichletNoise mixes Dir(alpha) noise into the root priors:
// p' = (1-eps)*p + eps*eta, renormalised afterwards.
func AddDirichletNoise(t *Tree, rng *rand.Rand, alpha, epsilon float64) {
	root := t.Nodes[Root]
	n := int(root.NumChildren)
	if n == 0 || epsilon <= 0 || alpha <= 0 {
		return
	}

	gamma := distuv.Gamma{Alpha: alpha, Beta: 1}
	if rng != nil {
		gamma.Src = rng
	}
	noise := make([]float64, n)
	sum := 0.0
	for i := range noise {
		noise[i] = gamma.Rand()
		sum += noise[i]
	}
	normalizePriors(noise, sum)

	children := t.Children(Root)
	total := 0.0
	for i := range children {
		p := (1-epsilon)*children[i].PriorProb + epsilon*noise[i]
		children[i].PriorProb = p
		total += p
	}
	for i := range children {
		children[i].PriorProb /= total
	}
}
