package inference

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/brensch/hexzero/config"
)

// Pool fans out requests across one Batcher per engine replica. Each replica
// has its own batching loop, so replicas run inference in parallel.
type Pool struct {
	replicas []Engine
	workers  []*Batcher
	rr       atomic.Uint64
}

func NewPool(replicas []Engine, cfg BatcherConfig) (*Pool, error) {
	if len(replicas) == 0 {
		return nil, config.Invalid("replicas", "must contain at least one engine")
	}

	workers := make([]*Batcher, 0, len(replicas))
	for i, e := range replicas {
		b, err := NewBatcher(e, cfg)
		if err != nil {
			for _, created := range workers {
				created.Stop()
			}
			return nil, fmt.Errorf("create batcher %d/%d: %w", i+1, len(replicas), err)
		}
		workers = append(workers, b)
	}

	return &Pool{replicas: replicas, workers: workers}, nil
}

func (p *Pool) Workers() int { return len(p.workers) }

func (p *Pool) next() *Batcher {
	idx := int((p.rr.Add(1) - 1) % uint64(len(p.workers)))
	return p.workers[idx]
}

// Submit routes input to the next worker in round-robin order.
func (p *Pool) Submit(ctx context.Context, input []float32) (*Future, error) {
	return p.next().Submit(ctx, input)
}

func (p *Pool) Predict(ctx context.Context, input []float32) ([]float32, float32, error) {
	return p.next().Predict(ctx, input)
}

// UpdateWeights copies src into every replica, one worker at a time. Each
// worker is paused while its replica is written so a batch never sees a
// partially updated parameter set.
func (p *Pool) UpdateWeights(src ParamSource) error {
	if src == nil {
		return config.Invalid("src", "must not be nil")
	}
	params := src.Params()
	for i, w := range p.workers {
		loader, ok := p.replicas[i].(ParamLoader)
		if !ok {
			return fmt.Errorf("replica %d (%T) does not accept parameters", i, p.replicas[i])
		}
		w.Pause()
		err := loader.SetParams(params)
		w.Resume()
		if err != nil {
			return fmt.Errorf("set params on replica %d: %w", i, err)
		}
	}
	return nil
}

// Pause pauses every worker. See Batcher.Pause.
func (p *Pool) Pause() {
	for _, w := range p.workers {
		w.Pause()
	}
}

func (p *Pool) Resume() {
	for _, w := range p.workers {
		w.Resume()
	}
}

func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.Stop()
	}
}

// Stats sums the counters of every worker. LastBatchSize is the largest
// across workers.
func (p *Pool) Stats() RuntimeStats {
	var total RuntimeStats
	for _, w := range p.workers {
		st := w.Stats()
		total.TotalBatches += st.TotalBatches
		total.TotalItems += st.TotalItems
		total.TotalRunNanos += st.TotalRunNanos
		total.QueueLen += st.QueueLen
		if st.LastBatchSize > total.LastBatchSize {
			total.LastBatchSize = st.LastBatchSize
		}
	}
	total.fillAverages()
	return total
}
