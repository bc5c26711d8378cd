package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brensch/hexzero/config"
)

// ErrStopped is returned by Submit and Future.Wait once the batcher has been
// stopped.
var ErrStopped = errors.New("inference: batcher stopped")

// Engine runs one forward pass over batch stacked inputs. policy holds
// batch*PolicySize floats and value holds batch floats, both in input order.
type Engine interface {
	Infer(input []float32, batch int) (policy []float32, value []float32, err error)
}

// ParamLoader is implemented by engines whose weights can be replaced.
type ParamLoader interface {
	SetParams(params []float32) error
}

// ParamSource provides the flat parameter vector copied into replicas.
type ParamSource interface {
	Params() []float32
}

type BatcherConfig struct {
	MaxBatchSize int
	MaxWait      time.Duration
	// InputSize and PolicySize are per-item float counts.
	InputSize  int
	PolicySize int
}

func (c BatcherConfig) validate() error {
	switch {
	case c.MaxBatchSize < 1:
		return config.Invalid("MaxBatchSize", "must be at least 1")
	case c.MaxWait <= 0:
		return config.Invalid("MaxWait", "must be positive")
	case c.InputSize < 1:
		return config.Invalid("InputSize", "must be at least 1")
	case c.PolicySize < 1:
		return config.Invalid("PolicySize", "must be at least 1")
	}
	return nil
}

// Output is one item of a batch result.
type Output struct {
	Policy []float32
	Value  float32
}

// Future is resolved exactly once with an Output or an error.
type Future struct {
	done    chan struct{}
	once    sync.Once
	out     Output
	err     error
	stopped <-chan struct{}
}

func newFuture(stopped <-chan struct{}) *Future {
	return &Future{done: make(chan struct{}), stopped: stopped}
}

func (f *Future) resolve(out Output, err error) {
	f.once.Do(func() {
		f.out = out
		f.err = err
		close(f.done)
	})
}

// Done is closed when the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves, ctx ends or the batcher stops.
func (f *Future) Wait(ctx context.Context) (Output, error) {
	select {
	case <-f.done:
		return f.out, f.err
	case <-ctx.Done():
		return Output{}, ctx.Err()
	case <-f.stopped:
		select {
		case <-f.done:
			return f.out, f.err
		default:
			return Output{}, ErrStopped
		}
	}
}

type request struct {
	input  []float32
	future *Future
}

// Batcher groups single-position requests into batches for one Engine.
//
// A build loop takes the first queued request, drains whatever else is ready
// and then waits up to MaxWait for the batch to fill. Closed batches go
// through a small staging queue to an infer loop, which is the only
// goroutine that touches the engine.
type Batcher struct {
	engine Engine
	cfg    BatcherConfig

	queue   chan *request
	staging chan []*request

	mu       sync.Mutex
	pauses   int
	resumed  chan struct{}
	inflight int
	idle     chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	loops    sync.WaitGroup

	totalBatches  atomic.Int64
	totalItems    atomic.Int64
	totalRunNanos atomic.Int64
	lastBatchSize atomic.Int64
}

func NewBatcher(engine Engine, cfg BatcherConfig) (*Batcher, error) {
	if engine == nil {
		return nil, config.Invalid("engine", "must not be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	b := &Batcher{
		engine:  engine,
		cfg:     cfg,
		queue:   make(chan *request, (3*cfg.MaxBatchSize+1)/2),
		staging: make(chan []*request, 2),
		stop:    make(chan struct{}),
	}
	b.loops.Add(2)
	go b.buildLoop()
	go b.inferLoop()
	return b, nil
}

// Submit enqueues input and returns its future. It blocks while the batcher
// is paused or the queue is full. input must not be modified until the
// future resolves.
func (b *Batcher) Submit(ctx context.Context, input []float32) (*Future, error) {
	if len(input) != b.cfg.InputSize {
		return nil, fmt.Errorf("input has %d floats, want %d", len(input), b.cfg.InputSize)
	}
	if err := b.admit(ctx); err != nil {
		return nil, err
	}

	req := &request{input: input, future: newFuture(b.stop)}
	select {
	case b.queue <- req:
		return req.future, nil
	case <-ctx.Done():
		b.release()
		return nil, ctx.Err()
	case <-b.stop:
		b.release()
		return nil, ErrStopped
	}
}

// Predict submits input and waits for the result.
func (b *Batcher) Predict(ctx context.Context, input []float32) ([]float32, float32, error) {
	f, err := b.Submit(ctx, input)
	if err != nil {
		return nil, 0, err
	}
	out, err := f.Wait(ctx)
	if err != nil {
		return nil, 0, err
	}
	return out.Policy, out.Value, nil
}

// admit waits for the gate to be open and counts the request as in flight.
func (b *Batcher) admit(ctx context.Context) error {
	for {
		b.mu.Lock()
		select {
		case <-b.stop:
			b.mu.Unlock()
			return ErrStopped
		default:
		}
		if b.pauses == 0 {
			b.inflight++
			b.mu.Unlock()
			return nil
		}
		resumed := b.resumed
		b.mu.Unlock()

		select {
		case <-resumed:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stop:
			return ErrStopped
		}
	}
}

func (b *Batcher) release() {
	b.mu.Lock()
	b.inflight--
	if b.inflight == 0 && b.idle != nil {
		close(b.idle)
		b.idle = nil
	}
	b.mu.Unlock()
}

// Pause closes the submission gate and returns once every accepted request
// has been resolved. Calls nest; each needs a matching Resume.
func (b *Batcher) Pause() {
	b.mu.Lock()
	b.pauses++
	if b.pauses == 1 {
		b.resumed = make(chan struct{})
	}
	if b.inflight == 0 {
		b.mu.Unlock()
		return
	}
	if b.idle == nil {
		b.idle = make(chan struct{})
	}
	idle := b.idle
	b.mu.Unlock()

	select {
	case <-idle:
	case <-b.stop:
	}
}

// Resume undoes one Pause. The gate reopens when the last pause is undone.
func (b *Batcher) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pauses == 0 {
		return
	}
	b.pauses--
	if b.pauses == 0 {
		close(b.resumed)
		b.resumed = nil
	}
}

// Stop terminates both loops. Requests not yet resolved stay unresolved and
// their waiters get ErrStopped.
func (b *Batcher) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
	b.loops.Wait()
}

func (b *Batcher) buildLoop() {
	defer b.loops.Done()

	limit := b.cfg.MaxBatchSize
	timer := time.NewTimer(b.cfg.MaxWait)
	timer.Stop()
	defer timer.Stop()

	for {
		var first *request
		select {
		case <-b.stop:
			return
		case first = <-b.queue:
		}

		reqs := make([]*request, 0, limit)
		reqs = append(reqs, first)

	drain:
		for len(reqs) < limit {
			select {
			case r := <-b.queue:
				reqs = append(reqs, r)
			default:
				break drain
			}
		}

		if len(reqs) < limit {
			timer.Reset(b.cfg.MaxWait)
		wait:
			for len(reqs) < limit {
				select {
				case r := <-b.queue:
					reqs = append(reqs, r)
				case <-timer.C:
					break wait
				case <-b.stop:
					return
				}
			}
			timer.Stop()
		}

		select {
		case b.staging <- reqs:
		case <-b.stop:
			return
		}
	}
}

func (b *Batcher) inferLoop() {
	defer b.loops.Done()

	inSize := b.cfg.InputSize
	polSize := b.cfg.PolicySize
	input := make([]float32, 0, b.cfg.MaxBatchSize*inSize)

	for {
		// staged batches are abandoned once stopped
		select {
		case <-b.stop:
			return
		default:
		}

		var reqs []*request
		select {
		case <-b.stop:
			return
		case reqs = <-b.staging:
		}

		n := len(reqs)
		input = input[:0]
		for _, r := range reqs {
			input = append(input, r.input...)
		}

		start := time.Now()
		policy, value, err := b.engine.Infer(input, n)
		elapsed := time.Since(start)
		if err == nil && (len(policy) < n*polSize || len(value) < n) {
			err = fmt.Errorf("engine returned %d policy and %d value floats for batch of %d", len(policy), len(value), n)
		}

		b.totalBatches.Add(1)
		b.totalItems.Add(int64(n))
		b.totalRunNanos.Add(elapsed.Nanoseconds())
		b.lastBatchSize.Store(int64(n))

		for i, r := range reqs {
			if err != nil {
				r.future.resolve(Output{}, fmt.Errorf("infer batch of %d: %w", n, err))
			} else {
				p := make([]float32, polSize)
				copy(p, policy[i*polSize:(i+1)*polSize])
				r.future.resolve(Output{Policy: p, Value: value[i]}, nil)
			}
			b.release()
		}
	}
}

// RuntimeStats is a snapshot of batching counters.
type RuntimeStats struct {
	TotalBatches  int64
	TotalItems    int64
	TotalRunNanos int64
	LastBatchSize int64
	QueueLen      int

	AvgBatchSize float64
	AvgRunMs     float64
}

func (b *Batcher) Stats() RuntimeStats {
	st := RuntimeStats{
		TotalBatches:  b.totalBatches.Load(),
		TotalItems:    b.totalItems.Load(),
		TotalRunNanos: b.totalRunNanos.Load(),
		LastBatchSize: b.lastBatchSize.Load(),
		QueueLen:      len(b.queue),
	}
	st.fillAverages()
	return st
}

func (st *RuntimeStats) fillAverages() {
	if st.TotalBatches > 0 {
		st.AvgBatchSize = float64(st.TotalItems) / float64(st.TotalBatches)
		st.AvgRunMs = (float64(st.TotalRunNanos) / 1e6) / float64(st.TotalBatches)
	}
}
