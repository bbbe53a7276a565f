package replay

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// WorkerPool eagerly pre-computes sample batches on a fixed pool of
// goroutines so Sample() can return instantly from a bounded results
// deque instead of paying decompression cost on the caller's
// goroutine. Grounded on spec.md §4.3's "optional worker pool"
// paragraph; no original_source file for it was retrieved, so the
// pool shape follows golang.org/x/sync/errgroup's bounded-goroutine
// idiom (pack dep, lox-pokerforbots), the same primitive
// priority.TaskPool wraps.
type WorkerPool struct {
	buf        *Buffer
	sampleSize int
	numWorkers int

	results chan map[string][]float32

	once    sync.Once
	cancel  context.CancelFunc
	g       *errgroup.Group
	stopped chan struct{}
}

// NewWorkerPool builds a pool of numWorkers goroutines, each repeatedly
// drawing sampleSize rows from buf and pushing them into a depth-bounded
// results channel. depth is the deque size spec.md calls out (e.g. 8).
func NewWorkerPool(buf *Buffer, sampleSize, numWorkers, depth int) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if depth < 1 {
		depth = 1
	}
	return &WorkerPool{
		buf:        buf,
		sampleSize: sampleSize,
		numWorkers: numWorkers,
		results:    make(chan map[string][]float32, depth),
		stopped:    make(chan struct{}),
	}
}

// Start launches the prefetch workers. Each worker blocks on
// buf.Sample until sampleSize rows are available, then either hands
// its batch to a waiting consumer or parks it in the results deque
// until the deque is full, matching spec.md §4.3's "threads signal
// when the deque is full (≥8) ... ".
func (p *WorkerPool) Start() {
	if p.sampleSize == 0 {
		// "...or when requested size is 0": a zero sample size means
		// there is nothing to prefetch, so no workers are launched.
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	p.g = g
	for i := 0; i < p.numWorkers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				if p.buf.Size() < p.sampleSize {
					continue
				}
				batch, err := p.buf.Sample(p.sampleSize)
				if err != nil {
					continue
				}
				select {
				case p.results <- batch:
				case <-ctx.Done():
					return nil
				}
			}
		})
	}
}

// Sample returns the next prefetched batch, blocking until a worker
// has one ready. A pool built with sampleSize == 0 has no workers and
// Sample returns nil, nil. The results channel is never closed, so the
// direct buf.Sample fallback below is not reached: on a pool whose
// Start was never called, Sample blocks.
func (p *WorkerPool) Sample() (map[string][]float32, error) {
	if p.sampleSize == 0 {
		return nil, nil
	}
	batch, ok := <-p.results
	if !ok {
		return p.buf.Sample(p.sampleSize)
	}
	return batch, nil
}

// Stop cancels every worker and waits for them to exit.
func (p *WorkerPool) Stop() {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		if p.g != nil {
			p.g.Wait()
		}
		close(p.stopped)
	})
}
