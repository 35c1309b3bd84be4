package ingest

import (
	"context"
	"log"
	"sync"

	"github.com/agrichat/knowledge/internal/knowledge"
)

// LocalPool runs ingestion jobs on a fixed set of goroutines fed by a bounded
// queue. Enqueue blocks while the queue is full.
type LocalPool struct {
	runner  Runner
	workers int
	jobs    chan knowledge.Job
	logger  *log.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

func NewLocalPool(runner Runner, workers, queueSize int, logger *log.Logger) *LocalPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	return &LocalPool{runner: runner, workers: workers, jobs: make(chan knowledge.Job, queueSize), logger: logger}
}

// Start launches the workers. Jobs run detached from ctx cancellation so a
// shutdown drains instead of aborting them.
func (p *LocalPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	runCtx := context.WithoutCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for job := range p.jobs {
				out := p.runner.Run(runCtx, job)
				if out.Err != nil {
					p.logger.Printf("worker %d: document %s: %v", id, job.DocumentID, out.Err)
				}
			}
		}(i)
	}
	p.logger.Printf("local pool started with %d workers (queue %d)", p.workers, cap(p.jobs))
}

// Enqueue hands job to the pool, waiting for capacity or ctx.
func (p *LocalPool) Enqueue(ctx context.Context, job knowledge.Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return knowledge.ErrQueueClosed
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs and waits for queued and running jobs to finish.
func (p *LocalPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Printf("local pool drained")
}

var _ knowledge.Dispatcher = (*LocalPool)(nil)
