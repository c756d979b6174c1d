package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNoValidator is returned on every result of a pool built without a
	// validator.
	ErrNoValidator = errors.New("no validator configured")

	// ErrPoolClosed is returned by Submit once the pool stops accepting jobs.
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Pool validates a stream of jobs on a fixed set of goroutines. Results are
// delivered on Results in completion order.
type Pool struct {
	validator Validator
	size      int
	queue     chan Job
	results   chan *JobResult
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards closed. A Submit registers in senders while holding it, so
	// the queue is closed only after every in-flight send has finished.
	mu       sync.RWMutex
	closed   bool
	senders  sync.WaitGroup
	shutdown sync.Once

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	busy      atomic.Int64
}

// NewPool starts size workers. If size <= 0, it defaults to runtime.NumCPU().
// Jobs run under a context derived from ctx; cancelling ctx abandons queued
// jobs.
func NewPool(ctx context.Context, validator Validator, size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		validator: validator,
		size:      size,
		queue:     make(chan Job, size*2),
		results:   make(chan *JobResult, size*2),
		logger:    logger,
	}
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(size)
	for range size {
		go p.work()
	}
	return p
}

// Submit queues a job, blocking while the queue is full. The wait does not
// hold up a concurrent Shutdown.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	if p.closed || p.ctx.Err() != nil {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	p.senders.Add(1)
	p.mu.RUnlock()
	defer p.senders.Done()

	select {
	case p.queue <- job:
		p.submitted.Add(1)
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues a job without blocking. It reports false when the queue is
// full or the pool is closed.
func (p *Pool) TrySubmit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || p.ctx.Err() != nil {
		return false
	}

	select {
	case p.queue <- job:
		p.submitted.Add(1)
		return true
	default:
		return false
	}
}

// Results returns the channel results are delivered on. It is closed after
// Shutdown once every queued job has finished.
func (p *Pool) Results() <-chan *JobResult {
	return p.results
}

// Shutdown stops accepting jobs without waiting. Queued jobs and sends
// already in progress still run, and Results is closed when the last one is
// delivered.
func (p *Pool) Shutdown() {
	p.shutdown.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		go func() {
			p.senders.Wait()
			close(p.queue)
			p.wg.Wait()
			close(p.results)
		}()
	})
}

// Close abandons queued jobs and discards results not yet received.
func (p *Pool) Close() {
	p.cancel()
	p.Shutdown()
	for range p.results {
	}
}

// CloseAndWait stops accepting jobs, lets the queue finish and returns every
// result not yet received from Results.
func (p *Pool) CloseAndWait() *BatchResult {
	collected := make(chan []*JobResult)
	go func() {
		rest := make([]*JobResult, 0)
		for r := range p.results {
			rest = append(rest, r)
		}
		collected <- rest
	}()

	p.Shutdown()
	rest := <-collected
	p.cancel()

	return &BatchResult{
		Results:       rest,
		TotalJobs:     int(p.submitted.Load()),
		CompletedJobs: int(p.completed.Load()),
		FailedJobs:    int(p.failed.Load()),
		TotalDuration: p.busy.Load(),
	}
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Workers   int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Mean      time.Duration
}

// Stats returns current pool counters.
func (p *Pool) Stats() PoolStats {
	s := PoolStats{
		Workers:   p.size,
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
	if s.Completed > 0 {
		s.Mean = time.Duration(uint64(p.busy.Load()) / s.Completed)
	}
	return s
}

func (p *Pool) work() {
	defer p.wg.Done()

	for job := range p.queue {
		if p.ctx.Err() != nil {
			return
		}
		r := p.run(job)

		select {
		case p.results <- r:
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pool) run(job Job) *JobResult {
	start := time.Now()
	r := &JobResult{ID: job.ID}
	if p.validator == nil {
		r.Error = ErrNoValidator
	} else {
		r.Result, r.Error = job.run(p.ctx, p.validator)
	}
	r.Duration = time.Since(start).Nanoseconds()

	p.completed.Add(1)
	p.busy.Add(r.Duration)
	if r.Error != nil {
		p.failed.Add(1)
		p.logger.Debug("validate-code job failed", zap.String("job", job.ID), zap.Error(r.Error))
	}
	return r
}
