package worker

import (
	"context"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/cens-chile/oclfhir/engine"
)

// BatchValidator validates a slice of jobs and returns results in input order.
type BatchValidator struct {
	validator Validator
	workers   int
}

// NewBatchValidator creates a batch validator. If workers <= 0, it defaults
// to runtime.NumCPU().
func NewBatchValidator(validator Validator, workers int) *BatchValidator {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &BatchValidator{
		validator: validator,
		workers:   workers,
	}
}

// ValidateBatch runs every job. Jobs not started before ctx is cancelled
// get a nil entry in Results.
func (bv *BatchValidator) ValidateBatch(ctx context.Context, jobs []Job) *BatchResult {
	if len(jobs) == 0 {
		return &BatchResult{Results: make([]*JobResult, 0)}
	}
	for i := range jobs {
		if jobs[i].ID == "" {
			jobs[i].ID = strconv.Itoa(i)
		}
	}

	// small batches are not worth the goroutines
	if len(jobs) <= 2 {
		return bv.validateSequential(ctx, jobs)
	}
	return bv.validateParallel(ctx, jobs)
}

func (bv *BatchValidator) runOne(ctx context.Context, job Job) *JobResult {
	start := time.Now()
	res, err := job.run(ctx, bv.validator)
	return &JobResult{
		ID:       job.ID,
		Result:   res,
		Error:    err,
		Duration: time.Since(start).Nanoseconds(),
	}
}

func (bv *BatchValidator) validateSequential(ctx context.Context, jobs []Job) *BatchResult {
	out := &BatchResult{Results: make([]*JobResult, len(jobs)), TotalJobs: len(jobs)}

	for i, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		out.add(i, bv.runOne(ctx, job))
	}
	return out
}

func (bv *BatchValidator) validateParallel(ctx context.Context, jobs []Job) *BatchResult {
	numWorkers := min(bv.workers, len(jobs))

	queue := make(chan int, len(jobs))
	done := make(chan indexedResult, len(jobs))

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for idx := range queue {
				if ctx.Err() != nil {
					return
				}
				done <- indexedResult{index: idx, result: bv.runOne(ctx, jobs[idx])}
			}
		}()
	}

	go func() {
		defer close(queue)
		for i := range jobs {
			select {
			case <-ctx.Done():
				return
			case queue <- i:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(done)
	}()

	out := &BatchResult{Results: make([]*JobResult, len(jobs)), TotalJobs: len(jobs)}
	for ir := range done {
		out.add(ir.index, ir.result)
	}
	return out
}

func (br *BatchResult) add(i int, r *JobResult) {
	br.Results[i] = r
	br.CompletedJobs++
	br.TotalDuration += r.Duration
	if r.Error != nil {
		br.FailedJobs++
	}
}

type indexedResult struct {
	index  int
	result *JobResult
}

// ValidateCodes is a convenience for validating codes against one code
// system or value set.
func ValidateCodes(ctx context.Context, v Validator, job Job, codes []string) *BatchResult {
	jobs := make([]Job, len(codes))
	for i, code := range codes {
		j := job
		j.ID = code
		j.Params.Code = code
		jobs[i] = j
	}
	return NewBatchValidator(v, runtime.NumCPU()).ValidateBatch(ctx, jobs)
}

var _ Validator = (*engine.Engine)(nil)
