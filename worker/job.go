package worker

import (
	"context"

	"github.com/cens-chile/oclfhir/engine"
	"github.com/cens-chile/oclfhir/model"
)

// Validator is the part of the engine the pool runs jobs against.
// *engine.Engine satisfies it.
type Validator interface {
	ValidateCode(ctx context.Context, scope model.Scope, t engine.Target, p engine.Params) (*engine.ValidationResult, error)
	ValidateCodeInValueSet(ctx context.Context, scope model.Scope, t engine.Target, p engine.Params) (*engine.ValidationResult, error)
}

// Job is one validate-code request.
type Job struct {
	// ID is echoed on the result. Batches default it to the job's index.
	ID string

	// Kind selects the operation: model.KindValueSet validates membership
	// in a value set, anything else validates against a code system.
	Kind model.ArtifactKind

	Scope  model.Scope
	Target engine.Target
	Params engine.Params
}

func (j Job) run(ctx context.Context, v Validator) (*engine.ValidationResult, error) {
	if j.Kind == model.KindValueSet {
		return v.ValidateCodeInValueSet(ctx, j.Scope, j.Target, j.Params)
	}
	return v.ValidateCode(ctx, j.Scope, j.Target, j.Params)
}

// JobResult is the outcome of a Job.
type JobResult struct {
	ID string

	// Result is nil when Error is set.
	Result *engine.ValidationResult

	Error error

	// Duration in nanoseconds.
	Duration int64
}

// BatchResult aggregates results from multiple jobs.
type BatchResult struct {
	Results []*JobResult

	TotalJobs     int
	CompletedJobs int
	// FailedJobs counts jobs that returned an error, not codes that were
	// found invalid.
	FailedJobs int

	TotalDuration int64
}

// HasFailures reports whether any job returned an error.
func (br *BatchResult) HasFailures() bool {
	for _, r := range br.Results {
		if r != nil && r.Error != nil {
			return true
		}
	}
	return false
}

// InvalidCount returns the number of jobs that completed with result=false.
func (br *BatchResult) InvalidCount() int {
	count := 0
	for _, r := range br.Results {
		if r != nil && r.Result != nil && !r.Result.Result {
			count++
		}
	}
	return count
}
