package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cens-chile/oclfhir"
	"github.com/cens-chile/oclfhir/engine"
	"github.com/cens-chile/oclfhir/model"
	"github.com/cens-chile/oclfhir/terminology"
)

// mockValidator treats codes starting with "ok" as valid and "err" as a
// failure.
type mockValidator struct {
	codeSystem atomic.Int32
	valueSet   atomic.Int32
	delay      time.Duration
}

func (m *mockValidator) check(ctx context.Context, p engine.Params) (*engine.ValidationResult, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	switch {
	case len(p.Code) >= 3 && p.Code[:3] == "err":
		return nil, oclfhir.NotFound("no such code system")
	case len(p.Code) >= 2 && p.Code[:2] == "ok":
		return &engine.ValidationResult{Result: true, Code: p.Code}, nil
	}
	return &engine.ValidationResult{Result: false, Code: p.Code, Message: "unknown code"}, nil
}

func (m *mockValidator) ValidateCode(ctx context.Context, _ model.Scope, _ engine.Target, p engine.Params) (*engine.ValidationResult, error) {
	m.codeSystem.Add(1)
	return m.check(ctx, p)
}

func (m *mockValidator) ValidateCodeInValueSet(ctx context.Context, _ model.Scope, _ engine.Target, p engine.Params) (*engine.ValidationResult, error) {
	m.valueSet.Add(1)
	return m.check(ctx, p)
}

func job(id, code string) Job {
	return Job{ID: id, Target: engine.ByURL("http://example.org/sys", ""), Params: engine.Params{Code: code}}
}

func TestPool_NewPool(t *testing.T) {
	pool := NewPool(context.Background(), &mockValidator{}, 2, nil)
	defer pool.Close()

	if pool.size != 2 {
		t.Errorf("size = %d; want 2", pool.size)
	}
}

func TestPool_DefaultWorkers(t *testing.T) {
	pool := NewPool(context.Background(), &mockValidator{}, 0, nil)
	defer pool.Close()

	if pool.size <= 0 {
		t.Errorf("size = %d; want > 0", pool.size)
	}
}

func TestPool_SubmitAndReceive(t *testing.T) {
	validator := &mockValidator{}
	pool := NewPool(context.Background(), validator, 2, nil)
	defer pool.Close()

	vsJob := job("vs-1", "ok-1")
	vsJob.Kind = model.KindValueSet
	if err := pool.Submit(context.Background(), vsJob); err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	select {
	case result := <-pool.Results():
		if result.ID != "vs-1" {
			t.Errorf("ID = %q; want %q", result.ID, "vs-1")
		}
		if result.Result == nil || !result.Result.Result {
			t.Errorf("Result = %+v; want valid", result.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for result")
	}
	if validator.valueSet.Load() != 1 || validator.codeSystem.Load() != 0 {
		t.Errorf("calls = cs %d vs %d; want cs 0 vs 1", validator.codeSystem.Load(), validator.valueSet.Load())
	}
}

func TestPool_SubmitToClosedPool(t *testing.T) {
	pool := NewPool(context.Background(), &mockValidator{}, 2, nil)
	pool.Close()

	if err := pool.Submit(context.Background(), job("after-close", "ok")); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Submit() = %v; want ErrPoolClosed", err)
	}
	if pool.TrySubmit(job("after-close", "ok")) {
		t.Error("expected TrySubmit to fail after close")
	}
}

func TestPool_DoubleClose(t *testing.T) {
	pool := NewPool(context.Background(), &mockValidator{}, 2, nil)

	pool.Close()
	pool.Close()
	if got := pool.CloseAndWait(); len(got.Results) != 0 {
		t.Errorf("CloseAndWait after Close = %d results; want 0", len(got.Results))
	}
}

func TestPool_NilValidator(t *testing.T) {
	pool := NewPool(context.Background(), nil, 2, nil)
	defer pool.Close()

	if err := pool.Submit(context.Background(), job("nil-validator", "ok")); err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	select {
	case result := <-pool.Results():
		if !errors.Is(result.Error, ErrNoValidator) {
			t.Errorf("Error = %v; want ErrNoValidator", result.Error)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for result")
	}
}

func TestPool_CloseAndWait(t *testing.T) {
	pool := NewPool(context.Background(), &mockValidator{}, 3, nil)

	codes := []string{"ok-1", "bad", "err-1", "ok-2", "ok-3"}
	for _, code := range codes {
		if err := pool.Submit(context.Background(), job(code, code)); err != nil {
			t.Fatalf("Submit(%s) = %v", code, err)
		}
	}

	batch := pool.CloseAndWait()
	if len(batch.Results) != len(codes) {
		t.Fatalf("len(Results) = %d; want %d", len(batch.Results), len(codes))
	}
	if batch.TotalJobs != 5 || batch.CompletedJobs != 5 || batch.FailedJobs != 1 {
		t.Errorf("batch = total %d completed %d failed %d; want 5 5 1", batch.TotalJobs, batch.CompletedJobs, batch.FailedJobs)
	}
	if batch.InvalidCount() != 1 {
		t.Errorf("InvalidCount() = %d; want 1", batch.InvalidCount())
	}
	if !batch.HasFailures() {
		t.Error("HasFailures() = false; want true")
	}

	stats := pool.Stats()
	if stats.Workers != 3 || stats.Submitted != 5 || stats.Failed != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestPool_ShutdownStreamsResults(t *testing.T) {
	pool := NewPool(context.Background(), &mockValidator{delay: time.Millisecond}, 2, nil)
	defer pool.Close()

	go func() {
		defer pool.Shutdown()
		for i := range 20 {
			if err := pool.Submit(context.Background(), job("", "ok"+string(rune('a'+i)))); err != nil {
				t.Errorf("Submit() = %v", err)
				return
			}
		}
	}()

	seen := 0
	for r := range pool.Results() {
		if r.Error != nil || !r.Result.Result {
			t.Errorf("result = %+v", r)
		}
		seen++
	}
	if seen != 20 {
		t.Errorf("received %d results; want 20", seen)
	}
}

func TestPool_ShutdownWithBlockedSubmit(t *testing.T) {
	pool := NewPool(context.Background(), &mockValidator{}, 1, nil)
	defer pool.Close()

	// One worker, two queued jobs and two buffered results: nobody reads
	// Results, so the sixth Submit blocks.
	submitErr := make(chan error, 1)
	go func() {
		for i := range 10 {
			if err := pool.Submit(context.Background(), job("", "ok"+string(rune('a'+i)))); err != nil {
				submitErr <- err
				return
			}
		}
		submitErr <- nil
	}()
	deadline := time.Now().Add(time.Second)
	for pool.Stats().Submitted < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("submitted %d jobs; want 5", pool.Stats().Submitted)
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		pool.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown blocked behind a pending Submit")
	}

	received := 0
	for range pool.Results() {
		received++
	}
	if err := <-submitErr; !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Submit after Shutdown = %v; want ErrPoolClosed", err)
	}
	if submitted := pool.Stats().Submitted; uint64(received) != submitted || submitted < 5 {
		t.Errorf("received %d results for %d submitted jobs", received, submitted)
	}
}

func TestPool_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(ctx, &mockValidator{}, 1, nil)
	defer pool.Close()

	cancel()
	if err := pool.Submit(context.Background(), job("late", "ok")); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Submit() after cancel = %v; want ErrPoolClosed", err)
	}
}

func TestBatchValidator_EmptyBatch(t *testing.T) {
	bv := NewBatchValidator(&mockValidator{}, 2)

	result := bv.ValidateBatch(context.Background(), nil)
	if result.TotalJobs != 0 || len(result.Results) != 0 {
		t.Errorf("result = %+v; want empty", result)
	}
}

func TestBatchValidator_SmallBatch(t *testing.T) {
	validator := &mockValidator{}
	bv := NewBatchValidator(validator, 2)

	result := bv.ValidateBatch(context.Background(), []Job{job("", "ok-a"), job("", "nope")})
	if result.TotalJobs != 2 || result.CompletedJobs != 2 {
		t.Errorf("TotalJobs = %d CompletedJobs = %d; want 2 2", result.TotalJobs, result.CompletedJobs)
	}
	if result.Results[0].ID != "0" || result.Results[1].ID != "1" {
		t.Errorf("IDs = %q %q; want index defaults", result.Results[0].ID, result.Results[1].ID)
	}
	if validator.codeSystem.Load() != 2 {
		t.Errorf("calls = %d; want 2", validator.codeSystem.Load())
	}
}

func TestBatchValidator_ParallelKeepsOrder(t *testing.T) {
	validator := &mockValidator{delay: 10 * time.Millisecond}
	bv := NewBatchValidator(validator, 4)

	jobs := make([]Job, 10)
	for i := range jobs {
		code := "ok"
		if i%3 == 0 {
			code = "bad"
		}
		jobs[i] = job("", code+string(rune('a'+i)))
	}

	start := time.Now()
	result := bv.ValidateBatch(context.Background(), jobs)
	duration := time.Since(start)

	if result.CompletedJobs != 10 {
		t.Errorf("CompletedJobs = %d; want 10", result.CompletedJobs)
	}
	for i, r := range result.Results {
		if r == nil || r.Result.Code != jobs[i].Params.Code {
			t.Fatalf("Results[%d] = %+v; want code %s", i, r, jobs[i].Params.Code)
		}
	}
	if result.InvalidCount() != 4 {
		t.Errorf("InvalidCount() = %d; want 4", result.InvalidCount())
	}

	// 10 jobs of 10ms on 4 workers
	if duration > 200*time.Millisecond {
		t.Errorf("duration = %v; expected < 200ms for parallel execution", duration)
	}
}

func TestBatchValidator_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := NewBatchValidator(&mockValidator{}, 2).ValidateBatch(ctx, []Job{job("", "ok")})
	if result.CompletedJobs != 0 || result.Results[0] != nil {
		t.Errorf("result = %+v; want nothing run", result)
	}
}

func TestValidateCodes_Engine(t *testing.T) {
	repo := terminology.NewInMemoryRepository()
	cs, err := repo.AddSnapshot(&model.Snapshot{
		Kind: model.KindCodeSystem, Mnemonic: "SYS", Version: "1",
		CanonicalURL: "http://example.org/sys", Released: true, Latest: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.AddConcepts(cs.ID,
		&model.Concept{Code: "a", Display: "A"},
		&model.Concept{Code: "b", Display: "B"},
		&model.Concept{Code: "c", Display: "C", Retired: true},
	); err != nil {
		t.Fatal(err)
	}
	eng := engine.New(repo, nil)

	result := ValidateCodes(context.Background(), eng, Job{Target: engine.ByURL("http://example.org/sys", "")},
		[]string{"a", "b", "c", "zz"})

	want := map[string]bool{"a": true, "b": true, "c": false, "zz": false}
	for _, r := range result.Results {
		if r.Error != nil {
			t.Fatalf("%s: unexpected error %v", r.ID, r.Error)
		}
		if r.Result.Result != want[r.ID] {
			t.Errorf("%s: result = %v; want %v", r.ID, r.Result.Result, want[r.ID])
		}
	}

	result = ValidateCodes(context.Background(), eng, Job{Target: engine.ByURL("http://example.org/missing", "")}, []string{"a"})
	if !errors.Is(result.Results[0].Error, oclfhir.ErrArtifactNotFound) {
		t.Errorf("missing system error = %v; want ArtifactNotFound", result.Results[0].Error)
	}
}
