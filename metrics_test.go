package oclfhir

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMetrics_Basic(t *testing.T) {
	m := NewMetrics()

	if m.RequestsTotal() != 0 {
		t.Errorf("RequestsTotal() = %d; want 0", m.RequestsTotal())
	}

	m.RecordOperation(OpLookup, 10*time.Millisecond, nil)
	m.RecordOperation(OpLookup, 30*time.Millisecond, CodeNotFound("nope"))
	m.RecordOperation(OpExpand, 20*time.Millisecond, errors.New("boom"))

	if m.RequestsTotal() != 3 {
		t.Errorf("RequestsTotal() = %d; want 3", m.RequestsTotal())
	}
	if m.RequestsFailed() != 2 {
		t.Errorf("RequestsFailed() = %d; want 2", m.RequestsFailed())
	}
	if got := m.Failures(KindCodeNotFound); got != 1 {
		t.Errorf("Failures(CodeNotFound) = %d; want 1", got)
	}
	if got := m.Failures("internal"); got != 1 {
		t.Errorf("Failures(internal) = %d; want 1", got)
	}
	if m.MinRequestTime() != 10*time.Millisecond {
		t.Errorf("MinRequestTime() = %v; want 10ms", m.MinRequestTime())
	}
	if m.MaxRequestTime() != 30*time.Millisecond {
		t.Errorf("MaxRequestTime() = %v; want 30ms", m.MaxRequestTime())
	}
	if m.AverageRequestTime() != 20*time.Millisecond {
		t.Errorf("AverageRequestTime() = %v; want 20ms", m.AverageRequestTime())
	}

	stats, ok := m.OperationStats(OpLookup)
	if !ok {
		t.Fatal("OperationStats(lookup) not found")
	}
	if stats.Invocations != 2 || stats.Failures != 1 {
		t.Errorf("OperationStats = %+v; want 2 invocations, 1 failure", stats)
	}
}

func TestMetrics_CacheHitRate(t *testing.T) {
	m := NewMetrics()
	if rate := m.CacheHitRate(); rate != 0 {
		t.Errorf("CacheHitRate() = %f; want 0", rate)
	}
	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheMiss()
	if rate := m.CacheHitRate(); rate != 0.75 {
		t.Errorf("CacheHitRate() = %f; want 0.75", rate)
	}
}

func TestMetrics_SnapshotAndReset(t *testing.T) {
	m := NewMetrics()
	m.RecordOperation(OpValidateCode, time.Millisecond, nil)
	m.RecordOperation(OpExpand, time.Millisecond, nil)
	m.RecordRetry()
	m.RecordExpansion(42)

	s := m.Snapshot()
	if s.RequestsTotal != 2 || s.ResolverRetries != 1 || s.ConceptsExpanded != 42 {
		t.Errorf("Snapshot() = %+v", s)
	}
	if len(s.Operations) != 2 || s.Operations[0].Name != OpExpand {
		t.Errorf("Snapshot().Operations = %+v; want sorted [expand validate-code]", s.Operations)
	}

	m.Reset()
	if m.RequestsTotal() != 0 || m.Retries() != 0 || m.MinRequestTime() != 0 {
		t.Error("Reset() did not clear counters")
	}
	if _, ok := m.OperationStats(OpExpand); ok {
		t.Error("Reset() did not clear operation stats")
	}
}

func TestMetrics_Concurrent(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordOperation(OpExpand, time.Microsecond, nil)
				m.RecordCacheHit()
			}
		}()
	}
	wg.Wait()
	if m.RequestsTotal() != 5000 {
		t.Errorf("RequestsTotal() = %d; want 5000", m.RequestsTotal())
	}
}
