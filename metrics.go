package oclfhir

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Operation names used for per-operation metrics.
const (
	OpLookup                 = "lookup"
	OpValidateCode           = "validate-code"
	OpValidateCodeInValueSet = "validate-code-valueset"
	OpExpand                 = "expand"
)

// Metrics tracks terminology operation metrics using lock-free atomic operations.
// All methods are safe for concurrent use.
type Metrics struct {
	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64

	// Timing (stored as nanoseconds)
	requestTimeTotal atomic.Uint64
	requestTimeMin   atomic.Uint64
	requestTimeMax   atomic.Uint64

	// Resolver cache
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64

	resolverRetries atomic.Uint64

	conceptsExpanded atomic.Uint64

	operations sync.Map // map[string]*operationMetrics
	failures   sync.Map // map[Kind]*atomic.Uint64
}

type operationMetrics struct {
	invocations atomic.Uint64
	failures    atomic.Uint64
	totalTime   atomic.Uint64 // nanoseconds
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	// Initialize min to max uint64 so first value becomes the minimum
	m.requestTimeMin.Store(^uint64(0))
	return m
}

// --- Recording Methods ---

// RecordOperation records a completed operation. A nil err counts as success.
func (m *Metrics) RecordOperation(op string, duration time.Duration, err error) {
	m.requestsTotal.Add(1)

	ns := uint64(duration.Nanoseconds()) //nolint:gosec // Safe: nanoseconds are always positive for valid durations
	m.requestTimeTotal.Add(ns)

	for {
		old := m.requestTimeMin.Load()
		if ns >= old {
			break
		}
		if m.requestTimeMin.CompareAndSwap(old, ns) {
			break
		}
	}
	for {
		old := m.requestTimeMax.Load()
		if ns <= old {
			break
		}
		if m.requestTimeMax.CompareAndSwap(old, ns) {
			break
		}
	}

	om := m.getOrCreateOperation(op)
	om.invocations.Add(1)
	om.totalTime.Add(ns)

	if err != nil {
		m.requestsFailed.Add(1)
		om.failures.Add(1)
		kind := KindOf(err)
		if kind == "" {
			kind = "internal"
		}
		m.getOrCreateFailure(kind).Add(1)
	}
}

// RecordCacheHit records a resolver cache hit.
func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Add(1)
}

// RecordCacheMiss records a resolver cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.cacheMisses.Add(1)
}

// RecordRetry records a resolver retry after RepositoryUnavailable.
func (m *Metrics) RecordRetry() {
	m.resolverRetries.Add(1)
}

// RecordExpansion records the size of a finished expansion before paging.
func (m *Metrics) RecordExpansion(total int) {
	m.conceptsExpanded.Add(uint64(total)) //nolint:gosec // Safe: total is non-negative
}

func (m *Metrics) getOrCreateOperation(name string) *operationMetrics {
	if v, ok := m.operations.Load(name); ok {
		return v.(*operationMetrics)
	}
	actual, _ := m.operations.LoadOrStore(name, &operationMetrics{})
	return actual.(*operationMetrics)
}

func (m *Metrics) getOrCreateFailure(kind Kind) *atomic.Uint64 {
	if v, ok := m.failures.Load(kind); ok {
		return v.(*atomic.Uint64)
	}
	actual, _ := m.failures.LoadOrStore(kind, &atomic.Uint64{})
	return actual.(*atomic.Uint64)
}

// --- Query Methods ---

// RequestsTotal returns the number of operations recorded.
func (m *Metrics) RequestsTotal() uint64 {
	return m.requestsTotal.Load()
}

// RequestsFailed returns the number of operations that returned an error.
func (m *Metrics) RequestsFailed() uint64 {
	return m.requestsFailed.Load()
}

// AverageRequestTime returns the average operation duration.
func (m *Metrics) AverageRequestTime() time.Duration {
	total := m.requestsTotal.Load()
	if total == 0 {
		return 0
	}
	return time.Duration(m.requestTimeTotal.Load() / total) //nolint:gosec // Safe: nanoseconds within int64 range
}

// MinRequestTime returns the minimum operation duration.
func (m *Metrics) MinRequestTime() time.Duration {
	minVal := m.requestTimeMin.Load()
	if minVal == ^uint64(0) {
		return 0
	}
	return time.Duration(minVal) //nolint:gosec // Safe: nanoseconds within int64 range
}

// MaxRequestTime returns the maximum operation duration.
func (m *Metrics) MaxRequestTime() time.Duration {
	return time.Duration(m.requestTimeMax.Load()) //nolint:gosec // Safe: nanoseconds within int64 range
}

// CacheHitRate returns the resolver cache hit rate (0.0 to 1.0).
func (m *Metrics) CacheHitRate() float64 {
	hits := m.cacheHits.Load()
	total := hits + m.cacheMisses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Retries returns the number of resolver retries.
func (m *Metrics) Retries() uint64 {
	return m.resolverRetries.Load()
}

// Failures returns the failure count for a kind.
func (m *Metrics) Failures(kind Kind) uint64 {
	v, ok := m.failures.Load(kind)
	if !ok {
		return 0
	}
	return v.(*atomic.Uint64).Load()
}

// OperationStats holds statistics for one operation.
type OperationStats struct {
	Name        string        `json:"name"`
	Invocations uint64        `json:"invocations"`
	Failures    uint64        `json:"failures"`
	TotalTime   time.Duration `json:"total_time_ns"`
	AvgTime     time.Duration `json:"avg_time_ns"`
}

// OperationStats returns statistics for a specific operation.
func (m *Metrics) OperationStats(name string) (OperationStats, bool) {
	v, ok := m.operations.Load(name)
	if !ok {
		return OperationStats{Name: name}, false
	}
	return statsOf(name, v.(*operationMetrics)), true
}

func statsOf(name string, om *operationMetrics) OperationStats {
	invocations := om.invocations.Load()
	totalTime := om.totalTime.Load()
	var avg time.Duration
	if invocations > 0 {
		avg = time.Duration(totalTime / invocations) //nolint:gosec // Safe: nanoseconds within int64 range
	}
	return OperationStats{
		Name:        name,
		Invocations: invocations,
		Failures:    om.failures.Load(),
		TotalTime:   time.Duration(totalTime), //nolint:gosec // Safe: nanoseconds within int64 range
		AvgTime:     avg,
	}
}

// --- Export Methods ---

// MetricsSnapshot is a point-in-time copy of all metrics.
type MetricsSnapshot struct {
	Timestamp        time.Time        `json:"timestamp"`
	RequestsTotal    uint64           `json:"requests_total"`
	RequestsFailed   uint64           `json:"requests_failed"`
	AvgRequestTimeNs int64            `json:"avg_request_time_ns"`
	MinRequestTimeNs int64            `json:"min_request_time_ns"`
	MaxRequestTimeNs int64            `json:"max_request_time_ns"`
	CacheHitRate     float64          `json:"cache_hit_rate"`
	ResolverRetries  uint64           `json:"resolver_retries"`
	ConceptsExpanded uint64           `json:"concepts_expanded"`
	Failures         map[Kind]uint64  `json:"failures,omitempty"`
	Operations       []OperationStats `json:"operations,omitempty"`
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Timestamp:        time.Now(),
		RequestsTotal:    m.requestsTotal.Load(),
		RequestsFailed:   m.requestsFailed.Load(),
		AvgRequestTimeNs: m.AverageRequestTime().Nanoseconds(),
		MinRequestTimeNs: m.MinRequestTime().Nanoseconds(),
		MaxRequestTimeNs: m.MaxRequestTime().Nanoseconds(),
		CacheHitRate:     m.CacheHitRate(),
		ResolverRetries:  m.resolverRetries.Load(),
		ConceptsExpanded: m.conceptsExpanded.Load(),
		Failures:         make(map[Kind]uint64),
	}
	m.failures.Range(func(key, value any) bool {
		s.Failures[key.(Kind)] = value.(*atomic.Uint64).Load()
		return true
	})
	m.operations.Range(func(key, value any) bool {
		s.Operations = append(s.Operations, statsOf(key.(string), value.(*operationMetrics)))
		return true
	})
	sort.Slice(s.Operations, func(i, j int) bool { return s.Operations[i].Name < s.Operations[j].Name })
	return s
}

// Reset clears all metrics.
func (m *Metrics) Reset() {
	m.requestsTotal.Store(0)
	m.requestsFailed.Store(0)
	m.requestTimeTotal.Store(0)
	m.requestTimeMin.Store(^uint64(0))
	m.requestTimeMax.Store(0)
	m.cacheHits.Store(0)
	m.cacheMisses.Store(0)
	m.resolverRetries.Store(0)
	m.conceptsExpanded.Store(0)
	m.operations.Range(func(key, _ any) bool {
		m.operations.Delete(key)
		return true
	})
	m.failures.Range(func(key, _ any) bool {
		m.failures.Delete(key)
		return true
	})
}
