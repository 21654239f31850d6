// Package stats implements the per-model/script runtime statistics
// registry (grounded on original_source/src/stats.c), a supplemented
// feature: spec.md lists "per-model runtime statistics" as an out-of-
// scope external collaborator, but the scheduler (C6) still writes to it
// after every ModelRun/ScriptRun backend dispatch, so the write side lives
// in the core and the read side is exposed over the control plane.
package stats

import (
	"sync"
	"time"
)

// compactIdleAfter is how long an entry can go without a new Record before
// Compact reclaims it.
const compactIdleAfter = 10 * time.Minute

// Entry accumulates counters for one run key (model or script).
type Entry struct {
	Calls          int64
	Errors         int64
	TotalDurationUs int64
	BatchSizeSum   int64
	BatchCount     int64

	lastRecordedAt time.Time
}

// AvgDurationUs returns the mean per-call duration in microseconds.
func (e Entry) AvgDurationUs() float64 {
	if e.Calls == 0 {
		return 0
	}
	return float64(e.TotalDurationUs) / float64(e.Calls)
}

// AvgBatchSize returns the mean batch size across batched invocations.
func (e Entry) AvgBatchSize() float64 {
	if e.BatchCount == 0 {
		return 0
	}
	return float64(e.BatchSizeSum) / float64(e.BatchCount)
}

// Registry is a concurrent map keyed by model/script identifier, per
// §5's "Shared resources" list.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*Entry{}}
}

// Record accumulates one completed op's outcome against runKey. The
// analogue of RAI_SafeAddDataPoint in original_source/src/stats.c.
func (r *Registry) Record(runKey string, durationUs int64, batchSize int, errored bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[runKey]
	if !ok {
		e = &Entry{}
		r.entries[runKey] = e
	}
	e.Calls++
	e.lastRecordedAt = time.Now()
	e.TotalDurationUs += durationUs
	if errored {
		e.Errors++
	}
	if batchSize > 1 {
		e.BatchSizeSum += int64(batchSize)
		e.BatchCount++
	}
}

// Get returns a copy of the current entry for runKey.
func (r *Registry) Get(runKey string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[runKey]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// All returns a snapshot of every tracked entry.
func (r *Registry) All() map[string]Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Entry, len(r.entries))
	for k, v := range r.entries {
		out[k] = *v
	}
	return out
}

// Compact drops entries idle for longer than compactIdleAfter, a
// maintenance task the engine's cron loop runs periodically to bound
// registry growth across long-lived processes with many short-lived model
// keys. Every entry has at least one call by construction (Record creates
// it on first use), so staleness has to be judged by recency, not Calls.
func (r *Registry) Compact() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	cutoff := time.Now().Add(-compactIdleAfter)
	for k, e := range r.entries {
		if e.lastRecordedAt.Before(cutoff) {
			delete(r.entries, k)
			removed++
		}
	}
	return removed
}
