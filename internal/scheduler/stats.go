package scheduler

import (
	"sort"
	"sync"
	"time"
)

// TypeStats accumulates outcome statistics for one task type.
type TypeStats struct {
	// Type is the task type these stats describe.
	Type string
	// Attempts counts every completed or failed execution attempt.
	Attempts int
	// Successes counts attempts that completed.
	Successes int
	// Failures counts attempts that failed.
	Failures int
	// TotalDuration sums the run time of successful attempts.
	TotalDuration time.Duration
}

// SuccessRate returns the fraction of attempts that completed, or 1.0
// when nothing has been attempted yet so unproven types are not penalised.
func (ts TypeStats) SuccessRate() float64 {
	if ts.Attempts == 0 {
		return 1.0
	}
	return float64(ts.Successes) / float64(ts.Attempts)
}

// AvgDuration returns the mean duration of successful attempts.
func (ts TypeStats) AvgDuration() time.Duration {
	if ts.Successes == 0 {
		return 0
	}
	return ts.TotalDuration / time.Duration(ts.Successes)
}

// statsTracker keeps TypeStats per task type behind its own lock so the
// advanced scheduler can record outcomes without touching the task lock.
type statsTracker struct {
	mu    sync.RWMutex
	types map[string]*TypeStats
}

func newStatsTracker() *statsTracker {
	return &statsTracker{types: make(map[string]*TypeStats)}
}

// record adds one attempt outcome for a task type. Duration is only
// accumulated for successes.
func (st *statsTracker) record(taskType string, duration time.Duration, success bool) {
	if taskType == "" {
		taskType = "default"
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	stats, ok := st.types[taskType]
	if !ok {
		stats = &TypeStats{Type: taskType}
		st.types[taskType] = stats
	}
	stats.Attempts++
	if success {
		stats.Successes++
		stats.TotalDuration += duration
	} else {
		stats.Failures++
	}
}

// get returns a copy of the stats for one task type.
func (st *statsTracker) get(taskType string) (TypeStats, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	stats, ok := st.types[taskType]
	if !ok {
		return TypeStats{}, false
	}
	return *stats, true
}

// all returns copies of every type's stats, sorted by type name.
func (st *statsTracker) all() []TypeStats {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]TypeStats, 0, len(st.types))
	for _, stats := range st.types {
		out = append(out, *stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
