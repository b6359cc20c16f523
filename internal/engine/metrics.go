package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Metrics tracks operational counters across the engine.
var metrics struct {
	Runs             atomic.Int64
	RunsSucceeded    atomic.Int64
	RunsExhausted    atomic.Int64
	StageAttempts    atomic.Int64
	SessionRotations atomic.Int64
	ConsentRetries   atomic.Int64
	CircuitSkips     atomic.Int64
}

// perStage counts attempts and successes per stage id.
var perStage sync.Map // stageID → *stageCounters

type stageCounters struct {
	attempts  atomic.Int64
	successes atomic.Int64
}

func stageCounter(stageID string) *stageCounters {
	if v, ok := perStage.Load(stageID); ok {
		return v.(*stageCounters)
	}
	v, _ := perStage.LoadOrStore(stageID, &stageCounters{})
	return v.(*stageCounters)
}

// Incrementors used by the orchestrator.
func IncrRuns()             { metrics.Runs.Add(1) }
func IncrRunsSucceeded()    { metrics.RunsSucceeded.Add(1) }
func IncrRunsExhausted()    { metrics.RunsExhausted.Add(1) }
func IncrSessionRotations() { metrics.SessionRotations.Add(1) }
func IncrConsentRetries()   { metrics.ConsentRetries.Add(1) }
func IncrCircuitSkips()     { metrics.CircuitSkips.Add(1) }

func IncrStageAttempt(stageID string) {
	metrics.StageAttempts.Add(1)
	stageCounter(stageID).attempts.Add(1)
}

func IncrStageSuccess(stageID string) {
	stageCounter(stageID).successes.Add(1)
}

// lastAttempt holds the coarse code of the most recent run — "ok" or a
// machine-readable failure code. Never an entity id or raw error text.
var lastAttempt atomic.Value // string

func SetLastAttempt(code string) { lastAttempt.Store(code) }

func LastAttempt() string {
	if v, ok := lastAttempt.Load().(string); ok {
		return v
	}
	return "none"
}

// GetMetrics returns a snapshot of all counters including cache stats.
func GetMetrics() map[string]int64 {
	hits, misses := CacheStats()
	out := map[string]int64{
		"runs_total":        metrics.Runs.Load(),
		"runs_succeeded":    metrics.RunsSucceeded.Load(),
		"runs_exhausted":    metrics.RunsExhausted.Load(),
		"stage_attempts":    metrics.StageAttempts.Load(),
		"session_rotations": metrics.SessionRotations.Load(),
		"consent_retries":   metrics.ConsentRetries.Load(),
		"circuit_skips":     metrics.CircuitSkips.Load(),
		"cache_hits":        hits,
		"cache_misses":      misses,
	}
	perStage.Range(func(key, val any) bool {
		sc := val.(*stageCounters)
		out["stage_"+key.(string)+"_attempts"] = sc.attempts.Load()
		out["stage_"+key.(string)+"_successes"] = sc.successes.Load()
		return true
	})
	return out
}

// FormatMetrics returns metrics as a simple text format for HTTP endpoint.
func FormatMetrics() string {
	m := GetMetrics()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys) // stable order for scraping
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s %d\n", k, m[k])
	}
	return sb.String()
}
