// Copyright 2025 FlowGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promWorkflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgate_orchestrator_workflows_total",
			Help: "Total number of workflow executions by terminal outcome",
		},
		[]string{"outcome"},
	)
	promPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowgate_orchestrator_phase_duration_milliseconds",
			Help:    "Phase duration in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"phase"},
	)
	promGuardrailBlocks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowgate_orchestrator_guardrail_blocks_total",
			Help: "Total number of workflows blocked by a critical guardrail",
		},
	)
	promDegradedPhases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgate_orchestrator_degraded_phases_total",
			Help: "Total number of phases completed in degraded mode",
		},
		[]string{"phase"},
	)
	promRateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgate_orchestrator_rate_limit_rejections_total",
			Help: "Total number of calls rejected by tenant quota",
		},
		[]string{"service"},
	)
	auditSinkFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowgate_orchestrator_audit_sink_failures_total",
			Help: "Total number of audit sink write failures",
		},
	)
	promCacheCorruptions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowgate_orchestrator_cache_corruptions_total",
			Help: "Total number of corrupt context cache entries discarded",
		},
	)
)

func init() {
	prometheus.MustRegister(promWorkflowsTotal)
	prometheus.MustRegister(promPhaseDuration)
	prometheus.MustRegister(promGuardrailBlocks)
	prometheus.MustRegister(promDegradedPhases)
	prometheus.MustRegister(promRateLimitRejections)
	prometheus.MustRegister(auditSinkFailures)
	prometheus.MustRegister(promCacheCorruptions)
}

// MetricsCollector aggregates per-phase latency statistics for the stats
// endpoint. Prometheus covers dashboards; this keeps a process-local view
// with percentiles for quick operational checks.
type MetricsCollector struct {
	mu        sync.RWMutex
	startTime time.Time

	totalWorkflows    int64
	completedCount    int64
	degradedCount     int64
	failedCount       int64
	blockedCount      int64
	phaseLatencies    map[Phase][]int64
	latencySampleSize int
}

// PhaseStats is the derived latency summary for one phase.
type PhaseStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avg_ms"`
	P95Ms int64 `json:"p95_ms"`
	P99Ms int64 `json:"p99_ms"`
}

// StatsSnapshot is the stats endpoint payload.
type StatsSnapshot struct {
	UptimeSeconds  int64                 `json:"uptime_seconds"`
	TotalWorkflows int64                 `json:"total_workflows"`
	Completed      int64                 `json:"completed"`
	Degraded       int64                 `json:"degraded"`
	Failed         int64                 `json:"failed"`
	Blocked        int64                 `json:"blocked"`
	Phases         map[Phase]*PhaseStats `json:"phases"`
}

// NewMetricsCollector creates a collector keeping the last 1000 samples
// per phase for percentile calculation.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startTime:         time.Now(),
		phaseLatencies:    make(map[Phase][]int64),
		latencySampleSize: 1000,
	}
}

// RecordPhase records one phase duration in both Prometheus and the
// local sample window.
func (c *MetricsCollector) RecordPhase(phase Phase, latencyMs int64) {
	promPhaseDuration.WithLabelValues(string(phase)).Observe(float64(latencyMs))

	c.mu.Lock()
	defer c.mu.Unlock()
	samples := append(c.phaseLatencies[phase], latencyMs)
	if len(samples) > c.latencySampleSize {
		samples = samples[len(samples)-c.latencySampleSize:]
	}
	c.phaseLatencies[phase] = samples
}

// RecordWorkflow records a terminal workflow outcome.
func (c *MetricsCollector) RecordWorkflow(outcome Outcome, degraded bool) {
	label := string(outcome)
	if degraded && outcome == OutcomeSuccess {
		label = string(OutcomeDegraded)
	}
	promWorkflowsTotal.WithLabelValues(label).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalWorkflows++
	switch {
	case outcome == OutcomeBlocked:
		c.blockedCount++
	case outcome == OutcomeError:
		c.failedCount++
	case degraded:
		c.degradedCount++
	default:
		c.completedCount++
	}
}

// Snapshot returns the derived statistics.
func (c *MetricsCollector) Snapshot() *StatsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &StatsSnapshot{
		UptimeSeconds:  int64(time.Since(c.startTime).Seconds()),
		TotalWorkflows: c.totalWorkflows,
		Completed:      c.completedCount,
		Degraded:       c.degradedCount,
		Failed:         c.failedCount,
		Blocked:        c.blockedCount,
		Phases:         make(map[Phase]*PhaseStats),
	}
	for phase, samples := range c.phaseLatencies {
		if len(samples) == 0 {
			continue
		}
		var total int64
		for _, s := range samples {
			total += s
		}
		snap.Phases[phase] = &PhaseStats{
			Count: int64(len(samples)),
			AvgMs: total / int64(len(samples)),
			P95Ms: percentile(samples, 95),
			P99Ms: percentile(samples, 99),
		}
	}
	return snap
}

// percentile computes the nth percentile over a copied, sorted sample set.
func percentile(samples []int64, pct int) int64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := (len(sorted) * pct) / 100
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
