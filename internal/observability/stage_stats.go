// Package observability tracks per-stage throughput of pipeline runs.
package observability

import (
	"sort"
	"sync"
	"time"
)

// PipelineStats accumulates file, row, byte and time totals per stage.
type PipelineStats struct {
	mu     sync.RWMutex
	stages map[string]*StageStats
}

// StageStats holds the totals of one stage (e.g. "convert", "join").
type StageStats struct {
	Stage    string
	Files    int64
	Failures int64
	Rows     int64
	Bytes    int64
	// Elapsed sums the wall time of every file, so it exceeds the stage's
	// wall time when files run concurrently.
	Elapsed  time.Duration
	LastSeen time.Time
}

// RowsPerSecond is the stage throughput per unit of worker time.
func (s StageStats) RowsPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Rows) / s.Elapsed.Seconds()
}

// NewPipelineStats creates an empty tracker.
func NewPipelineStats() *PipelineStats {
	return &PipelineStats{stages: make(map[string]*StageStats)}
}

// Record adds one processed file to a stage. A non-nil err counts a
// failure and adds only the elapsed time. Safe for concurrent use.
func (p *PipelineStats) Record(stage string, rows, bytes int64, elapsed time.Duration, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.stages[stage]
	if !ok {
		s = &StageStats{Stage: stage}
		p.stages[stage] = s
	}
	s.Elapsed += elapsed
	s.LastSeen = time.Now()
	if err != nil {
		s.Failures++
		return
	}
	s.Files++
	s.Rows += rows
	s.Bytes += bytes
}

// Stage returns a copy of one stage's totals.
func (p *PipelineStats) Stage(name string) (StageStats, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.stages[name]
	if !ok {
		return StageStats{Stage: name}, false
	}
	return *s, true
}

// Stages returns copies of every stage, slowest first.
func (p *PipelineStats) Stages() []StageStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]StageStats, 0, len(p.stages))
	for _, s := range p.stages {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Elapsed != out[j].Elapsed {
			return out[i].Elapsed > out[j].Elapsed
		}
		return out[i].Stage < out[j].Stage
	})
	return out
}

// Reset drops every stage.
func (p *PipelineStats) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages = make(map[string]*StageStats)
}
