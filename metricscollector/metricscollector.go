// Package metricscollector implements the Metrics Collector (C9):
// monotonic counters plus a 24h ring buffer of ProcessingEvent records,
// adapted from the teacher's internal/metrics singleton (expvar counters,
// one process-wide instance) generalized with the ring buffer and
// snapshot aggregation the spec calls for.
package metricscollector

import (
	"expvar"
	"sort"
	"sync"
	"time"
)

// EventKind enumerates the events named in §4.9.
type EventKind string

const (
	EventEmailSent         EventKind = "email_sent"
	EventEmailFailed       EventKind = "email_failed"
	EventBatchProcessed    EventKind = "batch_processed"
	EventTemplateProcessed EventKind = "template_processed"
	EventHealthCheck       EventKind = "health_check"
)

// ProcessingEvent is one ring-buffer entry.
type ProcessingEvent struct {
	Kind         EventKind
	Success      bool
	Priority     int
	TemplateID   string
	ProcessingMs float64
	OccurredAt   time.Time
}

// Collector is thread-safe: counters are lock-free increments, the ring
// buffer and snapshot logic share a single lock as the concurrency
// model requires.
type Collector struct {
	mu     sync.Mutex
	events []ProcessingEvent

	emailsSent      *expvar.Int
	emailsFailed    *expvar.Int
	batchesRun      *expvar.Int
	templatesRun    *expvar.Int
	healthChecksRun *expvar.Int

	window time.Duration
}

// New creates a collector with the spec's default 24h retention window.
// Publishing under a fixed expvar name would panic on a second New() in
// the same process (as tests do), so each collector gets its own
// private expvar.Int rather than sharing the package-wide map.
func New() *Collector {
	return &Collector{
		events:          make([]ProcessingEvent, 0, 256),
		emailsSent:      new(expvar.Int),
		emailsFailed:    new(expvar.Int),
		batchesRun:      new(expvar.Int),
		templatesRun:    new(expvar.Int),
		healthChecksRun: new(expvar.Int),
		window:          24 * time.Hour,
	}
}

// Record appends an event, evicts anything older than the window, and
// bumps the matching counter.
func (c *Collector) Record(ev ProcessingEvent) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	switch ev.Kind {
	case EventEmailSent:
		c.emailsSent.Add(1)
	case EventEmailFailed:
		c.emailsFailed.Add(1)
	case EventBatchProcessed:
		c.batchesRun.Add(1)
	case EventTemplateProcessed:
		c.templatesRun.Add(1)
	case EventHealthCheck:
		c.healthChecksRun.Add(1)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	c.evictLocked(ev.OccurredAt)
}

func (c *Collector) evictLocked(now time.Time) {
	cutoff := now.Add(-c.window)
	i := 0
	for i < len(c.events) && c.events[i].OccurredAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.events = append([]ProcessingEvent(nil), c.events[i:]...)
	}
}

// Snapshot is the §4.9 aggregate view.
type Snapshot struct {
	TotalSent            int64
	TotalFailed          int64
	SuccessRate          float64
	AvgProcessingMs      float64
	PeakHourlyRate       int
	PriorityDistribution map[int]int
	TopTemplates         []TemplateUsage
}

// TemplateUsage is one row of the top-N template usage list.
type TemplateUsage struct {
	TemplateID string
	Count      int
}

// Snapshot computes the current aggregates over the retained window.
func (c *Collector) Snapshot(now time.Time, topN int) Snapshot {
	c.mu.Lock()
	c.evictLocked(now)
	events := append([]ProcessingEvent(nil), c.events...)
	c.mu.Unlock()

	snap := Snapshot{PriorityDistribution: make(map[int]int)}
	var totalMs float64
	var msCount int
	hourly := make(map[int64]int)
	templateCounts := make(map[string]int)

	for _, ev := range events {
		switch ev.Kind {
		case EventEmailSent:
			snap.TotalSent++
		case EventEmailFailed:
			snap.TotalFailed++
		}
		if ev.Kind == EventEmailSent || ev.Kind == EventEmailFailed {
			snap.PriorityDistribution[ev.Priority]++
			hourly[ev.OccurredAt.Unix()/3600]++
		}
		if ev.ProcessingMs > 0 {
			totalMs += ev.ProcessingMs
			msCount++
		}
		if ev.TemplateID != "" {
			templateCounts[ev.TemplateID]++
		}
	}

	if total := snap.TotalSent + snap.TotalFailed; total > 0 {
		snap.SuccessRate = float64(snap.TotalSent) / float64(total)
	}
	if msCount > 0 {
		snap.AvgProcessingMs = totalMs / float64(msCount)
	}
	for _, count := range hourly {
		if count > snap.PeakHourlyRate {
			snap.PeakHourlyRate = count
		}
	}

	snap.TopTemplates = topTemplates(templateCounts, topN)
	return snap
}

func topTemplates(counts map[string]int, topN int) []TemplateUsage {
	out := make([]TemplateUsage, 0, len(counts))
	for id, count := range counts {
		out = append(out, TemplateUsage{TemplateID: id, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].TemplateID < out[j].TemplateID
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}
