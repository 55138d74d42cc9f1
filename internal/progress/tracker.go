package progress

import (
	"sync"
	"time"

	"github.com/JakeFAU/venue-enrichment/internal/enrich"
)

// SourceCounts tallies outcomes for one source.
type SourceCounts struct {
	OK      int `json:"ok"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Snapshot is a consistent copy of the tracker state.
type Snapshot struct {
	Total            int                     `json:"total"`
	Completed        int                     `json:"completed"`
	Errors           int                     `json:"errors"`
	PerSource        map[string]SourceCounts `json:"per_source"`
	ProgressPercent  float64                 `json:"progress_percent"`
	ElapsedSeconds   float64                 `json:"elapsed_seconds"`
	ETASeconds       float64                 `json:"eta_seconds"`
	BatchesCompleted int                     `json:"batches_completed"`
	LastBatch        int                     `json:"last_batch,omitempty"`
}

// Tracker accumulates progress for one run. All methods are safe for
// concurrent use.
type Tracker struct {
	clock enrich.Clock
	start time.Time

	mu        sync.Mutex
	total     int
	completed int
	errors    int
	perSource map[string]SourceCounts
	batches   int
	lastBatch int
}

// New creates a tracker for total items, starting the clock now.
func New(total int, clock enrich.Clock) *Tracker {
	return &Tracker{
		clock:     clock,
		start:     clock.Now(),
		total:     total,
		perSource: make(map[string]SourceCounts),
	}
}

// Update records one finished item.
func (t *Tracker) Update(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completed++
	if !success {
		t.errors++
	}
}

// RecordSource counts one source outcome.
func (t *Tracker) RecordSource(name string, outcome enrich.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.perSource[name]
	switch outcome {
	case enrich.OutcomeOK:
		c.OK++
	case enrich.OutcomeSkipped:
		c.Skipped++
	default:
		c.Failed++
	}
	t.perSource[name] = c
}

// RecordResult counts every source outcome in res.
func (t *Tracker) RecordResult(res enrich.ExtractionResult) {
	for name, s := range res.Sources {
		t.RecordSource(name, s.Outcome)
	}
}

// BatchDone records a completed batch (1-based number).
func (t *Tracker) BatchDone(number int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batches++
	t.lastBatch = number
}

// Stats returns a snapshot. ETA is zero until the first item completes.
func (t *Tracker) Stats() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := t.clock.Now().Sub(t.start).Seconds()
	s := Snapshot{
		Total:            t.total,
		Completed:        t.completed,
		Errors:           t.errors,
		PerSource:        make(map[string]SourceCounts, len(t.perSource)),
		ElapsedSeconds:   elapsed,
		BatchesCompleted: t.batches,
		LastBatch:        t.lastBatch,
	}
	for k, v := range t.perSource {
		s.PerSource[k] = v
	}
	if t.total > 0 {
		s.ProgressPercent = float64(t.completed) / float64(t.total) * 100
	}
	if t.completed > 0 {
		remaining := max(t.total-t.completed, 0)
		s.ETASeconds = elapsed / float64(t.completed) * float64(remaining)
	}
	return s
}
