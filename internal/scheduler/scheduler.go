// Package scheduler drives a session's work items through the pipeline in
// bounded concurrent batches and persists every outcome.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/venue-enrichment/internal/enrich"
	"github.com/JakeFAU/venue-enrichment/internal/metrics"
	"github.com/JakeFAU/venue-enrichment/internal/pipeline"
	"github.com/JakeFAU/venue-enrichment/internal/progress"
	"github.com/JakeFAU/venue-enrichment/internal/store"
)

// ErrBatchInfrastructure marks items that failed because their batch could
// not be persisted.
var ErrBatchInfrastructure = errors.New("batch infrastructure failure")

// FinalizerName identifies the scheduler in session events.
const FinalizerName = "scheduler"

const finalizeTimeout = 30 * time.Second

// Processor enriches one item.
type Processor interface {
	Process(ctx context.Context, item enrich.WorkItem, observers ...pipeline.Observer) enrich.ExtractionResult
}

// Options bounds the scheduler's concurrency and wires its hooks.
type Options struct {
	BatchSize            int
	MaxConcurrentBatches int
	ItemConcurrency      int
	ProgressCallback     progress.Callback
	Notifier             enrich.Notifier
}

// ProfileFor returns concurrency defaults sized for the run. Browser-heavy
// runs use smaller batches and fewer of them in flight.
func ProfileFor(browserHeavy bool) Options {
	if browserHeavy {
		return Options{BatchSize: 5, MaxConcurrentBatches: 2, ItemConcurrency: 2}
	}
	return Options{BatchSize: 10, MaxConcurrentBatches: 4, ItemConcurrency: 4}
}

func (o Options) withDefaults() Options {
	def := ProfileFor(false)
	if o.BatchSize <= 0 {
		o.BatchSize = def.BatchSize
	}
	if o.MaxConcurrentBatches <= 0 {
		o.MaxConcurrentBatches = def.MaxConcurrentBatches
	}
	if o.ItemConcurrency <= 0 {
		o.ItemConcurrency = def.ItemConcurrency
	}
	return o
}

// ItemOutcome is the final state of one submitted item.
type ItemOutcome struct {
	Index  int                     `json:"index"`
	ItemID string                  `json:"item_id,omitempty"`
	Name   string                  `json:"name"`
	Batch  int                     `json:"batch"`
	Status enrich.ItemStatus       `json:"status"`
	Result enrich.ExtractionResult `json:"result"`
	Error  string                  `json:"error,omitempty"`
}

// Report summarizes a finished run. Items holds exactly one outcome per
// submitted item in submission order.
type Report struct {
	SessionID string               `json:"session_id"`
	Status    enrich.SessionStatus `json:"status"`
	Total     int                  `json:"total"`
	Completed int                  `json:"completed"`
	Failed    int                  `json:"failed"`
	Batches   int                  `json:"batches"`
	Elapsed   time.Duration        `json:"elapsed"`
	Progress  progress.Snapshot    `json:"progress"`
	Items     []ItemOutcome        `json:"items"`
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(clock enrich.Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Scheduler runs sessions. A Scheduler may run several sessions at once.
type Scheduler struct {
	store  store.Store
	proc   Processor
	opts   Options
	clock  enrich.Clock
	logger *zap.Logger

	mu      sync.Mutex
	running map[string]*progress.Tracker
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// New builds a Scheduler.
func New(st store.Store, proc Processor, opts Options, options ...Option) (*Scheduler, error) {
	if st == nil {
		return nil, errors.New("scheduler requires a store")
	}
	if proc == nil {
		return nil, errors.New("scheduler requires a processor")
	}
	s := &Scheduler{
		store:   st,
		proc:    proc,
		opts:    opts.withDefaults(),
		clock:   wallClock{},
		logger:  zap.NewNop(),
		running: make(map[string]*progress.Tracker),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Options returns the effective options.
func (s *Scheduler) Options() Options { return s.opts }

// Progress returns the live snapshot of a session this scheduler is running.
func (s *Scheduler) Progress(sessionID string) (progress.Snapshot, bool) {
	s.mu.Lock()
	t, ok := s.running[sessionID]
	s.mu.Unlock()
	if !ok {
		return progress.Snapshot{}, false
	}
	return t.Stats(), true
}

// CreateSession persists a new session for items and runs it to completion.
func (s *Scheduler) CreateSession(ctx context.Context, name string, items []enrich.WorkItem) (Report, error) {
	id, err := s.store.CreateSession(ctx, name, len(items))
	if err != nil {
		return Report{}, fmt.Errorf("create session: %w", err)
	}
	return s.Run(ctx, id, items)
}

// Submit persists a new session and runs it in the background. The run
// outlives ctx's cancellation; the returned channel yields its report.
func (s *Scheduler) Submit(ctx context.Context, name string, items []enrich.WorkItem) (string, <-chan Report, error) {
	id, err := s.store.CreateSession(ctx, name, len(items))
	if err != nil {
		return "", nil, fmt.Errorf("create session: %w", err)
	}
	done := make(chan Report, 1)
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(done)
		report, err := s.Run(runCtx, id, items)
		if err != nil {
			s.logger.Error("session run failed", zap.String("session_id", id), zap.Error(err))
		}
		done <- report
	}()
	return id, done, nil
}

// Run processes items for an existing session, then finalizes it. Item and
// batch failures never abort the run; the report always lists every item.
func (s *Scheduler) Run(ctx context.Context, sessionID string, items []enrich.WorkItem) (Report, error) {
	if sessionID == "" {
		return Report{}, errors.New("session id is required")
	}
	start := s.clock.Now()
	log := s.logger.With(zap.String("session_id", sessionID))
	tracker := progress.New(len(items), s.clock)
	s.track(sessionID, tracker)
	defer s.untrack(sessionID)

	if err := s.store.UpdateActivity(ctx, sessionID); err != nil {
		log.Warn("touch session activity failed", zap.Error(err))
	}

	batches := partition(len(items), s.opts.BatchSize)
	log.Info("session started",
		zap.Int("items", len(items)),
		zap.Int("batches", len(batches)),
		zap.Int("batch_size", s.opts.BatchSize),
		zap.Int("max_concurrent_batches", s.opts.MaxConcurrentBatches),
		zap.Int("item_concurrency", s.opts.ItemConcurrency),
	)

	r := &run{
		sessionID: sessionID,
		tracker:   tracker,
		outcomes:  make([]ItemOutcome, len(items)),
		log:       log,
	}
	var g errgroup.Group
	g.SetLimit(s.opts.MaxConcurrentBatches)
	for n, span := range batches {
		g.Go(func() error {
			s.runBatch(ctx, r, n+1, span, items[span.lo:span.hi])
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		SessionID: sessionID,
		Total:     len(items),
		Batches:   len(batches),
		Items:     r.outcomes,
	}
	for _, o := range r.outcomes {
		if o.Status == enrich.ItemCompleted {
			report.Completed++
		} else {
			report.Failed++
		}
	}

	status, err := s.finalize(ctx, sessionID, len(items), report, log)
	report.Status = status
	report.Elapsed = s.clock.Now().Sub(start)
	report.Progress = tracker.Stats()
	log.Info("session finished",
		zap.String("status", string(status)),
		zap.Int("completed", report.Completed),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report, err
}

type span struct{ lo, hi int }

func partition(n, size int) []span {
	if n == 0 {
		return nil
	}
	out := make([]span, 0, (n+size-1)/size)
	for lo := 0; lo < n; lo += size {
		out = append(out, span{lo: lo, hi: min(lo+size, n)})
	}
	return out
}

// run holds the state shared by one session's batches.
type run struct {
	sessionID string
	tracker   *progress.Tracker
	outcomes  []ItemOutcome
	log       *zap.Logger
	cbMu      sync.Mutex
}

func (s *Scheduler) runBatch(ctx context.Context, r *run, number int, sp span, items []enrich.WorkItem) {
	log := r.log.With(zap.Int("batch", number))
	filled := make([]bool, len(items))
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("batch panicked", zap.Any("panic", rec))
			err := fmt.Errorf("batch %d panicked: %v", number, rec)
			for i, done := range filled {
				if !done {
					s.failItem(ctx, r, sp.lo+i, number, items[i], err)
				}
			}
			metrics.ObserveBatch("failed")
		}
	}()

	log.Debug("batch started", zap.Int("items", len(items)))
	ids, err := s.store.InsertWorkItems(ctx, r.sessionID, items)
	if err == nil && len(ids) != len(items) {
		err = fmt.Errorf("inserted %d of %d work items", len(ids), len(items))
	}
	if err == nil {
		err = s.store.MarkProcessing(ctx, ids)
	}
	if err != nil {
		berr := fmt.Errorf("%w: batch %d: %w", ErrBatchInfrastructure, number, err)
		log.Error("batch persistence failed", zap.Error(err))
		for i, item := range items {
			if i < len(ids) {
				item.ID = ids[i]
			}
			s.failItem(ctx, r, sp.lo+i, number, item, berr)
			filled[i] = true
		}
		metrics.ObserveBatch("failed")
		s.finishBatch(ctx, r, number, log)
		return
	}

	var g errgroup.Group
	g.SetLimit(s.opts.ItemConcurrency)
	for i, item := range items {
		item.ID = ids[i]
		g.Go(func() error {
			s.runItem(ctx, r, sp.lo+i, number, item)
			filled[i] = true
			return nil
		})
	}
	_ = g.Wait()
	metrics.ObserveBatch("ok")
	s.finishBatch(ctx, r, number, log)
}

func (s *Scheduler) finishBatch(ctx context.Context, r *run, number int, log *zap.Logger) {
	if err := s.store.UpdateActivity(ctx, r.sessionID); err != nil {
		log.Warn("update session activity failed", zap.Error(err))
	}
	r.tracker.BatchDone(number)
	s.report(ctx, r)
	log.Debug("batch finished")
}

func (s *Scheduler) runItem(ctx context.Context, r *run, index, batch int, item enrich.WorkItem) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("item panicked", zap.String("item_id", item.ID), zap.Any("panic", rec))
			s.failItem(ctx, r, index, batch, item, fmt.Errorf("item panicked: %v", rec))
		}
	}()

	res := s.proc.Process(ctx, item, func(source string, sr enrich.SourceResult) {
		r.tracker.RecordSource(source, sr.Outcome)
	})
	res.WorkItemID = item.ID
	if err := s.store.RecordResult(ctx, item.ID, res); err != nil {
		r.log.Error("record item result failed", zap.String("item_id", item.ID), zap.Error(err))
		res.OverallSuccess = false
		res.Error = fmt.Sprintf("record result: %v", err)
	}
	s.settle(ctx, r, index, batch, item, res)
}

// failItem records item as failed without running the pipeline. Persisting
// the failure is best effort.
func (s *Scheduler) failItem(ctx context.Context, r *run, index, batch int, item enrich.WorkItem, cause error) {
	res := enrich.FailedExtraction(item, cause)
	if item.ID != "" {
		if err := s.store.RecordResult(ctx, item.ID, res); err != nil && !errors.Is(err, store.ErrNotActive) {
			r.log.Warn("record failed item", zap.String("item_id", item.ID), zap.Error(err))
		}
	}
	s.settle(ctx, r, index, batch, item, res)
}

func (s *Scheduler) settle(ctx context.Context, r *run, index, batch int, item enrich.WorkItem, res enrich.ExtractionResult) {
	status := enrich.ItemFailed
	if res.OverallSuccess {
		status = enrich.ItemCompleted
	}
	r.outcomes[index] = ItemOutcome{
		Index:  index,
		ItemID: item.ID,
		Name:   item.Name,
		Batch:  batch,
		Status: status,
		Result: res,
		Error:  res.Error,
	}
	metrics.ObserveItem(string(status))
	r.tracker.Update(res.OverallSuccess)
	s.report(ctx, r)
}

func (s *Scheduler) report(ctx context.Context, r *run) {
	if s.opts.ProgressCallback == nil {
		return
	}
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	_ = progress.Invoke(ctx, s.opts.ProgressCallback, r.tracker.Stats(), s.logger)
}

// finalize moves the session to its terminal status from persisted counts,
// falling back to the run's own counts when the store cannot answer.
func (s *Scheduler) finalize(ctx context.Context, sessionID string, total int, report Report, log *zap.Logger) (enrich.SessionStatus, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	processed := report.Completed + report.Failed
	stats, err := s.store.GetSessionStats(ctx, sessionID)
	if err != nil {
		log.Warn("session stats unavailable, using run counts", zap.Error(err))
	} else {
		processed = stats.Processed()
	}
	status := enrich.SessionFailed
	if processed > 0 {
		status = enrich.SessionCompleted
	}

	if err := s.store.FinalizeSession(ctx, sessionID, status, processed); err != nil {
		if errors.Is(err, store.ErrNotActive) {
			log.Info("session already finalized")
			current, getErr := s.store.GetSession(ctx, sessionID)
			if getErr == nil {
				return current.Status, nil
			}
			return status, nil
		}
		return status, fmt.Errorf("finalize session %s: %w", sessionID, err)
	}
	metrics.ObserveSession(string(status))

	if s.opts.Notifier != nil {
		event := enrich.SessionEvent{
			SessionID: sessionID,
			Status:    status,
			Processed: processed,
			Total:     total,
			Finalizer: FinalizerName,
			At:        s.clock.Now(),
		}
		if err := s.opts.Notifier.Publish(ctx, event); err != nil {
			log.Warn("publish session event failed", zap.Error(err))
		}
	}
	return status, nil
}

func (s *Scheduler) track(id string, t *progress.Tracker) {
	s.mu.Lock()
	s.running[id] = t
	s.mu.Unlock()
}

func (s *Scheduler) untrack(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}
